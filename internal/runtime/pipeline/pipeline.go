// Package pipeline executes envelopes against the registered handlers and
// reports the outcome through a Callback: completion, immediate retry,
// scheduled retry or dead lettering.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/durabus/internal/runtime/envelope"
	"github.com/drblury/durabus/internal/runtime/logging"
)

// Callback receives the outcome of an execution. Worker queues implement it.
type Callback interface {
	Complete(ctx context.Context, env *envelope.Envelope) error
	MoveToErrors(ctx context.Context, env *envelope.Envelope, cause error) error
	Requeue(ctx context.Context, env *envelope.Envelope) error
	MoveToScheduledUntil(ctx context.Context, env *envelope.Envelope, at time.Time) error
}

// Pipeline is the narrow contract worker queues depend on.
type Pipeline interface {
	Invoke(ctx context.Context, env *envelope.Envelope, cb Callback) error
}

// Executor is the Pipeline backed by a Registry.
type Executor struct {
	registry    *Registry
	middlewares []MiddlewareRegistration
	policy      RetryPolicy
	logger      logging.ServiceLogger
	messages    logging.MessageLogger
	now         func() time.Time
}

var _ Pipeline = (*Executor)(nil)

// Option customises an Executor.
type Option func(*Executor)

// WithMiddlewares replaces the default middleware chain.
func WithMiddlewares(regs ...MiddlewareRegistration) Option {
	return func(e *Executor) { e.middlewares = regs }
}

// WithRetryPolicy sets the failure policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Executor) { e.policy = p.withDefaults() }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor builds an Executor over registry.
func NewExecutor(registry *Registry, logger logging.ServiceLogger, opts ...Option) *Executor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	e := &Executor{
		registry: registry,
		policy:   DefaultRetryPolicy(),
		logger:   logger,
		messages: logging.NewMessageLogger(logger),
		now:      time.Now,
	}
	e.middlewares = DefaultMiddlewares(logger)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the retry policy in use.
func (e *Executor) Policy() RetryPolicy {
	return e.policy
}

// Invoke runs env and reports the outcome to cb. The returned error is the
// callback's error; handler failures are expressed through cb.
func (e *Executor) Invoke(ctx context.Context, env *envelope.Envelope, cb Callback) error {
	now := e.now()
	if env.IsExpired(now) {
		e.messages.DiscardedEnvelope(env, "expired")
		return cb.Complete(ctx, env)
	}

	handler, ok := e.registry.Lookup(env.MessageType)
	if !ok {
		e.messages.NoHandlerFor(env)
		return cb.Complete(ctx, env)
	}

	if env.ContentType == "" {
		env.ContentType = e.registry.Graph().DefaultContentType()
	}
	if env.Message == nil {
		if _, err := e.registry.Graph().Deserialize(env); err != nil {
			return e.fail(ctx, env, err, cb)
		}
	}

	err := Chain(handler, e.middlewares...)(ctx, env)
	if err == nil {
		e.messages.MessageSucceeded(env)
		return cb.Complete(ctx, env)
	}
	return e.fail(ctx, env, err, cb)
}

func (e *Executor) fail(ctx context.Context, env *envelope.Envelope, cause error, cb Callback) error {
	decision := e.policy.Decide(env.Attempts, cause)
	if decision.Action != ActionComplete {
		e.messages.MessageFailed(env, cause)
	}

	switch decision.Action {
	case ActionComplete:
		return cb.Complete(ctx, env)
	case ActionRequeue:
		return cb.Requeue(ctx, env)
	case ActionSchedule:
		return cb.MoveToScheduledUntil(ctx, env, e.now().Add(decision.Delay))
	case ActionDeadLetter:
		return cb.MoveToErrors(ctx, env, cause)
	default:
		return fmt.Errorf("durabus: unknown retry action %v", decision.Action)
	}
}
