// Package sending delivers outgoing envelopes to one destination with bounded
// concurrency behind a circuit breaker.
//
// An Agent is Open while the destination accepts sends. The first run of hard
// transport failures latches it: new work is parked in a backlog, in-flight
// sends finish and the backlog is replayed once the agent is unlatched by an
// operator or by a CircuitWatcher whose ping succeeds.
package sending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/drblury/durabus/internal/runtime/dataflow"
	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
	"github.com/drblury/durabus/internal/runtime/logging"
	"github.com/drblury/durabus/internal/runtime/scheduled"
	"github.com/drblury/durabus/transport"
)

// Callback receives the outcome of every send.
type Callback interface {
	MarkSuccessful(ctx context.Context, env *envelope.Envelope) error
	MarkFailed(ctx context.Context, env *envelope.Envelope, cause error) error
}

// Observer receives send outcomes and circuit changes, typically metrics.
type Observer interface {
	SendFinished(destination string, err error)
	LatchChanged(destination string, latched bool)
}

// Settings configure one agent.
type Settings struct {
	MaxConcurrency int
	// CircuitFailureThreshold is the number of consecutive transport failures
	// that latch the agent.
	CircuitFailureThreshold int
	// EmulateDelayedSend holds delayed envelopes in memory until they are due
	// when the sender cannot delay natively. Without it such envelopes fail
	// with an UnsupportedFeatureError.
	EmulateDelayedSend bool
}

// Agent sends envelopes for one destination.
type Agent struct {
	sender    transport.Sender
	settings  Settings
	logger    logging.ServiceLogger
	messages  logging.MessageLogger
	observer  Observer
	watcher   *CircuitWatcher
	scheduler *scheduled.Processor
	now       func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	callback Callback
	block    *dataflow.ActionBlock[*envelope.Envelope]
	breaker  *gobreaker.CircuitBreaker
	latched  bool
	drained  chan struct{}
	backlog  []*envelope.Envelope
	started  bool
	closed   bool
}

// Option customises an Agent.
type Option func(*Agent)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithObserver reports send outcomes to o.
func WithObserver(o Observer) Option {
	return func(a *Agent) { a.observer = o }
}

// WithCircuitWatcher probes the destination while the agent is latched and
// unlatches it on the first successful ping.
func WithCircuitWatcher(w CircuitWatcher) Option {
	return func(a *Agent) { a.watcher = &w }
}

// NewAgent creates an agent in the Open state. It sends nothing until Start.
func NewAgent(sender transport.Sender, settings Settings, logger logging.ServiceLogger, opts ...Option) (*Agent, error) {
	if sender == nil {
		return nil, errspkg.ErrSenderRequired
	}
	if settings.MaxConcurrency <= 0 {
		settings.MaxConcurrency = 1
	}
	if settings.CircuitFailureThreshold <= 0 {
		settings.CircuitFailureThreshold = 1
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	a := &Agent{
		sender:   sender,
		settings: settings,
		logger:   logger.With(logging.LogFields{"destination": sender.Destination()}),
		now:      time.Now,
		ctx:      context.Background(),
	}
	a.messages = logging.NewMessageLogger(a.logger)
	a.block = dataflow.NewActionBlock(settings.MaxConcurrency, a.send)
	a.breaker = a.newBreaker()
	a.scheduler = scheduled.NewProcessor(scheduled.ExecutorFunc(a.releaseDelayed), a.logger)
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Agent) newBreaker() *gobreaker.CircuitBreaker {
	threshold := uint32(a.settings.CircuitFailureThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: a.sender.Destination(),
		// The agent unlatches explicitly, the breaker is replaced on Unlatch.
		Timeout: 24 * time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransportFailure(err)
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				a.latch(false)
			}
		},
	})
}

// isTransportFailure separates failures of the destination from failures of
// the envelope itself. Only the former count against the circuit.
func isTransportFailure(err error) bool {
	switch {
	case errors.Is(err, errspkg.ErrUnsupportedFeature),
		errors.Is(err, errspkg.ErrEnvelopeDeserializing),
		errors.Is(err, errspkg.ErrEnvelopeExpired),
		errspkg.IsNonRetryable(err):
		return false
	}
	return true
}

// Destination returns the URI the agent sends to.
func (a *Agent) Destination() string {
	return a.sender.Destination()
}

// Latched reports whether the circuit is broken.
func (a *Agent) Latched() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latched
}

// QueuedCount is the number of envelopes accepted but not yet handed to the
// sender, including the latched backlog and delayed envelopes held in memory.
func (a *Agent) QueuedCount() int {
	a.mu.Lock()
	n := a.block.InputCount() + len(a.backlog)
	a.mu.Unlock()
	return n + a.scheduler.Count()
}

// Start begins sending and reports every outcome to cb.
func (a *Agent) Start(ctx context.Context, cb Callback) error {
	if cb == nil {
		return errors.New("durabus: sending callback is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errspkg.ErrAgentClosed
	}
	if a.started {
		return nil
	}
	a.started = true
	a.callback = cb
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.scheduler.Start(a.ctx)
	if !a.latched {
		a.block.Start(a.ctx)
	}
	return nil
}

// Enqueue accepts env for sending without blocking. While the agent is
// latched env is kept for replay on Unlatch.
func (a *Agent) Enqueue(_ context.Context, env *envelope.Envelope) error {
	if env.Destination == "" {
		env.Destination = a.Destination()
	}
	env.Status = envelope.StatusOutgoing

	if a.settings.EmulateDelayedSend && env.IsDelayed(a.now()) && !a.sender.SupportsNativeScheduledSend() {
		a.scheduler.Enqueue(*env.ExecutionTime, env)
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errspkg.ErrAgentClosed
	}
	if a.latched {
		a.backlog = append(a.backlog, env)
		return nil
	}
	return a.block.Post(env)
}

func (a *Agent) releaseDelayed(ctx context.Context, env *envelope.Envelope) error {
	return a.Enqueue(ctx, env)
}

// LatchAndDrain breaks the circuit: it stops accepting sends, parks unstarted
// envelopes in the backlog and returns once in-flight sends finished.
func (a *Agent) LatchAndDrain(_ context.Context) {
	a.latch(true)
}

// Latch breaks the circuit without waiting for in-flight sends, so it is safe
// to call from a send callback.
func (a *Agent) Latch() {
	a.latch(false)
}

func (a *Agent) latch(wait bool) {
	a.mu.Lock()
	if a.latched || a.closed {
		drained := a.drained
		a.mu.Unlock()
		if wait && drained != nil {
			<-drained
		}
		return
	}
	a.latched = true
	block := a.block
	drained := make(chan struct{})
	a.drained = drained
	ctx, started := a.ctx, a.started
	a.mu.Unlock()

	a.messages.CircuitBroken(a.Destination())
	if a.observer != nil {
		a.observer.LatchChanged(a.Destination(), true)
	}

	drain := func() {
		defer close(drained)
		pending := block.Drain()
		a.mu.Lock()
		a.backlog = append(pending, a.backlog...)
		a.mu.Unlock()
	}
	if wait {
		drain()
	} else {
		// Called from inside a send, which Drain would wait for.
		go drain()
	}

	if a.watcher != nil && started {
		go func() {
			if err := a.watcher.Watch(ctx, a); err != nil && ctx.Err() == nil {
				a.logger.Error("Circuit watcher stopped", err, nil)
			}
		}()
	}
}

// Unlatch restores the Open state, restarts the send loop and replays the
// backlog in order.
func (a *Agent) Unlatch(_ context.Context) error {
	a.mu.Lock()
	drained := a.drained
	a.mu.Unlock()
	if drained != nil {
		<-drained
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errspkg.ErrAgentClosed
	}
	if !a.latched {
		a.mu.Unlock()
		return nil
	}
	a.latched = false
	a.breaker = a.newBreaker()
	a.block = dataflow.NewActionBlock(a.settings.MaxConcurrency, a.send)
	for _, env := range a.backlog {
		_ = a.block.Post(env)
	}
	replayed := len(a.backlog)
	a.backlog = nil
	if a.started {
		a.block.Start(a.ctx)
	}
	a.mu.Unlock()

	a.messages.CircuitResumed(a.Destination())
	a.logger.Info("Replaying latched envelopes", logging.LogFields{"count": replayed})
	if a.observer != nil {
		a.observer.LatchChanged(a.Destination(), false)
	}
	return nil
}

// Ping sends a zero-payload probe. While Open the result counts against the
// circuit; while latched it goes straight to the sender.
func (a *Agent) Ping(ctx context.Context) error {
	env := envelope.ForPing(a.Destination())
	a.mu.Lock()
	latched, breaker := a.latched, a.breaker
	a.mu.Unlock()

	if latched {
		return a.sender.Send(ctx, env)
	}
	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, a.sender.Send(ctx, env)
	})
	return err
}

// Close stops the agent. Envelopes not yet sent stay in the durable store for
// recovery.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel := a.cancel
	block := a.block
	drained := a.drained
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.scheduler.Stop()
	block.Drain()
	if drained != nil {
		<-drained
	}
	return a.sender.Close()
}

func (a *Agent) send(ctx context.Context, env *envelope.Envelope) {
	a.mu.Lock()
	latched, breaker, cb := a.latched, a.breaker, a.callback
	if latched {
		a.backlog = append(a.backlog, env)
	}
	a.mu.Unlock()
	if latched {
		return
	}

	now := a.now()
	if env.IsExpired(now) {
		a.fail(ctx, cb, env, errspkg.ErrEnvelopeExpired)
		return
	}
	if env.IsDelayed(now) && !a.sender.SupportsNativeScheduledSend() {
		a.fail(ctx, cb, env, &errspkg.UnsupportedFeatureError{Feature: "Delayed Message Delivery"})
		return
	}

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, a.sender.Send(ctx, env)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		a.mu.Lock()
		a.backlog = append(a.backlog, env)
		a.mu.Unlock()
		return
	}
	if a.observer != nil {
		a.observer.SendFinished(a.Destination(), err)
	}
	if err != nil {
		a.fail(ctx, cb, env, err)
		return
	}

	a.messages.Sent(env)
	a.guard(env, "success", func() error { return cb.MarkSuccessful(ctx, env) })
}

func (a *Agent) fail(ctx context.Context, cb Callback, env *envelope.Envelope, cause error) {
	a.guard(env, "failure", func() error { return cb.MarkFailed(ctx, env, cause) })
}

// guard runs a callback and logs whatever it returns or panics with.
func (a *Agent) guard(env *envelope.Envelope, kind string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			a.messages.LogException(fmt.Errorf("durabus: %s callback panic: %v", kind, r), env.CorrelationID, "Send callback panicked")
		}
	}()
	if err := fn(); err != nil {
		a.messages.LogException(err, env.CorrelationID, "Send "+kind+" callback failed")
	}
}
