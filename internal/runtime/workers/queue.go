// Package workers turns received envelopes into handler executions with
// bounded concurrency. A Durable queue persists every envelope on receipt so
// a crash mid-handler is recovered by another node; a Lightweight queue keeps
// work in memory only.
package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/durabus/internal/runtime/dataflow"
	"github.com/drblury/durabus/internal/runtime/durability"
	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
	"github.com/drblury/durabus/internal/runtime/logging"
	"github.com/drblury/durabus/internal/runtime/pipeline"
	"github.com/drblury/durabus/internal/runtime/scheduled"
	"github.com/drblury/durabus/transport"
)

// Mode selects how a queue treats persistence.
type Mode int

const (
	Lightweight Mode = iota
	Durable
)

func (m Mode) String() string {
	if m == Durable {
		return "durable"
	}
	return "lightweight"
}

// Settings configure one queue.
type Settings struct {
	// Address is the listener URI the queue serves.
	Address            string
	Mode               Mode
	MaxConcurrency     int
	NodeID             int
	DefaultContentType string
}

// Observer receives execution outcomes, typically metrics.
type Observer interface {
	ExecutionFinished(messageType string, elapsed time.Duration, err error)
	DeadLettered(messageType string)
}

// WorkerQueue executes envelopes received on one address.
type WorkerQueue struct {
	settings  Settings
	pipeline  pipeline.Pipeline
	store     durability.Persistence
	block     *dataflow.ActionBlock[*envelope.Envelope]
	scheduler *scheduled.Processor
	logger    logging.ServiceLogger
	messages  logging.MessageLogger
	observer  Observer
	now       func() time.Time
}

var (
	_ pipeline.Callback          = (*WorkerQueue)(nil)
	_ transport.ReceiverCallback = (*WorkerQueue)(nil)
)

// Option customises a WorkerQueue.
type Option func(*WorkerQueue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *WorkerQueue) { q.now = now }
}

// WithObserver reports execution outcomes to o.
func WithObserver(o Observer) Option {
	return func(q *WorkerQueue) { q.observer = o }
}

// New creates a queue. store may be a durability.NullStore; dead letters of
// lightweight queues still go to it.
func New(settings Settings, p pipeline.Pipeline, store durability.Persistence, logger logging.ServiceLogger, opts ...Option) (*WorkerQueue, error) {
	if p == nil {
		return nil, errspkg.ErrPipelineRequired
	}
	if store == nil {
		if settings.Mode == Durable {
			return nil, errspkg.ErrStoreRequired
		}
		store = durability.NullStore{}
	}
	if settings.MaxConcurrency <= 0 {
		settings.MaxConcurrency = 1
	}
	if settings.DefaultContentType == "" {
		settings.DefaultContentType = envelope.DefaultContentType
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	q := &WorkerQueue{
		settings: settings,
		pipeline: p,
		store:    store,
		logger:   logger.With(logging.LogFields{"listener": settings.Address, "mode": settings.Mode.String()}),
		now:      time.Now,
	}
	q.messages = logging.NewMessageLogger(q.logger)
	q.block = dataflow.NewActionBlock(settings.MaxConcurrency, q.execute)
	q.scheduler = scheduled.NewProcessor(scheduled.ExecutorFunc(q.releaseScheduled), q.logger)
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// NewLightweight creates an in-memory queue.
func NewLightweight(address string, maxConcurrency int, p pipeline.Pipeline, store durability.Persistence, logger logging.ServiceLogger, opts ...Option) (*WorkerQueue, error) {
	return New(Settings{Address: address, Mode: Lightweight, MaxConcurrency: maxConcurrency}, p, store, logger, opts...)
}

// NewDurable creates a queue that persists envelopes on receipt.
func NewDurable(address string, maxConcurrency, nodeID int, p pipeline.Pipeline, store durability.Persistence, logger logging.ServiceLogger, opts ...Option) (*WorkerQueue, error) {
	return New(Settings{Address: address, Mode: Durable, MaxConcurrency: maxConcurrency, NodeID: nodeID}, p, store, logger, opts...)
}

// Address returns the listener URI of the queue.
func (q *WorkerQueue) Address() string { return q.settings.Address }

// Mode returns the persistence mode.
func (q *WorkerQueue) Mode() Mode { return q.settings.Mode }

// Start launches the executor and the scheduled processor.
func (q *WorkerQueue) Start(ctx context.Context) {
	q.block.Start(ctx)
	q.scheduler.Start(ctx)
}

// Listen attaches listener to a started queue.
func (q *WorkerQueue) Listen(ctx context.Context, listener transport.Listener) error {
	if listener == nil {
		return errspkg.ErrListenerRequired
	}
	return listener.Start(ctx, q)
}

// Stop stops accepting envelopes and waits for running executions. Envelopes
// still queued stay in the durable store for recovery.
func (q *WorkerQueue) Stop() {
	q.scheduler.Stop()
	pending := q.block.Drain()
	if len(pending) > 0 {
		q.logger.Info("Worker queue stopped with queued envelopes", logging.LogFields{"count": len(pending)})
	}
}

// QueuedCount is the number of envelopes waiting for a worker.
func (q *WorkerQueue) QueuedCount() int {
	return q.block.InputCount()
}

// ScheduledCount is the number of envelopes waiting for their execution time.
func (q *WorkerQueue) ScheduledCount() int {
	return q.scheduler.Count()
}

// Scheduler exposes the queue's timer queue.
func (q *WorkerQueue) Scheduler() *scheduled.Processor {
	return q.scheduler
}

// Enqueue hands env to the executor without blocking. Ping envelopes are
// dropped.
func (q *WorkerQueue) Enqueue(_ context.Context, env *envelope.Envelope) {
	if env.IsPing() {
		q.logger.Trace("Dropped ping envelope", logging.LogFields{"envelope_id": env.ID})
		return
	}
	env.Status = envelope.StatusIncoming
	if env.ReceivedAt == "" {
		env.ReceivedAt = q.settings.Address
	}
	if err := q.block.Post(env); err != nil {
		q.logger.Error("Worker queue rejected envelope", err, logging.LogFields{"envelope_id": env.ID})
	}
}

// ScheduleExecution persists the schedule of env when durable and holds it
// until its execution time.
func (q *WorkerQueue) ScheduleExecution(ctx context.Context, env *envelope.Envelope) error {
	if env.ExecutionTime == nil {
		return errspkg.ErrNoExecutionTime
	}
	at := *env.ExecutionTime
	env.ScheduleAt(at)
	if q.settings.Mode == Durable {
		if err := q.store.ScheduleExecution(ctx, env); err != nil {
			return err
		}
	}
	env.Status = envelope.StatusIncoming
	q.scheduler.Enqueue(at, env)
	return nil
}

// RestoreScheduled puts envelopes that are already persisted as Scheduled
// back on the timer queue.
func (q *WorkerQueue) RestoreScheduled(envs ...*envelope.Envelope) {
	for _, env := range envs {
		if env.ExecutionTime == nil {
			continue
		}
		at := *env.ExecutionTime
		env.Status = envelope.StatusIncoming
		q.scheduler.Enqueue(at, env)
	}
}

func (q *WorkerQueue) releaseScheduled(ctx context.Context, env *envelope.Envelope) error {
	if q.settings.Mode == Durable {
		claimed, err := q.store.ClaimScheduled(ctx, []*envelope.Envelope{env}, q.settings.NodeID)
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			// Another node claimed it through recovery.
			return nil
		}
	}
	q.Enqueue(ctx, env)
	return nil
}

// ProcessReceivedMessages stores a freshly received batch when durable, then
// enqueues the envelopes that are due and schedules the others.
func (q *WorkerQueue) ProcessReceivedMessages(ctx context.Context, now time.Time, uri string, envs []*envelope.Envelope) transport.ReceivedStatus {
	if ctx.Err() != nil {
		return transport.ReceivedProcessFailure
	}
	envs = q.dropPings(envs)
	if len(envs) == 0 {
		return transport.ReceivedSuccessful
	}
	scheduledEnvs, due := envelope.MarkReceived(envs, uri, now, q.settings.NodeID)
	for _, env := range envs {
		if env.ContentType == "" {
			env.ContentType = q.settings.DefaultContentType
		}
	}

	if q.settings.Mode == Durable {
		var err error
		scheduledEnvs, due, err = q.persistReceived(ctx, scheduledEnvs, due)
		if err != nil {
			q.logger.Error("Failed to persist received envelopes", err, logging.LogFields{"count": len(envs)})
			return transport.ReceivedProcessFailure
		}
	}

	q.messages.IncomingBatchReceived(uri, envs)
	for _, env := range scheduledEnvs {
		at := *env.ExecutionTime
		env.Status = envelope.StatusIncoming
		q.scheduler.Enqueue(at, env)
	}
	for _, env := range due {
		q.messages.Received(env)
		q.Enqueue(ctx, env)
	}
	return transport.ReceivedSuccessful
}

// dropPings acknowledges ping envelopes without storing or executing them.
func (q *WorkerQueue) dropPings(envs []*envelope.Envelope) []*envelope.Envelope {
	kept := envs[:0:0]
	for _, env := range envs {
		if env.IsPing() {
			q.logger.Trace("Dropped ping envelope", logging.LogFields{"envelope_id": env.ID})
			continue
		}
		kept = append(kept, env)
	}
	return kept
}

// persistReceived stores the batch in one call. When it contains an envelope
// that is already persisted, the batch is stored one by one and duplicates are
// left out.
func (q *WorkerQueue) persistReceived(ctx context.Context, scheduledEnvs, due []*envelope.Envelope) ([]*envelope.Envelope, []*envelope.Envelope, error) {
	all := append(append([]*envelope.Envelope{}, scheduledEnvs...), due...)
	err := q.store.StoreIncoming(ctx, all...)
	if err == nil {
		return scheduledEnvs, due, nil
	}
	if !errors.Is(err, errspkg.ErrDuplicateEnvelope) {
		return nil, nil, err
	}

	keep := func(envs []*envelope.Envelope) ([]*envelope.Envelope, error) {
		var stored []*envelope.Envelope
		for _, env := range envs {
			err := q.store.StoreIncoming(ctx, env)
			switch {
			case err == nil:
				stored = append(stored, env)
			case errors.Is(err, errspkg.ErrDuplicateEnvelope):
				q.messages.DiscardedEnvelope(env, "duplicate")
			default:
				return nil, err
			}
		}
		return stored, nil
	}
	if scheduledEnvs, err = keep(scheduledEnvs); err != nil {
		return nil, nil, err
	}
	if due, err = keep(due); err != nil {
		return nil, nil, err
	}
	return scheduledEnvs, due, nil
}

func (q *WorkerQueue) execute(ctx context.Context, env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			q.messages.LogException(fmt.Errorf("durabus: worker panic: %v", r), env.CorrelationID, "Envelope execution panicked")
		}
	}()

	if env.ContentType == "" {
		env.ContentType = q.settings.DefaultContentType
	}
	env.IncrementAttempts()
	if q.settings.Mode == Durable {
		if err := q.store.IncrementIncomingAttempts(ctx, env); err != nil {
			q.logger.Error("Failed to persist attempts", err, logging.LogFields{"envelope_id": env.ID})
		}
	}

	q.messages.ExecutionStarted(env)
	started := q.now()
	err := q.pipeline.Invoke(ctx, env, q)
	elapsed := q.now().Sub(started)
	q.messages.ExecutionFinished(env, elapsed)
	if q.observer != nil {
		q.observer.ExecutionFinished(env.MessageType, elapsed, err)
	}
	if err != nil {
		q.messages.LogException(err, env.CorrelationID, "Failed to apply the outcome of an execution")
	}
}

// Complete deletes the durable row of a handled envelope.
func (q *WorkerQueue) Complete(ctx context.Context, env *envelope.Envelope) error {
	if q.settings.Mode != Durable {
		return nil
	}
	return q.store.DeleteIncoming(ctx, env)
}

var _ transport.DeadLetterer = (*WorkerQueue)(nil)

// MoveToErrors dead-letters env with cause.
func (q *WorkerQueue) MoveToErrors(ctx context.Context, env *envelope.Envelope, cause error) error {
	report, err := envelope.NewErrorReport(env, cause, q.now())
	if err != nil {
		return err
	}
	if err := q.store.MoveToDeadLetter(ctx, report); err != nil {
		return err
	}
	q.messages.MovedToErrorQueue(env, cause)
	if q.observer != nil {
		q.observer.DeadLettered(env.MessageType)
	}
	return nil
}

// Requeue runs env again. Attempts are already persisted by execute.
func (q *WorkerQueue) Requeue(ctx context.Context, env *envelope.Envelope) error {
	env.Message = nil
	q.Enqueue(ctx, env)
	return nil
}

// MoveToScheduledUntil retries env at at.
func (q *WorkerQueue) MoveToScheduledUntil(ctx context.Context, env *envelope.Envelope, at time.Time) error {
	env.Message = nil
	env.ScheduleAt(at)
	return q.ScheduleExecution(ctx, env)
}

// Received implements transport.ReceiverCallback.
func (q *WorkerQueue) Received(ctx context.Context, uri string, envs []*envelope.Envelope) transport.ReceivedStatus {
	return q.ProcessReceivedMessages(ctx, q.now(), uri, envs)
}

func (q *WorkerQueue) Acknowledged(envs []*envelope.Envelope) {
	q.logger.Trace("Acknowledged received envelopes", logging.LogFields{"count": len(envs)})
}

func (q *WorkerQueue) NotAcknowledged(envs []*envelope.Envelope) {
	q.logger.Info("Received envelopes were not acknowledged", logging.LogFields{"count": len(envs)})
}

func (q *WorkerQueue) Failed(err error, envs []*envelope.Envelope) {
	for _, env := range envs {
		q.messages.LogException(&errspkg.MessageFailureError{EnvelopeID: env.ID, Err: err}, env.CorrelationID, "Failure while receiving envelope")
	}
	if len(envs) == 0 {
		q.messages.LogException(err, "", "Failure while receiving a message")
	}
}
