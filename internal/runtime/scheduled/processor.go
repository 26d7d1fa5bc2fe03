// Package scheduled holds envelopes in memory until their execution time and
// then hands them back to the worker queue or the sending agent that owns the
// processor.
package scheduled

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/drblury/durabus/internal/runtime/envelope"
	"github.com/drblury/durabus/internal/runtime/logging"
)

// Executor receives released envelopes.
type Executor interface {
	Release(ctx context.Context, env *envelope.Envelope) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, env *envelope.Envelope) error

func (f ExecutorFunc) Release(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

// Processor is a timer queue. Envelopes due at the same instant are released
// in the order they were enqueued.
type Processor struct {
	incoming Executor
	outgoing Executor
	logger   logging.ServiceLogger
	now      func() time.Time

	mu      sync.Mutex
	jobs    jobQueue
	seq     uint64
	wake    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Option customises a Processor.
type Option func(*Processor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithOutgoing sets the executor used for envelopes that were outgoing when
// they were scheduled. Without it they go to the incoming executor.
func WithOutgoing(exec Executor) Option {
	return func(p *Processor) { p.outgoing = exec }
}

// NewProcessor creates a processor releasing into incoming.
func NewProcessor(incoming Executor, logger logging.ServiceLogger, opts ...Option) *Processor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	p := &Processor{
		incoming: incoming,
		logger:   logger,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue schedules env for a single release at at. The route is taken from
// the status the envelope has before it is marked Scheduled.
func (p *Processor) Enqueue(at time.Time, env *envelope.Envelope) {
	route := envelope.StatusIncoming
	if env.Status == envelope.StatusOutgoing {
		route = envelope.StatusOutgoing
	}
	env.ScheduleAt(at)

	p.mu.Lock()
	p.seq++
	heap.Push(&p.jobs, &job{at: at, seq: p.seq, route: route, env: env})
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Count returns the number of envelopes waiting for their time.
func (p *Processor) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobs.Len()
}

// Start launches the release loop. It stops when ctx is done or Stop is called.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(loopCtx)
}

// Stop ends the release loop. Pending envelopes stay queued.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.running = false
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		p.releaseDue(ctx, p.now())

		wait := time.Hour
		p.mu.Lock()
		if next := p.jobs.peek(); next != nil {
			wait = next.at.Sub(p.now())
		}
		p.mu.Unlock()
		if wait < 0 {
			wait = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-timer.C:
		}
	}
}

// PlayAll releases every pending envelope regardless of its time.
func (p *Processor) PlayAll(ctx context.Context) int {
	return p.release(ctx, p.popWhile(func(*job) bool { return true }))
}

// PlayAt releases every envelope due at or before t.
func (p *Processor) PlayAt(ctx context.Context, t time.Time) int {
	return p.releaseDue(ctx, t)
}

func (p *Processor) releaseDue(ctx context.Context, t time.Time) int {
	return p.release(ctx, p.popWhile(func(j *job) bool { return !j.at.After(t) }))
}

func (p *Processor) popWhile(match func(*job) bool) []*job {
	p.mu.Lock()
	defer p.mu.Unlock()
	var due []*job
	for {
		next := p.jobs.peek()
		if next == nil || !match(next) {
			return due
		}
		due = append(due, heap.Pop(&p.jobs).(*job))
	}
}

func (p *Processor) release(ctx context.Context, due []*job) int {
	for _, j := range due {
		j.env.Release(j.route)
		exec := p.incoming
		if j.route == envelope.StatusOutgoing && p.outgoing != nil {
			exec = p.outgoing
		}
		if err := exec.Release(ctx, j.env); err != nil {
			p.logger.Error("Failed to release scheduled envelope", err, logging.LogFields{
				"envelope_id":  j.env.ID,
				"message_type": j.env.MessageType,
			})
		}
	}
	return len(due)
}

type job struct {
	at    time.Time
	seq   uint64
	route envelope.Status
	env   *envelope.Envelope
}

type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*job)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (q jobQueue) peek() *job {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
