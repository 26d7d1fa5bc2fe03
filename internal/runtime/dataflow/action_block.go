// Package dataflow provides the bounded executor used by worker queues and
// sending agents.
package dataflow

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	errspkg "github.com/drblury/durabus/internal/runtime/errors"
)

// ActionBlock runs an action for every posted item with at most limit items
// in flight. Posting never blocks: items wait in an unbounded backlog and are
// started in the order they were posted.
type ActionBlock[T any] struct {
	action func(context.Context, T)
	limit  int

	mu       sync.Mutex
	backlog  []T
	inFlight int
	closed   bool
	started  bool
	stop     chan struct{}
	stopOnce sync.Once
	signal   chan struct{}
	done     chan struct{}
	group    errgroup.Group
}

// NewActionBlock creates a block. A limit below one means one.
func NewActionBlock[T any](limit int, action func(context.Context, T)) *ActionBlock[T] {
	if limit < 1 {
		limit = 1
	}
	b := &ActionBlock[T]{
		action: action,
		limit:  limit,
		stop:   make(chan struct{}),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.group.SetLimit(limit)
	return b
}

// Start launches the dispatcher. Items posted earlier start immediately.
func (b *ActionBlock[T]) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	go b.dispatch(ctx)
}

// Post queues item. It fails only after Complete or Drain.
func (b *ActionBlock[T]) Post(item T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errspkg.ErrAgentClosed
	}
	b.backlog = append(b.backlog, item)
	b.mu.Unlock()
	b.notify()
	return nil
}

// InputCount is the number of items not yet started.
func (b *ActionBlock[T]) InputCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.backlog)
}

// InFlight is the number of running actions.
func (b *ActionBlock[T]) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}

// Limit returns the maximum number of concurrent actions.
func (b *ActionBlock[T]) Limit() int {
	return b.limit
}

// Complete stops accepting items. The backlog is still processed.
func (b *ActionBlock[T]) Complete() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.notify()
}

// Drain stops accepting items, waits for running actions and returns the
// items that never started.
func (b *ActionBlock[T]) Drain() []T {
	b.mu.Lock()
	b.closed = true
	pending := b.backlog
	b.backlog = nil
	started := b.started
	b.mu.Unlock()

	b.stopOnce.Do(func() { close(b.stop) })
	if started {
		<-b.done
	}
	_ = b.group.Wait()
	return pending
}

// Wait blocks until the dispatcher exits and every running action returns.
// The dispatcher exits after Complete once the backlog is empty, after Drain,
// or when the start context is cancelled.
func (b *ActionBlock[T]) Wait() {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		<-b.done
	}
	_ = b.group.Wait()
}

func (b *ActionBlock[T]) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *ActionBlock[T]) dispatch(ctx context.Context) {
	defer close(b.done)
	for {
		if ctx.Err() != nil {
			return
		}
		b.mu.Lock()
		if len(b.backlog) == 0 {
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case <-b.signal:
			}
			continue
		}
		item := b.backlog[0]
		var zero T
		b.backlog[0] = zero
		b.backlog = b.backlog[1:]
		b.inFlight++
		b.mu.Unlock()

		// Go blocks while limit actions are running.
		b.group.Go(func() error {
			defer func() {
				b.mu.Lock()
				b.inFlight--
				b.mu.Unlock()
			}()
			b.action(ctx, item)
			return nil
		})
	}
}
