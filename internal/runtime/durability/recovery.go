package durability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
	"github.com/drblury/durabus/internal/runtime/logging"
)

const (
	DefaultRecoveryInterval     = 5 * time.Second
	DefaultNodeHeartbeatTimeout = 30 * time.Second
	DefaultRecoveryBatchSize    = 100
	DefaultMaxRecoveryAttempts  = 10
)

// IncomingRouter hands recovered incoming envelopes back to the worker queue
// of the listener that originally received them.
type IncomingRouter interface {
	EnqueueIncoming(ctx context.Context, envs ...*envelope.Envelope)
	ScheduleIncoming(ctx context.Context, envs ...*envelope.Envelope)
}

// OutgoingRouter hands recovered outgoing envelopes to their sending agent.
type OutgoingRouter interface {
	HasSender(destination string) bool
	EnqueueOutgoing(ctx context.Context, envs ...*envelope.Envelope)
}

// RecoveryConfig tunes the recovery loop.
type RecoveryConfig struct {
	NodeID int
	// Interval between ticks.
	Interval time.Duration
	// HeartbeatTimeout is how long a node may stay silent before its rows are
	// considered orphaned.
	HeartbeatTimeout time.Duration
	// MaxAttempts is the ceiling above which orphaned incoming rows are dead
	// lettered instead of reassigned.
	MaxAttempts int
	BatchSize   int
}

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultRecoveryInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultNodeHeartbeatTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxRecoveryAttempts
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultRecoveryBatchSize
	}
	return c
}

// RecoveryAgent reclaims work abandoned by crashed nodes. A tick never stops
// the loop; its errors are logged.
type RecoveryAgent struct {
	store    Persistence
	incoming IncomingRouter
	outgoing OutgoingRouter
	config   RecoveryConfig
	logger   logging.ServiceLogger
	messages logging.MessageLogger

	now      func() time.Time
	onCounts func(envelope.PersistedCounts)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// RecoveryOption customises a RecoveryAgent.
type RecoveryOption func(*RecoveryAgent)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) RecoveryOption {
	return func(a *RecoveryAgent) { a.now = now }
}

// WithCountsObserver receives persisted counts after every tick.
func WithCountsObserver(fn func(envelope.PersistedCounts)) RecoveryOption {
	return func(a *RecoveryAgent) { a.onCounts = fn }
}

// NewRecoveryAgent wires the agent to the store and the local routers.
func NewRecoveryAgent(store Persistence, incoming IncomingRouter, outgoing OutgoingRouter, cfg RecoveryConfig, logger logging.ServiceLogger, opts ...RecoveryOption) *RecoveryAgent {
	if logger == nil {
		logger = logging.NopLogger()
	}
	cfg = cfg.withDefaults()
	a := &RecoveryAgent{
		store:    store,
		incoming: incoming,
		outgoing: outgoing,
		config:   cfg,
		logger:   logger.With(logging.LogFields{"component": "recovery", "node_id": cfg.NodeID}),
		now:      time.Now,
	}
	a.messages = logging.NewMessageLogger(a.logger)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start registers the node, reclaims the rows a previous run with the same
// node id left behind, repopulates scheduled envelopes and launches the tick
// loop. It returns once the startup work is done.
func (a *RecoveryAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	if err := a.store.Heartbeat(ctx, a.config.NodeID, a.now()); err != nil {
		a.logger.Error("Failed to register node heartbeat", err, nil)
	}
	if err := a.ReclaimOwned(ctx); err != nil {
		a.logger.Error("Failed to reclaim envelopes of the previous run", err, nil)
	}
	if err := a.LoadScheduled(ctx); err != nil {
		a.logger.Error("Failed to load scheduled envelopes", err, nil)
	}

	a.wg.Add(1)
	go a.loop(loopCtx)
	return nil
}

func (a *RecoveryAgent) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Tick(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("Recovery tick failed", err, nil)
			}
		}
	}
}

// Stop ends the loop and waits for the running tick.
func (a *RecoveryAgent) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.running = false
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

// LoadScheduled hands every persisted Scheduled envelope to the local
// worker queues so nothing due later lives only in another process.
func (a *RecoveryAgent) LoadScheduled(ctx context.Context) error {
	scheduled, err := a.store.LoadScheduled(ctx)
	if err != nil {
		return err
	}
	if len(scheduled) > 0 {
		a.incoming.ScheduleIncoming(ctx, scheduled...)
		a.logger.Info("Loaded scheduled envelopes", logging.LogFields{"count": len(scheduled)})
	}
	return nil
}

// ReclaimOwned routes the incoming and outgoing rows still owned by this
// node id. They belong to a previous run of the node: ticks treat the node as
// live and would never touch them. It must run before the node receives or
// sends anything.
func (a *RecoveryAgent) ReclaimOwned(ctx context.Context) error {
	if err := a.store.ReleaseAllOwnership(ctx, a.config.NodeID); err != nil {
		return fmt.Errorf("release ownership: %w", err)
	}
	now := a.now()
	live, err := a.store.LiveNodes(ctx, now.Add(-a.config.HeartbeatTimeout))
	if err != nil {
		return fmt.Errorf("live nodes: %w", err)
	}
	live = withNode(live, a.config.NodeID)

	var reclaimed int
	for _, pass := range []func(context.Context, []int, time.Time) (int, error){a.recoverIncoming, a.recoverOutgoing} {
		for ctx.Err() == nil {
			n, err := pass(ctx, live, now)
			if err != nil {
				return err
			}
			reclaimed += n
			if n < a.config.BatchSize {
				break
			}
		}
	}
	if reclaimed > 0 {
		a.logger.Info("Reclaimed envelopes of the previous run", logging.LogFields{"count": reclaimed})
	}
	return ctx.Err()
}

// Tick runs one recovery pass.
func (a *RecoveryAgent) Tick(ctx context.Context) error {
	now := a.now()
	if err := a.store.Heartbeat(ctx, a.config.NodeID, now); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	live, err := a.store.LiveNodes(ctx, now.Add(-a.config.HeartbeatTimeout))
	if err != nil {
		return fmt.Errorf("live nodes: %w", err)
	}
	live = withNode(live, a.config.NodeID)

	var errs []error
	if _, err := a.recoverIncoming(ctx, live, now); err != nil {
		errs = append(errs, fmt.Errorf("recover incoming: %w", err))
	}
	if _, err := a.recoverOutgoing(ctx, live, now); err != nil {
		errs = append(errs, fmt.Errorf("recover outgoing: %w", err))
	}
	if err := a.claimMissedScheduled(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("claim scheduled: %w", err))
	}
	if a.onCounts != nil {
		counts, err := a.store.PersistedCounts(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("persisted counts: %w", err))
		} else {
			a.onCounts(counts)
		}
	}
	return errors.Join(errs...)
}

func (a *RecoveryAgent) recoverIncoming(ctx context.Context, live []int, now time.Time) (int, error) {
	orphans, err := a.store.FindOrphanedIncoming(ctx, live, a.config.MaxAttempts, a.config.BatchSize)
	if err != nil || len(orphans) == 0 {
		return 0, err
	}

	var (
		reassign    []*envelope.Envelope
		deadLetters []*envelope.ErrorReport
		dead        []*envelope.Envelope
	)
	for _, env := range orphans {
		if env.Attempts < a.config.MaxAttempts {
			reassign = append(reassign, env)
			continue
		}
		report, err := envelope.NewErrorReport(env, errspkg.ErrMaxAttemptsExceeded, now)
		if err != nil {
			return 0, err
		}
		deadLetters = append(deadLetters, report)
		dead = append(dead, env)
	}

	claimed, err := a.store.RecoverIncoming(ctx, reassign, deadLetters, a.config.NodeID)
	if err != nil {
		return 0, err
	}
	for _, env := range dead {
		a.messages.MovedToErrorQueue(env, errspkg.ErrMaxAttemptsExceeded)
	}
	if len(claimed) > 0 {
		a.messages.RecoveredIncoming(claimed)
		a.incoming.EnqueueIncoming(ctx, claimed...)
	}
	return len(orphans), nil
}

func (a *RecoveryAgent) recoverOutgoing(ctx context.Context, live []int, now time.Time) (int, error) {
	orphans, err := a.store.FindOrphanedOutgoing(ctx, live, a.config.BatchSize)
	if err != nil || len(orphans) == 0 {
		return 0, err
	}

	var discards, reassign []*envelope.Envelope
	for _, env := range orphans {
		switch {
		case env.IsExpired(now):
			a.messages.DiscardedEnvelope(env, "expired")
			discards = append(discards, env)
		case !a.outgoing.HasSender(env.Destination):
			a.messages.DiscardedEnvelope(env, "unknown destination")
			discards = append(discards, env)
		default:
			reassign = append(reassign, env)
		}
	}

	claimed, err := a.store.DiscardAndReassignOutgoing(ctx, discards, reassign, a.config.NodeID)
	if err != nil {
		return 0, err
	}
	if len(claimed) > 0 {
		a.messages.RecoveredOutgoing(claimed)
		a.outgoing.EnqueueOutgoing(ctx, claimed...)
	}
	return len(orphans), nil
}

// claimMissedScheduled picks up scheduled rows that stayed due for a whole
// interval, which happens when the node holding their timers died.
func (a *RecoveryAgent) claimMissedScheduled(ctx context.Context, now time.Time) error {
	due, err := a.store.ClaimDueScheduled(ctx, now.Add(-a.config.Interval), a.config.NodeID, a.config.BatchSize)
	if err != nil || len(due) == 0 {
		return err
	}
	a.logger.Info("Claimed overdue scheduled envelopes", logging.LogFields{"count": len(due)})
	a.incoming.EnqueueIncoming(ctx, due...)
	return nil
}

func withNode(live []int, nodeID int) []int {
	for _, id := range live {
		if id == nodeID {
			return live
		}
	}
	return append(live, nodeID)
}
