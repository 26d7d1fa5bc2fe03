package sending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/durabus/internal/runtime/durability"
	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
)

const destination = "kafka://payments"

type fakeSender struct {
	mu      sync.Mutex
	healthy bool
	native  bool
	sent    []string
	pings   int
}

func (s *fakeSender) Destination() string { return destination }

func (s *fakeSender) SupportsNativeScheduledSend() bool { return s.native }

func (s *fakeSender) Send(_ context.Context, env *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if env.IsPing() {
		s.pings++
	}
	if !s.healthy {
		return errors.New("connection refused")
	}
	if !env.IsPing() {
		s.sent = append(s.sent, env.ID)
	}
	return nil
}

func (s *fakeSender) Close() error { return nil }

func (s *fakeSender) setHealthy(v bool) {
	s.mu.Lock()
	s.healthy = v
	s.mu.Unlock()
}

func (s *fakeSender) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type recordingCallback struct {
	mu        sync.Mutex
	succeeded int
	failures  []error
	err       error
	panics    bool
}

func (c *recordingCallback) MarkSuccessful(context.Context, *envelope.Envelope) error {
	c.mu.Lock()
	c.succeeded++
	c.mu.Unlock()
	if c.panics {
		panic("callback exploded")
	}
	return c.err
}

func (c *recordingCallback) MarkFailed(_ context.Context, _ *envelope.Envelope, cause error) error {
	c.mu.Lock()
	c.failures = append(c.failures, cause)
	c.mu.Unlock()
	return c.err
}

func (c *recordingCallback) successes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.succeeded
}

func (c *recordingCallback) failed() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.failures...)
}

func startAgent(t *testing.T, sender *fakeSender, settings Settings, cb func(*Agent) Callback, opts ...Option) (*Agent, context.Context) {
	t.Helper()
	agent, err := NewAgent(sender, settings, nil, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, agent.Start(ctx, cb(agent)))
	t.Cleanup(func() {
		cancel()
		_ = agent.Close()
	})
	return agent, ctx
}

func outgoing() *envelope.Envelope {
	return envelope.New("PaymentRequested", []byte(`{"amount":10}`))
}

func TestLatchedAgentRetriesAfterUnlatch(t *testing.T) {
	store := durability.NewMemoryStore()
	sender := &fakeSender{}
	agent, ctx := startAgent(t, sender, Settings{MaxConcurrency: 1}, func(a *Agent) Callback {
		return NewStoreCallback(store, a, 5, nil)
	})

	env := outgoing()
	require.NoError(t, store.StoreOutgoing(ctx, 1, env))
	require.NoError(t, agent.Enqueue(ctx, env))

	require.Eventually(t, agent.Latched, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return agent.QueuedCount() == 1 }, time.Second, 5*time.Millisecond)

	assert.Error(t, agent.Ping(ctx))
	assert.Equal(t, 1, agent.QueuedCount(), "pings are not queued")

	sender.setHealthy(true)
	require.NoError(t, agent.Unlatch(ctx))
	assert.False(t, agent.Latched())

	require.Eventually(t, func() bool {
		rows, err := store.AllOutgoing(ctx)
		return err == nil && len(rows) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{env.ID}, sender.sentIDs())
}

func TestLatchAndDrainKeepsEnvelopesForReplay(t *testing.T) {
	sender := &fakeSender{healthy: true}
	cb := &recordingCallback{}
	agent, ctx := startAgent(t, sender, Settings{MaxConcurrency: 1}, func(*Agent) Callback { return cb })

	agent.LatchAndDrain(ctx)
	require.True(t, agent.Latched())

	first, second := outgoing(), outgoing()
	require.NoError(t, agent.Enqueue(ctx, first))
	require.NoError(t, agent.Enqueue(ctx, second))
	assert.Equal(t, 2, agent.QueuedCount())
	assert.Empty(t, sender.sentIDs())

	require.NoError(t, agent.Unlatch(ctx))
	require.Eventually(t, func() bool { return cb.successes() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{first.ID, second.ID}, sender.sentIDs())
}

func TestDelayedEnvelopeWithoutNativeSupportFails(t *testing.T) {
	sender := &fakeSender{healthy: true}
	cb := &recordingCallback{}
	agent, ctx := startAgent(t, sender, Settings{}, func(*Agent) Callback { return cb })

	env := outgoing()
	later := time.Now().Add(time.Hour)
	env.ExecutionTime = &later
	require.NoError(t, agent.Enqueue(ctx, env))

	require.Eventually(t, func() bool { return len(cb.failed()) == 1 }, time.Second, 5*time.Millisecond)
	var unsupported *errspkg.UnsupportedFeatureError
	require.ErrorAs(t, cb.failed()[0], &unsupported)
	assert.Equal(t, "Delayed Message Delivery", unsupported.Feature)
	assert.False(t, agent.Latched(), "envelope failures do not break the circuit")
	assert.Empty(t, sender.sentIDs())
}

func TestEmulatedDelayHoldsEnvelopeUntilDue(t *testing.T) {
	sender := &fakeSender{healthy: true}
	cb := &recordingCallback{}
	agent, ctx := startAgent(t, sender, Settings{EmulateDelayedSend: true}, func(*Agent) Callback { return cb })

	env := outgoing()
	due := time.Now().Add(200 * time.Millisecond)
	env.ExecutionTime = &due
	require.NoError(t, agent.Enqueue(ctx, env))
	assert.Equal(t, 1, agent.QueuedCount())

	require.Eventually(t, func() bool { return cb.successes() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{env.ID}, sender.sentIDs())
	assert.Empty(t, cb.failed())
}

func TestCallbackFailuresDoNotStopSending(t *testing.T) {
	sender := &fakeSender{healthy: true}
	cb := &recordingCallback{err: errors.New("store unavailable"), panics: true}
	agent, ctx := startAgent(t, sender, Settings{}, func(*Agent) Callback { return cb })

	require.NoError(t, agent.Enqueue(ctx, outgoing()))
	require.NoError(t, agent.Enqueue(ctx, outgoing()))
	require.Eventually(t, func() bool { return cb.successes() == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, agent.Latched())
}

func TestCircuitWatcherUnlatchesOnSuccessfulPing(t *testing.T) {
	sender := &fakeSender{}
	cb := &recordingCallback{}
	agent, ctx := startAgent(t, sender, Settings{}, func(*Agent) Callback { return cb },
		WithCircuitWatcher(CircuitWatcher{InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond}))

	require.NoError(t, agent.Enqueue(ctx, outgoing()))
	require.Eventually(t, agent.Latched, time.Second, 5*time.Millisecond)

	sender.setHealthy(true)
	require.Eventually(t, func() bool { return !agent.Latched() }, 2*time.Second, 5*time.Millisecond)
}

func TestStoreCallbackOutcomes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		cause       error
		attempts    int
		wantRequeue bool
	}{
		{name: "transient failure requeues", cause: errors.New("timeout"), wantRequeue: true},
		{name: "unsupported feature is dropped", cause: &errspkg.UnsupportedFeatureError{Feature: "Delayed Message Delivery"}},
		{name: "expired is dropped", cause: errspkg.ErrEnvelopeExpired},
		{name: "repeated transient failure keeps the row", cause: errors.New("timeout"), attempts: 4, wantRequeue: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := durability.NewMemoryStore()
			env := outgoing()
			env.Attempts = tt.attempts
			require.NoError(t, store.StoreOutgoing(ctx, 1, env))

			var requeued []*envelope.Envelope
			cb := NewStoreCallback(store, requeueFunc(func(_ context.Context, e *envelope.Envelope) error {
				requeued = append(requeued, e)
				return nil
			}), 3, nil)
			require.NoError(t, cb.MarkFailed(ctx, env, tt.cause))

			rows, err := store.AllOutgoing(ctx)
			require.NoError(t, err)
			if tt.wantRequeue {
				assert.Len(t, requeued, 1)
				require.Len(t, rows, 1)
				assert.Equal(t, tt.attempts+1, env.Attempts)
				assert.Equal(t, tt.attempts+1, rows[0].Attempts)
				return
			}
			assert.Empty(t, requeued)
			assert.Empty(t, rows)
		})
	}
}

type requeueFunc func(ctx context.Context, env *envelope.Envelope) error

func (f requeueFunc) Enqueue(ctx context.Context, env *envelope.Envelope) error { return f(ctx, env) }

type latchingRequeuer struct {
	requeued []*envelope.Envelope
	latches  int
}

func (r *latchingRequeuer) Enqueue(_ context.Context, env *envelope.Envelope) error {
	r.requeued = append(r.requeued, env)
	return nil
}

func (r *latchingRequeuer) Latch() { r.latches++ }

func TestStoreCallbackLatchesAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := durability.NewMemoryStore()
	env := outgoing()
	require.NoError(t, store.StoreOutgoing(ctx, 1, env))

	requeuer := &latchingRequeuer{}
	cb := NewStoreCallback(store, requeuer, 3, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, cb.MarkFailed(ctx, env, errors.New("connection refused")))
	}

	assert.Equal(t, 1, requeuer.latches)
	assert.Len(t, requeuer.requeued, 3)

	rows, err := store.AllOutgoing(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].Attempts)
}

func TestOutgoingRowSurvivesDestinationOutage(t *testing.T) {
	store := durability.NewMemoryStore()
	sender := &fakeSender{}
	agent, ctx := startAgent(t, sender, Settings{MaxConcurrency: 1, CircuitFailureThreshold: 3}, func(a *Agent) Callback {
		return NewStoreCallback(store, a, 3, nil)
	})

	env := outgoing()
	require.NoError(t, store.StoreOutgoing(ctx, 1, env))
	require.NoError(t, agent.Enqueue(ctx, env))

	require.Eventually(t, agent.Latched, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return agent.QueuedCount() == 1 }, time.Second, 5*time.Millisecond)

	rows, err := store.AllOutgoing(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, env.ID, rows[0].ID)
	assert.GreaterOrEqual(t, rows[0].Attempts, 3)
	assert.Empty(t, sender.sentIDs())

	sender.setHealthy(true)
	require.NoError(t, agent.Unlatch(ctx))
	require.Eventually(t, func() bool {
		rows, err := store.AllOutgoing(ctx)
		return err == nil && len(rows) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{env.ID}, sender.sentIDs())
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	agent, err := NewAgent(&fakeSender{healthy: true}, Settings{}, nil)
	require.NoError(t, err)
	require.NoError(t, agent.Close())
	assert.ErrorIs(t, agent.Enqueue(context.Background(), outgoing()), errspkg.ErrAgentClosed)

	_, err = NewAgent(nil, Settings{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrSenderRequired)
}
