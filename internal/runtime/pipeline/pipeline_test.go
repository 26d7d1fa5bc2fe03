package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
	"github.com/drblury/durabus/internal/runtime/serialization"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
}

type recordingCallback struct {
	completed   []*envelope.Envelope
	requeued    []*envelope.Envelope
	deadLetters []error
	scheduledAt []time.Time
}

func (c *recordingCallback) Complete(_ context.Context, env *envelope.Envelope) error {
	c.completed = append(c.completed, env)
	return nil
}

func (c *recordingCallback) MoveToErrors(_ context.Context, _ *envelope.Envelope, cause error) error {
	c.deadLetters = append(c.deadLetters, cause)
	return nil
}

func (c *recordingCallback) Requeue(_ context.Context, env *envelope.Envelope) error {
	c.requeued = append(c.requeued, env)
	return nil
}

func (c *recordingCallback) MoveToScheduledUntil(_ context.Context, _ *envelope.Envelope, at time.Time) error {
	c.scheduledAt = append(c.scheduledAt, at)
	return nil
}

func orderEnvelope(attempts int) *envelope.Envelope {
	env := envelope.New("OrderPlaced", []byte(`{"order_id":"o-1"}`))
	env.Attempts = attempts
	return env
}

func newExecutor(t *testing.T, handler TypedHandler[*orderPlaced], opts ...Option) *Executor {
	t.Helper()
	registry := NewRegistry(nil)
	require.NoError(t, HandleJSON[orderPlaced](registry, "OrderPlaced", handler))
	return NewExecutor(registry, nil, opts...)
}

func TestInvokeSuccessCompletes(t *testing.T) {
	var got string
	exec := newExecutor(t, func(_ context.Context, msg MessageContext[*orderPlaced]) error {
		got = msg.Payload.OrderID
		return nil
	})
	cb := &recordingCallback{}
	env := orderEnvelope(1)

	require.NoError(t, exec.Invoke(context.Background(), env, cb))
	assert.Equal(t, "o-1", got)
	assert.Len(t, cb.completed, 1)
	assert.Equal(t, serialization.ContentTypeJSON, env.ContentType, "content type defaults before reading")
	assert.NotEmpty(t, env.CorrelationID, "default middlewares assign a correlation id")
}

func TestInvokeWithoutHandlerCompletes(t *testing.T) {
	exec := NewExecutor(NewRegistry(nil), nil)
	cb := &recordingCallback{}
	require.NoError(t, exec.Invoke(context.Background(), envelope.New("Unknown", []byte(`{}`)), cb))
	assert.Len(t, cb.completed, 1)
}

func TestInvokeDiscardsExpiredEnvelope(t *testing.T) {
	called := false
	now := time.Now()
	exec := newExecutor(t, func(context.Context, MessageContext[*orderPlaced]) error {
		called = true
		return nil
	}, WithClock(func() time.Time { return now }))

	env := orderEnvelope(1)
	past := now.Add(-time.Second)
	env.DeliverBy = &past
	cb := &recordingCallback{}
	require.NoError(t, exec.Invoke(context.Background(), env, cb))

	assert.False(t, called)
	assert.Len(t, cb.completed, 1)
}

func TestInvokeFailureOutcomes(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	policy := RetryPolicy{MaxAttempts: 3, ImmediateRetries: 1, InitialInterval: time.Second}

	tests := []struct {
		name     string
		attempts int
		err      error
		check    func(t *testing.T, cb *recordingCallback)
	}{
		{
			name:     "first failure requeues",
			attempts: 1,
			err:      errors.New("flaky"),
			check: func(t *testing.T, cb *recordingCallback) {
				assert.Len(t, cb.requeued, 1)
			},
		},
		{
			name:     "second failure schedules with backoff",
			attempts: 2,
			err:      errors.New("flaky"),
			check: func(t *testing.T, cb *recordingCallback) {
				require.Len(t, cb.scheduledAt, 1)
				assert.Equal(t, now.Add(time.Second), cb.scheduledAt[0])
			},
		},
		{
			name:     "ceiling dead letters",
			attempts: 3,
			err:      errors.New("flaky"),
			check: func(t *testing.T, cb *recordingCallback) {
				require.Len(t, cb.deadLetters, 1)
				assert.EqualError(t, cb.deadLetters[0], "flaky")
			},
		},
		{
			name:     "non retryable dead letters early",
			attempts: 1,
			err:      errspkg.NonRetryable(errors.New("bad input")),
			check: func(t *testing.T, cb *recordingCallback) {
				assert.Len(t, cb.deadLetters, 1)
			},
		},
		{
			name:     "explicit dead letter",
			attempts: 1,
			err:      DeadLetterWithReason("duplicate payment", nil),
			check: func(t *testing.T, cb *recordingCallback) {
				require.Len(t, cb.deadLetters, 1)
				assert.ErrorIs(t, cb.deadLetters[0], ErrDeadLetter)
			},
		},
		{
			name:     "retry after uses the requested delay",
			attempts: 1,
			err:      RetryAfter(time.Minute, errors.New("rate limited")),
			check: func(t *testing.T, cb *recordingCallback) {
				require.Len(t, cb.scheduledAt, 1)
				assert.Equal(t, now.Add(time.Minute), cb.scheduledAt[0])
			},
		},
		{
			name:     "skip completes",
			attempts: 1,
			err:      ErrSkip,
			check: func(t *testing.T, cb *recordingCallback) {
				assert.Len(t, cb.completed, 1)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newExecutor(t, func(context.Context, MessageContext[*orderPlaced]) error {
				return tt.err
			}, WithRetryPolicy(policy), WithClock(func() time.Time { return now }))
			cb := &recordingCallback{}
			require.NoError(t, exec.Invoke(context.Background(), orderEnvelope(tt.attempts), cb))
			tt.check(t, cb)
		})
	}
}

func TestInvokeRecoversPanics(t *testing.T) {
	exec := newExecutor(t, func(context.Context, MessageContext[*orderPlaced]) error {
		panic("kaboom")
	}, WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))
	cb := &recordingCallback{}

	require.NoError(t, exec.Invoke(context.Background(), orderEnvelope(1), cb))
	require.Len(t, cb.deadLetters, 1)
	var panicErr *PanicError
	require.ErrorAs(t, cb.deadLetters[0], &panicErr)
	assert.Equal(t, "kaboom", panicErr.Value)
}

func TestInvokeDeserializationFailureUsesRetryBudget(t *testing.T) {
	exec := newExecutor(t, func(context.Context, MessageContext[*orderPlaced]) error {
		t.Fatal("handler must not run")
		return nil
	}, WithRetryPolicy(RetryPolicy{MaxAttempts: 2}))

	env := orderEnvelope(2)
	env.Data = []byte(`{not json`)
	cb := &recordingCallback{}
	require.NoError(t, exec.Invoke(context.Background(), env, cb))

	require.Len(t, cb.deadLetters, 1)
	assert.ErrorIs(t, cb.deadLetters[0], errspkg.ErrEnvelopeDeserializing)
}

func TestHandleProto(t *testing.T) {
	registry := NewRegistry(nil)
	var got string
	require.NoError(t, HandleProto[*wrapperspb.StringValue](registry, "Greeting",
		func(_ context.Context, msg MessageContext[*wrapperspb.StringValue]) error {
			got = msg.Payload.GetValue()
			return nil
		}))

	env := envelope.New("Greeting", []byte(`"hello"`))
	cb := &recordingCallback{}
	require.NoError(t, NewExecutor(registry, nil).Invoke(context.Background(), env, cb))
	assert.Equal(t, "hello", got)
	assert.Len(t, cb.completed, 1)
}

func TestRegistryRejectsInvalidRegistrations(t *testing.T) {
	registry := NewRegistry(nil)
	noop := func(context.Context, *envelope.Envelope) error { return nil }

	assert.ErrorIs(t, registry.Register("", noop), errspkg.ErrMessageTypeRequired)
	assert.ErrorIs(t, registry.Register("A", nil), errspkg.ErrHandlerRequired)
	require.NoError(t, registry.Register("B", noop))
	require.NoError(t, registry.Register("A", noop))
	assert.Error(t, registry.Register("A", noop))
	assert.Equal(t, []string{"A", "B"}, registry.MessageTypes())
	assert.ErrorIs(t, HandleJSON[orderPlaced](registry, "C", nil), errspkg.ErrHandlerRequired)
}

func TestTypedHandlerRejectsWrongMessage(t *testing.T) {
	h := typed(TypedHandler[*orderPlaced](func(context.Context, MessageContext[*orderPlaced]) error { return nil }))
	env := orderEnvelope(1)
	env.Message = "not an order"
	err := h(context.Background(), env)
	require.Error(t, err)
	assert.True(t, errspkg.IsNonRetryable(err))
}
