package sending

import (
	"context"
	"errors"

	"github.com/drblury/durabus/internal/runtime/durability"
	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
	"github.com/drblury/durabus/internal/runtime/logging"
)

// Requeuer takes an envelope back for another send attempt.
type Requeuer interface {
	Enqueue(ctx context.Context, env *envelope.Envelope) error
}

// Latcher breaks the circuit of the destination. Agent implements it.
type Latcher interface {
	Latch()
}

// StoreCallback keeps the outgoing rows of the durable store in step with
// send outcomes. Only poison envelopes are deleted on failure; every other
// failure keeps the row and sends the envelope again.
type StoreCallback struct {
	store       durability.Persistence
	requeue     Requeuer
	maxAttempts int
	logger      logging.ServiceLogger
	messages    logging.MessageLogger
}

var _ Callback = (*StoreCallback)(nil)

// NewStoreCallback creates the callback. Transient failures go back to
// requeue. Once an envelope has failed maxAttempts times, every further
// failure also latches requeue when it is a Latcher, so the envelope waits in
// the backlog until the destination answers pings again.
func NewStoreCallback(store durability.Persistence, requeue Requeuer, maxAttempts int, logger logging.ServiceLogger) *StoreCallback {
	if store == nil {
		store = durability.NullStore{}
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &StoreCallback{
		store:       store,
		requeue:     requeue,
		maxAttempts: maxAttempts,
		logger:      logger,
		messages:    logging.NewMessageLogger(logger),
	}
}

func (c *StoreCallback) MarkSuccessful(ctx context.Context, env *envelope.Envelope) error {
	return c.store.DeleteOutgoing(ctx, env)
}

func (c *StoreCallback) MarkFailed(ctx context.Context, env *envelope.Envelope, cause error) error {
	if reason, poison := poisonReason(cause); poison {
		c.messages.DiscardedEnvelope(env, reason)
		return c.store.DeleteOutgoing(ctx, env)
	}

	attempts := env.IncrementAttempts()
	if err := c.store.IncrementOutgoingAttempts(ctx, env); err != nil {
		c.logger.Error("Failed to store send attempts", err, logging.LogFields{"envelope_id": env.ID})
	}
	if c.requeue == nil {
		// The row stays for the recovery agent.
		return nil
	}
	if attempts >= c.maxAttempts {
		if latcher, ok := c.requeue.(Latcher); ok {
			c.logger.Info("Send attempts exhausted, latching destination", logging.LogFields{
				"envelope_id": env.ID,
				"attempts":    attempts,
				"error":       cause.Error(),
			})
			latcher.Latch()
		}
	}
	return c.requeue.Enqueue(ctx, env)
}

func poisonReason(err error) (string, bool) {
	var unsupported *errspkg.UnsupportedFeatureError
	switch {
	case errors.As(err, &unsupported):
		return "unsupported feature: " + unsupported.Feature, true
	case errors.Is(err, errspkg.ErrEnvelopeDeserializing):
		return "serialization failed", true
	case errors.Is(err, errspkg.ErrEnvelopeExpired):
		return "expired", true
	case errspkg.IsNonRetryable(err):
		return err.Error(), true
	}
	return "", false
}
