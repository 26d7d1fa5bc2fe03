package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/durabus/internal/runtime/envelope"
	"github.com/drblury/durabus/internal/runtime/ids"
	"github.com/drblury/durabus/internal/runtime/logging"
)

// HandlerFunc executes one envelope. Returning nil completes it.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) error

// Middleware wraps a HandlerFunc with pre and post behaviour.
type Middleware func(next HandlerFunc) HandlerFunc

// MiddlewareRegistration names a middleware so endpoints can list the chain
// they run.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
}

// DefaultMiddlewares is the chain used when an endpoint configures none.
func DefaultMiddlewares(logger logging.ServiceLogger) []MiddlewareRegistration {
	return []MiddlewareRegistration{
		RecovererMiddleware(),
		CorrelationIDMiddleware(),
		TracerMiddleware(),
		LogEnvelopesMiddleware(logger),
	}
}

// Chain composes registrations so the first one is the outermost.
func Chain(h HandlerFunc, regs ...MiddlewareRegistration) HandlerFunc {
	for i := len(regs) - 1; i >= 0; i-- {
		if regs[i].Middleware != nil {
			h = regs[i].Middleware(h)
		}
	}
	return h
}

// PanicError is returned when a handler panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("durabus: handler panicked: %v", e.Value)
}

// RecovererMiddleware turns handler panics into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Middleware: func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, env *envelope.Envelope) (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = &PanicError{Value: r, Stack: string(debug.Stack())}
					}
				}()
				return next(ctx, env)
			}
		},
	}
}

// CorrelationIDMiddleware gives envelopes without a correlation id a fresh one.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, env *envelope.Envelope) error {
				if env.CorrelationID == "" {
					env.CorrelationID = ids.CreateULID()
				}
				return next(ctx, env)
			}
		},
	}
}

// TracerMiddleware wraps execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, env *envelope.Envelope) error {
				ctx, span := otel.Tracer("durabus").Start(ctx, "ExecuteEnvelope")
				defer span.End()

				span.SetAttributes(
					attribute.String("envelope.id", env.ID),
					attribute.String("envelope.message_type", env.MessageType),
					attribute.Int("envelope.attempts", env.Attempts),
				)
				err := next(ctx, env)
				if err != nil && !errors.Is(err, ErrSkip) {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				return err
			}
		},
	}
}

// LogEnvelopesMiddleware logs every executed envelope at debug level.
func LogEnvelopesMiddleware(logger logging.ServiceLogger) MiddlewareRegistration {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return MiddlewareRegistration{
		Name: "log_envelopes",
		Middleware: func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, env *envelope.Envelope) error {
				logger.Debug("Executing envelope", logging.LogFields{
					"envelope_id":  env.ID,
					"message_type": env.MessageType,
					"headers":      env.Headers,
					"payload":      string(env.Data),
				})
				return next(ctx, env)
			}
		},
	}
}
