package pipeline

import (
	"context"
	"time"

	"github.com/drblury/durabus/internal/runtime/envelope"
	"github.com/drblury/durabus/internal/runtime/logging"
	"github.com/drblury/durabus/internal/runtime/metadata"
)

// JobContext describes one execution to hooks.
type JobContext struct {
	MessageType string
	// ReceivedAt is the listener address the envelope came from.
	ReceivedAt string
	EnvelopeID string
	Headers    metadata.Metadata
	Context    context.Context
	StartedAt  time.Time
	// Duration is only set for OnJobDone and OnJobError.
	Duration time.Duration
	Attempts int
}

// JobHooks are optional callbacks around handler execution.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks that call h first and then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around every execution.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Middleware: func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, env *envelope.Envelope) error {
				job := JobContext{
					MessageType: env.MessageType,
					ReceivedAt:  env.ReceivedAt,
					EnvelopeID:  env.ID,
					Headers:     env.Headers,
					Context:     ctx,
					StartedAt:   time.Now(),
					Attempts:    env.Attempts,
				}
				if hooks.OnJobStart != nil {
					hooks.OnJobStart(job)
				}

				err := next(ctx, env)

				job.Duration = time.Since(job.StartedAt)
				if err != nil {
					if hooks.OnJobError != nil {
						hooks.OnJobError(job, err)
					}
				} else if hooks.OnJobDone != nil {
					hooks.OnJobDone(job)
				}
				return err
			}
		},
	}
}

// LoggingHooks logs the job lifecycle.
func LoggingHooks(logger logging.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", logging.LogFields{
				"message_type": ctx.MessageType,
				"received_at":  ctx.ReceivedAt,
				"envelope_id":  ctx.EnvelopeID,
				"attempts":     ctx.Attempts,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", logging.LogFields{
				"message_type": ctx.MessageType,
				"envelope_id":  ctx.EnvelopeID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, logging.LogFields{
				"message_type": ctx.MessageType,
				"envelope_id":  ctx.EnvelopeID,
				"duration_ms":  ctx.Duration.Milliseconds(),
				"attempts":     ctx.Attempts,
			})
		},
	}
}

// MetricsHooks forwards lifecycle events to counters keyed by message type.
func MetricsHooks(onStart, onDone, onError func(messageType string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.MessageType)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.MessageType)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.MessageType)
			}
		},
	}
}
