package logging

import (
	"time"

	"github.com/drblury/durabus/internal/runtime/envelope"
)

// MessageLogger records the lifecycle events of envelopes and transports.
type MessageLogger interface {
	LogException(err error, correlationID, msg string)
	Sent(env *envelope.Envelope)
	Received(env *envelope.Envelope)
	ExecutionStarted(env *envelope.Envelope)
	ExecutionFinished(env *envelope.Envelope, elapsed time.Duration)
	MessageSucceeded(env *envelope.Envelope)
	MessageFailed(env *envelope.Envelope, err error)
	NoHandlerFor(env *envelope.Envelope)
	MovedToErrorQueue(env *envelope.Envelope, err error)
	DiscardedEnvelope(env *envelope.Envelope, reason string)
	CircuitBroken(destination string)
	CircuitResumed(destination string)
	IncomingBatchReceived(uri string, envs []*envelope.Envelope)
	RecoveredIncoming(envs []*envelope.Envelope)
	RecoveredOutgoing(envs []*envelope.Envelope)
}

type messageLogger struct {
	log ServiceLogger
}

// NewMessageLogger builds a MessageLogger that writes through log.
func NewMessageLogger(log ServiceLogger) MessageLogger {
	if log == nil {
		panic("durabus: ServiceLogger cannot be nil")
	}
	return &messageLogger{log: log}
}

func envelopeFields(env *envelope.Envelope) LogFields {
	fields := LogFields{
		"envelope_id":  env.ID,
		"message_type": env.MessageType,
		"attempts":     env.Attempts,
	}
	if env.Destination != "" {
		fields["destination"] = env.Destination
	}
	if env.CorrelationID != "" {
		fields["correlation_id"] = env.CorrelationID
	}
	return fields
}

func (m *messageLogger) LogException(err error, correlationID, msg string) {
	m.log.Error(msg, err, LogFields{"correlation_id": correlationID})
}

func (m *messageLogger) Sent(env *envelope.Envelope) {
	m.log.Debug("Sent envelope", envelopeFields(env))
}

func (m *messageLogger) Received(env *envelope.Envelope) {
	m.log.Debug("Received envelope", envelopeFields(env))
}

func (m *messageLogger) ExecutionStarted(env *envelope.Envelope) {
	m.log.Trace("Started processing envelope", envelopeFields(env))
}

func (m *messageLogger) ExecutionFinished(env *envelope.Envelope, elapsed time.Duration) {
	fields := envelopeFields(env)
	fields["elapsed"] = elapsed.String()
	m.log.Trace("Finished processing envelope", fields)
}

func (m *messageLogger) MessageSucceeded(env *envelope.Envelope) {
	m.log.Debug("Envelope processed successfully", envelopeFields(env))
}

func (m *messageLogger) MessageFailed(env *envelope.Envelope, err error) {
	m.log.Error("Envelope processing failed", err, envelopeFields(env))
}

func (m *messageLogger) NoHandlerFor(env *envelope.Envelope) {
	m.log.Info("No handler registered for message type", envelopeFields(env))
}

func (m *messageLogger) MovedToErrorQueue(env *envelope.Envelope, err error) {
	m.log.Error("Envelope moved to dead letters", err, envelopeFields(env))
}

func (m *messageLogger) DiscardedEnvelope(env *envelope.Envelope, reason string) {
	fields := envelopeFields(env)
	fields["reason"] = reason
	m.log.Info("Discarded envelope", fields)
}

func (m *messageLogger) CircuitBroken(destination string) {
	m.log.Info("Sending agent latched", LogFields{"destination": destination})
}

func (m *messageLogger) CircuitResumed(destination string) {
	m.log.Info("Sending agent resumed", LogFields{"destination": destination})
}

func (m *messageLogger) IncomingBatchReceived(uri string, envs []*envelope.Envelope) {
	m.log.Debug("Received incoming batch", LogFields{"uri": uri, "count": len(envs)})
}

func (m *messageLogger) RecoveredIncoming(envs []*envelope.Envelope) {
	m.log.Info("Recovered orphaned incoming envelopes", LogFields{"count": len(envs)})
}

func (m *messageLogger) RecoveredOutgoing(envs []*envelope.Envelope) {
	m.log.Info("Recovered orphaned outgoing envelopes", LogFields{"count": len(envs)})
}
