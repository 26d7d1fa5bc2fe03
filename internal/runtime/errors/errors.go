package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrHandlerRequired       = sterrors.New("durabus: handler function is required")
	ErrMessageTypeRequired   = sterrors.New("durabus: message type is required")
	ErrDestinationRequired   = sterrors.New("durabus: destination is required")
	ErrSenderRequired        = sterrors.New("durabus: sender is required")
	ErrListenerRequired      = sterrors.New("durabus: listener is required")
	ErrPipelineRequired      = sterrors.New("durabus: handler pipeline is required")
	ErrStoreRequired         = sterrors.New("durabus: durable store is required")
	ErrNoExecutionTime       = sterrors.New("durabus: envelope has no execution time")
	ErrUnknownDestination    = sterrors.New("durabus: no sending agent for destination")
	ErrUnknownListener       = sterrors.New("durabus: no worker queue for listener address")
	ErrAgentClosed           = sterrors.New("durabus: agent is closed")
	ErrDuplicateEnvelope     = sterrors.New("durabus: duplicate envelope")
	ErrDeadLetterNotFound    = sterrors.New("durabus: dead letter not found")
	ErrNoReader              = sterrors.New("durabus: no reader for content type")
	ErrNoWriter              = sterrors.New("durabus: no writer for content type")
	ErrUnsupportedStore      = sterrors.New("durabus: unsupported store backend")
	ErrEnvelopeExpired       = sterrors.New("durabus: envelope expired")
	ErrUnsupportedFeature    = sterrors.New("durabus: unsupported feature")
	ErrEnvelopeDeserializing = sterrors.New("durabus: envelope deserialization failed")
	ErrMaxAttemptsExceeded   = sterrors.New("durabus: envelope exceeded its maximum attempts")
)

// DuplicateEnvelopeError reports that an envelope id is already persisted.
type DuplicateEnvelopeError struct {
	ID string
}

func (e *DuplicateEnvelopeError) Error() string {
	return fmt.Sprintf("durabus: duplicate envelope %s", e.ID)
}

func (e *DuplicateEnvelopeError) Is(target error) bool {
	return target == ErrDuplicateEnvelope
}

// UnsupportedFeatureError is returned when a transport cannot honour a
// requested delivery feature, such as delayed delivery.
type UnsupportedFeatureError struct {
	Feature string
}

func (e *UnsupportedFeatureError) Error() string {
	return fmt.Sprintf("durabus: unsupported feature %q", e.Feature)
}

func (e *UnsupportedFeatureError) Is(target error) bool {
	return target == ErrUnsupportedFeature
}

// EnvelopeDeserializationError wraps any failure to turn an envelope payload
// into a message.
type EnvelopeDeserializationError struct {
	EnvelopeID string
	Reason     string
	Err        error
}

func (e *EnvelopeDeserializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("durabus: deserializing envelope %s: %s: %v", e.EnvelopeID, e.Reason, e.Err)
	}
	return fmt.Sprintf("durabus: deserializing envelope %s: %s", e.EnvelopeID, e.Reason)
}

func (e *EnvelopeDeserializationError) Unwrap() error {
	return e.Err
}

func (e *EnvelopeDeserializationError) Is(target error) bool {
	return target == ErrEnvelopeDeserializing
}

// MessageFailureError is logged when a transport listener reports that a
// received batch failed before reaching the worker queue.
type MessageFailureError struct {
	EnvelopeID string
	Err        error
}

func (e *MessageFailureError) Error() string {
	return fmt.Sprintf("durabus: failure while receiving envelope %s: %v", e.EnvelopeID, e.Err)
}

func (e *MessageFailureError) Unwrap() error {
	return e.Err
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err so the retry policy dead-letters the envelope
// without spending its remaining attempts.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err or anything it wraps was marked with
// NonRetryable.
func IsNonRetryable(err error) bool {
	var target *nonRetryableError
	return sterrors.As(err, &target)
}
