package pipeline

import (
	"errors"
	"fmt"
	"time"

	errspkg "github.com/drblury/durabus/internal/runtime/errors"
)

// Handler return errors that steer what happens to the envelope.
var (
	// ErrRetry asks for another attempt using the retry policy's schedule.
	ErrRetry = errors.New("durabus: retry envelope")

	// ErrDeadLetter moves the envelope to the dead letters right away.
	ErrDeadLetter = errors.New("durabus: dead letter envelope")

	// ErrSkip completes the envelope without treating the error as a failure.
	ErrSkip = errors.New("durabus: skip envelope")
)

// RetryAfterError asks for the next attempt after a fixed delay.
type RetryAfterError struct {
	Delay time.Duration
	Cause error
}

// RetryAfter creates a RetryAfterError.
//
//	return pipeline.RetryAfter(time.Minute, fmt.Errorf("rate limited"))
func RetryAfter(delay time.Duration, cause error) *RetryAfterError {
	return &RetryAfterError{Delay: delay, Cause: cause}
}

func (e *RetryAfterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("durabus: retry after %v: %v", e.Delay, e.Cause)
	}
	return fmt.Sprintf("durabus: retry after %v", e.Delay)
}

func (e *RetryAfterError) Unwrap() error { return e.Cause }

func (e *RetryAfterError) Is(target error) bool {
	return target == ErrRetry
}

// DeadLetterError dead-letters the envelope with a reason.
type DeadLetterError struct {
	Reason string
	Cause  error
}

// DeadLetterWithReason creates a DeadLetterError.
func DeadLetterWithReason(reason string, cause error) *DeadLetterError {
	return &DeadLetterError{Reason: reason, Cause: cause}
}

func (e *DeadLetterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("durabus: dead letter (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("durabus: dead letter (%s)", e.Reason)
}

func (e *DeadLetterError) Unwrap() error { return e.Cause }

func (e *DeadLetterError) Is(target error) bool {
	return target == ErrDeadLetter
}

// Action is the outcome chosen for a failed execution.
type Action int

const (
	// ActionComplete treats the envelope as handled.
	ActionComplete Action = iota
	// ActionRequeue runs the envelope again right away.
	ActionRequeue
	// ActionSchedule runs the envelope again after a delay.
	ActionSchedule
	// ActionDeadLetter moves the envelope to the dead letters.
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionComplete:
		return "complete"
	case ActionRequeue:
		return "requeue"
	case ActionSchedule:
		return "schedule"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is an Action with the delay used by ActionSchedule.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// classify maps a handler error to the action it explicitly asks for. The
// second result is false for plain errors that leave the choice to the
// retry policy.
func classify(err error) (Decision, bool) {
	var retryAfter *RetryAfterError
	switch {
	case err == nil, errors.Is(err, ErrSkip):
		return Decision{Action: ActionComplete}, true
	case errors.As(err, &retryAfter):
		return Decision{Action: ActionSchedule, Delay: retryAfter.Delay}, true
	case errors.Is(err, ErrDeadLetter), errspkg.IsNonRetryable(err):
		return Decision{Action: ActionDeadLetter}, true
	default:
		return Decision{}, false
	}
}
