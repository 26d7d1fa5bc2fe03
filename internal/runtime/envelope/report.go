package envelope

import (
	"errors"
	"fmt"
	"time"
)

// ErrorReport is the terminal record written when an envelope is dead
// lettered. It is immutable once stored.
type ErrorReport struct {
	ID               string    `json:"id"`
	MessageType      string    `json:"message_type"`
	Source           string    `json:"source,omitempty"`
	ExceptionType    string    `json:"exception_type"`
	ExceptionMessage string    `json:"exception_message"`
	Explanation      string    `json:"explanation,omitempty"`
	Snapshot         []byte    `json:"envelope"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewErrorReport captures env and the failure that ended its life.
func NewErrorReport(env *Envelope, cause error, now time.Time) (*ErrorReport, error) {
	snapshot, err := env.Snapshot()
	if err != nil {
		return nil, err
	}
	report := &ErrorReport{
		ID:          env.ID,
		MessageType: env.MessageType,
		Source:      env.Source,
		Snapshot:    snapshot,
		CreatedAt:   now.UTC(),
	}
	if cause != nil {
		report.ExceptionType = errorType(cause)
		report.ExceptionMessage = cause.Error()
		report.Explanation = explain(cause)
	}
	return report, nil
}

// Envelope rehydrates the envelope captured in the report.
func (r *ErrorReport) Envelope() (*Envelope, error) {
	return FromSnapshot(r.Snapshot)
}

// PersistedCounts is a point-in-time aggregate of durable row counts.
type PersistedCounts struct {
	Incoming   int `json:"incoming"`
	Scheduled  int `json:"scheduled"`
	Outgoing   int `json:"outgoing"`
	DeadLetter int `json:"dead_letter"`
}

func (c PersistedCounts) String() string {
	return fmt.Sprintf("incoming=%d scheduled=%d outgoing=%d dead_letter=%d",
		c.Incoming, c.Scheduled, c.Outgoing, c.DeadLetter)
}

// errorType names the innermost error type, which is usually the one that
// identifies the failure.
func errorType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

func explain(err error) string {
	var chain string
	for e := err; e != nil; e = errors.Unwrap(e) {
		if chain != "" {
			chain += "\n  caused by: "
		}
		chain += fmt.Sprintf("%T", e)
	}
	return chain
}
