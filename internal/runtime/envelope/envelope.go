// Package envelope defines the durable unit of a message in flight together
// with its state transitions and the dead-letter report created when it fails
// for good.
package envelope

import (
	"fmt"
	"time"

	"github.com/drblury/durabus/internal/runtime/ids"
	"github.com/drblury/durabus/internal/runtime/jsoncodec"
	"github.com/drblury/durabus/internal/runtime/metadata"
)

// Status classifies which durable row set holds an envelope.
type Status string

const (
	StatusIncoming   Status = "Incoming"
	StatusOutgoing   Status = "Outgoing"
	StatusScheduled  Status = "Scheduled"
	StatusDeadLetter Status = "DeadLetter"
)

// AnyNode is the owner id of rows that any running node may claim.
const AnyNode = 0

// PingMessageType marks synthetic reachability probes. Worker queues drop
// envelopes carrying it.
const PingMessageType = "durabus-ping"

// DefaultContentType is used whenever an envelope does not declare one.
const DefaultContentType = "application/json"

// Envelope is the atomic unit of messaging.
type Envelope struct {
	ID            string            `json:"id"`
	Destination   string            `json:"destination,omitempty"`
	ReplyURI      string            `json:"reply_uri,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Source        string            `json:"source,omitempty"`
	ReceivedAt    string            `json:"received_at,omitempty"`
	MessageType   string            `json:"message_type,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	Data          []byte            `json:"data,omitempty"`
	Headers       metadata.Metadata `json:"headers,omitempty"`
	Attempts      int               `json:"attempts"`
	ExecutionTime *time.Time        `json:"execution_time,omitempty"`
	DeliverBy     *time.Time        `json:"deliver_by,omitempty"`
	SentAt        *time.Time        `json:"sent_at,omitempty"`
	OwnerID       int               `json:"owner_id"`
	Status        Status            `json:"status"`
	SessionID     string            `json:"session_id,omitempty"`
	GroupID       string            `json:"group_id,omitempty"`

	// Message is the deserialized body. It is never persisted.
	Message any `json:"-"`
}

// New creates an envelope with a fresh time-ordered id.
func New(messageType string, data []byte) *Envelope {
	return &Envelope{
		ID:          ids.CreateULID(),
		MessageType: messageType,
		Data:        data,
		Headers:     metadata.Metadata{},
	}
}

// ForPing builds the zero-payload probe sent by Ping.
func ForPing(destination string) *Envelope {
	env := New(PingMessageType, nil)
	env.Destination = destination
	env.Status = StatusOutgoing
	env.SessionID = ids.NewSessionID()
	env.GroupID = ids.NewSessionID()
	return env
}

// IsPing reports whether the envelope is a reachability probe.
func (e *Envelope) IsPing() bool {
	return e.MessageType == PingMessageType
}

// IsDelayed reports whether the envelope must not run before a future time.
func (e *Envelope) IsDelayed(now time.Time) bool {
	return e.ExecutionTime != nil && e.ExecutionTime.After(now)
}

// IsExpired reports whether DeliverBy has passed.
func (e *Envelope) IsExpired(now time.Time) bool {
	return e.DeliverBy != nil && !now.Before(*e.DeliverBy)
}

// SetAttempts raises the attempt counter to n. Lower values are ignored.
func (e *Envelope) SetAttempts(n int) {
	if n > e.Attempts {
		e.Attempts = n
	}
}

// IncrementAttempts bumps the attempt counter and returns the new value.
func (e *Envelope) IncrementAttempts() int {
	e.Attempts++
	return e.Attempts
}

// ScheduleAt marks the envelope Scheduled for at.
func (e *Envelope) ScheduleAt(at time.Time) {
	at = at.UTC()
	e.ExecutionTime = &at
	e.Status = StatusScheduled
}

// Release clears the schedule and moves the envelope back to status.
func (e *Envelope) Release(status Status) {
	e.ExecutionTime = nil
	e.Status = status
}

// Clone returns a copy that shares no mutable state with e.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	cp.Headers = e.Headers.Clone()
	if e.Data != nil {
		cp.Data = append([]byte(nil), e.Data...)
	}
	cp.ExecutionTime = cloneTime(e.ExecutionTime)
	cp.DeliverBy = cloneTime(e.DeliverBy)
	cp.SentAt = cloneTime(e.SentAt)
	return &cp
}

func (e *Envelope) String() string {
	if e.Destination != "" {
		return fmt.Sprintf("%s#%s@%s", e.MessageType, e.ID, e.Destination)
	}
	return fmt.Sprintf("%s#%s", e.MessageType, e.ID)
}

// Snapshot serializes the envelope for error reports and admin tooling.
func (e *Envelope) Snapshot() ([]byte, error) {
	return jsoncodec.Marshal(e)
}

// FromSnapshot rebuilds an envelope written by Snapshot.
func FromSnapshot(data []byte) (*Envelope, error) {
	var env Envelope
	if err := jsoncodec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope snapshot: %w", err)
	}
	if env.Headers == nil {
		env.Headers = metadata.Metadata{}
	}
	return &env, nil
}

// MarkReceived stamps a freshly received batch with the listener address and
// the owning node, then partitions it into envelopes due now and envelopes
// whose execution time lies in the future.
func MarkReceived(envs []*Envelope, uri string, now time.Time, nodeID int) (scheduled, incoming []*Envelope) {
	for _, env := range envs {
		env.ReceivedAt = uri
		env.OwnerID = nodeID
		if env.Headers == nil {
			env.Headers = metadata.Metadata{}
		}
		if env.IsDelayed(now) {
			env.Status = StatusScheduled
			scheduled = append(scheduled, env)
			continue
		}
		env.Status = StatusIncoming
		incoming = append(incoming, env)
	}
	return scheduled, incoming
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
