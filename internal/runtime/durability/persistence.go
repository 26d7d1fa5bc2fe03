// Package durability holds the durable envelope store and the background
// agent that reclaims work from crashed nodes.
package durability

import (
	"context"
	"time"

	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
)

// Persistence is the single source of truth for envelopes in flight.
//
// Incoming and Scheduled envelopes share the incoming row set and are told
// apart by status. Every mutating batch operation is atomic.
type Persistence interface {
	// StoreIncoming persists received envelopes owned by env.OwnerID. An id
	// that already exists fails the whole batch with ErrDuplicateEnvelope.
	StoreIncoming(ctx context.Context, envs ...*envelope.Envelope) error
	// IncrementIncomingAttempts writes env.Attempts to the stored row.
	IncrementIncomingAttempts(ctx context.Context, env *envelope.Envelope) error
	// ScheduleExecution moves rows to Scheduled using env.ExecutionTime.
	ScheduleExecution(ctx context.Context, envs ...*envelope.Envelope) error
	DeleteIncoming(ctx context.Context, envs ...*envelope.Envelope) error
	// MoveToDeadLetter inserts reports and removes the matching incoming rows.
	// A report for an id that already has one is ignored.
	MoveToDeadLetter(ctx context.Context, reports ...*envelope.ErrorReport) error

	StoreOutgoing(ctx context.Context, ownerID int, envs ...*envelope.Envelope) error
	DeleteOutgoing(ctx context.Context, envs ...*envelope.Envelope) error
	// IncrementOutgoingAttempts writes env.Attempts to the stored outgoing row.
	IncrementOutgoingAttempts(ctx context.Context, env *envelope.Envelope) error
	// DiscardAndReassignOutgoing deletes discards and moves reassigned rows to
	// nodeID when they are still owned by the owner recorded on the envelope.
	// It returns the envelopes that were actually claimed.
	DiscardAndReassignOutgoing(ctx context.Context, discards, reassigned []*envelope.Envelope, nodeID int) ([]*envelope.Envelope, error)

	// LoadDeadLetter returns nil and no error when id has no report.
	LoadDeadLetter(ctx context.Context, id string) (*envelope.ErrorReport, error)
	AllIncoming(ctx context.Context) ([]*envelope.Envelope, error)
	AllOutgoing(ctx context.Context) ([]*envelope.Envelope, error)
	// ReleaseAllOwnership resets rows owned by nodeID to AnyNode.
	ReleaseAllOwnership(ctx context.Context, nodeID int) error
	PersistedCounts(ctx context.Context) (envelope.PersistedCounts, error)

	RecoveryStore
	NodeRegistry
	AdminStore

	Close() error
}

// RecoveryStore holds the operations the recovery agent and the scheduled
// release path rely on.
type RecoveryStore interface {
	// FindOrphanedIncoming returns incoming rows owned by a node outside live,
	// plus rows whose attempts reached maxAttempts when it is positive.
	FindOrphanedIncoming(ctx context.Context, live []int, maxAttempts, limit int) ([]*envelope.Envelope, error)
	FindOrphanedOutgoing(ctx context.Context, live []int, limit int) ([]*envelope.Envelope, error)
	// RecoverIncoming dead letters reports and reassigns rows to nodeID in one
	// unit. Reassignment only applies to rows still held by the owner recorded
	// on each envelope; the claimed envelopes are returned.
	RecoverIncoming(ctx context.Context, reassign []*envelope.Envelope, deadLetters []*envelope.ErrorReport, nodeID int) ([]*envelope.Envelope, error)
	LoadScheduled(ctx context.Context) ([]*envelope.Envelope, error)
	// ClaimScheduled moves Scheduled rows back to Incoming for nodeID. Rows
	// already claimed elsewhere are skipped.
	ClaimScheduled(ctx context.Context, envs []*envelope.Envelope, nodeID int) ([]*envelope.Envelope, error)
	ClaimDueScheduled(ctx context.Context, before time.Time, nodeID, limit int) ([]*envelope.Envelope, error)
}

// NodeRegistry tracks node liveness through heartbeats.
type NodeRegistry interface {
	Heartbeat(ctx context.Context, nodeID int, at time.Time) error
	LiveNodes(ctx context.Context, since time.Time) ([]int, error)
	RemoveNode(ctx context.Context, nodeID int) error
}

// AdminStore backs the admin API and CLI.
type AdminStore interface {
	ListDeadLetters(ctx context.Context, limit, offset int) ([]*envelope.ErrorReport, error)
	// ReplayDeadLetter moves a dead letter back to Incoming with its attempts
	// reset and no owner. Unknown ids fail with ErrDeadLetterNotFound.
	ReplayDeadLetter(ctx context.Context, id string) (*envelope.Envelope, error)
	PurgeDeadLetters(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// NullStore satisfies Persistence without keeping anything.
type NullStore struct{}

var _ Persistence = NullStore{}

func (NullStore) StoreIncoming(context.Context, ...*envelope.Envelope) error { return nil }
func (NullStore) IncrementIncomingAttempts(context.Context, *envelope.Envelope) error {
	return nil
}
func (NullStore) ScheduleExecution(context.Context, ...*envelope.Envelope) error { return nil }
func (NullStore) DeleteIncoming(context.Context, ...*envelope.Envelope) error { return nil }
func (NullStore) MoveToDeadLetter(context.Context, ...*envelope.ErrorReport) error { return nil }
func (NullStore) StoreOutgoing(context.Context, int, ...*envelope.Envelope) error { return nil }
func (NullStore) DeleteOutgoing(context.Context, ...*envelope.Envelope) error { return nil }
func (NullStore) IncrementOutgoingAttempts(context.Context, *envelope.Envelope) error {
	return nil
}
func (NullStore) ReleaseAllOwnership(context.Context, int) error { return nil }
func (NullStore) Heartbeat(context.Context, int, time.Time) error { return nil }
func (NullStore) RemoveNode(context.Context, int) error { return nil }
func (NullStore) Clear(context.Context) error { return nil }
func (NullStore) Close() error { return nil }
func (NullStore) PurgeDeadLetters(context.Context) (int, error) { return 0, nil }
func (NullStore) LiveNodes(context.Context, time.Time) ([]int, error) { return nil, nil }
func (NullStore) AllIncoming(context.Context) ([]*envelope.Envelope, error) { return nil, nil }
func (NullStore) AllOutgoing(context.Context) ([]*envelope.Envelope, error) { return nil, nil }
func (NullStore) LoadScheduled(context.Context) ([]*envelope.Envelope, error) { return nil, nil }
func (NullStore) LoadDeadLetter(context.Context, string) (*envelope.ErrorReport, error) {
	return nil, nil
}

func (NullStore) PersistedCounts(context.Context) (envelope.PersistedCounts, error) {
	return envelope.PersistedCounts{}, nil
}

func (NullStore) DiscardAndReassignOutgoing(context.Context, []*envelope.Envelope, []*envelope.Envelope, int) ([]*envelope.Envelope, error) {
	return nil, nil
}

func (NullStore) FindOrphanedIncoming(context.Context, []int, int, int) ([]*envelope.Envelope, error) {
	return nil, nil
}

func (NullStore) FindOrphanedOutgoing(context.Context, []int, int) ([]*envelope.Envelope, error) {
	return nil, nil
}

func (NullStore) RecoverIncoming(context.Context, []*envelope.Envelope, []*envelope.ErrorReport, int) ([]*envelope.Envelope, error) {
	return nil, nil
}

func (NullStore) ClaimScheduled(_ context.Context, envs []*envelope.Envelope, nodeID int) ([]*envelope.Envelope, error) {
	for _, env := range envs {
		env.OwnerID = nodeID
	}
	return envs, nil
}

func (NullStore) ClaimDueScheduled(context.Context, time.Time, int, int) ([]*envelope.Envelope, error) {
	return nil, nil
}

func (NullStore) ListDeadLetters(context.Context, int, int) ([]*envelope.ErrorReport, error) {
	return nil, nil
}

func (NullStore) ReplayDeadLetter(context.Context, string) (*envelope.Envelope, error) {
	return nil, errspkg.ErrDeadLetterNotFound
}
