package durability

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
)

// MemoryStore keeps envelopes in process memory. It offers the same
// atomicity as the SQL store within a single process and is used when
// durability is disabled but dead letters should stay inspectable.
type MemoryStore struct {
	mu          sync.Mutex
	incoming    map[string]*envelope.Envelope
	outgoing    map[string]*envelope.Envelope
	deadLetters map[string]*envelope.ErrorReport
	nodes       map[int]time.Time
}

var _ Persistence = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incoming:    make(map[string]*envelope.Envelope),
		outgoing:    make(map[string]*envelope.Envelope),
		deadLetters: make(map[string]*envelope.ErrorReport),
		nodes:       make(map[int]time.Time),
	}
}

func (m *MemoryStore) StoreIncoming(_ context.Context, envs ...*envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(envs))
	for _, env := range envs {
		_, inBatch := seen[env.ID]
		if _, exists := m.incoming[env.ID]; exists || inBatch {
			return &errspkg.DuplicateEnvelopeError{ID: env.ID}
		}
		seen[env.ID] = struct{}{}
	}
	for _, env := range envs {
		row := env.Clone()
		row.Message = nil
		if row.Status != envelope.StatusScheduled {
			row.Status = envelope.StatusIncoming
		}
		m.incoming[env.ID] = row
	}
	return nil
}

func (m *MemoryStore) IncrementIncomingAttempts(_ context.Context, env *envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.incoming[env.ID]; ok {
		row.SetAttempts(env.Attempts)
	}
	return nil
}

func (m *MemoryStore) ScheduleExecution(_ context.Context, envs ...*envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, env := range envs {
		if env.ExecutionTime == nil {
			return errspkg.ErrNoExecutionTime
		}
	}
	for _, env := range envs {
		row, ok := m.incoming[env.ID]
		if !ok {
			row = env.Clone()
			row.Message = nil
			m.incoming[env.ID] = row
		}
		row.SetAttempts(env.Attempts)
		row.ScheduleAt(*env.ExecutionTime)
	}
	return nil
}

func (m *MemoryStore) DeleteIncoming(_ context.Context, envs ...*envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, env := range envs {
		delete(m.incoming, env.ID)
	}
	return nil
}

func (m *MemoryStore) MoveToDeadLetter(_ context.Context, reports ...*envelope.ErrorReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetterLocked(reports)
	return nil
}

func (m *MemoryStore) deadLetterLocked(reports []*envelope.ErrorReport) {
	for _, report := range reports {
		delete(m.incoming, report.ID)
		if _, exists := m.deadLetters[report.ID]; exists {
			continue
		}
		cp := *report
		m.deadLetters[report.ID] = &cp
	}
}

func (m *MemoryStore) StoreOutgoing(_ context.Context, ownerID int, envs ...*envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, env := range envs {
		if _, exists := m.outgoing[env.ID]; exists {
			return &errspkg.DuplicateEnvelopeError{ID: env.ID}
		}
	}
	for _, env := range envs {
		env.OwnerID = ownerID
		env.Status = envelope.StatusOutgoing
		row := env.Clone()
		row.Message = nil
		m.outgoing[env.ID] = row
	}
	return nil
}

func (m *MemoryStore) DeleteOutgoing(_ context.Context, envs ...*envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, env := range envs {
		delete(m.outgoing, env.ID)
	}
	return nil
}

func (m *MemoryStore) IncrementOutgoingAttempts(_ context.Context, env *envelope.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.outgoing[env.ID]; ok {
		row.SetAttempts(env.Attempts)
	}
	return nil
}

func (m *MemoryStore) DiscardAndReassignOutgoing(_ context.Context, discards, reassigned []*envelope.Envelope, nodeID int) ([]*envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, env := range discards {
		delete(m.outgoing, env.ID)
	}
	var claimed []*envelope.Envelope
	for _, env := range reassigned {
		row, ok := m.outgoing[env.ID]
		if !ok || row.OwnerID != env.OwnerID {
			continue
		}
		row.OwnerID = nodeID
		env.OwnerID = nodeID
		claimed = append(claimed, env)
	}
	return claimed, nil
}

func (m *MemoryStore) LoadDeadLetter(_ context.Context, id string) (*envelope.ErrorReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report, ok := m.deadLetters[id]
	if !ok {
		return nil, nil
	}
	cp := *report
	return &cp, nil
}

func (m *MemoryStore) AllIncoming(context.Context) ([]*envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot(m.incoming, func(*envelope.Envelope) bool { return true }, 0), nil
}

func (m *MemoryStore) AllOutgoing(context.Context) ([]*envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot(m.outgoing, func(*envelope.Envelope) bool { return true }, 0), nil
}

func (m *MemoryStore) ReleaseAllOwnership(_ context.Context, nodeID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rows := range []map[string]*envelope.Envelope{m.incoming, m.outgoing} {
		for _, row := range rows {
			if row.OwnerID == nodeID {
				row.OwnerID = envelope.AnyNode
			}
		}
	}
	return nil
}

func (m *MemoryStore) PersistedCounts(context.Context) (envelope.PersistedCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts envelope.PersistedCounts
	for _, row := range m.incoming {
		if row.Status == envelope.StatusScheduled {
			counts.Scheduled++
			continue
		}
		counts.Incoming++
	}
	counts.Outgoing = len(m.outgoing)
	counts.DeadLetter = len(m.deadLetters)
	return counts, nil
}

func (m *MemoryStore) FindOrphanedIncoming(_ context.Context, live []int, maxAttempts, limit int) ([]*envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot(m.incoming, func(row *envelope.Envelope) bool {
		if row.Status != envelope.StatusIncoming {
			return false
		}
		return !slices.Contains(live, row.OwnerID) || (maxAttempts > 0 && row.Attempts >= maxAttempts)
	}, limit), nil
}

func (m *MemoryStore) FindOrphanedOutgoing(_ context.Context, live []int, limit int) ([]*envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot(m.outgoing, func(row *envelope.Envelope) bool {
		return !slices.Contains(live, row.OwnerID)
	}, limit), nil
}

func (m *MemoryStore) RecoverIncoming(_ context.Context, reassign []*envelope.Envelope, deadLetters []*envelope.ErrorReport, nodeID int) ([]*envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetterLocked(deadLetters)
	var claimed []*envelope.Envelope
	for _, env := range reassign {
		row, ok := m.incoming[env.ID]
		if !ok || row.Status != envelope.StatusIncoming || row.OwnerID != env.OwnerID {
			continue
		}
		row.OwnerID = nodeID
		env.OwnerID = nodeID
		claimed = append(claimed, env)
	}
	return claimed, nil
}

func (m *MemoryStore) LoadScheduled(context.Context) ([]*envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot(m.incoming, func(row *envelope.Envelope) bool {
		return row.Status == envelope.StatusScheduled
	}, 0), nil
}

func (m *MemoryStore) ClaimScheduled(_ context.Context, envs []*envelope.Envelope, nodeID int) ([]*envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []*envelope.Envelope
	for _, env := range envs {
		row, ok := m.incoming[env.ID]
		if !ok || row.Status != envelope.StatusScheduled {
			continue
		}
		row.Release(envelope.StatusIncoming)
		row.OwnerID = nodeID
		env.OwnerID = nodeID
		claimed = append(claimed, env)
	}
	return claimed, nil
}

func (m *MemoryStore) ClaimDueScheduled(_ context.Context, before time.Time, nodeID, limit int) ([]*envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := snapshot(m.incoming, func(row *envelope.Envelope) bool {
		return row.Status == envelope.StatusScheduled && row.ExecutionTime != nil && !row.ExecutionTime.After(before)
	}, limit)
	for _, env := range due {
		row := m.incoming[env.ID]
		row.Release(envelope.StatusIncoming)
		row.OwnerID = nodeID
		env.Release(envelope.StatusIncoming)
		env.OwnerID = nodeID
	}
	return due, nil
}

func (m *MemoryStore) Heartbeat(_ context.Context, nodeID int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[nodeID] = at
	return nil
}

func (m *MemoryStore) LiveNodes(_ context.Context, since time.Time) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var live []int
	for id, at := range m.nodes {
		if !at.Before(since) {
			live = append(live, id)
		}
	}
	sort.Ints(live)
	return live, nil
}

func (m *MemoryStore) RemoveNode(_ context.Context, nodeID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
	return nil
}

func (m *MemoryStore) ListDeadLetters(_ context.Context, limit, offset int) ([]*envelope.ErrorReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.deadLetters))
	for id := range m.deadLetters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*envelope.ErrorReport, 0, len(ids))
	for _, id := range ids {
		cp := *m.deadLetters[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ReplayDeadLetter(_ context.Context, id string) (*envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report, ok := m.deadLetters[id]
	if !ok {
		return nil, errspkg.ErrDeadLetterNotFound
	}
	env, err := replayable(report)
	if err != nil {
		return nil, err
	}
	delete(m.deadLetters, id)
	m.incoming[id] = env.Clone()
	return env, nil
}

func (m *MemoryStore) PurgeDeadLetters(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.deadLetters)
	m.deadLetters = make(map[string]*envelope.ErrorReport)
	return n, nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incoming = make(map[string]*envelope.Envelope)
	m.outgoing = make(map[string]*envelope.Envelope)
	m.deadLetters = make(map[string]*envelope.ErrorReport)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// replayable rebuilds the envelope of report as a fresh, unowned incoming
// envelope.
func replayable(report *envelope.ErrorReport) (*envelope.Envelope, error) {
	env, err := report.Envelope()
	if err != nil {
		return nil, err
	}
	env.Attempts = 0
	env.OwnerID = envelope.AnyNode
	env.Release(envelope.StatusIncoming)
	return env, nil
}

// snapshot copies the rows matching keep in id order.
func snapshot(rows map[string]*envelope.Envelope, keep func(*envelope.Envelope) bool, limit int) []*envelope.Envelope {
	ids := make([]string, 0, len(rows))
	for id, row := range rows {
		if keep(row) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*envelope.Envelope, 0, len(ids))
	for _, id := range ids {
		out = append(out, rows[id].Clone())
	}
	return out
}
