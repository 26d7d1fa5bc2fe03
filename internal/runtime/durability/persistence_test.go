package durability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
)

type storeFactory func(t *testing.T) Persistence

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Persistence { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Persistence {
			store, err := OpenSQLite(context.Background(), ":memory:", nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Persistence)) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func incomingEnvelope(owner int) *envelope.Envelope {
	env := envelope.New("OrderPlaced", []byte(`{"id":1}`))
	env.ContentType = envelope.DefaultContentType
	env.ReceivedAt = "local://orders"
	env.OwnerID = owner
	env.Status = envelope.StatusIncoming
	return env
}

func outgoingEnvelope(dest string) *envelope.Envelope {
	env := envelope.New("OrderShipped", []byte(`{"id":2}`))
	env.ContentType = envelope.DefaultContentType
	env.Destination = dest
	return env
}

func report(t *testing.T, env *envelope.Envelope, msg string) *envelope.ErrorReport {
	t.Helper()
	r, err := envelope.NewErrorReport(env, errors.New(msg), time.Now())
	require.NoError(t, err)
	return r
}

func TestStoreIncomingRejectsDuplicatesAtomically(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Persistence) {
		ctx := context.Background()
		existing := incomingEnvelope(1)
		require.NoError(t, store.StoreIncoming(ctx, existing))

		fresh := incomingEnvelope(1)
		err := store.StoreIncoming(ctx, fresh, existing)
		require.ErrorIs(t, err, errspkg.ErrDuplicateEnvelope)
		var dup *errspkg.DuplicateEnvelopeError
		require.True(t, errors.As(err, &dup))
		assert.Equal(t, existing.ID, dup.ID)

		all, err := store.AllIncoming(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1, "batch with a duplicate must not be partially stored")
		assert.Equal(t, existing.ID, all[0].ID)
		assert.Equal(t, 1, all[0].OwnerID)
		assert.Equal(t, "local://orders", all[0].ReceivedAt)
	})
}

func TestStoreIncomingKeepsScheduledStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Persistence) {
		ctx := context.Background()
		env := incomingEnvelope(1)
		env.ScheduleAt(time.Now().Add(time.Hour))
		require.NoError(t, store.StoreIncoming(ctx, env))

		counts, err := store.PersistedCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, envelope.PersistedCounts{Scheduled: 1}, counts)
	})
}

func TestDeleteIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Persistence) {
		ctx := context.Background()
		in := incomingEnvelope(1)
		out := outgoingEnvelope("local://shipping")
		require.NoError(t, store.StoreIncoming(ctx, in))
		require.NoError(t, store.StoreOutgoing(ctx, 1, out))

		for i := 0; i < 2; i++ {
			require.NoError(t, store.DeleteIncoming(ctx, in))
			require.NoError(t, store.DeleteOutgoing(ctx, out))
		}

		counts, err := store.PersistedCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, envelope.PersistedCounts{}, counts)
	})
}

func TestIncrementAttemptsNeverLowers(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Persistence) {
		ctx := context.Background()
		env := incomingEnvelope(1)
		require.NoError(t, store.StoreIncoming(ctx, env))

		env.Attempts = 3
		require.NoError(t, store.IncrementIncomingAttempts(ctx, env))
		stale := env.Clone()
		stale.Attempts = 1
		require.NoError(t, store.IncrementIncomingAttempts(ctx, stale))

		all, err := store.AllIncoming(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, 3, all[0].Attempts)
	})
}

func TestScheduleExecutionAndClaim(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Persistence) {
		ctx := context.Background()
		now := time.Now().UTC()
		env := incomingEnvelope(1)
		require.NoError(t, store.StoreIncoming(ctx, env))

		env.Attempts = 1
		env.ScheduleAt(now.Add(time.Minute))
		require.NoError(t, store.ScheduleExecution(ctx, env))

		scheduled, err := store.LoadScheduled(ctx)
		require.NoError(t, err)
		require.Len(t, scheduled, 1)
		assert.Equal(t, envelope.StatusScheduled, scheduled[0].Status)
		assert.WithinDuration(t, now.Add(time.Minute), *scheduled[0].ExecutionTime, time.Millisecond)
		assert.Equal(t, 1, scheduled[0].Attempts)

		none, err := store.FindOrphanedIncoming(ctx, []int{9}, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, none, "scheduled rows are not part of the active incoming set")

		notDue, err := store.ClaimDueScheduled(ctx, now, 2, 10)
		require.NoError(t, err)
		assert.Empty(t, notDue)

		first, err := store.ClaimScheduled(ctx, []*envelope.Envelope{scheduled[0]}, 2)
		require.NoError(t, err)
		require.Len(t, first, 1)
		second, err := store.ClaimScheduled(ctx, []*envelope.Envelope{scheduled[0].Clone()}, 3)
		require.NoError(t, err)
		assert.Empty(t, second, "a claimed row cannot be claimed again")

		counts, err := store.PersistedCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, envelope.PersistedCounts{Incoming: 1}, counts)

		assert.ErrorIs(t, store.ScheduleExecution(ctx, incomingEnvelope(1)), errspkg.ErrNoExecutionTime)
	})
}

func TestClaimDueScheduled(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Persistence) {
		ctx := context.Background()
		now := time.Now().UTC()
		due := incomingEnvelope(5)
		due.ScheduleAt(now.Add(-time.Minute))
		later := incomingEnvelope(5)
		later.ScheduleAt(now.Add(time.Hour))
		require.NoError(t, store.StoreIncoming(ctx, due, later))

		claimed, err := store.ClaimDueScheduled(ctx, now, 1, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, due.ID, claimed[0].ID)
		assert.Equal(t, envelope.StatusIncoming, claimed[0].Status)
		assert.Nil(t, claimed[0].ExecutionTime)
		assert.Equal(t, 1, claimed[0].OwnerID)
	})
}

func TestMoveToDeadLetterIsAtomicAndSingle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Persistence) {
		ctx := context.Background()
		env := incomingEnvelope(1)
		require.NoError(t, store.StoreIncoming(ctx, env))

		require.NoError(t, store.MoveToDeadLetter(ctx, report(t, env, "first failure")))
		require.NoError(t, store.MoveToDeadLetter(ctx, report(t, env, "second failure")))

		incoming, err := store.AllIncoming(ctx)
		require.NoError(t, err)
		assert.Empty(t, incoming)

		loaded, err := store.LoadDeadLetter(ctx, env.ID)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, "first failure", loaded.ExceptionMessage)

		restored, err := loaded.Envelope()
		require.NoError(t, err)
		assert.Equal(t, env.Data, restored.Data)

		counts, err := store.PersistedCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, envelope.PersistedCounts{DeadLetter: 1}, counts)

		missing, err := store.LoadDeadLetter(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestDiscardAndReassignOutgoing(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Persistence) {
		ctx := context.Background()
		keep := outgoingEnvelope("local://a")
		drop := outgoingEnvelope("local://gone")
		require.NoError(t, store.StoreOutgoing(ctx, 5, keep, drop))
		assert.Equal(t, 5, keep.OwnerID)

		observed, err := store.FindOrphanedOutgoing(ctx, []int{1}, 0)
		require.NoError(t, err)
		require.Len(t, observed, 2)

		var toKeep, toDrop *envelope.Envelope
		for _, env := range observed {
			if env.ID == keep.ID {
				toKeep = env
			} else {
				toDrop = env
			}
		}

		winner, err := store.DiscardAndReassignOutgoing(ctx, []*envelope.Envelope{toDrop}, []*envelope.Envelope{toKeep.Clone()}, 1)
		require.NoError(t, err)
		require.Len(t, winner, 1)
		assert.Equal(t, 1, winner[0].OwnerID)

		loser, err := store.DiscardAndReassignOutgoing(ctx, nil, []*envelope.Envelope{toKeep.Clone()}, 2)
		require.NoError(t, err)
		assert.Empty(t, loser, "a stale owner must not reassign the row again")

		all, err := store.AllOutgoing(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, keep.ID, all[0].ID)
		assert.Equal(t, 1, all[0].OwnerID)
	})
}

func TestRecoverIncomingRace(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Persistence) {
		ctx := context.Background()
		orphan := incomingEnvelope(7)
		poison := incomingEnvelope(7)
		poison.Attempts = 10
		require.NoError(t, store.StoreIncoming(ctx, orphan, poison))

		found, err := store.FindOrphanedIncoming(ctx, []int{1, 2}, 10, 0)
		require.NoError(t, err)
		require.Len(t, found, 2)

		nodeA, err := store.RecoverIncoming(ctx, []*envelope.Envelope{orphan.Clone()}, []*envelope.ErrorReport{report(t, poison, "too many")}, 1)
		require.NoError(t, err)
		nodeB, err := store.RecoverIncoming(ctx, []*envelope.Envelope{orphan.Clone()}, []*envelope.ErrorReport{report(t, poison, "too many")}, 2)
		require.NoError(t, err)

		assert.Len(t, nodeA, 1)
		assert.Empty(t, nodeB)

		incoming, err := store.AllIncoming(ctx)
		require.NoError(t, err)
		require.Len(t, incoming, 1)
		assert.Equal(t, 1, incoming[0].OwnerID)

		reports, err := store.ListDeadLetters(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, reports, 1)
		assert.Equal(t, poison.ID, reports[0].ID)
	})
}

func TestFindOrphanedIncomingRespectsLiveNodes(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Persistence) {
		ctx := context.Background()
		mine := incomingEnvelope(1)
		released := incomingEnvelope(envelope.AnyNode)
		dead := incomingEnvelope(9)
		require.NoError(t, store.StoreIncoming(ctx, mine, released, dead))

		found, err := store.FindOrphanedIncoming(ctx, []int{1}, 0, 0)
		require.NoError(t, err)
		ids := []string{}
		for _, env := range found {
			ids = append(ids, env.ID)
		}
		assert.ElementsMatch(t, []string{released.ID, dead.ID}, ids)

		limited, err := store.FindOrphanedIncoming(ctx, []int{1}, 0, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestReleaseAllOwnership(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Persistence) {
		ctx := context.Background()
		in := incomingEnvelope(3)
		other := incomingEnvelope(4)
		out := outgoingEnvelope("local://a")
		require.NoError(t, store.StoreIncoming(ctx, in, other))
		require.NoError(t, store.StoreOutgoing(ctx, 3, out))

		require.NoError(t, store.ReleaseAllOwnership(ctx, 3))

		incoming, err := store.AllIncoming(ctx)
		require.NoError(t, err)
		owners := map[string]int{}
		for _, env := range incoming {
			owners[env.ID] = env.OwnerID
		}
		assert.Equal(t, envelope.AnyNode, owners[in.ID])
		assert.Equal(t, 4, owners[other.ID])

		outgoing, err := store.AllOutgoing(ctx)
		require.NoError(t, err)
		require.Len(t, outgoing, 1)
		assert.Equal(t, envelope.AnyNode, outgoing[0].OwnerID)
	})
}

func TestNodeHeartbeats(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Persistence) {
		ctx := context.Background()
		now := time.Now()
		require.NoError(t, store.Heartbeat(ctx, 1, now))
		require.NoError(t, store.Heartbeat(ctx, 2, now.Add(-time.Minute)))
		require.NoError(t, store.Heartbeat(ctx, 2, now.Add(-2*time.Minute)))

		live, err := store.LiveNodes(ctx, now.Add(-30*time.Second))
		require.NoError(t, err)
		assert.Equal(t, []int{1}, live)

		require.NoError(t, store.Heartbeat(ctx, 2, now))
		live, err = store.LiveNodes(ctx, now.Add(-30*time.Second))
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, live)

		require.NoError(t, store.RemoveNode(ctx, 2))
		live, err = store.LiveNodes(ctx, now.Add(-30*time.Second))
		require.NoError(t, err)
		assert.Equal(t, []int{1}, live)
	})
}

func TestDeadLetterAdministration(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Persistence) {
		ctx := context.Background()
		a := incomingEnvelope(1)
		a.Attempts = 3
		b := incomingEnvelope(1)
		require.NoError(t, store.StoreIncoming(ctx, a, b))
		require.NoError(t, store.MoveToDeadLetter(ctx, report(t, a, "a"), report(t, b, "b")))

		page, err := store.ListDeadLetters(ctx, 1, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, b.ID, page[0].ID)

		replayed, err := store.ReplayDeadLetter(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, replayed.Attempts)
		assert.Equal(t, envelope.AnyNode, replayed.OwnerID)
		assert.Equal(t, envelope.StatusIncoming, replayed.Status)

		_, err = store.ReplayDeadLetter(ctx, a.ID)
		assert.ErrorIs(t, err, errspkg.ErrDeadLetterNotFound)

		n, err := store.PurgeDeadLetters(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		counts, err := store.PersistedCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, envelope.PersistedCounts{Incoming: 1}, counts)

		require.NoError(t, store.Clear(ctx))
		counts, err = store.PersistedCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, envelope.PersistedCounts{}, counts)
	})
}

func TestNullStoreIsInert(t *testing.T) {
	ctx := context.Background()
	var store Persistence = NullStore{}
	env := incomingEnvelope(1)

	require.NoError(t, store.StoreIncoming(ctx, env))
	require.NoError(t, store.StoreIncoming(ctx, env), "null store never reports duplicates")
	require.NoError(t, store.MoveToDeadLetter(ctx, report(t, env, "x")))

	all, err := store.AllIncoming(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	loaded, err := store.LoadDeadLetter(ctx, env.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	counts, err := store.PersistedCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, envelope.PersistedCounts{}, counts)

	claimed, err := store.ClaimScheduled(ctx, []*envelope.Envelope{env}, 4)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = ? AND b = ?", SQLiteDialect.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = $1 AND b = $2", PostgresDialect.rebind("a = ? AND b = ?"))
}
