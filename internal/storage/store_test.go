package storage_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/storage"
	"github.com/dennisdiepolder/monti/router/internal/testsupport"
	"github.com/dennisdiepolder/monti/router/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionEntryCompareAndSwap(t *testing.T) {
	store := testsupport.MustOpenStore(t)
	ctx := context.Background()
	e := testsupport.SeedEntry(t, store, types.PriorityNormal, time.Now())
	now := time.Now().UTC()
	agent := "a1"

	ok, err := store.TransitionEntry(ctx, e.ID, types.QueueWaiting, types.QueueAssigned,
		storage.EntryFields{AssignedAt: &now, AssignedAgentRef: &agent})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TransitionEntry(ctx, e.ID, types.QueueWaiting, types.QueueAssigned, storage.EntryFields{AssignedAt: &now})
	require.NoError(t, err)
	assert.False(t, ok, "a second writer loses the swap")

	got := testsupport.MustEntry(t, store, e.ID)
	assert.Equal(t, types.QueueAssigned, got.State)
	assert.Equal(t, "a1", types.Deref(got.AssignedAgentRef))
	require.NotNil(t, got.AssignedAt)
	assert.WithinDuration(t, now, *got.AssignedAt, time.Millisecond)

	ok, err = store.TransitionEntry(ctx, e.ID, types.QueueAssigned, types.QueueCompleted, storage.EntryFields{CompletedAt: &now})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, testsupport.MustEntry(t, store, e.ID).AssignedAgentRef, "terminal entries carry no agent")

	for _, to := range []types.QueueState{types.QueueWaiting, types.QueueAssigned, types.QueueAbandoned} {
		_, err = store.TransitionEntry(ctx, e.ID, types.QueueCompleted, to, storage.EntryFields{})
		assert.ErrorIs(t, err, storage.ErrInvalidTransition, "completed -> %s", to)
	}
	_, err = store.TransitionEntry(ctx, e.ID, types.QueueWaiting, types.QueueCompleted, storage.EntryFields{})
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	_, err = store.GetEntry(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetEntryAgentOnlyTouchesAssigned(t *testing.T) {
	store := testsupport.MustOpenStore(t)
	ctx := context.Background()
	e := testsupport.SeedEntry(t, store, types.PriorityNormal, time.Now())
	now := time.Now().UTC()
	agent := "a2"

	ok, err := store.SetEntryAgent(ctx, e.ID, &agent)
	require.NoError(t, err)
	assert.False(t, ok, "waiting entries are left alone")
	assert.Nil(t, testsupport.MustEntry(t, store, e.ID).AssignedAgentRef)

	ok, err = store.TransitionEntry(ctx, e.ID, types.QueueWaiting, types.QueueAssigned, storage.EntryFields{AssignedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.SetEntryAgent(ctx, e.ID, &agent)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a2", types.Deref(testsupport.MustEntry(t, store, e.ID).AssignedAgentRef))

	ok, err = store.TransitionEntry(ctx, e.ID, types.QueueAssigned, types.QueueAbandoned, storage.EntryFields{AbandonedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, testsupport.MustEntry(t, store, e.ID).AssignedAgentRef)

	ok, err = store.SetEntryAgent(ctx, e.ID, &agent)
	require.NoError(t, err)
	assert.False(t, ok, "terminal entries are immutable")
	assert.Nil(t, testsupport.MustEntry(t, store, e.ID).AssignedAgentRef)
}

func TestFetchWaitingOrder(t *testing.T) {
	store := testsupport.MustOpenStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	low := testsupport.SeedEntry(t, store, types.PriorityLow, base)
	normalOld := testsupport.SeedEntry(t, store, types.PriorityNormal, base.Add(time.Second))
	normalNew := testsupport.SeedEntry(t, store, types.PriorityNormal, base.Add(2*time.Second))
	urgent := testsupport.SeedEntry(t, store, types.PriorityUrgent, base.Add(3*time.Second))
	assigned := testsupport.SeedEntry(t, store, types.PriorityUrgent, base)
	now := time.Now()
	_, err := store.TransitionEntry(ctx, assigned.ID, types.QueueWaiting, types.QueueAssigned, storage.EntryFields{AssignedAt: &now})
	require.NoError(t, err)

	got, err := store.FetchWaiting(ctx, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{urgent.ID, normalOld.ID, normalNew.ID, low.ID}, ids)

	limited, err := store.FetchWaiting(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	ahead, err := store.CountAhead(ctx, &got[2])
	require.NoError(t, err)
	assert.Equal(t, 2, ahead)
}

func TestEntryMetadataRoundTrip(t *testing.T) {
	store := testsupport.MustOpenStore(t)
	ctx := context.Background()

	e := &types.QueueEntry{
		ID:          "entry-1",
		CustomerRef: "cust-1",
		RoomRef:     "room-1",
		Priority:    types.PriorityHigh,
		State:       types.QueueWaiting,
		Metadata:    map[string]any{"language": "de", "vip": true},
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.InsertEntry(ctx, e))

	got := testsupport.MustEntry(t, store, e.ID)
	assert.Equal(t, "de", got.Metadata["language"])
	assert.Equal(t, true, got.Metadata["vip"])
	assert.Equal(t, types.PriorityHigh, got.Priority)
}

func TestConcurrentTransitionHasOneWinner(t *testing.T) {
	store := testsupport.MustOpenStore(t)
	ctx := context.Background()
	e := testsupport.SeedEntry(t, store, types.PriorityHigh, time.Now())

	const writers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := fmt.Sprintf("a%d", i)
			now := time.Now().UTC()
			ok, err := store.TransitionEntry(ctx, e.ID, types.QueueWaiting, types.QueueAssigned,
				storage.EntryFields{AssignedAt: &now, AssignedAgentRef: &agent})
			if err != nil && !errors.Is(err, storage.ErrTransient) {
				t.Errorf("writer %d: %v", i, err)
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got := testsupport.MustEntry(t, store, e.ID)
	assert.Equal(t, types.QueueAssigned, got.State)
	assert.NotEmpty(t, types.Deref(got.AssignedAgentRef))
}

func TestAgentCapacity(t *testing.T) {
	store := testsupport.MustOpenStore(t)
	ctx := context.Background()
	testsupport.SeedAgent(t, store, "a1", 2)
	now := time.Now()

	for i := 0; i < 2; i++ {
		ok, err := store.IncrementLoad(ctx, "a1", now)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := store.IncrementLoad(ctx, "a1", now)
	require.NoError(t, err)
	assert.False(t, ok, "increment past capacity must fail")

	a := testsupport.MustAgent(t, store, "a1")
	assert.Equal(t, 2, a.CurrentCallCount)
	require.NotNil(t, a.LastAssignedAt)

	// Directory updates never touch the live count
	a.Name = "Renamed"
	a.MaxConcurrentCalls = 3
	require.NoError(t, store.UpsertAgent(ctx, a))
	a = testsupport.MustAgent(t, store, "a1")
	assert.Equal(t, "Renamed", a.Name)
	assert.Equal(t, 2, a.CurrentCallCount)

	require.NoError(t, store.SetAgentStatus(ctx, "a1", types.AgentAway))
	ok, err = store.IncrementLoad(ctx, "a1", now)
	require.NoError(t, err)
	assert.False(t, ok, "only online agents take calls")

	for i := 0; i < 2; i++ {
		ok, err = store.DecrementLoad(ctx, "a1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err = store.DecrementLoad(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, testsupport.MustAgent(t, store, "a1").CurrentCallCount)

	assert.ErrorIs(t, store.SetAgentStatus(ctx, "missing", types.AgentOnline), storage.ErrNotFound)
}

func TestFindEligible(t *testing.T) {
	store := testsupport.MustOpenStore(t)
	ctx := context.Background()
	testsupport.SeedAgent(t, store, "busy", 2)
	testsupport.SeedAgent(t, store, "idle", 2)
	testsupport.SeedAgent(t, store, "full", 1)
	testsupport.SeedAgent(t, store, "away", 1)
	require.NoError(t, store.SetAgentStatus(ctx, "away", types.AgentAway))

	now := time.Now()
	for _, id := range []string{"busy", "full"} {
		ok, err := store.IncrementLoad(ctx, id, now)
		require.NoError(t, err)
		require.True(t, ok)
	}

	agents, err := store.FindEligible(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"idle", "busy"}, ids)
}

func TestInsertSessionOnePerOpenRoom(t *testing.T) {
	store := testsupport.MustOpenStore(t)
	ctx := context.Background()
	start := time.Now().UTC()

	first := &types.CallSession{ID: "s1", CustomerRef: "c", RoomRef: "room-1", StartTime: start, HandledBy: types.HandledByAI}
	ok, err := store.InsertSession(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := &types.CallSession{ID: "s2", CustomerRef: "c", RoomRef: "room-1", StartTime: start, HandledBy: types.HandledByAI}
	ok, err = store.InsertSession(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok)

	open, err := store.FindOpenSessionByRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", open.ID)

	end := start.Add(time.Minute)
	open.EndTime = &end
	require.NoError(t, store.UpdateSession(ctx, open))

	ok, err = store.InsertSession(ctx, dup)
	require.NoError(t, err)
	assert.True(t, ok, "a room can open a new session once the previous one ended")

	assert.ErrorIs(t, store.UpdateSession(ctx, &types.CallSession{ID: "missing"}), storage.ErrNotFound)
	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWithTxRollsBack(t *testing.T) {
	store := testsupport.MustOpenStore(t)
	ctx := context.Background()
	testsupport.SeedAgent(t, store, "a1", 1)
	e := testsupport.SeedEntry(t, store, types.PriorityNormal, time.Now())
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		now := time.Now()
		ok, err := tx.TransitionEntry(ctx, e.ID, types.QueueWaiting, types.QueueAssigned, storage.EntryFields{AssignedAt: &now})
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = tx.IncrementLoad(ctx, "a1", now)
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, types.QueueWaiting, testsupport.MustEntry(t, store, e.ID).State)
	assert.Equal(t, 0, testsupport.MustAgent(t, store, "a1").CurrentCallCount)
}

func TestQueueStatsWindow(t *testing.T) {
	store := testsupport.MustOpenStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	testsupport.SeedAgent(t, store, "a1", 1)

	old := testsupport.SeedEntry(t, store, types.PriorityNormal, now.Add(-3*time.Hour))
	oldAssigned := now.Add(-2 * time.Hour)
	_, err := store.TransitionEntry(ctx, old.ID, types.QueueWaiting, types.QueueAssigned, storage.EntryFields{AssignedAt: &oldAssigned})
	require.NoError(t, err)

	recent := testsupport.SeedEntry(t, store, types.PriorityNormal, now.Add(-40*time.Second))
	recentAssigned := now.Add(-20 * time.Second)
	_, err = store.TransitionEntry(ctx, recent.ID, types.QueueWaiting, types.QueueAssigned, storage.EntryFields{AssignedAt: &recentAssigned})
	require.NoError(t, err)

	testsupport.SeedEntry(t, store, types.PriorityNormal, now.Add(-90*time.Second))

	stats, err := store.QueueStats(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.WaitingCount)
	assert.Equal(t, 2, stats.AssignedCount)
	assert.InDelta(t, 20.0, stats.AvgWaitSeconds, 0.01, "only entries assigned inside the window count")
	assert.InDelta(t, 90.0, stats.LongestWaitSeconds, 0.01)
	assert.Equal(t, 1, stats.ActiveAgents)
}
