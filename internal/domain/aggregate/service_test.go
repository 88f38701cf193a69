package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/infrastructure/store/mocks"
	"github.com/example/eventcore/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCounterService() (*Service[*counter], *counterDef, *mocks.MockEventStore) {
	def := newCounterDef()
	eventStore := mocks.NewMockEventStore()
	return NewService[*counter](def, eventStore, logger.Nop()), def, eventStore
}

func createTestCounter(t *testing.T, svc *Service[*counter], id string) Result[*counter] {
	t.Helper()
	res, err := svc.DispatchToLatest(context.Background(), id, User("alice"), createCounter{Owner: "alice"})
	require.NoError(t, err)
	return res
}

// ============================================
// Dispatch Tests
// ============================================

func TestService_DispatchToLatest_Create(t *testing.T) {
	svc, _, eventStore := newTestCounterService()

	res := createTestCounter(t, svc, "c-1")

	assert.Equal(t, 1, res.Version)
	assert.True(t, res.State.Exists())
	assert.Equal(t, "alice", res.State.Owner)
	assert.Equal(t, "CounterCreated", res.Metadata.EventName)
	assert.Equal(t, User("alice"), res.Metadata.Agent)

	require.Len(t, eventStore.AppendCalls, 1)
	assert.Equal(t, 0, eventStore.AppendCalls[0].ExpectedVersion)

	entries := eventStore.Outbox().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "counter", entries[0].Target)
	assert.Equal(t, "events.countercreated", entries[0].RoutingKey)
	assert.Equal(t, "c-1", entries[0].Key)

	env, err := DecodeEnvelope(entries[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Metadata.AggregateVersion)
	assert.JSONEq(t, `{"owner":"alice"}`, string(env.Event))
}

func TestService_Dispatch_WithExpectedVersion(t *testing.T) {
	svc, _, _ := newTestCounterService()
	ctx := context.Background()
	createTestCounter(t, svc, "c-1")

	res, err := svc.Dispatch(ctx, "c-1", 1, User("alice"), increment{By: 5})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
	assert.Equal(t, 5, res.State.Value)
	assert.Equal(t, 2, res.Metadata.EventVersion)
}

func TestService_Dispatch_StaleVersion(t *testing.T) {
	svc, _, eventStore := newTestCounterService()
	ctx := context.Background()
	createTestCounter(t, svc, "c-1")
	_, err := svc.Dispatch(ctx, "c-1", 1, User("alice"), increment{By: 1})
	require.NoError(t, err)
	before := len(eventStore.GetEvents("counter", "c-1"))
	appendsBefore := eventStore.AppendCount()

	_, err = svc.Dispatch(ctx, "c-1", 1, User("alice"), increment{By: 1})

	assert.ErrorIs(t, err, store.ErrVersionConflict)
	assert.Len(t, eventStore.GetEvents("counter", "c-1"), before)
	assert.Equal(t, appendsBefore, eventStore.AppendCount(), "stale dispatch must not reach the store")
	assert.Len(t, eventStore.Outbox().Entries(), 2)
}

func TestService_Dispatch_LosesAppendRace(t *testing.T) {
	svc, _, eventStore := newTestCounterService()
	ctx := context.Background()
	createTestCounter(t, svc, "c-1")

	// Another writer claims version 2 between load and append
	eventStore.AppendCallback = func(ctx context.Context, batch store.AppendBatch) error {
		eventStore.AppendCallback = nil
		rival := batch
		rival.Outbox = nil
		return eventStore.EventStore.Append(ctx, rival)
	}

	_, err := svc.Dispatch(ctx, "c-1", 1, User("bob"), increment{By: 1})

	assert.ErrorIs(t, err, store.ErrVersionConflict)
	version, err := eventStore.GetVersion(ctx, "counter", "c-1")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Len(t, eventStore.Outbox().Entries(), 1, "loser's outbox entry must not be written")
}

func TestService_Dispatch_ConcurrentWritersOneWins(t *testing.T) {
	def := newCounterDef()
	eventStore := store.NewEventStore(nil)
	svc := NewService[*counter](def, eventStore, logger.Nop())
	ctx := context.Background()
	_, err := svc.DispatchToLatest(ctx, "c-1", System(), createCounter{})
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, conflicted := 0, 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Dispatch(ctx, "c-1", 1, System(), increment{By: 1})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrVersionConflict):
				conflicted++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, conflicted)
	state, version, err := svc.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, 1, state.Value)
}

func TestService_Dispatch_NoEvent(t *testing.T) {
	svc, _, eventStore := newTestCounterService()
	createTestCounter(t, svc, "c-1")

	res, err := svc.DispatchToLatest(context.Background(), "c-1", System(), touch{})

	require.NoError(t, err)
	assert.Nil(t, res.Event)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, 1, eventStore.AppendCount())
}

func TestService_Dispatch_LifecycleGuards(t *testing.T) {
	tests := []struct {
		name    string
		setup   []Command
		command Command
	}{
		{"modify before create", nil, increment{By: 1}},
		{"create twice", []Command{createCounter{}}, createCounter{}},
		{"modify after delete", []Command{createCounter{}, deleteCounter{}}, increment{By: 1}},
		{"delete twice", []Command{createCounter{}, deleteCounter{}}, deleteCounter{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, eventStore := newTestCounterService()
			ctx := context.Background()
			for _, cmd := range tt.setup {
				_, err := svc.DispatchToLatest(ctx, "c-1", System(), cmd)
				require.NoError(t, err)
			}
			appends := eventStore.AppendCount()

			_, err := svc.DispatchToLatest(ctx, "c-1", System(), tt.command)

			assert.ErrorIs(t, err, ErrIllegalState)
			assert.Equal(t, appends, eventStore.AppendCount())
		})
	}
}

// ============================================
// Snapshot Tests
// ============================================

func TestService_SnapshotCadence(t *testing.T) {
	svc, _, eventStore := newTestCounterService()
	ctx := context.Background()
	createTestCounter(t, svc, "c-1")

	var last Result[*counter]
	for i := 1; i < 200; i++ {
		var err error
		last, err = svc.DispatchToLatest(ctx, "c-1", System(), increment{By: 1})
		require.NoError(t, err)
	}

	assert.Equal(t, 202, last.Version)
	var snapshots []int
	for _, e := range eventStore.GetEvents("counter", "c-1") {
		if e.IsSnapshot {
			snapshots = append(snapshots, e.Version)
		}
	}
	assert.Equal(t, []int{100, 200}, snapshots)

	state, version, err := svc.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 202, version)
	assert.Equal(t, 199, state.Value)
}

func TestService_SnapshotWrittenWithTriggeringEvent(t *testing.T) {
	svc, _, eventStore := newTestCounterService()
	ctx := context.Background()
	createTestCounter(t, svc, "c-1")
	for i := 2; i < 99; i++ {
		_, err := svc.DispatchToLatest(ctx, "c-1", System(), increment{By: 1})
		require.NoError(t, err)
	}

	res, err := svc.DispatchToLatest(ctx, "c-1", System(), increment{By: 1})
	require.NoError(t, err)

	assert.Equal(t, 99, res.Metadata.AggregateVersion)
	assert.Equal(t, 100, res.Version)
	batch := eventStore.AppendCalls[len(eventStore.AppendCalls)-1]
	require.Len(t, batch.Events, 2)
	assert.True(t, batch.Events[1].IsSnapshot)
	assert.Equal(t, store.SnapshotEventName, batch.Events[1].EventType)
	assert.Len(t, batch.Outbox, 1, "snapshots are not published")

	var snap counter
	require.NoError(t, json.Unmarshal(batch.Events[1].Data, &snap))
	assert.Equal(t, 98, snap.Value)
}

func TestService_BoundedReplay(t *testing.T) {
	svc, def, eventStore := newTestCounterService()
	ctx := context.Background()
	createTestCounter(t, svc, "c-1")
	for i := 1; i < 105; i++ {
		_, err := svc.DispatchToLatest(ctx, "c-1", System(), increment{By: 1})
		require.NoError(t, err)
	}
	def.applied.Store(0)

	state, version, err := svc.Get(ctx, "c-1")

	require.NoError(t, err)
	assert.Equal(t, 106, version)
	assert.Equal(t, 104, state.Value)
	assert.EqualValues(t, 6, def.applied.Load(), "only events after the snapshot at 100 are replayed")
	read, ok := eventStore.LastRead()
	require.True(t, ok)
	assert.Equal(t, 100, read.FromVersion)
	assert.Equal(t, 6, read.Returned)
}

func TestService_BoundedReplay_NeverExceeds99(t *testing.T) {
	svc, def, _ := newTestCounterService()
	ctx := context.Background()
	createTestCounter(t, svc, "c-1")

	for i := 1; i < 250; i++ {
		_, err := svc.DispatchToLatest(ctx, "c-1", System(), increment{By: 1})
		require.NoError(t, err)

		def.applied.Store(0)
		_, _, err = svc.Get(ctx, "c-1")
		require.NoError(t, err)
		assert.LessOrEqual(t, def.applied.Load(), int64(99))
	}
}

// ============================================
// Get Tests
// ============================================

func TestService_Get_NotFound(t *testing.T) {
	svc, _, _ := newTestCounterService()

	_, _, err := svc.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_GetAtVersion(t *testing.T) {
	svc, _, _ := newTestCounterService()
	ctx := context.Background()
	createTestCounter(t, svc, "c-1")
	for _, by := range []int{1, 10, 100} {
		_, err := svc.DispatchToLatest(ctx, "c-1", System(), increment{By: by})
		require.NoError(t, err)
	}

	tests := []struct {
		version int
		value   int
	}{
		{1, 0},
		{2, 1},
		{3, 11},
		{4, 111},
	}
	for _, tt := range tests {
		state, err := svc.GetAtVersion(ctx, "c-1", tt.version)
		require.NoError(t, err)
		assert.Equal(t, tt.value, state.Value, "version %d", tt.version)
	}

	_, err := svc.GetAtVersion(ctx, "c-1", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_GetAtVersion_AcrossSnapshot(t *testing.T) {
	svc, _, _ := newTestCounterService()
	ctx := context.Background()
	createTestCounter(t, svc, "c-1")
	for i := 1; i < 120; i++ {
		_, err := svc.DispatchToLatest(ctx, "c-1", System(), increment{By: 1})
		require.NoError(t, err)
	}

	atSnapshot, err := svc.GetAtVersion(ctx, "c-1", 100)
	require.NoError(t, err)
	beforeSnapshot, err := svc.GetAtVersion(ctx, "c-1", 99)
	require.NoError(t, err)
	after, err := svc.GetAtVersion(ctx, "c-1", 105)
	require.NoError(t, err)

	assert.Equal(t, 98, beforeSnapshot.Value)
	assert.Equal(t, 98, atSnapshot.Value)
	assert.Equal(t, 103, after.Value)
}

// ============================================
// Collapse Tests
// ============================================

func TestService_CollapseEvents(t *testing.T) {
	svc, _, eventStore := newTestCounterService()
	ctx := context.Background()
	createTestCounter(t, svc, "c-1")
	for i := 0; i < 3; i++ {
		_, err := svc.DispatchToLatest(ctx, "c-1", User("alice"), increment{By: 2})
		require.NoError(t, err)
	}

	res, err := svc.CollapseEvents(ctx, "c-1", User("admin"))

	require.NoError(t, err)
	assert.Equal(t, 5, res.Version)
	assert.Empty(t, res.State.Owner)

	history := eventStore.GetEvents("counter", "c-1")
	require.Len(t, history, 1)
	assert.True(t, history[0].IsSnapshot)
	assert.Equal(t, 5, history[0].Version)
	assert.Equal(t, "admin", history[0].AgentID)

	state, version, err := svc.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 5, version)
	assert.Equal(t, 6, state.Value)
	assert.Empty(t, state.Owner)

	entries := eventStore.Outbox().Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, "events.collapsed", last.RoutingKey)
	env, err := DecodeEnvelope(last.Payload)
	require.NoError(t, err)
	assert.True(t, env.Metadata.IsSnapshot)
	assert.Equal(t, CollapsedEventName, env.Metadata.EventName)
	assert.JSONEq(t, `{"id":"c-1","created":true,"deleted":false,"owner":"","value":6}`, string(env.Event))
}

func TestService_CollapseEvents_ThenDispatch(t *testing.T) {
	svc, _, _ := newTestCounterService()
	ctx := context.Background()
	createTestCounter(t, svc, "c-1")
	_, err := svc.CollapseEvents(ctx, "c-1", System())
	require.NoError(t, err)

	res, err := svc.Dispatch(ctx, "c-1", 2, System(), increment{By: 1})

	require.NoError(t, err)
	assert.Equal(t, 3, res.Version)
	assert.Equal(t, 1, res.State.Value)
}

func TestService_CollapseEvents_NotFound(t *testing.T) {
	svc, _, _ := newTestCounterService()

	_, err := svc.CollapseEvents(context.Background(), "missing", System())

	assert.ErrorIs(t, err, ErrNotFound)
}
