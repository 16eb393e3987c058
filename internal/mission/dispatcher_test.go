package mission

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/vectorops/convoy/internal/types"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *DBMissionStore, *DBEventStore) {
	t.Helper()

	db := setupTestDB(t)
	store := NewDBMissionStore(db)
	events := NewDBEventStore(db)
	return NewDispatcher(store, events), store, events
}

func TestDispatcher_Dispatch(t *testing.T) {
	dispatcher, _, events := newTestDispatcher(t)
	ctx := context.Background()

	m, err := dispatcher.Dispatch(ctx, &DispatchRequest{
		VPID:        "vp.coder.primary",
		Objective:   "refactor the parser",
		MissionType: "coder_task",
	})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, MissionStatusQueued, m.Status)
	assert.Equal(t, "coder_task", m.MissionType)
	assert.Equal(t, DefaultPriority, m.Priority)

	log, err := events.ListByMission(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, EventDispatched, log[0].Type)
}

func TestDispatcher_DispatchValidation(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	t.Run("nil request", func(t *testing.T) {
		_, err := dispatcher.Dispatch(ctx, nil)
		assert.True(t, IsValidationError(err))
		assert.False(t, IsRetryable(err))
	})

	t.Run("missing vp_id", func(t *testing.T) {
		_, err := dispatcher.Dispatch(ctx, &DispatchRequest{Objective: "x"})
		assert.True(t, IsValidationError(err))
	})

	t.Run("missing objective", func(t *testing.T) {
		_, err := dispatcher.Dispatch(ctx, &DispatchRequest{VPID: "vp.a"})
		assert.True(t, IsValidationError(err))
	})
}

func TestDispatcher_DispatchIdempotent(t *testing.T) {
	dispatcher, store, events := newTestDispatcher(t)
	ctx := context.Background()

	req := &DispatchRequest{
		VPID:           "lane.a",
		Objective:      "first objective",
		IdempotencyKey: "k1",
	}

	first, err := dispatcher.Dispatch(ctx, req)
	require.NoError(t, err)

	// Re-dispatch with the same pair returns the existing mission unchanged,
	// even if the objective differs.
	again, err := dispatcher.Dispatch(ctx, &DispatchRequest{
		VPID:           "lane.a",
		Objective:      "different objective",
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "first objective", again.Objective)

	count, err := store.Count(ctx, NewMissionFilter().WithVP("lane.a"))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	log, err := events.ListByMission(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, log, 1, "no duplicate dispatched event")
}

func TestDispatcher_DispatchConcurrent(t *testing.T) {
	dispatcher, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	var mu sync.Mutex
	ids := make(map[string]struct{})

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			m, err := dispatcher.Dispatch(gctx, &DispatchRequest{
				VPID:           "lane.a",
				Objective:      "concurrent",
				IdempotencyKey: "k1",
			})
			if err != nil {
				return err
			}
			mu.Lock()
			ids[m.ID.String()] = struct{}{}
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, ids, 1, "all concurrent dispatches converge on one mission")

	count, err := store.Count(ctx, NewMissionFilter().WithVP("lane.a"))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDispatcher_RequestCancel(t *testing.T) {
	dispatcher, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	t.Run("queued mission", func(t *testing.T) {
		m, err := dispatcher.Dispatch(ctx, &DispatchRequest{VPID: "lane.a", Objective: "x"})
		require.NoError(t, err)

		ok, err := dispatcher.RequestCancel(ctx, m.ID, "changed my mind")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.True(t, got.CancelRequested)
	})

	t.Run("unknown mission", func(t *testing.T) {
		ok, err := dispatcher.RequestCancel(ctx, types.NewID(), "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("terminal mission is a no-op", func(t *testing.T) {
		m, err := dispatcher.Dispatch(ctx, &DispatchRequest{VPID: "lane.a", Objective: "y"})
		require.NoError(t, err)
		require.NoError(t, store.Finish(ctx, m.ID, MissionStatusCompleted, "", nil, ""))

		ok, err := dispatcher.RequestCancel(ctx, m.ID, "too late")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
