package toolapi

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorops/convoy/internal/database"
	"github.com/vectorops/convoy/internal/mission"
)

func setupAPI(t *testing.T) (*API, *mission.DBMissionStore) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "convoy-test.db")
	db, err := database.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	store := mission.NewDBMissionStore(db)
	events := mission.NewDBEventStore(db)
	dispatcher := mission.NewDispatcher(store, events)

	return NewAPI(dispatcher, store), store
}

func dispatchOne(t *testing.T, api *API, vpID string) *mission.Mission {
	t.Helper()

	result := api.Dispatch(context.Background(), DispatchParams{
		VPID:      vpID,
		Objective: "test objective",
	})
	require.True(t, result.OK, "dispatch failed: %+v", result.Error)
	return result.Mission
}

func TestAPI_Dispatch(t *testing.T) {
	api, _ := setupAPI(t)
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		result := api.Dispatch(ctx, DispatchParams{
			VPID:           "lane.api",
			Objective:      "build the thing",
			IdempotencyKey: "k1",
		})
		require.True(t, result.OK)
		assert.Nil(t, result.Error)
		assert.Equal(t, mission.MissionStatusQueued, result.Mission.Status)
	})

	t.Run("idempotent re-dispatch", func(t *testing.T) {
		first := api.Dispatch(ctx, DispatchParams{VPID: "lane.api", Objective: "x y z longer", IdempotencyKey: "k2"})
		second := api.Dispatch(ctx, DispatchParams{VPID: "lane.api", Objective: "different", IdempotencyKey: "k2"})
		require.True(t, first.OK)
		require.True(t, second.OK)
		assert.Equal(t, first.Mission.ID, second.Mission.ID)
	})

	t.Run("validation failure never raises", func(t *testing.T) {
		result := api.Dispatch(ctx, DispatchParams{VPID: "", Objective: "no lane"})
		assert.False(t, result.OK)
		require.NotNil(t, result.Error)
		assert.Equal(t, "validation_error", result.Error.Code)
		assert.False(t, result.Error.Retryable)
		assert.NotEmpty(t, result.Error.Message)
	})
}

func TestAPI_Get(t *testing.T) {
	api, _ := setupAPI(t)
	ctx := context.Background()

	m := dispatchOne(t, api, "lane.api")

	t.Run("found", func(t *testing.T) {
		result := api.Get(ctx, m.ID.String())
		require.True(t, result.OK)
		assert.Equal(t, m.ID, result.Mission.ID)
	})

	t.Run("not found", func(t *testing.T) {
		result := api.Get(ctx, "")
		assert.False(t, result.OK)
		assert.Equal(t, "validation_error", result.Error.Code)

		result = api.Get(ctx, "00000000-0000-4000-8000-000000000000")
		assert.False(t, result.OK)
		assert.Equal(t, "not_found", result.Error.Code)
	})
}

func TestAPI_List(t *testing.T) {
	api, store := setupAPI(t)
	ctx := context.Background()

	a := dispatchOne(t, api, "lane.a")
	dispatchOne(t, api, "lane.b")
	require.NoError(t, store.Finish(ctx, a.ID, mission.MissionStatusCompleted, "", nil, ""))

	t.Run("all", func(t *testing.T) {
		result := api.List(ctx, ListParams{})
		require.True(t, result.OK)
		assert.Len(t, result.Missions, 2)
	})

	t.Run("by lane", func(t *testing.T) {
		result := api.List(ctx, ListParams{VPID: "lane.a"})
		require.True(t, result.OK)
		require.Len(t, result.Missions, 1)
		assert.Equal(t, a.ID, result.Missions[0].ID)
	})

	t.Run("by status", func(t *testing.T) {
		result := api.List(ctx, ListParams{Status: "completed"})
		require.True(t, result.OK)
		require.Len(t, result.Missions, 1)
		assert.Equal(t, a.ID, result.Missions[0].ID)
	})

	t.Run("limit", func(t *testing.T) {
		result := api.List(ctx, ListParams{Limit: 1})
		require.True(t, result.OK)
		assert.Len(t, result.Missions, 1)
	})
}

func TestAPI_Wait(t *testing.T) {
	api, store := setupAPI(t)
	ctx := context.Background()

	t.Run("already terminal", func(t *testing.T) {
		m := dispatchOne(t, api, "lane.wait")
		require.NoError(t, store.Finish(ctx, m.ID, mission.MissionStatusCompleted, "", nil, ""))

		result := api.Wait(ctx, m.ID.String(), 5*time.Second, 10*time.Millisecond)
		require.True(t, result.OK)
		assert.False(t, result.TimedOut)
		assert.Equal(t, mission.MissionStatusCompleted, result.Mission.Status)
	})

	t.Run("honors timeout exactly", func(t *testing.T) {
		m := dispatchOne(t, api, "lane.wait")

		start := time.Now()
		result := api.Wait(ctx, m.ID.String(), 200*time.Millisecond, 50*time.Millisecond)
		elapsed := time.Since(start)

		require.True(t, result.OK)
		assert.True(t, result.TimedOut)
		assert.Equal(t, mission.MissionStatusQueued, result.Mission.Status)
		assert.Less(t, elapsed, time.Second, "wait must not block past its timeout")
		assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	})

	t.Run("completes mid-wait", func(t *testing.T) {
		m := dispatchOne(t, api, "lane.wait")

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = store.Finish(ctx, m.ID, mission.MissionStatusCompleted, "", nil, "")
		}()

		result := api.Wait(ctx, m.ID.String(), 5*time.Second, 10*time.Millisecond)
		require.True(t, result.OK)
		assert.False(t, result.TimedOut)
		assert.Equal(t, mission.MissionStatusCompleted, result.Mission.Status)
	})

	t.Run("invalid id", func(t *testing.T) {
		result := api.Wait(ctx, "not-a-uuid", time.Second, 10*time.Millisecond)
		assert.False(t, result.OK)
		assert.Equal(t, "validation_error", result.Error.Code)
	})
}

func TestAPI_Cancel(t *testing.T) {
	api, store := setupAPI(t)
	ctx := context.Background()

	t.Run("queued mission", func(t *testing.T) {
		m := dispatchOne(t, api, "lane.cancel")
		result := api.Cancel(ctx, m.ID.String(), "changed my mind")
		require.True(t, result.OK)
		assert.True(t, result.Cancelled)
	})

	t.Run("terminal mission", func(t *testing.T) {
		m := dispatchOne(t, api, "lane.cancel")
		require.NoError(t, store.Finish(ctx, m.ID, mission.MissionStatusCompleted, "", nil, ""))

		result := api.Cancel(ctx, m.ID.String(), "too late")
		require.True(t, result.OK)
		assert.False(t, result.Cancelled)
	})

	t.Run("invalid id", func(t *testing.T) {
		result := api.Cancel(ctx, "nope", "reason")
		assert.False(t, result.OK)
		assert.Equal(t, "validation_error", result.Error.Code)
	})
}
