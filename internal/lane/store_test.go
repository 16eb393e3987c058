package lane

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

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "convoy-test.db")
	db, err := database.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	return db
}

func TestSessionStore_ClaimOrRenewValidation(t *testing.T) {
	store := NewDBSessionStore(setupTestDB(t))
	ctx := context.Background()

	_, err := store.ClaimOrRenew(ctx, "", "gateway-1", time.Minute)
	assert.True(t, mission.IsValidationError(err))

	_, err = store.ClaimOrRenew(ctx, "vp.coder.primary", "", time.Minute)
	assert.True(t, mission.IsValidationError(err))

	_, err = store.ClaimOrRenew(ctx, "vp.coder.primary", "gateway-1", 0)
	assert.True(t, mission.IsValidationError(err))
}

func TestSessionStore_ClaimCreatesRow(t *testing.T) {
	store := NewDBSessionStore(setupTestDB(t))
	ctx := context.Background()

	got, err := store.Get(ctx, "vp.coder.primary")
	require.NoError(t, err)
	assert.Nil(t, got)

	session, err := store.ClaimOrRenew(ctx, "vp.coder.primary", "gateway-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "vp.coder.primary", session.VPID)
	assert.Equal(t, "gateway-1", session.LeaseOwner)
	assert.Equal(t, SessionStatusActive, session.Status)
	assert.True(t, session.LeaseExpiresAt.After(time.Now().UTC()))
	assert.False(t, session.LastHeartbeatAt.IsZero())
}

func TestSessionStore_RenewKeepsSameRow(t *testing.T) {
	store := NewDBSessionStore(setupTestDB(t))
	ctx := context.Background()

	first, err := store.ClaimOrRenew(ctx, "vp.coder.primary", "gateway-1", time.Minute)
	require.NoError(t, err)

	// Same owner claims again, as happens on every process restart.
	second, err := store.ClaimOrRenew(ctx, "vp.coder.primary", "gateway-1", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, SessionStatusActive, second.Status)
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "restart must adopt, not recreate")
	assert.False(t, second.LeaseExpiresAt.Before(first.LeaseExpiresAt))
}

func TestSessionStore_AdoptsLiveForeignLease(t *testing.T) {
	store := NewDBSessionStore(setupTestDB(t))
	ctx := context.Background()

	_, err := store.ClaimOrRenew(ctx, "vp.coder.primary", "gateway-1", time.Hour)
	require.NoError(t, err)

	adopted, err := store.ClaimOrRenew(ctx, "vp.coder.primary", "gateway-2", time.Hour)
	require.NoError(t, err)

	// The live lease stays with its current owner.
	assert.Equal(t, "gateway-1", adopted.LeaseOwner)
	assert.Equal(t, SessionStatusActive, adopted.Status)
}

func TestSessionStore_ClaimsExpiredLease(t *testing.T) {
	db := setupTestDB(t)
	store := NewDBSessionStore(db)
	ctx := context.Background()

	_, err := store.ClaimOrRenew(ctx, "vp.coder.primary", "gateway-1", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	claimed, err := store.ClaimOrRenew(ctx, "vp.coder.primary", "gateway-2", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "gateway-2", claimed.LeaseOwner)
	assert.Equal(t, SessionStatusActive, claimed.Status)
}

func TestSessionStore_Heartbeat(t *testing.T) {
	store := NewDBSessionStore(setupTestDB(t))
	ctx := context.Background()

	session, err := store.ClaimOrRenew(ctx, "vp.coder.primary", "gateway-1", time.Minute)
	require.NoError(t, err)

	ok, err := store.Heartbeat(ctx, "vp.coder.primary", "gateway-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	renewed, err := store.Get(ctx, "vp.coder.primary")
	require.NoError(t, err)
	assert.True(t, renewed.LeaseExpiresAt.After(session.LeaseExpiresAt))

	t.Run("wrong owner", func(t *testing.T) {
		ok, err := store.Heartbeat(ctx, "vp.coder.primary", "gateway-2", time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown lane", func(t *testing.T) {
		ok, err := store.Heartbeat(ctx, "vp.unknown", "gateway-1", time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSessionStore_MarkExpired(t *testing.T) {
	store := NewDBSessionStore(setupTestDB(t))
	ctx := context.Background()

	_, err := store.ClaimOrRenew(ctx, "vp.stale", "gateway-1", time.Millisecond)
	require.NoError(t, err)
	_, err = store.ClaimOrRenew(ctx, "vp.fresh", "gateway-1", time.Hour)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	n, err := store.MarkExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stale, err := store.Get(ctx, "vp.stale")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusExpired, stale.Status)

	fresh, err := store.Get(ctx, "vp.fresh")
	require.NoError(t, err)
	assert.Equal(t, SessionStatusActive, fresh.Status)
}
