package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorops/convoy/internal/config"
	"github.com/vectorops/convoy/internal/lane"
	"github.com/vectorops/convoy/internal/mission"
)

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		Enabled:          true,
		LeaseOwner:       "convoy-gateway",
		LeaseTTL:         15 * time.Minute,
		ExcludedSources:  []string{"batch"},
		UtilityThreshold: 5,
	}
}

func newConfigRouterFixture(t *testing.T, cfg config.GatewayConfig) *routerFixture {
	t.Helper()

	db := setupTestDB(t)
	store := mission.NewDBMissionStore(db)
	events := mission.NewDBEventStore(db)
	sessions := lane.NewDBSessionStore(db)
	dispatcher := mission.NewDispatcher(store, events)
	adapter := &fakeAdapter{}
	emitter := NewDefaultStatusEmitter()
	primary := &primaryRecorder{answer: "primary answer"}

	router, err := NewRouterFromConfig(cfg, t.TempDir(), testProfile(),
		dispatcher, store, events, sessions, adapter, primary.fn,
		WithStatusEmitter(emitter))
	require.NoError(t, err)
	require.NoError(t, router.Start(context.Background()))

	return &routerFixture{
		router:   router,
		store:    store,
		events:   events,
		sessions: sessions,
		adapter:  adapter,
		emitter:  emitter,
		primary:  primary,
	}
}

func TestRouterConfigFromConfig(t *testing.T) {
	cfg := config.GatewayConfig{
		Enabled:        true,
		Shadow:         true,
		ForcedFallback: true,
		LeaseOwner:     "owner-1",
		LeaseTTL:       time.Hour,
	}

	rc := RouterConfigFromConfig(cfg, "/tmp/workspaces")
	assert.True(t, rc.Enabled)
	assert.True(t, rc.Shadow)
	assert.True(t, rc.ForcedFallback)
	assert.Equal(t, "owner-1", rc.LeaseOwner)
	assert.Equal(t, time.Hour, rc.LeaseTTL)
	assert.Equal(t, "/tmp/workspaces", rc.WorkspaceDir)
}

func TestClassifierFromConfig_ExcludedSources(t *testing.T) {
	classifier := ClassifierFromConfig(testGatewayConfig(), testProfile())

	blocked := classifier.Classify(&Request{
		Text:   "please implement the retry logic for uploads",
		Source: "batch",
	})
	assert.False(t, blocked.Delegate)

	// The configured list replaces the defaults, so "cron" delegates now.
	allowed := classifier.Classify(&Request{
		Text:   "please implement the retry logic for uploads",
		Source: "cron",
	})
	assert.True(t, allowed.Delegate)
}

func TestClassifierFromConfig_UtilityThreshold(t *testing.T) {
	classifier := ClassifierFromConfig(testGatewayConfig(), testProfile())

	// Under the default threshold of 20 but over the configured 5.
	decision := classifier.Classify(&Request{Text: "implement x", Source: "user"})
	assert.True(t, decision.Delegate)

	tiny := classifier.Classify(&Request{Text: "imp", Source: "user"})
	assert.False(t, tiny.Delegate)
}

func TestNewRouterFromConfig_FlagsGovernRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled never delegates", func(t *testing.T) {
		cfg := testGatewayConfig()
		cfg.Enabled = false
		fx := newConfigRouterFixture(t, cfg)

		result, err := fx.router.Route(ctx, delegableRequest())
		require.NoError(t, err)
		assert.False(t, result.Delegated)
		assert.Equal(t, 0, fx.adapter.runs)
	})

	t.Run("excluded source from config never delegates", func(t *testing.T) {
		fx := newConfigRouterFixture(t, testGatewayConfig())

		req := delegableRequest()
		req.Source = "batch"
		result, err := fx.router.Route(ctx, req)
		require.NoError(t, err)
		assert.False(t, result.Delegated)
		assert.Equal(t, "primary answer", result.Answer)
	})

	t.Run("forced fallback from config creates no mission", func(t *testing.T) {
		cfg := testGatewayConfig()
		cfg.ForcedFallback = true
		fx := newConfigRouterFixture(t, cfg)

		result, err := fx.router.Route(ctx, delegableRequest())
		require.NoError(t, err)
		assert.Nil(t, result.Mission)

		count, err := fx.store.Count(ctx, mission.NewMissionFilter())
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestNewRouterFromConfig_HandoffRootOverride(t *testing.T) {
	ctx := context.Background()
	handoff := t.TempDir()

	cfg := testGatewayConfig()
	cfg.HandoffRoot = handoff
	fx := newConfigRouterFixture(t, cfg)

	result, err := fx.router.Route(ctx, delegableRequest())
	require.NoError(t, err)
	require.True(t, result.Delegated)
	assert.Equal(t, handoff, result.Mission.HandoffRoot)
	assert.Equal(t, handoff, result.Outcome.ResultRef,
		"execution workspace overlays onto the configured handoff root")
}

func TestOverrideHandoffRootCopies(t *testing.T) {
	profile := testProfile()
	overridden := overrideHandoffRoot(profile, "/shared/project")

	assert.Equal(t, "/shared/project", overridden.HandoffRoot)
	assert.Empty(t, profile.HandoffRoot, "source profile must stay untouched")

	assert.Same(t, profile, overrideHandoffRoot(profile, ""))
}
