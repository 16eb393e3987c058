package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorops/convoy/internal/database"
	"github.com/vectorops/convoy/internal/lane"
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

// fakeAdapter is an ExecutionAdapter test double.
type fakeAdapter struct {
	bootstrapErr error
	outcome      *mission.Outcome
	runErr       error
	panicMsg     string
	runs         int
}

func (a *fakeAdapter) Bootstrap(ctx context.Context) error {
	return a.bootstrapErr
}

func (a *fakeAdapter) RunMission(ctx context.Context, m *mission.Mission, workspaceRoot string) (*mission.Outcome, error) {
	a.runs++
	if a.panicMsg != "" {
		panic(a.panicMsg)
	}
	if a.runErr != nil {
		return nil, a.runErr
	}
	if a.outcome != nil {
		return a.outcome, nil
	}
	return &mission.Outcome{
		Status:    mission.MissionStatusCompleted,
		ResultRef: workspaceRoot,
		Payload:   map[string]any{"answer": "lane answer"},
	}, nil
}

type routerFixture struct {
	router   *Router
	store    *mission.DBMissionStore
	events   *mission.DBEventStore
	sessions *lane.DBSessionStore
	adapter  *fakeAdapter
	emitter  *DefaultStatusEmitter
	primary  *primaryRecorder
}

type primaryRecorder struct {
	calls  int
	answer string
	err    error
}

func (p *primaryRecorder) fn(ctx context.Context, req *Request) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.answer, nil
}

func testProfile() *lane.Profile {
	return &lane.Profile{
		VPID:        "vp.coder.primary",
		MissionType: "coding_task",
		Keywords:    []string{"refactor", "implement"},
		Priority:    10,
	}
}

func newRouterFixture(t *testing.T, db *database.DB, cfg RouterConfig) *routerFixture {
	t.Helper()

	store := mission.NewDBMissionStore(db)
	events := mission.NewDBEventStore(db)
	sessions := lane.NewDBSessionStore(db)
	dispatcher := mission.NewDispatcher(store, events)
	adapter := &fakeAdapter{}
	emitter := NewDefaultStatusEmitter()
	primary := &primaryRecorder{answer: "primary answer"}

	if cfg.LeaseOwner == "" {
		cfg.LeaseOwner = "gateway-test"
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = t.TempDir()
	}

	router, err := NewRouter(cfg, testProfile(), dispatcher, store, events, sessions,
		adapter, primary.fn, WithStatusEmitter(emitter))
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

func delegableRequest() *Request {
	return &Request{
		Text:      "please implement the retry logic for uploads",
		Source:    "user",
		SessionID: "sess-1",
		TurnID:    "turn-1",
	}
}

func collectStatuses(t *testing.T, emitter *DefaultStatusEmitter) func() []RouteStatus {
	t.Helper()

	ch, cleanup := emitter.Subscribe(context.Background())
	t.Cleanup(cleanup)

	return func() []RouteStatus {
		var out []RouteStatus
		for {
			select {
			case ev := <-ch:
				out = append(out, ev.Status)
			default:
				return out
			}
		}
	}
}

func missionCount(t *testing.T, store *mission.DBMissionStore) int {
	t.Helper()
	n, err := store.Count(context.Background(), mission.NewMissionFilter())
	require.NoError(t, err)
	return n
}

func eventSequence(t *testing.T, events *mission.DBEventStore, m *mission.Mission) []mission.MissionEventType {
	t.Helper()

	log, err := events.ListByMission(context.Background(), m.ID)
	require.NoError(t, err)

	out := make([]mission.MissionEventType, 0, len(log))
	for _, e := range log {
		out = append(out, e.Type)
	}
	return out
}

func TestRouter_DisabledRunsPrimaryOnly(t *testing.T) {
	fx := newRouterFixture(t, setupTestDB(t), RouterConfig{Enabled: false})

	result, err := fx.router.Route(context.Background(), delegableRequest())
	require.NoError(t, err)
	assert.Equal(t, "primary answer", result.Answer)
	assert.False(t, result.Delegated)
	assert.Zero(t, fx.adapter.runs)
	assert.Zero(t, missionCount(t, fx.store))
}

func TestRouter_ExclusionsAlwaysWin(t *testing.T) {
	fx := newRouterFixture(t, setupTestDB(t), RouterConfig{Enabled: true})

	t.Run("scheduled source", func(t *testing.T) {
		req := delegableRequest()
		req.Source = "scheduled"
		result, err := fx.router.Route(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, result.Delegated)
	})

	t.Run("utility request", func(t *testing.T) {
		result, err := fx.router.Route(context.Background(), &Request{Text: "refactor", Source: "user"})
		require.NoError(t, err)
		assert.False(t, result.Delegated)
	})

	t.Run("no keyword match", func(t *testing.T) {
		result, err := fx.router.Route(context.Background(), &Request{
			Text:   "what is the weather like in the mountains today",
			Source: "user",
		})
		require.NoError(t, err)
		assert.False(t, result.Delegated)
	})

	assert.Zero(t, missionCount(t, fx.store))
}

func TestRouter_ForcedFallbackSkipsDelegation(t *testing.T) {
	fx := newRouterFixture(t, setupTestDB(t), RouterConfig{Enabled: true, ForcedFallback: true})
	statuses := collectStatuses(t, fx.emitter)

	result, err := fx.router.Route(context.Background(), delegableRequest())
	require.NoError(t, err)
	assert.Equal(t, "primary answer", result.Answer)
	assert.False(t, result.Delegated)
	assert.Zero(t, fx.adapter.runs)
	assert.Zero(t, missionCount(t, fx.store))
	assert.Contains(t, statuses(), StatusFallback)
}

func TestRouter_BootstrapFailureCreatesNoMission(t *testing.T) {
	fx := newRouterFixture(t, setupTestDB(t), RouterConfig{Enabled: true})
	fx.adapter.bootstrapErr = errors.New("adapter offline")
	statuses := collectStatuses(t, fx.emitter)

	result, err := fx.router.Route(context.Background(), delegableRequest())
	require.NoError(t, err)
	assert.Equal(t, "primary answer", result.Answer)
	assert.False(t, result.Delegated)
	assert.Zero(t, missionCount(t, fx.store), "bootstrap failure never persists a mission")
	assert.Equal(t, []RouteStatus{StatusBootstrapFallback}, statuses())
}

func TestRouter_DelegatedSuccess(t *testing.T) {
	fx := newRouterFixture(t, setupTestDB(t), RouterConfig{Enabled: true})
	statuses := collectStatuses(t, fx.emitter)
	ctx := context.Background()

	result, err := fx.router.Route(ctx, delegableRequest())
	require.NoError(t, err)
	assert.Equal(t, "lane answer", result.Answer)
	assert.True(t, result.Delegated)
	assert.False(t, result.UsedFallback)
	require.NotNil(t, result.Mission)
	assert.Zero(t, fx.primary.calls, "primary path must not run")

	got, err := fx.store.Get(ctx, result.Mission.ID)
	require.NoError(t, err)
	assert.Equal(t, mission.MissionStatusCompleted, got.Status)
	assert.Equal(t, "sess-1", got.SourceSessionID)
	assert.Equal(t, "turn-1", got.IdempotencyKey)

	assert.Equal(t,
		[]mission.MissionEventType{mission.EventDispatched, mission.EventCompleted},
		eventSequence(t, fx.events, result.Mission))
	assert.Equal(t, []RouteStatus{StatusDelegated}, statuses())
}

func TestRouter_AdapterExceptionFallsBack(t *testing.T) {
	fx := newRouterFixture(t, setupTestDB(t), RouterConfig{Enabled: true})
	fx.adapter.runErr = errors.New("boom")
	statuses := collectStatuses(t, fx.emitter)
	ctx := context.Background()

	result, err := fx.router.Route(ctx, delegableRequest())
	require.NoError(t, err)
	assert.Equal(t, "primary answer", result.Answer)
	assert.True(t, result.UsedFallback)

	got, err := fx.store.Get(ctx, result.Mission.ID)
	require.NoError(t, err)
	assert.Equal(t, mission.MissionStatusCompleted, got.Status,
		"handled fallback concludes the mission, not a crash")

	sequence := eventSequence(t, fx.events, result.Mission)
	assert.Equal(t,
		[]mission.MissionEventType{mission.EventDispatched, mission.EventFallback, mission.EventCompleted},
		sequence)

	log, err := fx.events.Query(ctx, mission.NewEventFilter().
		WithMissionID(result.Mission.ID).
		WithEventTypes(mission.EventFallback))
	require.NoError(t, err)
	require.Len(t, log, 1)
	payload, ok := log[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, payload["reason"], "boom")

	assert.Equal(t, []RouteStatus{StatusDelegated, StatusException, StatusFallback}, statuses())
}

func TestRouter_CancelRequestedBeforeExecution(t *testing.T) {
	fx := newRouterFixture(t, setupTestDB(t), RouterConfig{Enabled: true})
	ctx := context.Background()
	req := delegableRequest()

	// First routing attempt delegates and completes normally.
	first, err := fx.router.Route(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Delegated)
	require.Equal(t, 1, fx.adapter.runs)

	// Dispatch a second turn, cancel it, then retry the same turn: the
	// idempotency key re-attaches to the cancel-requested mission, which
	// must not execute.
	second := delegableRequest()
	second.TurnID = "turn-cancelled"
	m, err := fx.router.dispatcher.Dispatch(ctx, &mission.DispatchRequest{
		VPID:           "vp.coder.primary",
		Objective:      second.Text,
		IdempotencyKey: second.TurnID,
	})
	require.NoError(t, err)
	cancelled, err := fx.store.RequestCancel(ctx, m.ID, "user changed their mind")
	require.NoError(t, err)
	require.True(t, cancelled)

	result, err := fx.router.Route(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "primary answer", result.Answer)
	assert.True(t, result.UsedFallback)
	assert.Equal(t, 1, fx.adapter.runs, "execution client must not run a cancel-requested mission")

	got, err := fx.store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, mission.MissionStatusCancelled, got.Status)

	sequence := eventSequence(t, fx.events, got)
	assert.Equal(t,
		[]mission.MissionEventType{mission.EventDispatched, mission.EventCancelled},
		sequence)
}

func TestRouter_DoubleFailurePropagates(t *testing.T) {
	fx := newRouterFixture(t, setupTestDB(t), RouterConfig{Enabled: true})
	fx.adapter.runErr = errors.New("boom")
	fx.primary.err = errors.New("primary also broken")
	ctx := context.Background()

	result, err := fx.router.Route(ctx, delegableRequest())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "primary also broken")

	// The mission was durably marked failed before the error propagated.
	missions, lerr := fx.store.List(ctx, mission.NewMissionFilter().WithVP("vp.coder.primary"))
	require.NoError(t, lerr)
	require.Len(t, missions, 1)
	assert.Equal(t, mission.MissionStatusFailed, missions[0].Status)

	assert.Equal(t,
		[]mission.MissionEventType{mission.EventDispatched, mission.EventFallback, mission.EventFailed},
		eventSequence(t, fx.events, missions[0]))
}

func TestRouter_ApplicationErrorOutcomeFallsBack(t *testing.T) {
	fx := newRouterFixture(t, setupTestDB(t), RouterConfig{Enabled: true})
	fx.adapter.outcome = &mission.Outcome{
		Status: mission.MissionStatusFailed,
		Error:  "budget exhausted",
	}
	statuses := collectStatuses(t, fx.emitter)
	ctx := context.Background()

	result, err := fx.router.Route(ctx, delegableRequest())
	require.NoError(t, err)
	assert.Equal(t, "primary answer", result.Answer)
	assert.True(t, result.UsedFallback)

	got, err := fx.store.Get(ctx, result.Mission.ID)
	require.NoError(t, err)
	assert.Equal(t, mission.MissionStatusCompleted, got.Status)

	assert.Equal(t,
		[]mission.MissionEventType{mission.EventDispatched, mission.EventFallback, mission.EventCompleted},
		eventSequence(t, fx.events, result.Mission))
	assert.Contains(t, statuses(), StatusFallback)
	assert.NotContains(t, statuses(), StatusException)
}

func TestRouter_AdapterPanicIsHandled(t *testing.T) {
	fx := newRouterFixture(t, setupTestDB(t), RouterConfig{Enabled: true})
	fx.adapter.panicMsg = "adapter blew up"
	ctx := context.Background()

	result, err := fx.router.Route(ctx, delegableRequest())
	require.NoError(t, err)
	assert.Equal(t, "primary answer", result.Answer)
	assert.True(t, result.UsedFallback)

	got, err := fx.store.Get(ctx, result.Mission.ID)
	require.NoError(t, err)
	assert.Equal(t, mission.MissionStatusCompleted, got.Status)
}

func TestRouter_ShadowDoesNotAffectResponse(t *testing.T) {
	fx := newRouterFixture(t, setupTestDB(t), RouterConfig{Enabled: true, Shadow: true})
	statuses := collectStatuses(t, fx.emitter)
	ctx := context.Background()

	result, err := fx.router.Route(ctx, delegableRequest())
	require.NoError(t, err)
	assert.Equal(t, "primary answer", result.Answer, "shadow never affects the response")
	assert.True(t, result.Delegated)
	assert.Equal(t, 1, fx.adapter.runs)

	got, err := fx.store.Get(ctx, result.Mission.ID)
	require.NoError(t, err)
	assert.Equal(t, mission.MissionStatusCompleted, got.Status, "shadow outcome is still persisted")

	assert.Contains(t, statuses(), StatusShadow)
}

func TestRouter_ShadowSwallowsAdapterFailure(t *testing.T) {
	fx := newRouterFixture(t, setupTestDB(t), RouterConfig{Enabled: true, Shadow: true})
	fx.adapter.runErr = errors.New("boom")
	ctx := context.Background()

	result, err := fx.router.Route(ctx, delegableRequest())
	require.NoError(t, err)
	assert.Equal(t, "primary answer", result.Answer)

	got, err := fx.store.Get(ctx, result.Mission.ID)
	require.NoError(t, err)
	assert.Equal(t, mission.MissionStatusFailed, got.Status)
}

func TestRouter_RestartKeepsLaneSessionContinuity(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := newRouterFixture(t, db, RouterConfig{Enabled: true, LeaseOwner: "gateway-main", LeaseTTL: time.Hour})
	before, err := first.sessions.Get(ctx, "vp.coder.primary")
	require.NoError(t, err)

	req := delegableRequest()
	_, err = first.router.Route(ctx, req)
	require.NoError(t, err)

	// A second router over the same store simulates a process restart.
	second := newRouterFixture(t, db, RouterConfig{Enabled: true, LeaseOwner: "gateway-main", LeaseTTL: time.Hour})

	req2 := delegableRequest()
	req2.TurnID = "turn-2"
	_, err = second.router.Route(ctx, req2)
	require.NoError(t, err)

	after, err := second.sessions.Get(ctx, "vp.coder.primary")
	require.NoError(t, err)
	assert.Equal(t, lane.SessionStatusActive, after.Status)
	assert.Equal(t, "gateway-main", after.LeaseOwner)
	assert.Equal(t, before.CreatedAt, after.CreatedAt, "one continuous lease across restarts")

	assert.Equal(t, 2, missionCount(t, second.store))
}

func TestRouter_IdempotentTurnRedispatch(t *testing.T) {
	fx := newRouterFixture(t, setupTestDB(t), RouterConfig{Enabled: true})
	ctx := context.Background()

	first, err := fx.router.Route(ctx, delegableRequest())
	require.NoError(t, err)
	second, err := fx.router.Route(ctx, delegableRequest())
	require.NoError(t, err)

	assert.Equal(t, first.Mission.ID, second.Mission.ID, "same turn re-routes to the same mission")
	assert.Equal(t, 1, missionCount(t, fx.store))
}

func TestNewRouterValidation(t *testing.T) {
	db := setupTestDB(t)
	store := mission.NewDBMissionStore(db)
	events := mission.NewDBEventStore(db)
	sessions := lane.NewDBSessionStore(db)
	dispatcher := mission.NewDispatcher(store, events)
	primary := func(ctx context.Context, req *Request) (string, error) { return "", nil }

	_, err := NewRouter(RouterConfig{LeaseOwner: "o"}, nil, dispatcher, store, events, sessions, &fakeAdapter{}, primary)
	assert.True(t, mission.IsValidationError(err))

	_, err = NewRouter(RouterConfig{LeaseOwner: "o"}, testProfile(), nil, store, events, sessions, &fakeAdapter{}, primary)
	assert.True(t, mission.IsValidationError(err))

	_, err = NewRouter(RouterConfig{LeaseOwner: "o"}, testProfile(), dispatcher, store, events, sessions, &fakeAdapter{}, nil)
	assert.True(t, mission.IsValidationError(err))

	_, err = NewRouter(RouterConfig{}, testProfile(), dispatcher, store, events, sessions, &fakeAdapter{}, primary)
	assert.True(t, mission.IsValidationError(err))
}
