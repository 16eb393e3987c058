package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vectorops/convoy/internal/lane"
	"github.com/vectorops/convoy/internal/mission"
	"github.com/vectorops/convoy/internal/types"
)

// ExecutionAdapter is the lane-side execution backend the router drives
// in-process. Bootstrap prepares the adapter for a request; a bootstrap
// failure is cheap and leaves no durable trace.
type ExecutionAdapter interface {
	Bootstrap(ctx context.Context) error
	mission.ExecutionClient
}

// PrimaryFunc is the non-delegated request path. It produces the
// caller-visible answer whenever the router does not, or cannot, use a
// lane's output.
type PrimaryFunc func(ctx context.Context, req *Request) (string, error)

// RouterConfig holds the routing flags and lease settings for one lane.
type RouterConfig struct {
	// Enabled gates delegation entirely; disabled forces primary-only.
	Enabled bool

	// ForcedFallback keeps the primary path authoritative even when
	// classification matches. No mission is created.
	ForcedFallback bool

	// Shadow dispatches and executes matching requests without affecting
	// the response; the primary answer is always returned.
	Shadow bool

	// LeaseOwner is the stable control-plane identity used to claim the
	// lane session. Not tied to any single process instance.
	LeaseOwner string

	// LeaseTTL is the lane session lease duration.
	LeaseTTL time.Duration

	// WorkspaceDir is the base directory mission workspaces are created in.
	WorkspaceDir string
}

func (c *RouterConfig) applyDefaults() {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Minute
	}
}

// RouteResult is the outcome of routing one request.
type RouteResult struct {
	// Answer is the caller-visible response text.
	Answer string

	// Delegated is true when a mission was dispatched for this request.
	Delegated bool

	// UsedFallback is true when the primary path produced the answer
	// after a delegation was attempted.
	UsedFallback bool

	// Mission is the dispatched mission, nil when none was created.
	Mission *mission.Mission

	// Outcome is the adapter's reported outcome, when execution ran.
	Outcome *mission.Outcome
}

// Router ties classification, dispatch, in-process execution and the
// fallback decision tree together for one lane.
type Router struct {
	cfg        RouterConfig
	profile    *lane.Profile
	classifier *Classifier
	dispatcher *mission.Dispatcher
	store      mission.MissionStore
	events     mission.EventStore
	sessions   lane.SessionStore
	adapter    ExecutionAdapter
	primary    PrimaryFunc
	emitter    StatusEmitter
	logger     *slog.Logger
	tracer     trace.Tracer
}

// RouterOption is a functional option for configuring the Router.
type RouterOption func(*Router)

// WithRouterLogger sets the structured logger for the router.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger.With("component", "gateway-router", "vp_id", r.profile.VPID)
	}
}

// WithRouterTracer sets the OpenTelemetry tracer for the router.
func WithRouterTracer(tracer trace.Tracer) RouterOption {
	return func(r *Router) {
		r.tracer = tracer
	}
}

// WithStatusEmitter sets the telemetry status emitter.
func WithStatusEmitter(emitter StatusEmitter) RouterOption {
	return func(r *Router) {
		r.emitter = emitter
	}
}

// WithClassifier replaces the default classifier built from the profile.
func WithClassifier(c *Classifier) RouterOption {
	return func(r *Router) {
		r.classifier = c
	}
}

// NewRouter creates a router for one lane.
func NewRouter(
	cfg RouterConfig,
	profile *lane.Profile,
	dispatcher *mission.Dispatcher,
	store mission.MissionStore,
	events mission.EventStore,
	sessions lane.SessionStore,
	adapter ExecutionAdapter,
	primary PrimaryFunc,
	opts ...RouterOption,
) (*Router, error) {
	if profile == nil || profile.VPID == "" {
		return nil, mission.NewValidationError("router requires a lane profile")
	}
	if dispatcher == nil {
		return nil, mission.NewValidationError("router requires a dispatcher")
	}
	if primary == nil {
		return nil, mission.NewValidationError("router requires a primary path")
	}
	if cfg.LeaseOwner == "" {
		return nil, mission.NewValidationError("router requires a lease owner identity")
	}
	cfg.applyDefaults()

	r := &Router{
		cfg:        cfg,
		profile:    profile,
		dispatcher: dispatcher,
		store:      store,
		events:     events,
		sessions:   sessions,
		adapter:    adapter,
		primary:    primary,
		emitter:    NewDefaultStatusEmitter(),
		logger:     slog.Default().With("component", "gateway-router", "vp_id", profile.VPID),
		tracer:     noop.NewTracerProvider().Tracer("gateway.router"),
	}
	r.classifier = NewClassifier(profile)

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Start claims or renews the lane session lease. Called on every gateway
// startup; an existing row is adopted rather than recreated, so lane
// identity and mission continuity survive restarts.
func (r *Router) Start(ctx context.Context) error {
	session, err := r.sessions.ClaimOrRenew(ctx, r.profile.VPID, r.cfg.LeaseOwner, r.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to claim lane session: %w", err)
	}

	r.logger.InfoContext(ctx, "lane session claimed",
		slog.String("lease_owner", session.LeaseOwner),
		slog.Time("lease_expires_at", session.LeaseExpiresAt))
	return nil
}

// Route runs the per-request state machine: classify, flags, bootstrap,
// dispatch, execute, fallback. The returned error is non-nil only in the
// double-failure case, after the mission has been durably marked failed.
func (r *Router) Route(ctx context.Context, req *Request) (*RouteResult, error) {
	ctx, span := r.tracer.Start(ctx, "gateway.router.route")
	defer span.End()
	span.SetAttributes(attribute.String("router.vp_id", r.profile.VPID))

	if !r.cfg.Enabled {
		return r.primaryOnly(ctx, req)
	}

	decision := r.classifier.Classify(req)
	span.SetAttributes(attribute.Bool("router.delegate", decision.Delegate))
	if !decision.Delegate {
		r.logger.DebugContext(ctx, "request not delegated", slog.String("reason", decision.Reason))
		return r.primaryOnly(ctx, req)
	}

	if r.cfg.ForcedFallback {
		// Classification matched but the lane's output is not trusted;
		// answer from the primary path without persisting anything.
		r.emit(ctx, StatusFallback, "", "forced fallback")
		return r.primaryOnly(ctx, req)
	}

	if r.cfg.Shadow {
		return r.routeShadow(ctx, req)
	}

	return r.routeDelegated(ctx, req, span)
}

// primaryOnly answers from the primary path with no mission involvement.
func (r *Router) primaryOnly(ctx context.Context, req *Request) (*RouteResult, error) {
	answer, err := r.primary(ctx, req)
	if err != nil {
		return nil, err
	}
	return &RouteResult{Answer: answer}, nil
}

// routeDelegated runs the full delegation pipeline for one request.
func (r *Router) routeDelegated(ctx context.Context, req *Request, span trace.Span) (*RouteResult, error) {
	// Bootstrap failures are the one branch that never persists a
	// mission: the row would be doomed before any work could start.
	if err := r.bootstrap(ctx); err != nil {
		r.logger.WarnContext(ctx, "adapter bootstrap failed", slog.String("error", err.Error()))
		r.emit(ctx, StatusBootstrapFallback, "", err.Error())
		return r.primaryOnly(ctx, req)
	}

	m, err := r.dispatch(ctx, req)
	if err != nil {
		r.logger.ErrorContext(ctx, "dispatch failed", slog.String("error", err.Error()))
		r.emit(ctx, StatusFallback, "", err.Error())
		result, perr := r.primaryOnly(ctx, req)
		if perr != nil {
			return nil, perr
		}
		result.UsedFallback = true
		return result, nil
	}

	if m.CancelRequested {
		// A retried turn re-attached to a mission whose cancellation was
		// already requested. Honor the flag before any execution, like the
		// worker's claim-time short circuit.
		r.logger.InfoContext(ctx, "cancel requested before execution",
			slog.String("mission_id", m.ID.String()),
			slog.String("reason", m.CancelReason))
		if !m.Status.IsTerminal() {
			r.finish(ctx, m, mission.MissionStatusCancelled, "", nil, m.CancelReason)
		}
		r.emit(ctx, StatusFallback, m.ID, "cancel requested")
		result, perr := r.primaryOnly(ctx, req)
		if perr != nil {
			return nil, perr
		}
		result.Delegated = true
		result.UsedFallback = true
		result.Mission = m
		return result, nil
	}

	span.SetAttributes(attribute.String("mission.id", m.ID.String()))
	r.emit(ctx, StatusDelegated, m.ID, "")

	outcome, execErr := r.execute(ctx, m)
	if execErr != nil {
		// Adapter raised. The primary path decides whether this is a
		// handled fallback (mission completed) or a double failure
		// (mission failed, primary error propagates).
		span.SetStatus(codes.Error, execErr.Error())
		r.emit(ctx, StatusException, m.ID, execErr.Error())
		r.emit(ctx, StatusFallback, m.ID, execErr.Error())
		r.appendEvent(ctx, mission.NewFallbackEvent(m.ID, execErr.Error()))

		answer, perr := r.primary(ctx, req)
		if perr != nil {
			r.finish(ctx, m, mission.MissionStatusFailed, "", nil, perr.Error())
			return nil, perr
		}
		r.finish(ctx, m, mission.MissionStatusCompleted, "", nil, "")
		return &RouteResult{Answer: answer, Delegated: true, UsedFallback: true, Mission: m}, nil
	}

	if outcome.Error != "" || outcome.Status == mission.MissionStatusFailed {
		// Application-level error: the execution finished, its answer was
		// merely unusable.
		r.emit(ctx, StatusFallback, m.ID, outcome.Error)
		r.appendEvent(ctx, mission.NewFallbackEvent(m.ID, outcome.Error))

		answer, perr := r.primary(ctx, req)
		if perr != nil {
			r.finish(ctx, m, mission.MissionStatusFailed, outcome.ResultRef, outcome.Payload, perr.Error())
			return nil, perr
		}
		r.finish(ctx, m, mission.MissionStatusCompleted, outcome.ResultRef, outcome.Payload, "")
		return &RouteResult{Answer: answer, Delegated: true, UsedFallback: true, Mission: m, Outcome: outcome}, nil
	}

	r.finish(ctx, m, mission.MissionStatusCompleted, outcome.ResultRef, outcome.Payload, "")
	return &RouteResult{
		Answer:    answerFromOutcome(outcome),
		Delegated: true,
		Mission:   m,
		Outcome:   outcome,
	}, nil
}

// routeShadow answers from the primary path and runs the delegation
// pipeline purely for observation. Shadow failures never surface.
func (r *Router) routeShadow(ctx context.Context, req *Request) (*RouteResult, error) {
	result, err := r.primaryOnly(ctx, req)
	if err != nil {
		return nil, err
	}

	if berr := r.bootstrap(ctx); berr != nil {
		r.emit(ctx, StatusBootstrapFallback, "", berr.Error())
		return result, nil
	}

	m, derr := r.dispatch(ctx, req)
	if derr != nil {
		r.logger.WarnContext(ctx, "shadow dispatch failed", slog.String("error", derr.Error()))
		return result, nil
	}
	r.emit(ctx, StatusShadow, m.ID, "")

	outcome, execErr := r.execute(ctx, m)
	switch {
	case execErr != nil:
		r.appendEvent(ctx, mission.NewFallbackEvent(m.ID, execErr.Error()))
		r.finish(ctx, m, mission.MissionStatusFailed, "", nil, execErr.Error())
	case outcome.Error != "" || outcome.Status == mission.MissionStatusFailed:
		r.finish(ctx, m, mission.MissionStatusFailed, outcome.ResultRef, outcome.Payload, outcome.Error)
	default:
		r.finish(ctx, m, mission.MissionStatusCompleted, outcome.ResultRef, outcome.Payload, "")
	}

	result.Delegated = true
	result.Mission = m
	result.Outcome = outcome
	return result, nil
}

func (r *Router) bootstrap(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("adapter bootstrap panicked: %v", rec)
		}
	}()
	return r.adapter.Bootstrap(ctx)
}

func (r *Router) dispatch(ctx context.Context, req *Request) (*mission.Mission, error) {
	return r.dispatcher.Dispatch(ctx, &mission.DispatchRequest{
		VPID:            r.profile.VPID,
		MissionType:     r.profile.MissionType,
		Objective:       req.Text,
		Priority:        r.profile.Priority,
		IdempotencyKey:  req.TurnID,
		SourceSessionID: req.SessionID,
		SourceTurnID:    req.TurnID,
		ReplyMode:       req.ReplyMode,
		HandoffRoot:     r.profile.HandoffRoot,
	})
}

// execute runs the adapter in-process, converting panics into errors.
func (r *Router) execute(ctx context.Context, m *mission.Mission) (outcome *mission.Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome = nil
			err = fmt.Errorf("adapter panicked: %v", rec)
		}
	}()

	workspaceRoot, err := mission.EnsureWorkspace(r.cfg.WorkspaceDir, m)
	if err != nil {
		return nil, err
	}

	outcome, err = r.adapter.RunMission(ctx, m, workspaceRoot)
	if err != nil {
		return nil, err
	}
	if verr := outcome.Validate(); verr != nil {
		return nil, verr
	}
	return outcome, nil
}

// finish persists the terminal transition and its matching event.
func (r *Router) finish(ctx context.Context, m *mission.Mission, status mission.MissionStatus, resultRef string, payload map[string]any, errMsg string) {
	if err := r.store.Finish(ctx, m.ID, status, resultRef, payload, errMsg); err != nil {
		r.logger.WarnContext(ctx, "terminal transition rejected",
			slog.String("mission_id", m.ID.String()),
			slog.String("status", status.String()),
			slog.String("error", err.Error()))
		return
	}

	switch status {
	case mission.MissionStatusCompleted:
		r.appendEvent(ctx, mission.NewCompletedEvent(m.ID, resultRef))
	case mission.MissionStatusFailed:
		r.appendEvent(ctx, mission.NewFailedEvent(m.ID, errMsg))
	case mission.MissionStatusCancelled:
		r.appendEvent(ctx, mission.NewCancelledEvent(m.ID, errMsg))
	}
}

func (r *Router) appendEvent(ctx context.Context, event *mission.MissionEvent) {
	if err := r.events.Append(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "failed to append mission event",
			slog.String("event_type", event.Type.String()),
			slog.String("error", err.Error()))
	}
}

func (r *Router) emit(ctx context.Context, status RouteStatus, missionID types.ID, detail string) {
	if r.emitter == nil {
		return
	}
	event := StatusEvent{
		Status:    status,
		VPID:      r.profile.VPID,
		MissionID: missionID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := r.emitter.Emit(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "failed to emit route status",
			slog.String("status", status.String()),
			slog.String("error", err.Error()))
	}
}

// answerFromOutcome extracts the caller-visible answer from an adapter
// outcome. Lanes report the answer in the payload; the result_ref is the
// fallback when none is present.
func answerFromOutcome(outcome *mission.Outcome) string {
	if outcome == nil {
		return ""
	}
	for _, key := range []string{"answer", "summary"} {
		if v, ok := outcome.Payload[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return outcome.ResultRef
}
