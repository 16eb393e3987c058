package mission

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vectorops/convoy/internal/types"
)

// DispatchRequest contains the parameters for creating a new mission.
type DispatchRequest struct {
	// VPID is the lane the mission is dispatched to. Required.
	VPID string

	// Objective is a human-readable description of the work. Required.
	Objective string

	// MissionType is a free-form tag interpreted by the execution client.
	// Defaults to "general_task".
	MissionType string

	// Constraints and Budget are opaque structured documents.
	Constraints map[string]any
	Budget      map[string]any

	// IdempotencyKey, unique together with VPID, dedupes re-dispatch.
	IdempotencyKey string

	// Priority orders claiming; lower claims first. Zero means default.
	Priority int

	// SourceSessionID / SourceTurnID / ReplyMode record request provenance.
	SourceSessionID string
	SourceTurnID    string
	ReplyMode       string

	// HandoffRoot optionally overlays the mission workspace onto a shared
	// project root.
	HandoffRoot string
}

// DefaultPriority is assigned when a dispatch request carries no priority.
const DefaultPriority = 100

// Dispatcher creates missions idempotently and accepts cancellation requests.
// Storage contention is retried with jittered backoff up to a bounded attempt
// count; after exhaustion a retryable storage_contention error surfaces so
// callers may retry themselves.
type Dispatcher struct {
	store  MissionStore
	events EventStore
	logger *slog.Logger
	tracer trace.Tracer

	maxAttempts int
	baseBackoff time.Duration
}

// DispatcherOption is a functional option for configuring the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the structured logger for the dispatcher.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger.With("component", "mission-dispatcher")
	}
}

// WithDispatcherTracer sets the OpenTelemetry tracer for the dispatcher.
func WithDispatcherTracer(tracer trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// WithRetryPolicy bounds the contention retry loop.
func WithRetryPolicy(maxAttempts int, baseBackoff time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if baseBackoff > 0 {
			d.baseBackoff = baseBackoff
		}
	}
}

// NewDispatcher creates a new Dispatcher with the given store and event log.
func NewDispatcher(store MissionStore, events EventStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		events:      events,
		logger:      slog.Default().With("component", "mission-dispatcher"),
		tracer:      noop.NewTracerProvider().Tracer("mission.dispatcher"),
		maxAttempts: 5,
		baseBackoff: 50 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dispatch creates a mission, or returns the existing one when the
// (vp_id, idempotency_key) pair was already dispatched. No duplicate row and
// no duplicate dispatched event are ever produced for the same pair.
func (d *Dispatcher) Dispatch(ctx context.Context, req *DispatchRequest) (*Mission, error) {
	ctx, span := d.tracer.Start(ctx, "mission.dispatcher.Dispatch")
	defer span.End()

	if req == nil {
		return nil, NewValidationError("dispatch request cannot be nil")
	}
	if req.VPID == "" {
		return nil, NewValidationError("vp_id is required")
	}
	if req.Objective == "" {
		return nil, NewValidationError("objective is required")
	}

	span.SetAttributes(
		attribute.String("mission.vp_id", req.VPID),
		attribute.String("mission.type", req.MissionType),
	)

	var lastErr error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := d.sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		m, created, err := d.dispatchOnce(ctx, req)
		if err != nil {
			if IsBusyErr(err) {
				lastErr = err
				d.logger.WarnContext(ctx, "storage contention during dispatch, retrying",
					slog.String("vp_id", req.VPID),
					slog.Int("attempt", attempt+1))
				continue
			}
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		if created {
			span.SetAttributes(attribute.String("mission.id", m.ID.String()))
			d.logger.InfoContext(ctx, "mission dispatched",
				slog.String("mission_id", m.ID.String()),
				slog.String("vp_id", m.VPID),
				slog.String("mission_type", m.MissionType))
		} else {
			d.logger.DebugContext(ctx, "dispatch matched existing mission",
				slog.String("mission_id", m.ID.String()),
				slog.String("idempotency_key", req.IdempotencyKey))
		}
		return m, nil
	}

	span.SetStatus(codes.Error, "contention retries exhausted")
	return nil, NewContentionError("dispatch", lastErr).
		WithContext("vp_id", req.VPID).
		WithContext("attempts", d.maxAttempts)
}

// dispatchOnce performs one attempt at the whole create sequence.
func (d *Dispatcher) dispatchOnce(ctx context.Context, req *DispatchRequest) (*Mission, bool, error) {
	if req.IdempotencyKey != "" {
		existing, err := d.store.GetByIdempotencyKey(ctx, req.VPID, req.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	missionType := req.MissionType
	if missionType == "" {
		missionType = "general_task"
	}
	priority := req.Priority
	if priority == 0 {
		priority = DefaultPriority
	}

	m := &Mission{
		ID:              types.NewID(),
		VPID:            req.VPID,
		MissionType:     missionType,
		Objective:       req.Objective,
		Constraints:     req.Constraints,
		Budget:          req.Budget,
		IdempotencyKey:  req.IdempotencyKey,
		Status:          MissionStatusQueued,
		Priority:        priority,
		SourceSessionID: req.SourceSessionID,
		SourceTurnID:    req.SourceTurnID,
		ReplyMode:       req.ReplyMode,
		HandoffRoot:     req.HandoffRoot,
	}

	if err := d.store.Save(ctx, m); err != nil {
		// A concurrent dispatch with the same pair won the insert race;
		// adopt its row.
		if IsUniqueConstraintErr(err) && req.IdempotencyKey != "" {
			existing, getErr := d.store.GetByIdempotencyKey(ctx, req.VPID, req.IdempotencyKey)
			if getErr != nil {
				return nil, false, getErr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		if IsValidationError(err) || IsBusyErr(err) {
			return nil, false, err
		}
		return nil, false, NewStorageError("dispatch", err)
	}

	if err := d.events.Append(ctx, NewDispatchedEvent(m.ID, m.VPID, m.IdempotencyKey)); err != nil {
		return nil, false, err
	}

	return m, true, nil
}

// RequestCancel sets the cancellation flag on a non-terminal mission.
// Cancellation is a request, not an interrupt: it only takes effect the next
// time the worker loop or the in-process execution sequence checks the flag.
// Returns false if the mission does not exist or is already terminal.
func (d *Dispatcher) RequestCancel(ctx context.Context, missionID types.ID, reason string) (bool, error) {
	ctx, span := d.tracer.Start(ctx, "mission.dispatcher.RequestCancel")
	defer span.End()

	span.SetAttributes(attribute.String("mission.id", missionID.String()))

	var lastErr error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := d.sleepBackoff(ctx, attempt); err != nil {
				return false, err
			}
		}

		updated, err := d.store.RequestCancel(ctx, missionID, reason)
		if err != nil {
			if IsBusyErr(err) {
				lastErr = err
				continue
			}
			span.SetStatus(codes.Error, err.Error())
			return false, NewStorageError("request_cancel", err)
		}

		if updated {
			d.logger.InfoContext(ctx, "mission cancellation requested",
				slog.String("mission_id", missionID.String()),
				slog.String("reason", reason))
		}
		return updated, nil
	}

	span.SetStatus(codes.Error, "contention retries exhausted")
	return false, NewContentionError("request_cancel", lastErr)
}

// sleepBackoff waits for an exponential backoff interval with jitter,
// honoring context cancellation.
func (d *Dispatcher) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := d.baseBackoff * time.Duration(1<<(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff + jitter):
		return nil
	}
}
