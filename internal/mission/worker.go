package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/vectorops/convoy/internal/types"
)

// WorkerConfig holds the tunables of a single lane worker.
type WorkerConfig struct {
	// VPID is the lane this worker is scoped to.
	VPID string

	// WorkerID identifies this worker instance in claimed events.
	WorkerID string

	// PollInterval is the sleep between claim attempts when the queue
	// is empty.
	PollInterval time.Duration

	// LeaseTTL bounds each claim; a worker that stalls past it loses the
	// mission to reclaim.
	LeaseTTL time.Duration

	// MaxAttempts is the retry ceiling for lease-expired missions.
	MaxAttempts int

	// WorkspaceDir is the base directory mission workspaces are created in.
	WorkspaceDir string
}

func (c *WorkerConfig) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = types.NewID().String()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// Worker is a polling loop scoped to one lane. Each tick it reclaims expired
// leases, atomically claims the oldest eligible queued mission, executes it
// through the pluggable client, and persists the outcome with its terminal
// event. Cancellation is cooperative: the flag is checked at claim time and
// an outcome reported by a running client is honored even if cancellation
// arrived mid-execution.
type Worker struct {
	cfg    WorkerConfig
	store  MissionStore
	events EventStore
	client ExecutionClient
	logger *slog.Logger
	tracer trace.Tracer
}

// WorkerOption is a functional option for configuring the Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the structured logger for the worker.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger.With("component", "mission-worker", "vp_id", w.cfg.VPID)
	}
}

// WithWorkerTracer sets the OpenTelemetry tracer for the worker.
func WithWorkerTracer(tracer trace.Tracer) WorkerOption {
	return func(w *Worker) {
		w.tracer = tracer
	}
}

// NewWorker creates a worker for one lane.
func NewWorker(cfg WorkerConfig, store MissionStore, events EventStore, client ExecutionClient, opts ...WorkerOption) (*Worker, error) {
	if cfg.VPID == "" {
		return nil, NewValidationError("worker requires a vp_id")
	}
	if client == nil {
		return nil, NewValidationError("worker requires an execution client")
	}
	cfg.applyDefaults()

	w := &Worker{
		cfg:    cfg,
		store:  store,
		events: events,
		client: client,
		logger: slog.Default().With("component", "mission-worker", "vp_id", cfg.VPID),
		tracer: noop.NewTracerProvider().Tracer("mission.worker"),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Run polls until the context is cancelled. The only suspension points are
// store I/O and the poll interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker started",
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Duration("lease_ttl", w.cfg.LeaseTTL))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain the queue before sleeping; an idle tick means nothing
		// was claimable.
		for {
			processed, err := w.Tick(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				w.logger.ErrorContext(ctx, "worker tick failed", slog.String("error", err.Error()))
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "worker stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one pass: lease recovery, then at most one claim-and-execute.
// Returns true when a mission was processed.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	if err := w.reclaim(ctx); err != nil {
		return false, err
	}

	m, err := w.store.ClaimNext(ctx, w.cfg.VPID, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, nil
	}

	w.process(ctx, m)
	return true, nil
}

// reclaim recovers missions whose lease lapsed, appending failed events for
// those that hit the retry ceiling.
func (w *Worker) reclaim(ctx context.Context) error {
	requeued, failed, err := w.store.ReclaimExpired(ctx, w.cfg.VPID, w.cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("lease reclaim failed: %w", err)
	}

	for _, id := range requeued {
		w.logger.WarnContext(ctx, "requeued mission with expired lease",
			slog.String("mission_id", id.String()))
	}
	for _, id := range failed {
		w.logger.WarnContext(ctx, "mission failed at retry ceiling",
			slog.String("mission_id", id.String()))
		if appendErr := w.events.Append(ctx, NewFailedEvent(id, "worker lease expired; retry ceiling reached")); appendErr != nil {
			w.logger.ErrorContext(ctx, "failed to append failed event",
				slog.String("mission_id", id.String()),
				slog.String("error", appendErr.Error()))
		}
	}

	return nil
}

// process executes one claimed mission through to its terminal status.
func (w *Worker) process(ctx context.Context, m *Mission) {
	ctx, span := w.tracer.Start(ctx, "mission.worker.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("mission.id", m.ID.String()),
		attribute.String("mission.vp_id", m.VPID),
	)

	logger := w.logger.With("mission_id", m.ID.String())

	// Cancellation requested before the claim: skip execution entirely.
	if m.CancelRequested {
		reason := m.CancelReason
		if reason == "" {
			reason = "cancelled before execution"
		}
		w.finish(ctx, logger, m.ID, MissionStatusCancelled, "", nil, reason)
		return
	}

	if err := w.events.Append(ctx, NewClaimedEvent(m.ID, w.cfg.WorkerID, m.Attempts)); err != nil {
		logger.WarnContext(ctx, "failed to append claimed event", slog.String("error", err.Error()))
	}

	workspaceRoot, err := EnsureWorkspace(w.cfg.WorkspaceDir, m)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		w.finish(ctx, logger, m.ID, MissionStatusFailed, "", nil, err.Error())
		return
	}

	outcome, err := w.runClient(ctx, m, workspaceRoot)
	if err != nil {
		// Unhandled client failure becomes a failed terminal transition
		// rather than crashing the worker.
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "execution client failed", slog.String("error", err.Error()))
		w.finish(ctx, logger, m.ID, MissionStatusFailed, "", nil, err.Error())
		return
	}

	if err := outcome.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		w.finish(ctx, logger, m.ID, MissionStatusFailed, "", nil, err.Error())
		return
	}

	// Cancellation that arrived during execution does not erase completed
	// work; the client's reported outcome stands.
	w.finish(ctx, logger, m.ID, outcome.Status, outcome.ResultRef, outcome.Payload, outcome.Error)
}

// runClient invokes the execution client, converting panics into errors.
func (w *Worker) runClient(ctx context.Context, m *Mission, workspaceRoot string) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = fmt.Errorf("execution client panicked: %v", r)
		}
	}()
	return w.client.RunMission(ctx, m, workspaceRoot)
}

// finish persists the terminal transition and its matching event.
func (w *Worker) finish(ctx context.Context, logger *slog.Logger, id types.ID, status MissionStatus, resultRef string, payload map[string]any, errMsg string) {
	if err := w.store.Finish(ctx, id, status, resultRef, payload, errMsg); err != nil {
		// The mission may have been reclaimed and finished elsewhere.
		logger.WarnContext(ctx, "terminal transition rejected",
			slog.String("status", status.String()),
			slog.String("error", err.Error()))
		return
	}

	var event *MissionEvent
	switch status {
	case MissionStatusCompleted:
		event = NewCompletedEvent(id, resultRef)
	case MissionStatusFailed:
		event = NewFailedEvent(id, errMsg)
	case MissionStatusCancelled:
		event = NewCancelledEvent(id, errMsg)
	}

	if event != nil {
		if err := w.events.Append(ctx, event); err != nil {
			logger.ErrorContext(ctx, "failed to append terminal event",
				slog.String("event_type", event.Type.String()),
				slog.String("error", err.Error()))
		}
	}

	logger.InfoContext(ctx, "mission finished", slog.String("status", status.String()))
}

// RunWorkers runs one worker per configuration under a shared errgroup,
// stopping all of them when any returns a non-context error or when the
// context is cancelled.
func RunWorkers(ctx context.Context, workers []*Worker) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, w := range workers {
		worker := w
		g.Go(func() error {
			err := worker.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}
