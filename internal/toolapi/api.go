// Package toolapi exposes the mission core to tool callers. Every operation
// returns a structured result with ok plus {code, message, retryable} on
// failure, and never panics or returns a Go error to the caller.
package toolapi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vectorops/convoy/internal/mission"
	"github.com/vectorops/convoy/internal/types"
)

// ErrorInfo is the structured failure payload carried by every failed result.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// DispatchParams are the caller-supplied dispatch arguments.
type DispatchParams struct {
	VPID            string         `json:"vp_id"`
	Objective       string         `json:"objective"`
	MissionType     string         `json:"mission_type,omitempty"`
	Constraints     map[string]any `json:"constraints,omitempty"`
	Budget          map[string]any `json:"budget,omitempty"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
	Priority        int            `json:"priority,omitempty"`
	SourceSessionID string         `json:"source_session_id,omitempty"`
	SourceTurnID    string         `json:"source_turn_id,omitempty"`
	ReplyMode       string         `json:"reply_mode,omitempty"`
}

// DispatchResult is the dispatch response envelope.
type DispatchResult struct {
	OK      bool             `json:"ok"`
	Mission *mission.Mission `json:"mission,omitempty"`
	Error   *ErrorInfo       `json:"error,omitempty"`
}

// GetResult is the get response envelope.
type GetResult struct {
	OK      bool             `json:"ok"`
	Mission *mission.Mission `json:"mission,omitempty"`
	Error   *ErrorInfo       `json:"error,omitempty"`
}

// ListParams are the list arguments; zero values mean no filter.
type ListParams struct {
	VPID   string `json:"vp_id,omitempty"`
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ListResult is the list response envelope.
type ListResult struct {
	OK       bool               `json:"ok"`
	Missions []*mission.Mission `json:"missions,omitempty"`
	Error    *ErrorInfo         `json:"error,omitempty"`
}

// WaitResult is the wait response envelope. TimedOut is true when the
// timeout elapsed before the mission reached a terminal status; that is
// not a failure.
type WaitResult struct {
	OK       bool             `json:"ok"`
	Mission  *mission.Mission `json:"mission,omitempty"`
	TimedOut bool             `json:"timed_out"`
	Error    *ErrorInfo       `json:"error,omitempty"`
}

// CancelResult is the cancel response envelope. Cancelled reports whether
// the request took effect; false with OK means the mission was already
// terminal or unknown to the flag update.
type CancelResult struct {
	OK        bool       `json:"ok"`
	Cancelled bool       `json:"cancelled"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// API is the tool-facing surface over the mission core.
type API struct {
	dispatcher *mission.Dispatcher
	store      mission.MissionStore
	logger     *slog.Logger
}

// Option is a functional option for configuring the API.
type Option func(*API)

// WithLogger sets the structured logger for the API.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger.With("component", "toolapi")
	}
}

// NewAPI creates the tool-facing API.
func NewAPI(dispatcher *mission.Dispatcher, store mission.MissionStore, opts ...Option) *API {
	a := &API{
		dispatcher: dispatcher,
		store:      store,
		logger:     slog.Default().With("component", "toolapi"),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// errorInfo converts an internal error into the structured failure payload,
// substituting a fallback code for errors outside the mission taxonomy.
func errorInfo(err error, fallback mission.MissionErrorCode) *ErrorInfo {
	code := mission.CodeOf(err)
	if code == "" {
		code = fallback
	}
	return &ErrorInfo{
		Code:      string(code),
		Message:   err.Error(),
		Retryable: mission.IsRetryable(err),
	}
}

// Dispatch creates a mission.
func (a *API) Dispatch(ctx context.Context, params DispatchParams) (result DispatchResult) {
	defer a.recoverInto(&result.OK, &result.Error, mission.ErrDispatchFailed)

	m, err := a.dispatcher.Dispatch(ctx, &mission.DispatchRequest{
		VPID:            params.VPID,
		Objective:       params.Objective,
		MissionType:     params.MissionType,
		Constraints:     params.Constraints,
		Budget:          params.Budget,
		IdempotencyKey:  params.IdempotencyKey,
		Priority:        params.Priority,
		SourceSessionID: params.SourceSessionID,
		SourceTurnID:    params.SourceTurnID,
		ReplyMode:       params.ReplyMode,
	})
	if err != nil {
		return DispatchResult{Error: errorInfo(err, mission.ErrDispatchFailed)}
	}

	return DispatchResult{OK: true, Mission: m}
}

// Get retrieves one mission by ID.
func (a *API) Get(ctx context.Context, missionID string) (result GetResult) {
	defer a.recoverInto(&result.OK, &result.Error, mission.ErrLookupFailed)

	id, err := types.ParseID(missionID)
	if err != nil {
		return GetResult{Error: errorInfo(mission.NewValidationError(err.Error()), mission.ErrLookupFailed)}
	}

	m, err := a.store.Get(ctx, id)
	if err != nil {
		return GetResult{Error: errorInfo(err, mission.ErrLookupFailed)}
	}

	return GetResult{OK: true, Mission: m}
}

// List retrieves missions, newest first.
func (a *API) List(ctx context.Context, params ListParams) (result ListResult) {
	defer a.recoverInto(&result.OK, &result.Error, mission.ErrLookupFailed)

	filter := mission.NewMissionFilter()
	if params.VPID != "" {
		filter = filter.WithVP(params.VPID)
	}
	if params.Status != "" {
		filter = filter.WithStatus(mission.MissionStatus(params.Status))
	}
	if params.Limit > 0 {
		filter = filter.WithPagination(params.Limit, 0)
	}

	missions, err := a.store.List(ctx, filter)
	if err != nil {
		return ListResult{Error: errorInfo(err, mission.ErrLookupFailed)}
	}

	return ListResult{OK: true, Missions: missions}
}

// Wait polls until the mission reaches a terminal status or the timeout
// elapses. The timeout is honored exactly; a timeout is reported via the
// TimedOut flag, never as an error.
func (a *API) Wait(ctx context.Context, missionID string, timeout, pollInterval time.Duration) (result WaitResult) {
	defer a.recoverInto(&result.OK, &result.Error, mission.ErrLookupFailed)

	id, err := types.ParseID(missionID)
	if err != nil {
		return WaitResult{Error: errorInfo(mission.NewValidationError(err.Error()), mission.ErrLookupFailed)}
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last *mission.Mission
	for {
		m, err := a.store.Get(ctx, id)
		if err != nil {
			return WaitResult{Error: errorInfo(err, mission.ErrLookupFailed)}
		}
		last = m
		if m.Status.IsTerminal() {
			return WaitResult{OK: true, Mission: m}
		}

		select {
		case <-ctx.Done():
			return WaitResult{Error: errorInfo(
				mission.WrapMissionError(mission.ErrLookupFailed, "wait interrupted", ctx.Err()),
				mission.ErrLookupFailed)}
		case <-deadline.C:
			return WaitResult{OK: true, Mission: last, TimedOut: true}
		case <-ticker.C:
		}
	}
}

// Cancel requests cooperative cancellation of a mission.
func (a *API) Cancel(ctx context.Context, missionID, reason string) (result CancelResult) {
	defer a.recoverInto(&result.OK, &result.Error, mission.ErrCancelFailed)

	id, err := types.ParseID(missionID)
	if err != nil {
		return CancelResult{Error: errorInfo(mission.NewValidationError(err.Error()), mission.ErrCancelFailed)}
	}

	cancelled, err := a.dispatcher.RequestCancel(ctx, id, reason)
	if err != nil {
		return CancelResult{Error: errorInfo(err, mission.ErrCancelFailed)}
	}

	return CancelResult{OK: true, Cancelled: cancelled}
}

// recoverInto converts a panic in any operation into a structured failure.
func (a *API) recoverInto(ok *bool, errOut **ErrorInfo, code mission.MissionErrorCode) {
	if r := recover(); r != nil {
		a.logger.Error("tool operation panicked", slog.Any("panic", r))
		*ok = false
		*errOut = &ErrorInfo{
			Code:    string(code),
			Message: fmt.Sprintf("internal failure: %v", r),
		}
	}
}
