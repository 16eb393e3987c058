package mission

import (
	"fmt"
	"time"

	"github.com/vectorops/convoy/internal/types"
)

// MissionStatus represents the lifecycle state of a mission.
type MissionStatus string

const (
	// MissionStatusQueued indicates the mission is created but not yet claimed.
	MissionStatusQueued MissionStatus = "queued"

	// MissionStatusRunning indicates the mission is currently executing.
	MissionStatusRunning MissionStatus = "running"

	// MissionStatusCompleted indicates the mission has completed successfully.
	MissionStatusCompleted MissionStatus = "completed"

	// MissionStatusFailed indicates the mission execution has failed.
	MissionStatusFailed MissionStatus = "failed"

	// MissionStatusCancelled indicates the mission was cancelled.
	MissionStatusCancelled MissionStatus = "cancelled"
)

// String returns the string representation of the mission status.
func (s MissionStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the status represents a terminal state
// (completed, failed, or cancelled). Terminal states cannot transition to other states.
func (s MissionStatus) IsTerminal() bool {
	switch s {
	case MissionStatusCompleted, MissionStatusFailed, MissionStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo validates whether a state transition is allowed.
// A queued mission may terminate directly: the router's in-process path
// finishes missions without an intervening claim, and cancellation of a
// queued mission skips execution entirely.
func (s MissionStatus) CanTransitionTo(target MissionStatus) bool {
	if s.IsTerminal() {
		return false
	}

	switch s {
	case MissionStatusQueued:
		return target == MissionStatusRunning || target.IsTerminal()
	case MissionStatusRunning:
		return target.IsTerminal()
	default:
		return false
	}
}

// Mission represents one delegated unit of work. A mission is dispatched to
// a lane (vp_id), claimed by a worker or executed in-process by the gateway,
// and always ends in exactly one terminal status with a matching event.
type Mission struct {
	// ID is the unique identifier for this mission, generated at dispatch.
	ID types.ID `json:"id"`

	// VPID is the lane identifier the mission is dispatched to,
	// e.g. "vp.coder.primary". A process may host many lanes.
	VPID string `json:"vp_id"`

	// MissionType is a free-form tag interpreted by the execution client.
	MissionType string `json:"mission_type"`

	// Objective is a human-readable description of the work.
	Objective string `json:"objective"`

	// Constraints, Budget and Payload are opaque structured documents.
	// The orchestration core does not interpret their contents.
	Constraints map[string]any `json:"constraints,omitempty"`
	Budget      map[string]any `json:"budget,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`

	// IdempotencyKey is unique together with VPID. Re-dispatch with the
	// same pair returns the existing mission. Empty means no key.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Status represents the current lifecycle state of the mission.
	Status MissionStatus `json:"status"`

	// Priority orders claiming; lower claims first.
	Priority int `json:"priority"`

	// CancelRequested marks a cooperative cancellation request.
	// It has no immediate effect on an in-flight execution.
	CancelRequested bool   `json:"cancel_requested"`
	CancelReason    string `json:"cancel_reason,omitempty"`

	// ResultRef is a URI identifying where output artifacts live,
	// e.g. a workspace path. Only set on transition into a terminal status.
	ResultRef string `json:"result_ref,omitempty"`

	// Error contains the error message if the mission failed.
	Error string `json:"error,omitempty"`

	// Attempts counts claim attempts, used for the crash-recovery retry ceiling.
	Attempts int `json:"attempts"`

	// LeaseExpiresAt bounds the worker's claim; a running mission past this
	// deadline is presumed crashed and reclaimed.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// SourceSessionID / SourceTurnID / ReplyMode record the originating
	// request context for the audit trail.
	SourceSessionID string `json:"source_session_id,omitempty"`
	SourceTurnID    string `json:"source_turn_id,omitempty"`
	ReplyMode       string `json:"reply_mode,omitempty"`

	// HandoffRoot is an optional shared project root the mission workspace
	// is overlaid onto.
	HandoffRoot string `json:"handoff_root,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks if the mission has all required fields.
func (m *Mission) Validate() error {
	if m.ID.IsZero() {
		return fmt.Errorf("mission ID is required")
	}
	if m.VPID == "" {
		return fmt.Errorf("lane ID is required")
	}
	if m.Objective == "" {
		return fmt.Errorf("mission objective is required")
	}
	if m.Status == "" {
		return fmt.Errorf("mission status is required")
	}
	return nil
}

// GetDuration returns the mission execution duration.
// Returns 0 if the mission hasn't started.
func (m *Mission) GetDuration() time.Duration {
	if m.StartedAt == nil {
		return 0
	}

	endTime := time.Now()
	if m.CompletedAt != nil {
		endTime = *m.CompletedAt
	}

	return endTime.Sub(*m.StartedAt)
}
