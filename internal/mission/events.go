package mission

import (
	"time"

	"github.com/vectorops/convoy/internal/types"
)

// MissionEventType identifies the type of mission event.
type MissionEventType string

const (
	// EventDispatched indicates a mission row was created.
	EventDispatched MissionEventType = "dispatched"

	// EventClaimed indicates a worker atomically claimed the mission.
	EventClaimed MissionEventType = "claimed"

	// EventCompleted indicates the mission reached completed.
	EventCompleted MissionEventType = "completed"

	// EventFailed indicates the mission reached failed.
	EventFailed MissionEventType = "failed"

	// EventCancelled indicates the mission reached cancelled.
	EventCancelled MissionEventType = "cancelled"

	// EventFallback records that the delegated result was abandoned in
	// favor of the primary path. Always precedes the terminal event.
	EventFallback MissionEventType = "fallback"
)

// String returns the string representation of the event type.
func (t MissionEventType) String() string {
	return string(t)
}

// IsTerminal reports whether the event type matches a terminal status.
func (t MissionEventType) IsTerminal() bool {
	switch t {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	default:
		return false
	}
}

// MissionEvent represents one entry in a mission's append-only audit trail.
// Events are ordered per mission and never mutated.
type MissionEvent struct {
	// ID is the unique identifier of the event row.
	ID types.ID `json:"id"`

	// Type identifies the event type.
	Type MissionEventType `json:"type"`

	// MissionID is the unique identifier of the mission.
	MissionID types.ID `json:"mission_id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Payload contains type-specific event data.
	Payload any `json:"payload,omitempty"`
}

// NewMissionEvent creates a new mission event with the current timestamp.
func NewMissionEvent(eventType MissionEventType, missionID types.ID, payload any) *MissionEvent {
	return &MissionEvent{
		ID:        types.NewID(),
		Type:      eventType,
		MissionID: missionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// NewDispatchedEvent creates a dispatched event.
func NewDispatchedEvent(missionID types.ID, vpID, idempotencyKey string) *MissionEvent {
	payload := map[string]any{"vp_id": vpID}
	if idempotencyKey != "" {
		payload["idempotency_key"] = idempotencyKey
	}
	return NewMissionEvent(EventDispatched, missionID, payload)
}

// NewClaimedEvent creates a claimed event.
func NewClaimedEvent(missionID types.ID, workerID string, attempt int) *MissionEvent {
	return NewMissionEvent(EventClaimed, missionID, map[string]any{
		"worker_id": workerID,
		"attempt":   attempt,
	})
}

// NewCompletedEvent creates a completed event.
func NewCompletedEvent(missionID types.ID, resultRef string) *MissionEvent {
	payload := map[string]any{}
	if resultRef != "" {
		payload["result_ref"] = resultRef
	}
	return NewMissionEvent(EventCompleted, missionID, payload)
}

// NewFailedEvent creates a failed event.
func NewFailedEvent(missionID types.ID, reason string) *MissionEvent {
	return NewMissionEvent(EventFailed, missionID, map[string]any{
		"error": reason,
	})
}

// NewCancelledEvent creates a cancelled event.
func NewCancelledEvent(missionID types.ID, reason string) *MissionEvent {
	return NewMissionEvent(EventCancelled, missionID, map[string]any{
		"reason": reason,
	})
}

// NewFallbackEvent creates a fallback event. The reason string is always
// recorded; it carries the adapter exception or error-signal detail.
func NewFallbackEvent(missionID types.ID, reason string) *MissionEvent {
	return NewMissionEvent(EventFallback, missionID, map[string]any{
		"reason": reason,
	})
}
