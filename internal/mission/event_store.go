package mission

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vectorops/convoy/internal/database"
	"github.com/vectorops/convoy/internal/types"
)

// EventStore provides persistence for mission events.
// Events are persisted for the audit trail; the log is append-only.
type EventStore interface {
	// Append persists an event to the log.
	// This is synchronous and durable - the event is written to disk before returning.
	Append(ctx context.Context, event *MissionEvent) error

	// ListByMission retrieves all events for a mission in append order.
	ListByMission(ctx context.Context, missionID types.ID) ([]*MissionEvent, error)

	// Query retrieves events matching filter criteria.
	// Results are ordered by created_at ascending.
	Query(ctx context.Context, filter *EventFilter) ([]*MissionEvent, error)
}

// EventFilter provides filtering options for event queries.
type EventFilter struct {
	// MissionID filters events for a specific mission.
	MissionID *types.ID

	// EventTypes filters by event type (supports multiple types).
	EventTypes []MissionEventType

	// After filters events created after this time.
	After *time.Time

	// Limit limits the number of results.
	Limit int

	// Offset skips the first N results.
	Offset int
}

// NewEventFilter creates a new empty filter with default pagination.
func NewEventFilter() *EventFilter {
	return &EventFilter{
		Limit:  100,
		Offset: 0,
	}
}

// WithMissionID filters events for a specific mission.
func (f *EventFilter) WithMissionID(missionID types.ID) *EventFilter {
	f.MissionID = &missionID
	return f
}

// WithEventTypes filters by event types.
func (f *EventFilter) WithEventTypes(eventTypes ...MissionEventType) *EventFilter {
	f.EventTypes = eventTypes
	return f
}

// WithAfter filters events created at or after the given time.
func (f *EventFilter) WithAfter(after time.Time) *EventFilter {
	f.After = &after
	return f
}

// WithPagination sets pagination parameters.
func (f *EventFilter) WithPagination(limit, offset int) *EventFilter {
	f.Limit = limit
	f.Offset = offset
	return f
}

// DBEventStore implements EventStore using the SQLite ledger.
type DBEventStore struct {
	db *database.DB
}

// NewDBEventStore creates a new database-backed event store.
func NewDBEventStore(db *database.DB) *DBEventStore {
	return &DBEventStore{db: db}
}

// Append persists an event to the log.
func (s *DBEventStore) Append(ctx context.Context, event *MissionEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	eventID := event.ID
	if eventID.IsZero() {
		eventID = types.NewID()
	}

	var payloadJSON string
	if event.Payload != nil {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO mission_events (
			id, mission_id, event_type, payload, created_at
		) VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		eventID.String(),
		event.MissionID.String(),
		string(event.Type),
		payloadJSON,
		timestamp.UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	return nil
}

// ListByMission retrieves all events for a mission in append order.
func (s *DBEventStore) ListByMission(ctx context.Context, missionID types.ID) ([]*MissionEvent, error) {
	return s.Query(ctx, NewEventFilter().WithMissionID(missionID).WithPagination(1000, 0))
}

// Query retrieves events matching filter criteria.
func (s *DBEventStore) Query(ctx context.Context, filter *EventFilter) ([]*MissionEvent, error) {
	if filter == nil {
		filter = NewEventFilter()
	}

	if filter.Limit == 0 {
		filter.Limit = 100
	}

	var conditions []string
	var args []interface{}

	if filter.MissionID != nil {
		conditions = append(conditions, "mission_id = ?")
		args = append(args, filter.MissionID.String())
	}

	if len(filter.EventTypes) > 0 {
		placeholders := make([]string, len(filter.EventTypes))
		for i, eventType := range filter.EventTypes {
			placeholders[i] = "?"
			args = append(args, string(eventType))
		}
		conditions = append(conditions, fmt.Sprintf("event_type IN (%s)", strings.Join(placeholders, ", ")))
	}

	if filter.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.After.UTC())
	}

	query := `
		SELECT
			id, mission_id, event_type, payload, created_at
		FROM mission_events
	`

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	// rowid breaks created_at ties in append order
	query += " ORDER BY created_at ASC, rowid ASC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows)
}

// scanEvents scans multiple events from query rows.
func (s *DBEventStore) scanEvents(rows *sql.Rows) ([]*MissionEvent, error) {
	events := make([]*MissionEvent, 0)

	for rows.Next() {
		event, err := s.scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return events, nil
}

// scanEvent scans a single event from a query row.
func (s *DBEventStore) scanEvent(scanner interface {
	Scan(dest ...interface{}) error
}) (*MissionEvent, error) {
	var (
		idStr        string
		missionIDStr string
		eventTypeStr string
		payloadStr   sql.NullString
		createdAt    time.Time
	)

	err := scanner.Scan(
		&idStr,
		&missionIDStr,
		&eventTypeStr,
		&payloadStr,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	id, err := types.ParseID(idStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse event ID: %w", err)
	}

	missionID, err := types.ParseID(missionIDStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mission ID: %w", err)
	}

	event := &MissionEvent{
		ID:        id,
		Type:      MissionEventType(eventTypeStr),
		MissionID: missionID,
		Timestamp: createdAt,
	}

	if payloadStr.Valid && payloadStr.String != "" {
		var payload interface{}
		if err := json.Unmarshal([]byte(payloadStr.String), &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
		event.Payload = payload
	}

	return event, nil
}

// Ensure DBEventStore implements EventStore at compile time.
var _ EventStore = (*DBEventStore)(nil)
