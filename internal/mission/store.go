package mission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/vectorops/convoy/internal/database"
	"github.com/vectorops/convoy/internal/types"
)

// MissionStore provides persistence for Mission entities. The store is the
// single source of truth; no component caches mission state across calls.
type MissionStore interface {
	// Save persists a new mission to the database.
	Save(ctx context.Context, mission *Mission) error

	// Get retrieves a mission by ID.
	Get(ctx context.Context, id types.ID) (*Mission, error)

	// GetByIdempotencyKey retrieves a mission by its (vp_id, idempotency_key)
	// pair. Returns nil, nil when no such mission exists.
	GetByIdempotencyKey(ctx context.Context, vpID, key string) (*Mission, error)

	// List retrieves missions with optional filtering.
	List(ctx context.Context, filter *MissionFilter) ([]*Mission, error)

	// Count returns the total number of missions matching the filter.
	Count(ctx context.Context, filter *MissionFilter) (int, error)

	// ClaimNext atomically claims the oldest eligible queued mission for the
	// lane, transitioning it to running and stamping a lease. The claim is a
	// single conditional update; a row comes back only when this caller won
	// it. Returns nil, nil when nothing is claimable.
	ClaimNext(ctx context.Context, vpID string, leaseTTL time.Duration) (*Mission, error)

	// RequestCancel sets the cooperative cancellation flag. Returns false
	// if the mission does not exist or is already terminal.
	RequestCancel(ctx context.Context, id types.ID, reason string) (bool, error)

	// Finish transitions a mission into a terminal status exactly once,
	// setting result_ref and terminal payload in the same update. Finishing
	// an already-terminal mission is an error.
	Finish(ctx context.Context, id types.ID, status MissionStatus, resultRef string, payload map[string]any, errMsg string) error

	// ReclaimExpired recovers missions left running past their lease expiry
	// (owning worker presumed crashed): requeued for another attempt, or
	// failed once the retry ceiling is reached.
	ReclaimExpired(ctx context.Context, vpID string, maxAttempts int) (requeued, failed []types.ID, err error)
}

// MissionFilter provides filtering options for mission queries.
type MissionFilter struct {
	// VPID filters by lane.
	VPID *string

	// Status filters by mission status.
	Status *MissionStatus

	// CreatedAfter filters missions created after this time.
	CreatedAfter *time.Time

	// Limit limits the number of results.
	Limit int

	// Offset skips the first N results.
	Offset int
}

// NewMissionFilter creates a new empty filter with default pagination.
func NewMissionFilter() *MissionFilter {
	return &MissionFilter{
		Limit:  100,
		Offset: 0,
	}
}

// WithVP filters by lane ID.
func (f *MissionFilter) WithVP(vpID string) *MissionFilter {
	f.VPID = &vpID
	return f
}

// WithStatus filters by mission status.
func (f *MissionFilter) WithStatus(status MissionStatus) *MissionFilter {
	f.Status = &status
	return f
}

// WithCreatedAfter filters by creation time.
func (f *MissionFilter) WithCreatedAfter(after time.Time) *MissionFilter {
	f.CreatedAfter = &after
	return f
}

// WithPagination sets pagination parameters.
func (f *MissionFilter) WithPagination(limit, offset int) *MissionFilter {
	f.Limit = limit
	f.Offset = offset
	return f
}

// DBMissionStore implements MissionStore on the SQLite ledger.
type DBMissionStore struct {
	db *database.DB
}

// NewDBMissionStore creates a new database-backed mission store.
func NewDBMissionStore(db *database.DB) *DBMissionStore {
	return &DBMissionStore{db: db}
}

const missionColumns = `
	id, vp_id, mission_type, objective, constraints, budget, payload,
	idempotency_key, status, priority, cancel_requested, cancel_reason,
	result_ref, error, attempts, lease_expires_at,
	source_session_id, source_turn_id, reply_mode, handoff_root,
	created_at, updated_at, started_at, completed_at
`

// Save persists a new mission to the database.
func (s *DBMissionStore) Save(ctx context.Context, m *Mission) error {
	if m.ID.IsZero() {
		m.ID = types.NewID()
	}
	if m.Status == "" {
		m.Status = MissionStatusQueued
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	if err := m.Validate(); err != nil {
		return NewValidationError(err.Error())
	}

	constraintsJSON, err := marshalDocument(m.Constraints)
	if err != nil {
		return fmt.Errorf("failed to marshal constraints: %w", err)
	}
	budgetJSON, err := marshalDocument(m.Budget)
	if err != nil {
		return fmt.Errorf("failed to marshal budget: %w", err)
	}
	payloadJSON, err := marshalDocument(m.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO missions (
			id, vp_id, mission_type, objective, constraints, budget, payload,
			idempotency_key, status, priority, cancel_requested, cancel_reason,
			result_ref, error, attempts, lease_expires_at,
			source_session_id, source_turn_id, reply_mode, handoff_root,
			created_at, updated_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		m.ID.String(),
		m.VPID,
		m.MissionType,
		m.Objective,
		constraintsJSON,
		budgetJSON,
		payloadJSON,
		nullableString(m.IdempotencyKey),
		string(m.Status),
		m.Priority,
		boolToInt(m.CancelRequested),
		nullableString(m.CancelReason),
		nullableString(m.ResultRef),
		nullableString(m.Error),
		m.Attempts,
		nullableTime(m.LeaseExpiresAt),
		nullableString(m.SourceSessionID),
		nullableString(m.SourceTurnID),
		nullableString(m.ReplyMode),
		nullableString(m.HandoffRoot),
		m.CreatedAt,
		m.UpdatedAt,
		nullableTime(m.StartedAt),
		nullableTime(m.CompletedAt),
	)

	if err != nil {
		return fmt.Errorf("failed to create mission: %w", err)
	}

	return nil
}

// Get retrieves a mission by ID.
func (s *DBMissionStore) Get(ctx context.Context, id types.ID) (*Mission, error) {
	query := "SELECT " + missionColumns + " FROM missions WHERE id = ?"

	m, err := s.scanMission(s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError(id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mission: %w", err)
	}

	return m, nil
}

// GetByIdempotencyKey retrieves a mission by its (vp_id, idempotency_key) pair.
func (s *DBMissionStore) GetByIdempotencyKey(ctx context.Context, vpID, key string) (*Mission, error) {
	if key == "" {
		return nil, nil
	}

	query := "SELECT " + missionColumns + " FROM missions WHERE vp_id = ? AND idempotency_key = ?"

	m, err := s.scanMission(s.db.QueryRowContext(ctx, query, vpID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mission by idempotency key: %w", err)
	}

	return m, nil
}

// List retrieves missions with optional filtering, newest first.
func (s *DBMissionStore) List(ctx context.Context, filter *MissionFilter) ([]*Mission, error) {
	if filter == nil {
		filter = NewMissionFilter()
	}
	if filter.Limit == 0 {
		filter.Limit = 100
	}

	conditions, args := filter.whereClause()

	query := "SELECT " + missionColumns + " FROM missions"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list missions: %w", err)
	}
	defer rows.Close()

	return s.scanMissions(rows)
}

// Count returns the total number of missions matching the filter.
func (s *DBMissionStore) Count(ctx context.Context, filter *MissionFilter) (int, error) {
	if filter == nil {
		filter = NewMissionFilter()
	}

	conditions, args := filter.whereClause()

	query := "SELECT COUNT(*) FROM missions"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count missions: %w", err)
	}

	return count, nil
}

func (f *MissionFilter) whereClause() ([]string, []interface{}) {
	var conditions []string
	var args []interface{}

	if f.VPID != nil {
		conditions = append(conditions, "vp_id = ?")
		args = append(args, *f.VPID)
	}
	if f.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.CreatedAfter != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, f.CreatedAfter.UTC())
	}

	return conditions, args
}

// ClaimNext atomically claims the oldest eligible queued mission for the lane.
//
// The claim is a single conditional UPDATE: the subselect picks the
// candidate and the outer WHERE re-checks status = 'queued', so two
// concurrent claimants can never both transition the same row. No returned
// row means no queued mission for the lane.
func (s *DBMissionStore) ClaimNext(ctx context.Context, vpID string, leaseTTL time.Duration) (*Mission, error) {
	now := time.Now().UTC()
	leaseExpiry := now.Add(leaseTTL)

	var idStr string
	err := s.db.QueryRowContext(ctx, `
		UPDATE missions
		SET status = 'running',
		    attempts = attempts + 1,
		    lease_expires_at = ?,
		    started_at = COALESCE(started_at, ?),
		    updated_at = ?
		WHERE id = (
			SELECT id FROM missions
			WHERE vp_id = ? AND status = 'queued'
			ORDER BY priority ASC, created_at ASC, rowid ASC
			LIMIT 1
		) AND status = 'queued'
		RETURNING id
	`, leaseExpiry, now, now, vpID).Scan(&idStr)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim mission: %w", err)
	}

	id, parseErr := types.ParseID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse claimed mission ID: %w", parseErr)
	}
	return s.Get(ctx, id)
}

// RequestCancel sets the cooperative cancellation flag.
func (s *DBMissionStore) RequestCancel(ctx context.Context, id types.ID, reason string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE missions
		SET cancel_requested = 1, cancel_reason = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'running')
	`, reason, time.Now().UTC(), id.String())
	if err != nil {
		return false, fmt.Errorf("failed to request cancel: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Finish transitions a mission into a terminal status exactly once.
func (s *DBMissionStore) Finish(ctx context.Context, id types.ID, status MissionStatus, resultRef string, payload map[string]any, errMsg string) error {
	if !status.IsTerminal() {
		return NewValidationError(fmt.Sprintf("finish requires a terminal status, got %s", status))
	}

	payloadJSON, err := marshalDocument(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal terminal payload: %w", err)
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE missions
		SET status = ?,
		    result_ref = ?,
		    payload = COALESCE(?, payload),
		    error = ?,
		    lease_expires_at = NULL,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ? AND status IN ('queued', 'running')
	`,
		string(status),
		nullableString(resultRef),
		payloadJSON,
		nullableString(errMsg),
		now,
		now,
		id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to finish mission: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		existing, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		return NewTerminalError(id.String(), existing.Status)
	}

	return nil
}

// ReclaimExpired recovers missions whose worker lease has lapsed.
func (s *DBMissionStore) ReclaimExpired(ctx context.Context, vpID string, maxAttempts int) (requeued, failed []types.ID, err error) {
	now := time.Now().UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attempts FROM missions
		WHERE vp_id = ? AND status = 'running'
		  AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		ORDER BY created_at ASC, rowid ASC
	`, vpID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find expired missions: %w", err)
	}

	type expired struct {
		id       types.ID
		attempts int
	}
	var candidates []expired
	for rows.Next() {
		var idStr string
		var attempts int
		if err := rows.Scan(&idStr, &attempts); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan expired mission: %w", err)
		}
		id, parseErr := types.ParseID(idStr)
		if parseErr != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to parse expired mission ID: %w", parseErr)
		}
		candidates = append(candidates, expired{id: id, attempts: attempts})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, fmt.Errorf("error iterating expired missions: %w", err)
	}
	rows.Close()

	for _, c := range candidates {
		if c.attempts >= maxAttempts {
			// Retry ceiling reached: the mission fails terminally.
			result, execErr := s.db.ExecContext(ctx, `
				UPDATE missions
				SET status = 'failed',
				    error = 'worker lease expired; retry ceiling reached',
				    lease_expires_at = NULL,
				    completed_at = ?,
				    updated_at = ?
				WHERE id = ? AND status = 'running'
				  AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
			`, now, now, c.id.String(), now)
			if execErr != nil {
				return requeued, failed, fmt.Errorf("failed to fail expired mission: %w", execErr)
			}
			if n, _ := result.RowsAffected(); n == 1 {
				failed = append(failed, c.id)
			}
			continue
		}

		result, execErr := s.db.ExecContext(ctx, `
			UPDATE missions
			SET status = 'queued',
			    lease_expires_at = NULL,
			    updated_at = ?
			WHERE id = ? AND status = 'running'
			  AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		`, now, c.id.String(), now)
		if execErr != nil {
			return requeued, failed, fmt.Errorf("failed to requeue expired mission: %w", execErr)
		}
		if n, _ := result.RowsAffected(); n == 1 {
			requeued = append(requeued, c.id)
		}
	}

	return requeued, failed, nil
}

// scanMission scans a single mission from a query row.
func (s *DBMissionStore) scanMission(scanner interface {
	Scan(dest ...interface{}) error
}) (*Mission, error) {
	var (
		m                 Mission
		idStr             string
		statusStr         string
		constraintsJSON   sql.NullString
		budgetJSON        sql.NullString
		payloadJSON       sql.NullString
		idempotencyKey    sql.NullString
		cancelRequested   int
		cancelReason      sql.NullString
		resultRef         sql.NullString
		errorMsg          sql.NullString
		leaseExpiresAt    sql.NullTime
		sourceSessionID   sql.NullString
		sourceTurnID      sql.NullString
		replyMode         sql.NullString
		handoffRoot       sql.NullString
		startedAt         sql.NullTime
		completedAt       sql.NullTime
	)

	err := scanner.Scan(
		&idStr,
		&m.VPID,
		&m.MissionType,
		&m.Objective,
		&constraintsJSON,
		&budgetJSON,
		&payloadJSON,
		&idempotencyKey,
		&statusStr,
		&m.Priority,
		&cancelRequested,
		&cancelReason,
		&resultRef,
		&errorMsg,
		&m.Attempts,
		&leaseExpiresAt,
		&sourceSessionID,
		&sourceTurnID,
		&replyMode,
		&handoffRoot,
		&m.CreatedAt,
		&m.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	id, err := types.ParseID(idStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mission ID: %w", err)
	}
	m.ID = id
	m.Status = MissionStatus(statusStr)
	m.CancelRequested = cancelRequested != 0

	if err := unmarshalDocument(constraintsJSON, &m.Constraints); err != nil {
		return nil, fmt.Errorf("failed to unmarshal constraints: %w", err)
	}
	if err := unmarshalDocument(budgetJSON, &m.Budget); err != nil {
		return nil, fmt.Errorf("failed to unmarshal budget: %w", err)
	}
	if err := unmarshalDocument(payloadJSON, &m.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	m.IdempotencyKey = idempotencyKey.String
	m.CancelReason = cancelReason.String
	m.ResultRef = resultRef.String
	m.Error = errorMsg.String
	m.SourceSessionID = sourceSessionID.String
	m.SourceTurnID = sourceTurnID.String
	m.ReplyMode = replyMode.String
	m.HandoffRoot = handoffRoot.String

	if leaseExpiresAt.Valid {
		m.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	if startedAt.Valid {
		m.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.Time
	}

	return &m, nil
}

// scanMissions scans multiple missions from query rows.
func (s *DBMissionStore) scanMissions(rows *sql.Rows) ([]*Mission, error) {
	missions := make([]*Mission, 0)

	for rows.Next() {
		m, err := s.scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mission: %w", err)
		}
		missions = append(missions, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating missions: %w", err)
	}

	return missions, nil
}

// marshalDocument serializes an opaque document, returning nil for empty maps
// so the column stays NULL.
func marshalDocument(doc map[string]any) (interface{}, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalDocument(col sql.NullString, dest *map[string]any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dest)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsUniqueConstraintErr reports whether the error is a SQLite UNIQUE
// constraint violation, which the dispatcher treats as an idempotency hit.
func IsUniqueConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// IsBusyErr reports whether the error is a SQLite lock/busy condition
// that warrants a jittered-backoff retry.
func IsBusyErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// Ensure DBMissionStore implements MissionStore at compile time.
var _ MissionStore = (*DBMissionStore)(nil)
