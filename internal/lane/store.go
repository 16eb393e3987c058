package lane

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vectorops/convoy/internal/database"
	"github.com/vectorops/convoy/internal/mission"
)

// SessionStore provides persistence for lane sessions.
type SessionStore interface {
	// ClaimOrRenew ensures an active lease for the lane held by owner.
	// An absent row is created, an expired row (or one lapsed past its
	// deadline) is claimed, and a live row held by the same owner is
	// renewed in place. A live row held by a different owner is adopted
	// unchanged: lane identity belongs to the lane, not to the caller.
	ClaimOrRenew(ctx context.Context, vpID, owner string, ttl time.Duration) (*Session, error)

	// Get retrieves the session for a lane, nil if none exists.
	Get(ctx context.Context, vpID string) (*Session, error)

	// Heartbeat extends the lease of an active session held by owner.
	// Returns false when no live session for (vpID, owner) exists.
	Heartbeat(ctx context.Context, vpID, owner string, ttl time.Duration) (bool, error)
}

// DBSessionStore implements SessionStore using the SQLite ledger.
type DBSessionStore struct {
	db *database.DB
}

// NewDBSessionStore creates a new database-backed session store.
func NewDBSessionStore(db *database.DB) *DBSessionStore {
	return &DBSessionStore{db: db}
}

const sessionColumns = `vp_id, lease_owner, status, lease_expires_at, last_heartbeat_at, created_at, updated_at`

// ClaimOrRenew ensures an active lease for the lane.
func (s *DBSessionStore) ClaimOrRenew(ctx context.Context, vpID, owner string, ttl time.Duration) (*Session, error) {
	if vpID == "" {
		return nil, mission.NewValidationError("lane ID is required")
	}
	if owner == "" {
		return nil, mission.NewValidationError("lease owner is required")
	}
	if ttl <= 0 {
		return nil, mission.NewValidationError("lease ttl must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	existing, err := s.Get(ctx, vpID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		query := `
			INSERT INTO lane_sessions (
				vp_id, lease_owner, status, lease_expires_at, last_heartbeat_at,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`
		_, err := s.db.ExecContext(ctx, query,
			vpID, owner, string(SessionStatusActive), expiresAt, now, now, now)
		if err != nil {
			// A concurrent starter may have inserted the row first;
			// fall through to adoption.
			if !mission.IsUniqueConstraintErr(err) {
				return nil, fmt.Errorf("failed to create lane session: %w", err)
			}
			return s.ClaimOrRenew(ctx, vpID, owner, ttl)
		}
		return s.Get(ctx, vpID)
	}

	if existing.IsExpiredAt(now) || existing.LeaseOwner == owner {
		// Claim the lapsed lease or renew our own; either way the row
		// persists and the lane's mission history stays attached to it.
		query := `
			UPDATE lane_sessions
			SET lease_owner = ?, status = ?, lease_expires_at = ?,
			    last_heartbeat_at = ?, updated_at = ?
			WHERE vp_id = ?
		`
		_, err := s.db.ExecContext(ctx, query,
			owner, string(SessionStatusActive), expiresAt, now, now, vpID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim lane session: %w", err)
		}
		return s.Get(ctx, vpID)
	}

	// Live lease held by another owner: adopt it as-is.
	return existing, nil
}

// Get retrieves the session for a lane.
func (s *DBSessionStore) Get(ctx context.Context, vpID string) (*Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM lane_sessions WHERE vp_id = ?`, sessionColumns)

	row := s.db.QueryRowContext(ctx, query, vpID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lane session: %w", err)
	}
	return session, nil
}

// Heartbeat extends the lease of a live session held by owner.
func (s *DBSessionStore) Heartbeat(ctx context.Context, vpID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	query := `
		UPDATE lane_sessions
		SET lease_expires_at = ?, last_heartbeat_at = ?, updated_at = ?
		WHERE vp_id = ? AND lease_owner = ? AND status = ? AND lease_expires_at > ?
	`
	result, err := s.db.ExecContext(ctx, query,
		now.Add(ttl), now, now, vpID, owner, string(SessionStatusActive), now)
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat lane session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check heartbeat result: %w", err)
	}
	return rows == 1, nil
}

// MarkExpired flags sessions whose lease deadline has passed. Rows are
// retained; expiry only makes them claimable.
func (s *DBSessionStore) MarkExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()

	query := `
		UPDATE lane_sessions
		SET status = ?, updated_at = ?
		WHERE status = ? AND lease_expires_at <= ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(SessionStatusExpired), now, string(SessionStatusActive), now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire lane sessions: %w", err)
	}
	return result.RowsAffected()
}

func scanSession(scanner interface {
	Scan(dest ...interface{}) error
}) (*Session, error) {
	var (
		session   Session
		statusStr string
	)

	err := scanner.Scan(
		&session.VPID,
		&session.LeaseOwner,
		&statusStr,
		&session.LeaseExpiresAt,
		&session.LastHeartbeatAt,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Status = SessionStatus(statusStr)
	return &session, nil
}

// Ensure DBSessionStore implements SessionStore at compile time.
var _ SessionStore = (*DBSessionStore)(nil)
