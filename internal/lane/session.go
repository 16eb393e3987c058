package lane

import (
	"fmt"
	"time"
)

// SessionStatus represents the lease state of a lane session.
type SessionStatus string

const (
	// SessionStatusActive indicates the lease is held and current.
	SessionStatusActive SessionStatus = "active"

	// SessionStatusExpired indicates the lease lapsed without renewal.
	SessionStatusExpired SessionStatus = "expired"
)

// String returns the string representation of the session status.
func (s SessionStatus) String() string {
	return string(s)
}

// Session is the control-plane lease record for one lane. Exactly one row
// exists per vp_id; on every gateway start the owning process claims or
// renews this row rather than creating a new one, so lane identity and
// mission continuity survive restarts.
type Session struct {
	// VPID is the lane identifier this session belongs to.
	VPID string `json:"vp_id"`

	// LeaseOwner is a stable control-plane identity, not tied to any
	// single process instance.
	LeaseOwner string `json:"lease_owner"`

	// Status is active while the lease holds, expired once it lapses.
	Status SessionStatus `json:"status"`

	// LeaseExpiresAt is the deadline after which the lease may be
	// claimed by another owner.
	LeaseExpiresAt time.Time `json:"lease_expires_at"`

	// LastHeartbeatAt records the most recent renewal.
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the session has all required fields.
func (s *Session) Validate() error {
	if s.VPID == "" {
		return fmt.Errorf("lane ID is required")
	}
	if s.LeaseOwner == "" {
		return fmt.Errorf("lease owner is required")
	}
	if s.Status != SessionStatusActive && s.Status != SessionStatusExpired {
		return fmt.Errorf("invalid session status: %s", s.Status)
	}
	return nil
}

// IsExpiredAt reports whether the lease has lapsed at the given instant.
func (s *Session) IsExpiredAt(now time.Time) bool {
	return s.Status == SessionStatusExpired || !now.Before(s.LeaseExpiresAt)
}
