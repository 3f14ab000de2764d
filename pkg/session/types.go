package session

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a session. Active sessions may expire or
// be revoked; both are terminal.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Session is an authenticated session. IdleTimeout is persisted so the
// sliding window survives restarts; ExpiresAt slides forward on validation
// but never past AbsoluteExpiresAt.
type Session struct {
	ID                string        `json:"id"`
	UserID            string        `json:"user_id"`
	OrgID             string        `json:"org_id"`
	Provider          string        `json:"provider"`
	MFAVerified       bool          `json:"mfa_verified"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	Status            Status        `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	AbsoluteExpiresAt time.Time     `json:"absolute_expires_at"`
	LastActivityAt    time.Time     `json:"last_activity_at"`
	RevokedAt         *time.Time    `json:"revoked_at,omitempty"`
}

var (
	// ErrNotFound is returned when no session exists for the ID
	ErrNotFound = errors.New("session: not found")
	// ErrRevoked is returned when the session was revoked or evicted
	ErrRevoked = errors.New("session: revoked")
	// ErrExpired is returned when the idle or absolute deadline passed
	ErrExpired = errors.New("session: expired")
	// ErrNotActive is returned by repository writes that require an active
	// session, typically because a concurrent revoke won the race
	ErrNotActive = errors.New("session: not active")
	// ErrAdmissionContention is returned when eviction retries are exhausted
	ErrAdmissionContention = errors.New("session: could not admit session under contention")
)

// Policy carries the per-organization session limits applied at creation
type Policy struct {
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
	MaxConcurrent   int
}

// Repository persists sessions
type Repository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// ListActiveForUser returns active sessions ordered oldest first
	ListActiveForUser(ctx context.Context, userID string) ([]*Session, error)
	// ExtendExpiry moves the sliding deadline; ErrNotActive when the session
	// is no longer active.
	ExtendExpiry(ctx context.Context, id string, expiresAt, lastActivityAt time.Time) error
	// Revoke marks the session revoked. The boolean reports whether this
	// call performed the transition; false means the session was already
	// terminal or missing, which lets concurrent evictors agree on a single
	// winner.
	Revoke(ctx context.Context, id string) (bool, error)
	// DeleteExpired removes sessions past their deadlines and returns how
	// many rows were deleted.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
