package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gatehouse-sso/gatehouse/pkg/session"
)

// SessionRepository is the PostgreSQL session.Repository
type SessionRepository struct {
	conns *ConnectionManager
}

// NewSessionRepository creates a session repository over the connection manager
func NewSessionRepository(conns *ConnectionManager) *SessionRepository {
	return &SessionRepository{conns: conns}
}

const sessionColumns = `id, user_id, org_id, provider, mfa_verified, idle_timeout_ms,
	status, created_at, expires_at, absolute_expires_at, last_activity_at, revoked_at`

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	var (
		s         session.Session
		idleMS    int64
		revokedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.UserID, &s.OrgID, &s.Provider, &s.MFAVerified, &idleMS,
		&s.Status, &s.CreatedAt, &s.ExpiresAt, &s.AbsoluteExpiresAt, &s.LastActivityAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	s.IdleTimeout = time.Duration(idleMS) * time.Millisecond
	if revokedAt.Valid {
		t := revokedAt.Time
		s.RevokedAt = &t
	}
	return &s, nil
}

// Create inserts a session
func (r *SessionRepository) Create(ctx context.Context, s *session.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.conns.Primary().ExecContext(ctx, query,
		s.ID, s.UserID, s.OrgID, s.Provider, s.MFAVerified, s.IdleTimeout.Milliseconds(),
		s.Status, s.CreatedAt, s.ExpiresAt, s.AbsoluteExpiresAt, s.LastActivityAt, s.RevokedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID. Validation follows creation immediately,
// so reads go to the primary.
func (r *SessionRepository) Get(ctx context.Context, id string) (*session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSession(r.conns.Primary().QueryRowContext(ctx, query, id))
}

// ListActiveForUser returns active sessions ordered oldest first
func (r *SessionRepository) ListActiveForUser(ctx context.Context, userID string) ([]*session.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND status = $2 AND expires_at > $3 AND absolute_expires_at > $3
		ORDER BY created_at, id
	`
	rows, err := r.conns.Primary().QueryContext(ctx, query, userID, session.StatusActive, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ExtendExpiry moves the sliding deadline of an active session
func (r *SessionRepository) ExtendExpiry(ctx context.Context, id string, expiresAt, lastActivityAt time.Time) error {
	result, err := r.conns.Primary().ExecContext(ctx, `
		UPDATE sessions
		SET expires_at = $1, last_activity_at = $2
		WHERE id = $3 AND status = $4
	`, expiresAt, lastActivityAt, id, session.StatusActive)
	if err != nil {
		return fmt.Errorf("failed to extend session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return session.ErrNotActive
	}
	return nil
}

// Revoke marks the session revoked. The status guard makes concurrent
// revokers agree on exactly one winner.
func (r *SessionRepository) Revoke(ctx context.Context, id string) (bool, error) {
	result, err := r.conns.Primary().ExecContext(ctx, `
		UPDATE sessions
		SET status = $1, revoked_at = NOW()
		WHERE id = $2 AND status = $3
	`, session.StatusRevoked, id, session.StatusActive)
	if err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// DeleteExpired removes sessions past their deadlines
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := r.conns.Primary().ExecContext(ctx, `
		DELETE FROM sessions
		WHERE expires_at < $1 OR absolute_expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
