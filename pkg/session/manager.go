package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-sso/gatehouse/pkg/directory"
	"github.com/gatehouse-sso/gatehouse/pkg/observability"
)

// EventEvicted is published when admission at the concurrency cap pushes
// out the oldest active session.
const EventEvicted = "session.evicted"

// Publisher receives domain events emitted by the manager
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any)
}

// admission retries after losing an eviction race to a concurrent login
const maxAdmissionAttempts = 5

// Manager enforces session policy on top of a Repository
type Manager struct {
	repo    Repository
	logger  *observability.Logger
	metrics *observability.Metrics
	events  Publisher
}

// NewManager creates a session manager
func NewManager(repo Repository, logger *observability.Logger, metrics *observability.Metrics, events Publisher) *Manager {
	return &Manager{repo: repo, logger: logger, metrics: metrics, events: events}
}

// CreateOptions carries per-login attributes recorded on the session
type CreateOptions struct {
	MFAVerified bool
}

// Create admits a new session for the user under the given policy. At the
// concurrency cap the oldest active session is evicted first; the
// read-then-revoke loop retries on lost races so each admission evicts at
// most what it must.
func (m *Manager) Create(ctx context.Context, user *directory.User, policy Policy, opts CreateOptions) (*Session, error) {
	if policy.MaxConcurrent > 0 {
		if err := m.evictForAdmission(ctx, user.ID, policy.MaxConcurrent); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	s := &Session{
		ID:                uuid.NewString(),
		UserID:            user.ID,
		OrgID:             user.OrgID,
		Provider:          user.Provider,
		MFAVerified:       opts.MFAVerified,
		IdleTimeout:       policy.IdleTimeout,
		Status:            StatusActive,
		CreatedAt:         now,
		ExpiresAt:         now.Add(policy.IdleTimeout),
		AbsoluteExpiresAt: now.Add(policy.AbsoluteTimeout),
		LastActivityAt:    now,
	}
	if err := m.repo.Create(ctx, s); err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.SessionsCreatedTotal.WithLabelValues(s.Provider).Inc()
		m.metrics.SessionsActive.Inc()
	}
	m.logger.WithFields(map[string]interface{}{
		"session_id": s.ID,
		"user_id":    s.UserID,
		"org_id":     s.OrgID,
		"provider":   s.Provider,
	}).Info("Session created")

	return s, nil
}

func (m *Manager) evictForAdmission(ctx context.Context, userID string, max int) error {
	for attempt := 0; attempt < maxAdmissionAttempts; attempt++ {
		active, err := m.repo.ListActiveForUser(ctx, userID)
		if err != nil {
			return err
		}
		if len(active) < max {
			return nil
		}

		oldest := active[0]
		won, err := m.repo.Revoke(ctx, oldest.ID)
		if err != nil {
			return err
		}
		if !won {
			// a concurrent login evicted it first, recount
			continue
		}

		if m.metrics != nil {
			m.metrics.SessionsEvictedTotal.WithLabelValues(oldest.Provider).Inc()
			m.metrics.SessionsActive.Dec()
		}
		if m.events != nil {
			m.events.Publish(ctx, EventEvicted, map[string]any{
				"session_id": oldest.ID,
				"user_id":    oldest.UserID,
				"org_id":     oldest.OrgID,
			})
		}
		m.logger.WithFields(map[string]interface{}{
			"session_id": oldest.ID,
			"user_id":    userID,
		}).Info("Evicted oldest session at concurrency limit")
	}
	return ErrAdmissionContention
}

// Validate checks the session and slides its idle deadline forward, capped
// at the absolute deadline. It fails closed: revoked and expired sessions
// return their terminal error and are never resurrected.
func (m *Manager) Validate(ctx context.Context, id string) (*Session, error) {
	s, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	switch {
	case s.Status == StatusRevoked:
		return nil, ErrRevoked
	case s.Status == StatusExpired, now.After(s.AbsoluteExpiresAt), now.After(s.ExpiresAt):
		return nil, ErrExpired
	}

	extended := now.Add(s.IdleTimeout)
	if extended.After(s.AbsoluteExpiresAt) {
		extended = s.AbsoluteExpiresAt
	}
	if err := m.repo.ExtendExpiry(ctx, id, extended, now); err != nil {
		if err == ErrNotActive {
			// revoked between the read and the write
			return nil, ErrRevoked
		}
		return nil, err
	}

	s.ExpiresAt = extended
	s.LastActivityAt = now
	return s, nil
}

// Revoke terminates a session immediately
func (m *Manager) Revoke(ctx context.Context, id string) error {
	won, err := m.repo.Revoke(ctx, id)
	if err != nil {
		return err
	}
	if won {
		if m.metrics != nil {
			m.metrics.SessionsRevokedTotal.WithLabelValues("logout").Inc()
			m.metrics.SessionsActive.Dec()
		}
		m.logger.WithField("session_id", id).Info("Session revoked")
	}
	return nil
}

// RevokeAllForUser terminates every active session the user holds and
// returns how many were revoked.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	active, err := m.repo.ListActiveForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, s := range active {
		won, err := m.repo.Revoke(ctx, s.ID)
		if err != nil {
			return revoked, err
		}
		if won {
			revoked++
			if m.metrics != nil {
				m.metrics.SessionsRevokedTotal.WithLabelValues("admin").Inc()
				m.metrics.SessionsActive.Dec()
			}
		}
	}
	if revoked > 0 {
		m.logger.WithFields(map[string]interface{}{
			"user_id": userID,
			"count":   revoked,
		}).Info("Revoked all sessions for user")
	}
	return revoked, nil
}

// CleanupExpired removes sessions past their deadlines. Run on a schedule.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	deleted, err := m.repo.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.WithField("deleted", deleted).Info("Cleaned up expired sessions")
	}
	return deleted, nil
}
