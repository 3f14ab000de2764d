package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository used in tests and single-node
// deployments.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*Session)}
}

func cloneSession(s *Session) *Session {
	c := *s
	if s.RevokedAt != nil {
		t := *s.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}

// Create stores a new session
func (m *MemoryRepository) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

// Get retrieves a session by ID
func (m *MemoryRepository) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

// ListActiveForUser returns active sessions ordered oldest first
func (m *MemoryRepository) ListActiveForUser(ctx context.Context, userID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []*Session
	for _, s := range m.sessions {
		if s.UserID != userID || s.Status != StatusActive {
			continue
		}
		if now.After(s.ExpiresAt) || now.After(s.AbsoluteExpiresAt) {
			continue
		}
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ExtendExpiry moves the sliding deadline of an active session
func (m *MemoryRepository) ExtendExpiry(ctx context.Context, id string, expiresAt, lastActivityAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusActive {
		return ErrNotActive
	}
	s.ExpiresAt = expiresAt
	s.LastActivityAt = lastActivityAt
	return nil
}

// Revoke marks the session revoked; false when it was already terminal
func (m *MemoryRepository) Revoke(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.Status != StatusActive {
		return false, nil
	}
	now := time.Now()
	s.Status = StatusRevoked
	s.RevokedAt = &now
	return true, nil
}

// DeleteExpired removes sessions past their deadlines
func (m *MemoryRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, s := range m.sessions {
		if now.After(s.AbsoluteExpiresAt) || now.After(s.ExpiresAt) {
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}
