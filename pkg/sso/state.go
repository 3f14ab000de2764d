package sso

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// DefaultStateTTL bounds how long a login attempt may sit between request
// creation and callback.
const DefaultStateTTL = 5 * time.Minute

// StateStore persists single-use login state keyed by the SAML request ID
// or the OIDC state parameter. Consume retrieves and deletes atomically so
// that concurrent callbacks agree on a single winner.
type StateStore interface {
	Save(ctx context.Context, state *AuthnRequestState) error
	// Consume returns ErrStateNotFound when the state is missing, expired
	// or was already consumed.
	Consume(ctx context.Context, requestID string) (*AuthnRequestState, error)
}

// ReplayGuard remembers assertion IDs for their validity window. MarkOnce
// returns false when the ID was seen before.
type ReplayGuard interface {
	MarkOnce(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// randomToken returns a URL-safe random token with at least 128 bits of
// entropy.
func randomToken(bytes int) string {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		panic("sso: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// MemoryStateStore is an in-memory StateStore for tests and single-node
// deployments. Production uses the Redis-backed store.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]*AuthnRequestState
}

// NewMemoryStateStore creates an empty in-memory state store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*AuthnRequestState)}
}

// Save stores login state until its expiry
func (m *MemoryStateStore) Save(ctx context.Context, state *AuthnRequestState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *state
	m.states[state.RequestID] = &s
	return nil
}

// Consume removes and returns the state, exactly once
func (m *MemoryStateStore) Consume(ctx context.Context, requestID string) (*AuthnRequestState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[requestID]
	if !ok {
		return nil, ErrStateNotFound
	}
	delete(m.states, requestID)
	if time.Now().After(s.ExpiresAt) {
		return nil, ErrStateNotFound
	}
	out := *s
	return &out, nil
}

// PurgeExpired drops expired state. Run on a schedule.
func (m *MemoryStateStore) PurgeExpired(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	purged := 0
	for id, s := range m.states {
		if now.After(s.ExpiresAt) {
			delete(m.states, id)
			purged++
		}
	}
	return purged
}

// MemoryReplayGuard is an in-memory ReplayGuard
type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time // id -> expiry
}

// NewMemoryReplayGuard creates an empty in-memory replay guard
func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[string]time.Time)}
}

// MarkOnce records the ID; false when it was already marked
func (m *MemoryReplayGuard) MarkOnce(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if expiry, ok := m.seen[id]; ok && now.Before(expiry) {
		return false, nil
	}
	m.seen[id] = now.Add(ttl)
	return true, nil
}

// PurgeExpired drops expired entries. Run on a schedule.
func (m *MemoryReplayGuard) PurgeExpired(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	purged := 0
	for id, expiry := range m.seen {
		if now.After(expiry) {
			delete(m.seen, id)
			purged++
		}
	}
	return purged
}
