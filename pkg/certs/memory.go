package certs

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository used in tests and single-node
// deployments.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]map[Role]*Record // orgID -> role -> record
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]map[Role]*Record)}
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.CertPEM = append([]byte(nil), r.CertPEM...)
	c.KeyPEM = append([]byte(nil), r.KeyPEM...)
	if r.RemoveAfter != nil {
		t := *r.RemoveAfter
		c.RemoveAfter = &t
	}
	return &c
}

// Save inserts or replaces the record occupying (org, role)
func (m *MemoryRepository) Save(ctx context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	org, ok := m.records[record.OrgID]
	if !ok {
		org = make(map[Role]*Record)
		m.records[record.OrgID] = org
	}
	org[record.Role] = cloneRecord(record)
	return nil
}

// GetByRole retrieves the record in the given role for an organization
func (m *MemoryRepository) GetByRole(ctx context.Context, orgID string, role Role) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[orgID][role]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

// ListByOrg returns all records for an organization, primary first
func (m *MemoryRepository) ListByOrg(ctx context.Context, orgID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, role := range []Role{RolePrimary, RoleSecondary} {
		if r, ok := m.records[orgID][role]; ok {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

// Promote swaps primary and secondary and stamps the demoted record
func (m *MemoryRepository) Promote(ctx context.Context, orgID string, removeAfter time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	org := m.records[orgID]
	secondary, ok := org[RoleSecondary]
	if !ok {
		return ErrNoSecondary
	}

	secondary.Role = RolePrimary
	secondary.RemoveAfter = nil

	if primary, ok := org[RolePrimary]; ok {
		primary.Role = RoleSecondary
		t := removeAfter
		primary.RemoveAfter = &t
		org[RoleSecondary] = primary
	} else {
		delete(org, RoleSecondary)
	}
	org[RolePrimary] = secondary
	return nil
}

// DeleteExpired removes records past their grace window
func (m *MemoryRepository) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var orgs []string
	for orgID, byRole := range m.records {
		removed := false
		for role, r := range byRole {
			if r.RemoveAfter != nil && r.RemoveAfter.Before(now) {
				delete(byRole, role)
				removed = true
			}
		}
		if removed {
			orgs = append(orgs, orgID)
		}
		if len(byRole) == 0 {
			delete(m.records, orgID)
		}
	}
	return orgs, nil
}
