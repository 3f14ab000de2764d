package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory UserStore and GroupStore. It enforces the same
// uniqueness and version semantics as the PostgreSQL implementation and is
// used in tests and single-node deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*User  // id -> user
	groups map[string]*Group // id -> group
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]*User),
		groups: make(map[string]*Group),
	}
}

func cloneUser(u *User) *User {
	c := *u
	c.Groups = append([]string(nil), u.Groups...)
	if u.Metadata != nil {
		c.Metadata = make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			c.Metadata[k] = v
		}
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

func cloneGroup(g *Group) *Group {
	c := *g
	c.Members = append([]string(nil), g.Members...)
	return &c
}

// Create stores a new user, enforcing (provider, external_id) uniqueness
func (s *MemoryStore) Create(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Provider == user.Provider && existing.ExternalID == user.ExternalID {
			return ErrDuplicateIdentity
		}
	}

	now := time.Now()
	user.Version = 1
	user.CreatedAt = now
	user.UpdatedAt = now
	s.users[user.ID] = cloneUser(user)
	return nil
}

// GetByID retrieves a user by ID within an organization
func (s *MemoryStore) GetByID(ctx context.Context, orgID, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok || u.OrgID != orgID {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

// GetByExternalID retrieves a user by (provider, external_id)
func (s *MemoryStore) GetByExternalID(ctx context.Context, provider, externalID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Provider == provider && u.ExternalID == externalID {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

// GetByEmail retrieves a user by email within an organization
func (s *MemoryStore) GetByEmail(ctx context.Context, orgID, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.OrgID == orgID && strings.EqualFold(u.Email, email) {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

// Update applies a compare-and-swap on the user version
func (s *MemoryStore) Update(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != user.Version {
		return ErrVersionConflict
	}

	user.Version++
	user.UpdatedAt = time.Now()
	s.users[user.ID] = cloneUser(user)
	return nil
}

// Delete removes a user
func (s *MemoryStore) Delete(ctx context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok || u.OrgID != orgID {
		return ErrNotFound
	}
	delete(s.users, id)
	return nil
}

// List returns users in an organization, ordered by creation time
func (s *MemoryStore) List(ctx context.Context, orgID string, filter UserFilter, offset, limit int) ([]*User, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*User
	for _, u := range s.users {
		if u.OrgID != orgID {
			continue
		}
		if filter.Email != "" && !strings.EqualFold(u.Email, filter.Email) {
			continue
		}
		if filter.Username != "" && u.Username != filter.Username {
			continue
		}
		if filter.Active != nil && u.Active != *filter.Active {
			continue
		}
		matched = append(matched, cloneUser(u))
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

// CreateGroup stores a new group
func (s *MemoryStore) CreateGroup(ctx context.Context, group *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.groups {
		if existing.OrgID == group.OrgID && existing.DisplayName == group.DisplayName {
			return ErrDuplicateIdentity
		}
	}

	now := time.Now()
	group.Version = 1
	group.CreatedAt = now
	group.UpdatedAt = now
	s.groups[group.ID] = cloneGroup(group)
	return nil
}

// GetGroupByID retrieves a group by ID within an organization
func (s *MemoryStore) GetGroupByID(ctx context.Context, orgID, id string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok || g.OrgID != orgID {
		return nil, ErrNotFound
	}
	return cloneGroup(g), nil
}

// GetGroupByDisplayName retrieves a group by display name
func (s *MemoryStore) GetGroupByDisplayName(ctx context.Context, orgID, displayName string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.groups {
		if g.OrgID == orgID && g.DisplayName == displayName {
			return cloneGroup(g), nil
		}
	}
	return nil, ErrNotFound
}

// UpdateGroup applies a compare-and-swap on the group version
func (s *MemoryStore) UpdateGroup(ctx context.Context, group *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.groups[group.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != group.Version {
		return ErrVersionConflict
	}

	group.Version++
	group.UpdatedAt = time.Now()
	s.groups[group.ID] = cloneGroup(group)
	return nil
}

// DeleteGroup removes a group
func (s *MemoryStore) DeleteGroup(ctx context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok || g.OrgID != orgID {
		return ErrNotFound
	}
	delete(s.groups, id)
	return nil
}

// ListGroups returns groups in an organization
func (s *MemoryStore) ListGroups(ctx context.Context, orgID string, offset, limit int) ([]*Group, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Group
	for _, g := range s.groups {
		if g.OrgID == orgID {
			matched = append(matched, cloneGroup(g))
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

// Groups returns a GroupStore view of the memory store
func (s *MemoryStore) Groups() GroupStore {
	return memoryGroupStore{s}
}

// memoryGroupStore adapts MemoryStore to the GroupStore interface
type memoryGroupStore struct {
	s *MemoryStore
}

func (m memoryGroupStore) Create(ctx context.Context, group *Group) error {
	return m.s.CreateGroup(ctx, group)
}

func (m memoryGroupStore) GetByID(ctx context.Context, orgID, id string) (*Group, error) {
	return m.s.GetGroupByID(ctx, orgID, id)
}

func (m memoryGroupStore) GetByDisplayName(ctx context.Context, orgID, displayName string) (*Group, error) {
	return m.s.GetGroupByDisplayName(ctx, orgID, displayName)
}

func (m memoryGroupStore) Update(ctx context.Context, group *Group) error {
	return m.s.UpdateGroup(ctx, group)
}

func (m memoryGroupStore) Delete(ctx context.Context, orgID, id string) error {
	return m.s.DeleteGroup(ctx, orgID, id)
}

func (m memoryGroupStore) List(ctx context.Context, orgID string, offset, limit int) ([]*Group, int, error) {
	return m.s.ListGroups(ctx, orgID, offset, limit)
}
