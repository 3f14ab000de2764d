package directory

import (
	"context"
	"errors"
	"time"
)

// Role represents the role a user holds within their organization
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Valid reports whether the role is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

// User is a locally provisioned identity. (Provider, ExternalID) is unique
// across the whole store; Email is unique per organization.
type User struct {
	ID            string            `json:"id"`
	OrgID         string            `json:"org_id"`
	Provider      string            `json:"provider"`
	ExternalID    string            `json:"external_id"`
	Username      string            `json:"username"`
	Email         string            `json:"email"`
	EmailVerified bool              `json:"email_verified"`
	DisplayName   string            `json:"display_name,omitempty"`
	Role          Role              `json:"role"`
	Groups        []string          `json:"groups,omitempty"`
	Active        bool              `json:"active"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	LastLoginAt   *time.Time        `json:"last_login_at,omitempty"`
}

// Group is a directory group pushed by SCIM or asserted at login
type Group struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	ExternalID  string    `json:"external_id,omitempty"`
	DisplayName string    `json:"display_name"`
	Members     []string  `json:"members,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var (
	// ErrNotFound is returned when a user or group does not exist
	ErrNotFound = errors.New("directory: not found")
	// ErrDuplicateIdentity is returned when a create would violate the
	// (provider, external_id) uniqueness invariant
	ErrDuplicateIdentity = errors.New("directory: duplicate identity")
	// ErrVersionConflict is returned when an optimistic update loses a race
	ErrVersionConflict = errors.New("directory: version conflict")
)

// UserFilter narrows List results
type UserFilter struct {
	Email    string
	Username string
	Active   *bool
}

// UserStore persists provisioned users
type UserStore interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, orgID, id string) (*User, error)
	GetByExternalID(ctx context.Context, provider, externalID string) (*User, error)
	GetByEmail(ctx context.Context, orgID, email string) (*User, error)
	// Update applies a compare-and-swap on user.Version and increments it
	// on success; ErrVersionConflict signals a lost race.
	Update(ctx context.Context, user *User) error
	Delete(ctx context.Context, orgID, id string) error
	List(ctx context.Context, orgID string, filter UserFilter, offset, limit int) ([]*User, int, error)
}

// GroupStore persists directory groups
type GroupStore interface {
	Create(ctx context.Context, group *Group) error
	GetByID(ctx context.Context, orgID, id string) (*Group, error)
	GetByDisplayName(ctx context.Context, orgID, displayName string) (*Group, error)
	Update(ctx context.Context, group *Group) error
	Delete(ctx context.Context, orgID, id string) error
	List(ctx context.Context, orgID string, offset, limit int) ([]*Group, int, error)
}
