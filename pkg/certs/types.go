package certs

import (
	"context"
	"errors"
	"time"
)

// Role marks which slot a certificate occupies for its organization
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// Record is a stored certificate. KeyPEM is empty for identity provider
// certificates that are only used to verify signatures.
type Record struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	Role        Role       `json:"role"`
	CertPEM     []byte     `json:"cert_pem"`
	KeyPEM      []byte     `json:"-"`
	NotBefore   time.Time  `json:"not_before"`
	NotAfter    time.Time  `json:"not_after"`
	RotatedAt   time.Time  `json:"rotated_at"`
	RemoveAfter *time.Time `json:"remove_after,omitempty"`
}

var (
	// ErrNotFound is returned when an organization has no certificate in
	// the requested role
	ErrNotFound = errors.New("certs: certificate not found")
	// ErrNoSecondary is returned by Promote when there is nothing to promote
	ErrNoSecondary = errors.New("certs: no secondary certificate to promote")
	// ErrNoUsableCertificate is returned when every stored certificate is
	// outside its validity window. Signature validation cannot proceed and
	// the caller must not retry.
	ErrNoUsableCertificate = errors.New("certs: no certificate within its validity window")
	// ErrInvalidPEM is returned when certificate or key material does not parse
	ErrInvalidPEM = errors.New("certs: invalid PEM material")
)

// Repository persists certificate records
type Repository interface {
	// Save inserts or replaces the record occupying (org, role)
	Save(ctx context.Context, record *Record) error
	GetByRole(ctx context.Context, orgID string, role Role) (*Record, error)
	ListByOrg(ctx context.Context, orgID string) ([]*Record, error)
	// Promote atomically swaps primary and secondary for the org and stamps
	// the demoted record with removeAfter. Returns ErrNoSecondary when the
	// org has no secondary certificate.
	Promote(ctx context.Context, orgID string, removeAfter time.Time) error
	// DeleteExpired removes records whose RemoveAfter is before now and
	// returns the org IDs that lost a certificate.
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
}
