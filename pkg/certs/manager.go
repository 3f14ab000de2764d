package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/gatehouse-sso/gatehouse/pkg/observability"
)

// DefaultGracePeriod is how long a demoted certificate keeps validating
// signatures before the sweep removes it.
const DefaultGracePeriod = 30 * 24 * time.Hour

// EventRotated is published when a secondary certificate is promoted
const EventRotated = "certificate.rotated"

// Publisher receives domain events emitted by the manager
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any)
}

// Snapshot is an immutable view of the certificates currently accepted for
// signature validation. Primary is always set; Secondary may be nil.
type Snapshot struct {
	Primary   *x509.Certificate
	Secondary *x509.Certificate

	signingPair *tls.Certificate
}

// CertificateStore returns a goxmldsig certificate store accepting
// signatures from any certificate in the snapshot.
func (s *Snapshot) CertificateStore() dsig.X509CertificateStore {
	roots := []*x509.Certificate{s.Primary}
	if s.Secondary != nil {
		roots = append(roots, s.Secondary)
	}
	return &dsig.MemoryX509CertificateStore{Roots: roots}
}

// KeyStore returns the signing key store for the primary certificate, or an
// error when the primary was stored without its private key.
func (s *Snapshot) KeyStore() (dsig.X509KeyStore, error) {
	if s.signingPair == nil {
		return nil, fmt.Errorf("certs: primary certificate has no private key")
	}
	return dsig.TLSCertKeyStore(*s.signingPair), nil
}

type orgCerts struct {
	primary   *entry
	secondary *entry
}

type entry struct {
	cert *x509.Certificate
	pair *tls.Certificate
}

// Manager owns certificate rotation and serves validation snapshots
type Manager struct {
	repo    Repository
	grace   time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
	events  Publisher

	// orgID -> *orgCerts, replaced wholesale on any mutation
	snapshots sync.Map
}

// NewManager creates a certificate manager. A non-positive grace period
// falls back to DefaultGracePeriod.
func NewManager(repo Repository, grace time.Duration, logger *observability.Logger, metrics *observability.Metrics, events Publisher) *Manager {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Manager{
		repo:    repo,
		grace:   grace,
		logger:  logger,
		metrics: metrics,
		events:  events,
	}
}

// Rotate stores a new certificate for the organization. The first
// certificate an org ever receives becomes primary; every later rotation
// lands in the secondary slot until an explicit Promote.
func (m *Manager) Rotate(ctx context.Context, orgID string, certPEM, keyPEM []byte) (*Record, error) {
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return nil, err
	}
	if len(keyPEM) > 0 {
		if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
			return nil, fmt.Errorf("%w: key does not match certificate: %v", ErrInvalidPEM, err)
		}
	}

	role := RoleSecondary
	if _, err := m.repo.GetByRole(ctx, orgID, RolePrimary); errors.Is(err, ErrNotFound) {
		role = RolePrimary
	} else if err != nil {
		return nil, err
	}

	record := &Record{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Role:      role,
		CertPEM:   append([]byte(nil), certPEM...),
		KeyPEM:    append([]byte(nil), keyPEM...),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		RotatedAt: time.Now(),
	}
	if err := m.repo.Save(ctx, record); err != nil {
		return nil, err
	}
	m.snapshots.Delete(orgID)

	if m.metrics != nil {
		m.metrics.CertRotationsTotal.Inc()
	}
	m.logger.WithFields(map[string]interface{}{
		"org_id":    orgID,
		"role":      string(role),
		"not_after": cert.NotAfter,
	}).Info("Stored rotated certificate")

	return record, nil
}

// Promote flips the secondary certificate into the primary slot. The
// demoted primary keeps validating until the grace window ends.
func (m *Manager) Promote(ctx context.Context, orgID string) error {
	removeAfter := time.Now().Add(m.grace)
	if err := m.repo.Promote(ctx, orgID, removeAfter); err != nil {
		return err
	}
	m.snapshots.Delete(orgID)

	if m.metrics != nil {
		m.metrics.CertPromotionsTotal.Inc()
	}
	if m.events != nil {
		m.events.Publish(ctx, EventRotated, map[string]any{
			"org_id":       orgID,
			"remove_after": removeAfter,
		})
	}
	m.logger.WithField("org_id", orgID).Info("Promoted secondary certificate to primary")
	return nil
}

// ValidationCerts returns the certificates currently accepted for signature
// validation. Certificates outside their validity window are excluded; if
// nothing usable remains the error is ErrNoUsableCertificate and the caller
// must fail the login rather than retry.
func (m *Manager) ValidationCerts(ctx context.Context, orgID string) (*Snapshot, error) {
	oc, err := m.load(ctx, orgID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	snap := &Snapshot{}
	if e := oc.primary; e != nil && within(e.cert, now) {
		snap.Primary = e.cert
		snap.signingPair = e.pair
	}
	if e := oc.secondary; e != nil && within(e.cert, now) {
		if snap.Primary == nil {
			snap.Primary = e.cert
			snap.signingPair = e.pair
		} else {
			snap.Secondary = e.cert
		}
	}
	if snap.Primary == nil {
		return nil, ErrNoUsableCertificate
	}
	return snap, nil
}

// SweepExpired removes demoted certificates past their grace window. It is
// run on a schedule and returns the number of affected organizations.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	orgs, err := m.repo.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	for _, orgID := range orgs {
		m.snapshots.Delete(orgID)
	}
	if len(orgs) > 0 {
		if m.metrics != nil {
			m.metrics.CertSweepsTotal.Add(float64(len(orgs)))
		}
		m.logger.WithField("orgs", len(orgs)).Info("Swept expired certificates")
	}
	return len(orgs), nil
}

func (m *Manager) load(ctx context.Context, orgID string) (*orgCerts, error) {
	if v, ok := m.snapshots.Load(orgID); ok {
		return v.(*orgCerts), nil
	}

	records, err := m.repo.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}

	oc := &orgCerts{}
	for _, r := range records {
		e, err := newEntry(r)
		if err != nil {
			return nil, err
		}
		switch r.Role {
		case RolePrimary:
			oc.primary = e
		case RoleSecondary:
			oc.secondary = e
		}
	}
	m.snapshots.Store(orgID, oc)
	return oc, nil
}

func newEntry(r *Record) (*entry, error) {
	cert, err := parseCertPEM(r.CertPEM)
	if err != nil {
		return nil, err
	}
	e := &entry{cert: cert}
	if len(r.KeyPEM) > 0 {
		pair, err := tls.X509KeyPair(r.CertPEM, r.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		pair.Leaf = cert
		e.pair = &pair
	}
	return e, nil
}

func parseCertPEM(certPEM []byte) (*x509.Certificate, error) {
	for rest := certPEM; len(rest) > 0; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		return cert, nil
	}
	return nil, ErrInvalidPEM
}

func within(cert *x509.Certificate, now time.Time) bool {
	return !now.Before(cert.NotBefore) && !now.After(cert.NotAfter)
}
