package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gatehouse-sso/gatehouse/pkg/certs"
)

// CertificateRepository is the PostgreSQL certs.Repository
type CertificateRepository struct {
	conns *ConnectionManager
}

// NewCertificateRepository creates a certificate repository
func NewCertificateRepository(conns *ConnectionManager) *CertificateRepository {
	return &CertificateRepository{conns: conns}
}

const certColumns = `id, org_id, role, cert_pem, key_pem, not_before, not_after, rotated_at, remove_after`

func scanCert(row interface{ Scan(...any) error }) (*certs.Record, error) {
	var (
		rec         certs.Record
		removeAfter sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.OrgID, &rec.Role, &rec.CertPEM, &rec.KeyPEM,
		&rec.NotBefore, &rec.NotAfter, &rec.RotatedAt, &removeAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, certs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan certificate: %w", err)
	}
	if removeAfter.Valid {
		t := removeAfter.Time
		rec.RemoveAfter = &t
	}
	return &rec, nil
}

// Save inserts or replaces the record occupying (org, role)
func (r *CertificateRepository) Save(ctx context.Context, record *certs.Record) error {
	query := `
		INSERT INTO certificates (` + certColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (org_id, role) DO UPDATE
		SET id = EXCLUDED.id, cert_pem = EXCLUDED.cert_pem, key_pem = EXCLUDED.key_pem,
			not_before = EXCLUDED.not_before, not_after = EXCLUDED.not_after,
			rotated_at = EXCLUDED.rotated_at, remove_after = EXCLUDED.remove_after
	`
	_, err := r.conns.Primary().ExecContext(ctx, query,
		record.ID, record.OrgID, record.Role, record.CertPEM, record.KeyPEM,
		record.NotBefore, record.NotAfter, record.RotatedAt, record.RemoveAfter)
	if err != nil {
		return fmt.Errorf("failed to save certificate: %w", err)
	}
	return nil
}

// GetByRole retrieves the certificate in one slot for an organization
func (r *CertificateRepository) GetByRole(ctx context.Context, orgID string, role certs.Role) (*certs.Record, error) {
	query := `SELECT ` + certColumns + ` FROM certificates WHERE org_id = $1 AND role = $2`
	return scanCert(r.conns.Primary().QueryRowContext(ctx, query, orgID, role))
}

// ListByOrg retrieves every certificate for an organization, primary first
func (r *CertificateRepository) ListByOrg(ctx context.Context, orgID string) ([]*certs.Record, error) {
	query := `SELECT ` + certColumns + ` FROM certificates WHERE org_id = $1 ORDER BY role ASC`
	rows, err := r.conns.Primary().QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	defer rows.Close()

	var records []*certs.Record
	for rows.Next() {
		rec, err := scanCert(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Promote swaps primary and secondary in one transaction and stamps the
// demoted record with removeAfter.
func (r *CertificateRepository) Promote(ctx context.Context, orgID string, removeAfter time.Time) error {
	tx, err := r.conns.Primary().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin promote: %w", err)
	}
	defer tx.Rollback()

	var secondaryID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM certificates WHERE org_id = $1 AND role = $2 FOR UPDATE`,
		orgID, certs.RoleSecondary).Scan(&secondaryID)
	if errors.Is(err, sql.ErrNoRows) {
		return certs.ErrNoSecondary
	}
	if err != nil {
		return fmt.Errorf("failed to lock secondary: %w", err)
	}

	// shuffle roles through a temporary value to dodge the unique constraint
	if _, err := tx.ExecContext(ctx,
		`UPDATE certificates SET role = 'swapping' WHERE org_id = $1 AND role = $2`,
		orgID, certs.RolePrimary); err != nil {
		return fmt.Errorf("failed to demote primary: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE certificates SET role = $1, remove_after = NULL WHERE org_id = $2 AND role = $3`,
		certs.RolePrimary, orgID, certs.RoleSecondary); err != nil {
		return fmt.Errorf("failed to promote secondary: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE certificates SET role = $1, remove_after = $2 WHERE org_id = $3 AND role = 'swapping'`,
		certs.RoleSecondary, removeAfter, orgID); err != nil {
		return fmt.Errorf("failed to reslot old primary: %w", err)
	}

	return tx.Commit()
}

// DeleteExpired removes records whose grace window has passed
func (r *CertificateRepository) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.conns.Primary().QueryContext(ctx, `
		DELETE FROM certificates
		WHERE remove_after IS NOT NULL AND remove_after < $1
		RETURNING org_id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired certificates: %w", err)
	}
	defer rows.Close()

	var orgIDs []string
	for rows.Next() {
		var orgID string
		if err := rows.Scan(&orgID); err != nil {
			return nil, err
		}
		orgIDs = append(orgIDs, orgID)
	}
	return orgIDs, rows.Err()
}
