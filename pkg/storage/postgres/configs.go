package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gatehouse-sso/gatehouse/pkg/sso"
)

// ConfigRepository is the PostgreSQL sso.ConfigRepository. The settings
// column holds the JSON form of the configuration; secrets are stripped by
// the JSON tags and stored in dedicated columns instead.
type ConfigRepository struct {
	conns *ConnectionManager
}

// NewConfigRepository creates a config repository over the connection manager
func NewConfigRepository(conns *ConnectionManager) *ConfigRepository {
	return &ConfigRepository{conns: conns}
}

const configColumns = `org_id, protocol, settings, client_secret, scim_token, version, enabled, created_at, updated_at, deleted_at`

func scanConfig(row interface{ Scan(...any) error }) (*sso.SSOConfiguration, error) {
	var (
		orgID        string
		protocol     string
		settings     []byte
		clientSecret string
		scimToken    sql.NullString
		version      int64
		enabled      bool
		createdAt    time.Time
		updatedAt    time.Time
		deletedAt    sql.NullTime
	)
	err := row.Scan(&orgID, &protocol, &settings, &clientSecret, &scimToken,
		&version, &enabled, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sso.ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sso configuration: %w", err)
	}

	var cfg sso.SSOConfiguration
	if err := json.Unmarshal(settings, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode sso configuration: %w", err)
	}

	// authoritative columns override whatever the JSON snapshot carried
	cfg.OrgID = orgID
	cfg.Protocol = sso.Protocol(protocol)
	cfg.Version = version
	cfg.Enabled = enabled
	cfg.CreatedAt = createdAt
	cfg.UpdatedAt = updatedAt
	if deletedAt.Valid {
		t := deletedAt.Time
		cfg.DeletedAt = &t
	}
	if scimToken.Valid {
		cfg.SCIMToken = scimToken.String
	}
	if cfg.OIDC != nil {
		cfg.OIDC.ClientSecret = clientSecret
	}
	return &cfg, nil
}

// Get retrieves a configuration by organization
func (r *ConfigRepository) Get(ctx context.Context, orgID string) (*sso.SSOConfiguration, error) {
	query := `SELECT ` + configColumns + ` FROM sso_configurations WHERE org_id = $1`
	return scanConfig(r.conns.Primary().QueryRowContext(ctx, query, orgID))
}

// GetBySCIMToken resolves the configuration owning a SCIM bearer token.
// The unique index makes the token itself the lookup key; callers treat
// disabled and deleted configs as missing.
func (r *ConfigRepository) GetBySCIMToken(ctx context.Context, token string) (*sso.SSOConfiguration, error) {
	query := `SELECT ` + configColumns + ` FROM sso_configurations WHERE scim_token = $1`
	return scanConfig(r.conns.Primary().QueryRowContext(ctx, query, token))
}

// Save upserts the configuration, incrementing its version and clearing
// any soft delete.
func (r *ConfigRepository) Save(ctx context.Context, cfg *sso.SSOConfiguration) error {
	settings, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode sso configuration: %w", err)
	}
	var clientSecret string
	if cfg.OIDC != nil {
		clientSecret = cfg.OIDC.ClientSecret
	}
	var scimToken any
	if cfg.SCIMToken != "" {
		scimToken = cfg.SCIMToken
	}

	query := `
		INSERT INTO sso_configurations (org_id, protocol, settings, client_secret, scim_token, version, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, NOW(), NOW())
		ON CONFLICT (org_id) DO UPDATE
		SET protocol = EXCLUDED.protocol, settings = EXCLUDED.settings,
			client_secret = EXCLUDED.client_secret, scim_token = EXCLUDED.scim_token,
			enabled = EXCLUDED.enabled, version = sso_configurations.version + 1,
			updated_at = NOW(), deleted_at = NULL
		RETURNING version, created_at, updated_at
	`
	err = r.conns.Primary().QueryRowContext(ctx, query,
		cfg.OrgID, cfg.Protocol, settings, clientSecret, scimToken, cfg.Enabled).
		Scan(&cfg.Version, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save sso configuration: %w", err)
	}
	cfg.DeletedAt = nil
	return nil
}

// SoftDelete stamps DeletedAt without removing the row
func (r *ConfigRepository) SoftDelete(ctx context.Context, orgID string, at time.Time) error {
	result, err := r.conns.Primary().ExecContext(ctx,
		`UPDATE sso_configurations SET deleted_at = $1, updated_at = $1 WHERE org_id = $2`,
		at, orgID)
	if err != nil {
		return fmt.Errorf("failed to soft delete sso configuration: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sso.ErrConfigNotFound
	}
	return nil
}

// List returns every configuration, including soft-deleted rows
func (r *ConfigRepository) List(ctx context.Context) ([]*sso.SSOConfiguration, error) {
	query := `SELECT ` + configColumns + ` FROM sso_configurations ORDER BY org_id`
	rows, err := r.conns.Replica().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sso configurations: %w", err)
	}
	defer rows.Close()

	var configs []*sso.SSOConfiguration
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}
