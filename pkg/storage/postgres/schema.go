package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied on startup. Statements are idempotent so a restart
// against an initialized database is a no-op.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sso_configurations (
		org_id        TEXT PRIMARY KEY,
		protocol      TEXT NOT NULL,
		settings      JSONB NOT NULL,
		client_secret TEXT NOT NULL DEFAULT '',
		scim_token    TEXT,
		version       BIGINT NOT NULL DEFAULT 1,
		enabled       BOOLEAN NOT NULL DEFAULT TRUE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at    TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sso_configurations_scim_token
		ON sso_configurations (scim_token) WHERE scim_token IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS users (
		id             TEXT PRIMARY KEY,
		org_id         TEXT NOT NULL,
		provider       TEXT NOT NULL,
		external_id    TEXT NOT NULL,
		username       TEXT NOT NULL,
		email          TEXT NOT NULL,
		email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		display_name   TEXT NOT NULL DEFAULT '',
		role           TEXT NOT NULL,
		groups         JSONB NOT NULL DEFAULT '[]',
		active         BOOLEAN NOT NULL DEFAULT TRUE,
		metadata       JSONB NOT NULL DEFAULT '{}',
		version        BIGINT NOT NULL DEFAULT 1,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_login_at  TIMESTAMPTZ,
		UNIQUE (provider, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_org_email ON users (org_id, lower(email))`,

	`CREATE TABLE IF NOT EXISTS groups (
		id           TEXT PRIMARY KEY,
		org_id       TEXT NOT NULL,
		external_id  TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL,
		members      JSONB NOT NULL DEFAULT '[]',
		version      BIGINT NOT NULL DEFAULT 1,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (org_id, display_name)
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		org_id              TEXT NOT NULL,
		provider            TEXT NOT NULL,
		mfa_verified        BOOLEAN NOT NULL DEFAULT FALSE,
		idle_timeout_ms     BIGINT NOT NULL,
		status              TEXT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL,
		expires_at          TIMESTAMPTZ NOT NULL,
		absolute_expires_at TIMESTAMPTZ NOT NULL,
		last_activity_at    TIMESTAMPTZ NOT NULL,
		revoked_at          TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user_active
		ON sessions (user_id, created_at) WHERE status = 'active'`,

	`CREATE TABLE IF NOT EXISTS certificates (
		id           TEXT PRIMARY KEY,
		org_id       TEXT NOT NULL,
		role         TEXT NOT NULL,
		cert_pem     BYTEA NOT NULL,
		key_pem      BYTEA,
		not_before   TIMESTAMPTZ NOT NULL,
		not_after    TIMESTAMPTZ NOT NULL,
		rotated_at   TIMESTAMPTZ NOT NULL,
		remove_after TIMESTAMPTZ,
		UNIQUE (org_id, role)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id          BIGSERIAL PRIMARY KEY,
		timestamp   TIMESTAMPTZ NOT NULL,
		event_type  TEXT NOT NULL,
		org_id      TEXT,
		user_id     TEXT,
		request_id  TEXT,
		ip_address  TEXT,
		user_agent  TEXT,
		metadata    JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_org_time ON audit_events (org_id, timestamp)`,
}

// Migrate applies the schema
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}
