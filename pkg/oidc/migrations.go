package oidc

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all OIDC provider migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create oidc_clients table",
			SQL: `
				CREATE TABLE IF NOT EXISTS oidc_clients (
					id BIGSERIAL PRIMARY KEY,
					client_id VARCHAR(255) NOT NULL UNIQUE,
					secret_hash VARCHAR(64) NOT NULL DEFAULT '',
					name VARCHAR(255) NOT NULL,
					redirect_uris TEXT NOT NULL DEFAULT '[]',
					scopes TEXT NOT NULL DEFAULT '',
					public BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     2,
			Description: "Create oidc_auth_requests table",
			SQL: `
				CREATE TABLE IF NOT EXISTS oidc_auth_requests (
					id UUID PRIMARY KEY,
					client_id VARCHAR(255) NOT NULL,
					tenant_id UUID NOT NULL,
					user_id UUID,
					redirect_uri TEXT NOT NULL,
					scopes TEXT NOT NULL DEFAULT '',
					state TEXT NOT NULL DEFAULT '',
					nonce TEXT NOT NULL DEFAULT '',
					code_challenge TEXT NOT NULL DEFAULT '',
					code_challenge_method VARCHAR(10) NOT NULL DEFAULT '',
					consent_required BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					expires_at TIMESTAMP NOT NULL,
					approved_at TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_oidc_auth_requests_expires ON oidc_auth_requests(expires_at);
			`,
		},
		{
			Version:     3,
			Description: "Create oidc_codes table",
			SQL: `
				CREATE TABLE IF NOT EXISTS oidc_codes (
					id BIGSERIAL PRIMARY KEY,
					code_hash VARCHAR(64) NOT NULL UNIQUE,
					request_id UUID NOT NULL,
					client_id VARCHAR(255) NOT NULL,
					tenant_id UUID NOT NULL,
					user_id UUID NOT NULL,
					redirect_uri TEXT NOT NULL,
					scopes TEXT NOT NULL DEFAULT '',
					nonce TEXT NOT NULL DEFAULT '',
					code_challenge TEXT NOT NULL DEFAULT '',
					code_challenge_method VARCHAR(10) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					expires_at TIMESTAMP NOT NULL,
					used_at TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_oidc_codes_expires ON oidc_codes(expires_at);
			`,
		},
		{
			Version:     4,
			Description: "Create oidc_tokens table",
			SQL: `
				CREATE TABLE IF NOT EXISTS oidc_tokens (
					id BIGSERIAL PRIMARY KEY,
					token_hash VARCHAR(64) NOT NULL UNIQUE,
					kind VARCHAR(20) NOT NULL,
					client_id VARCHAR(255) NOT NULL,
					tenant_id UUID NOT NULL,
					user_id UUID NOT NULL,
					session_id UUID,
					scopes TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					expires_at TIMESTAMP NOT NULL,
					revoked_at TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_oidc_tokens_user ON oidc_tokens(user_id, tenant_id);
				CREATE INDEX IF NOT EXISTS idx_oidc_tokens_expires ON oidc_tokens(expires_at);
			`,
		},
		{
			Version:     5,
			Description: "Create oidc_consents table",
			SQL: `
				CREATE TABLE IF NOT EXISTS oidc_consents (
					id BIGSERIAL PRIMARY KEY,
					tenant_id UUID NOT NULL,
					user_id UUID NOT NULL,
					client_id VARCHAR(255) NOT NULL,
					scopes TEXT NOT NULL DEFAULT '',
					granted_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(tenant_id, user_id, client_id)
				);
			`,
		},
	}
}

// RunMigrations applies pending migrations in order
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS oidc_schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, migration := range GetMigrations() {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM oidc_schema_migrations WHERE version = $1`, migration.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", migration.Version, err)
		}
		if exists > 0 {
			continue
		}

		if _, err := db.ExecContext(ctx, migration.SQL); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Description, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO oidc_schema_migrations (version) VALUES ($1)`, migration.Version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
	}
	return nil
}
