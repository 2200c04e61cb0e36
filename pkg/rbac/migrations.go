package rbac

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

// GetMigrations returns all access-service migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id BIGSERIAL PRIMARY KEY,
					key VARCHAR(255) NOT NULL UNIQUE,
					description TEXT,
					service VARCHAR(100) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_permissions_service ON permissions(service);
			`,
		},
		{
			Version:     2,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					tenant_id UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000000',
					service VARCHAR(100) NOT NULL,
					name VARCHAR(255) NOT NULL,
					is_system_template BOOLEAN DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(tenant_id, service, name)
				);

				CREATE INDEX IF NOT EXISTS idx_roles_tenant_id ON roles(tenant_id);
				CREATE INDEX IF NOT EXISTS idx_roles_service ON roles(service);
			`,
		},
		{
			Version:     3,
			Description: "Create role_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (role_id, permission_id)
				);
			`,
		},
		{
			Version:     4,
			Description: "Create role_bindings table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_bindings (
					id BIGSERIAL PRIMARY KEY,
					tenant_id UUID NOT NULL,
					user_id UUID NOT NULL,
					scope_type VARCHAR(20) NOT NULL,
					scope_id VARCHAR(255),
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					granted_by UUID,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_role_bindings_user ON role_bindings(user_id, tenant_id);
				CREATE INDEX IF NOT EXISTS idx_role_bindings_tenant ON role_bindings(tenant_id);
				CREATE INDEX IF NOT EXISTS idx_role_bindings_scope ON role_bindings(scope_type, scope_id);
			`,
		},
		{
			Version:     5,
			Description: "Create tenant_admin_audit_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenant_admin_audit_events (
					id UUID PRIMARY KEY,
					tenant_id UUID NOT NULL,
					performed_by UUID NOT NULL,
					action VARCHAR(100) NOT NULL,
					target_type VARCHAR(50) NOT NULL,
					target_id VARCHAR(255),
					metadata TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_created ON tenant_admin_audit_events(tenant_id, created_at DESC);
			`,
		},
	}
}

// RunMigrations applies pending migrations in order
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS access_schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, migration := range GetMigrations() {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_schema_migrations WHERE version = $1`, migration.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", migration.Version, err)
		}
		if exists > 0 {
			continue
		}

		if _, err := db.ExecContext(ctx, migration.SQL); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Description, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO access_schema_migrations (version) VALUES ($1)`, migration.Version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
	}
	return nil
}
