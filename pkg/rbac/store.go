package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// globalTenantSentinel is the tenant_id stored for global template roles.
// Using the zero UUID instead of NULL keeps (tenant_id, service, name)
// unique and lets the EnsureRole upsert converge under concurrent seeding.
const globalTenantSentinel = "00000000-0000-0000-0000-000000000000"

// Store handles RBAC data persistence. The access service owns these tables
// exclusively; other services only ever hold a resolved allow/deny decision.
type Store struct {
	db *sql.DB
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertPermission creates or updates a catalog entry by key. Re-running a
// seed with the same key only refreshes description/service, never
// duplicates. The upsert is atomic; concurrent seeders converge on one row.
func (s *Store) UpsertPermission(ctx context.Context, key, description, service string) (*Permission, error) {
	query := `
		INSERT INTO permissions (key, description, service, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (key)
		DO UPDATE SET description = EXCLUDED.description, service = EXCLUDED.service, updated_at = EXCLUDED.updated_at
		RETURNING id, key, description, service, created_at, updated_at
	`

	var perm Permission
	err := s.db.QueryRowContext(ctx, query, key, description, service, time.Now()).Scan(
		&perm.ID,
		&perm.Key,
		&perm.Description,
		&perm.Service,
		&perm.CreatedAt,
		&perm.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert permission %s: %w", key, err)
	}
	return &perm, nil
}

// GetPermissionByKey retrieves a catalog entry by key
func (s *Store) GetPermissionByKey(ctx context.Context, key string) (*Permission, error) {
	query := `
		SELECT id, key, description, service, created_at, updated_at
		FROM permissions
		WHERE key = $1
	`

	var perm Permission
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&perm.ID,
		&perm.Key,
		&perm.Description,
		&perm.Service,
		&perm.CreatedAt,
		&perm.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("permission not found: %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return &perm, nil
}

// ListPermissions lists the catalog for a service, or all services when
// service is empty
func (s *Store) ListPermissions(ctx context.Context, service string) ([]Permission, error) {
	query := `
		SELECT id, key, description, service, created_at, updated_at
		FROM permissions
		WHERE ($1 = '' OR service = $1)
		ORDER BY key ASC
	`

	rows, err := s.db.QueryContext(ctx, query, service)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.ID, &perm.Key, &perm.Description, &perm.Service, &perm.CreatedAt, &perm.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

// EnsureRole creates a role if absent and returns it either way. Uniqueness
// is (tenant_id, service, name); tenantID nil means a global template,
// stored under the zero UUID so the upsert conflict target actually fires
// (NULLs never conflict with each other).
func (s *Store) EnsureRole(ctx context.Context, tenantID *uuid.UUID, service, name string, isSystemTemplate bool) (*Role, error) {
	now := time.Now()
	tenantVal := globalTenantSentinel
	if tenantID != nil {
		tenantVal = tenantID.String()
	}

	query := `
		INSERT INTO roles (tenant_id, service, name, is_system_template, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (tenant_id, service, name)
		DO UPDATE SET is_system_template = EXCLUDED.is_system_template, updated_at = EXCLUDED.updated_at
		RETURNING id, tenant_id, service, name, is_system_template, created_at, updated_at
	`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, tenantVal, service, name, isSystemTemplate, now))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure role %s/%s: %w", service, name, err)
	}
	return role, nil
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, roleID int64) (*Role, error) {
	query := `
		SELECT id, tenant_id, service, name, is_system_template, created_at, updated_at
		FROM roles
		WHERE id = $1
	`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, roleID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("role not found: %d", roleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// GetRoleByName retrieves a role by its natural key. A tenant-specific role
// shadows the global template of the same name.
func (s *Store) GetRoleByName(ctx context.Context, tenantID *uuid.UUID, service, name string) (*Role, error) {
	tenantVal := globalTenantSentinel
	if tenantID != nil {
		tenantVal = tenantID.String()
	}

	query := `
		SELECT id, tenant_id, service, name, is_system_template, created_at, updated_at
		FROM roles
		WHERE service = $1 AND name = $2 AND tenant_id = $3
		LIMIT 1
	`

	role, err := scanRole(s.db.QueryRowContext(ctx, query, service, name, tenantVal))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("role not found: %s/%s", service, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// ListRoles lists a tenant's roles plus the global templates
func (s *Store) ListRoles(ctx context.Context, tenantID uuid.UUID) ([]Role, error) {
	query := `
		SELECT id, tenant_id, service, name, is_system_template, created_at, updated_at
		FROM roles
		WHERE tenant_id = $1 OR tenant_id = $2
		ORDER BY service ASC, name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID.String(), globalTenantSentinel)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

// SyncRolePermissions makes the role's permission set exactly equal to
// permissionIDs: missing links are added, stale links deleted. Runs in one
// transaction so a concurrent reader never observes a half-converged role.
func (s *Store) SyncRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin sync transaction: %w", err)
	}
	defer tx.Rollback()

	existing := map[int64]bool{}
	rows, err := tx.QueryContext(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1`, roleID)
	if err != nil {
		return fmt.Errorf("failed to read role permissions: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan role permission: %w", err)
		}
		existing[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate role permissions: %w", err)
	}

	declared := map[int64]bool{}
	for _, id := range permissionIDs {
		declared[id] = true
		if existing[id] {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO role_permissions (role_id, permission_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (role_id, permission_id) DO NOTHING
		`, roleID, id, time.Now())
		if err != nil {
			return fmt.Errorf("failed to add role permission %d: %w", id, err)
		}
	}

	for id := range existing {
		if declared[id] {
			continue
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, id)
		if err != nil {
			return fmt.Errorf("failed to delete stale role permission %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync transaction: %w", err)
	}
	return nil
}

// GetRolePermissionKeys returns the permission keys granted by a role
func (s *Store) GetRolePermissionKeys(ctx context.Context, roleID int64) ([]string, error) {
	query := `
		SELECT p.key
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.key ASC
	`

	rows, err := s.db.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get role permissions: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan permission key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// CreateBinding grants a role to a user within a scope
func (s *Store) CreateBinding(ctx context.Context, binding *RoleBinding) error {
	var grantedBy interface{}
	if binding.GrantedBy != nil {
		grantedBy = binding.GrantedBy.String()
	}

	query := `
		INSERT INTO role_bindings (tenant_id, user_id, scope_type, scope_id, role_id, granted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	now := time.Now()
	err := s.db.QueryRowContext(ctx, query,
		binding.TenantID.String(),
		binding.UserID.String(),
		string(binding.ScopeType),
		binding.ScopeID,
		binding.RoleID,
		grantedBy,
		now,
	).Scan(&binding.ID)
	if err != nil {
		return fmt.Errorf("failed to create role binding: %w", err)
	}

	binding.CreatedAt = now
	return nil
}

// GetBinding retrieves a binding by id within a tenant
func (s *Store) GetBinding(ctx context.Context, tenantID uuid.UUID, bindingID int64) (*RoleBinding, error) {
	query := `
		SELECT id, tenant_id, user_id, scope_type, scope_id, role_id, granted_by, created_at
		FROM role_bindings
		WHERE id = $1 AND tenant_id = $2
	`

	binding, err := scanBinding(s.db.QueryRowContext(ctx, query, bindingID, tenantID.String()))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("role binding not found: %d", bindingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role binding: %w", err)
	}
	return binding, nil
}

// DeleteBinding revokes a binding
func (s *Store) DeleteBinding(ctx context.Context, tenantID uuid.UUID, bindingID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM role_bindings WHERE id = $1 AND tenant_id = $2`, bindingID, tenantID.String())
	if err != nil {
		return fmt.Errorf("failed to delete role binding: %w", err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("role binding not found: %d", bindingID)
	}
	return nil
}

// ListBindingsForUser returns a user's bindings within a tenant, including
// GLOBAL-scope bindings which apply across tenants.
func (s *Store) ListBindingsForUser(ctx context.Context, tenantID, userID uuid.UUID) ([]RoleBinding, error) {
	query := `
		SELECT id, tenant_id, user_id, scope_type, scope_id, role_id, granted_by, created_at
		FROM role_bindings
		WHERE user_id = $1 AND (tenant_id = $2 OR scope_type = 'GLOBAL')
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID.String(), tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list role bindings: %w", err)
	}
	defer rows.Close()

	var bindings []RoleBinding
	for rows.Next() {
		binding, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role binding: %w", err)
		}
		bindings = append(bindings, *binding)
	}
	return bindings, rows.Err()
}

// ListBindings returns every binding within a tenant
func (s *Store) ListBindings(ctx context.Context, tenantID uuid.UUID) ([]RoleBinding, error) {
	query := `
		SELECT id, tenant_id, user_id, scope_type, scope_id, role_id, granted_by, created_at
		FROM role_bindings
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list role bindings: %w", err)
	}
	defer rows.Close()

	var bindings []RoleBinding
	for rows.Next() {
		binding, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role binding: %w", err)
		}
		bindings = append(bindings, *binding)
	}
	return bindings, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(scanner rowScanner) (*Role, error) {
	var role Role
	var tenantID sql.NullString

	err := scanner.Scan(
		&role.ID,
		&tenantID,
		&role.Service,
		&role.Name,
		&role.IsSystemTemplate,
		&role.CreatedAt,
		&role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if tenantID.Valid && tenantID.String != globalTenantSentinel {
		parsed, err := uuid.Parse(tenantID.String)
		if err != nil {
			return nil, fmt.Errorf("invalid tenant id on role %d: %w", role.ID, err)
		}
		role.TenantID = &parsed
	}
	return &role, nil
}

func scanBinding(scanner rowScanner) (*RoleBinding, error) {
	var binding RoleBinding
	var tenantID, userID string
	var scopeID sql.NullString
	var grantedBy sql.NullString

	err := scanner.Scan(
		&binding.ID,
		&tenantID,
		&userID,
		&binding.ScopeType,
		&scopeID,
		&binding.RoleID,
		&grantedBy,
		&binding.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if binding.TenantID, err = uuid.Parse(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant id on binding %d: %w", binding.ID, err)
	}
	if binding.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("invalid user id on binding %d: %w", binding.ID, err)
	}
	if scopeID.Valid {
		binding.ScopeID = scopeID.String
	}
	if grantedBy.Valid {
		parsed, err := uuid.Parse(grantedBy.String)
		if err != nil {
			return nil, fmt.Errorf("invalid granted_by on binding %d: %w", binding.ID, err)
		}
		binding.GrantedBy = &parsed
	}
	return &binding, nil
}
