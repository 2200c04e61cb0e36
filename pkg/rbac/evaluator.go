package rbac

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Evaluator answers permission checks against the binding store. The result
// is an opaque allow/deny; callers never see raw role data.
type Evaluator struct {
	store *Store
}

// NewEvaluator creates an evaluator over the RBAC store
func NewEvaluator(store *Store) *Evaluator {
	return &Evaluator{store: store}
}

// Check reports whether the user holds the permission at the requested
// scope within the tenant.
func (e *Evaluator) Check(ctx context.Context, tenantID, userID uuid.UUID, permissionKey string, scopeType ScopeType, scopeID string) (bool, error) {
	bindings, err := e.store.ListBindingsForUser(ctx, tenantID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to load bindings: %w", err)
	}

	for _, binding := range bindings {
		if !scopeSatisfies(binding, tenantID, scopeType, scopeID) {
			continue
		}
		keys, err := e.store.GetRolePermissionKeys(ctx, binding.RoleID)
		if err != nil {
			return false, fmt.Errorf("failed to load role permissions: %w", err)
		}
		for _, key := range keys {
			if key == permissionKey {
				return true, nil
			}
		}
	}
	return false, nil
}

// scopeSatisfies decides whether a binding covers a check requested at
// (scopeType, scopeID). Precedence: broader satisfies narrower.
//
//	GLOBAL  satisfies any check in any tenant
//	TENANT  satisfies TENANT/COMMUNITY/TEAM/SERVICE checks in its tenant
//	narrow  satisfies only checks at exactly its scope type and id
func scopeSatisfies(binding RoleBinding, tenantID uuid.UUID, scopeType ScopeType, scopeID string) bool {
	switch binding.ScopeType {
	case ScopeGlobal:
		return true
	case ScopeTenant:
		return binding.TenantID == tenantID
	default:
		return binding.TenantID == tenantID &&
			binding.ScopeType == scopeType &&
			binding.ScopeID == scopeID
	}
}
