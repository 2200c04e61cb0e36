package rbac

import (
	"time"

	"github.com/google/uuid"
)

// ScopeType is the hierarchy level a role binding applies to.
type ScopeType string

const (
	ScopeGlobal    ScopeType = "GLOBAL"
	ScopeTenant    ScopeType = "TENANT"
	ScopeCommunity ScopeType = "COMMUNITY"
	ScopeTeam      ScopeType = "TEAM"
	ScopeService   ScopeType = "SERVICE"
)

// ValidScopeType reports whether s is a known scope type.
func ValidScopeType(s string) bool {
	switch ScopeType(s) {
	case ScopeGlobal, ScopeTenant, ScopeCommunity, ScopeTeam, ScopeService:
		return true
	}
	return false
}

// Permission is an immutable catalog entry, unique by key. Keys are
// namespaced service.resource.action, e.g. "voting.vote.cast". Entries are
// seeded by service startup and looked up read-only at runtime.
type Permission struct {
	ID          int64     `json:"id"`
	Key         string    `json:"key"`
	Description string    `json:"description"`
	Service     string    `json:"service"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Role is either a global per-service template (TenantID nil) or a
// tenant-specific role. Unique by (tenant_id, service, name).
type Role struct {
	ID               int64      `json:"id"`
	TenantID         *uuid.UUID `json:"tenant_id,omitempty"`
	Service          string     `json:"service"`
	Name             string     `json:"name"`
	IsSystemTemplate bool       `json:"is_system_template"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// RoleBinding grants a role to a user within a scope.
type RoleBinding struct {
	ID        int64      `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	UserID    uuid.UUID  `json:"user_id"`
	ScopeType ScopeType  `json:"scope_type"`
	ScopeID   string     `json:"scope_id,omitempty"`
	RoleID    int64      `json:"role_id"`
	GrantedBy *uuid.UUID `json:"granted_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// MemberRoleName is the canonical default role every tenant copies or binds
// from. The global template (tenant NULL) per service owns exactly the
// declared default permission set.
const MemberRoleName = "member"

// PermissionSeed declares a catalog entry for seeding.
type PermissionSeed struct {
	Key         string
	Description string
}

// ServiceDefaults declares a service's permission catalog and the subset
// granted to its default member role template.
type ServiceDefaults struct {
	Service           string
	Permissions       []PermissionSeed
	MemberPermissions []string
}

// PlatformDefaults returns the declared defaults for every platform service.
// The list is the input to the convergent template sync: after seeding, each
// service's global member template owns exactly MemberPermissions.
func PlatformDefaults() []ServiceDefaults {
	return []ServiceDefaults{
		{
			Service: "identity",
			Permissions: []PermissionSeed{
				{Key: "identity.profile.view", Description: "View user profiles"},
				{Key: "identity.profile.edit", Description: "Edit own profile"},
				{Key: "identity.user.manage", Description: "Manage tenant users"},
			},
			MemberPermissions: []string{"identity.profile.view", "identity.profile.edit"},
		},
		{
			Service: "voting",
			Permissions: []PermissionSeed{
				{Key: "voting.poll.view", Description: "View polls"},
				{Key: "voting.poll.create", Description: "Create polls"},
				{Key: "voting.poll.manage", Description: "Manage any poll"},
				{Key: "voting.vote.cast", Description: "Cast votes"},
			},
			MemberPermissions: []string{"voting.poll.view", "voting.vote.cast"},
		},
		{
			Service: "portal",
			Permissions: []PermissionSeed{
				{Key: "portal.post.view", Description: "View posts"},
				{Key: "portal.post.create", Description: "Create posts"},
				{Key: "portal.post.moderate", Description: "Moderate posts"},
				{Key: "portal.community.view", Description: "View communities"},
				{Key: "portal.community.manage", Description: "Manage communities"},
			},
			MemberPermissions: []string{"portal.post.view", "portal.post.create", "portal.community.view"},
		},
		{
			Service: "activity",
			Permissions: []PermissionSeed{
				{Key: "activity.feed.view", Description: "View activity feeds"},
			},
			MemberPermissions: []string{"activity.feed.view"},
		},
		{
			Service: "gamification",
			Permissions: []PermissionSeed{
				{Key: "gamification.badge.view", Description: "View badges"},
				{Key: "gamification.badge.award", Description: "Award badges"},
			},
			MemberPermissions: []string{"gamification.badge.view"},
		},
		{
			Service: "events",
			Permissions: []PermissionSeed{
				{Key: "events.event.view", Description: "View events"},
				{Key: "events.event.create", Description: "Create events"},
				{Key: "events.event.manage", Description: "Manage any event"},
			},
			MemberPermissions: []string{"events.event.view", "events.event.create"},
		},
		{
			Service: "access",
			Permissions: []PermissionSeed{
				{Key: "access.role.view", Description: "View roles and bindings"},
				{Key: "access.role.manage", Description: "Create tenant roles and bindings"},
				{Key: "access.audit.view", Description: "View the tenant admin audit trail"},
			},
			MemberPermissions: []string{"access.role.view"},
		},
	}
}
