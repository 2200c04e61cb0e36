// Package audit records the append-only trail of administrative RBAC
// mutations. Events are never updated or deleted.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action identifies the administrative mutation.
type Action string

const (
	ActionRoleCreate    Action = "role.create"
	ActionBindingCreate Action = "binding.create"
	ActionBindingDelete Action = "binding.delete"
)

// TargetType identifies what the mutation touched.
type TargetType string

const (
	TargetRole    TargetType = "role"
	TargetBinding TargetType = "role_binding"
)

// Event is one entry in the tenant admin audit trail.
type Event struct {
	ID          uuid.UUID              `json:"id"`
	TenantID    uuid.UUID              `json:"tenant_id"`
	PerformedBy uuid.UUID              `json:"performed_by"`
	Action      Action                 `json:"action"`
	TargetType  TargetType             `json:"target_type"`
	TargetID    string                 `json:"target_id"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}
