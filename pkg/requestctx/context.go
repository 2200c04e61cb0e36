// Package requestctx resolves the per-request tenant/user context from the
// headers attached by the BFF to every internal call.
package requestctx

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Header names consumed by the resolver.
const (
	HeaderTenantID    = "X-Tenant-Id"
	HeaderTenantSlug  = "X-Tenant-Slug"
	HeaderUserID      = "X-User-Id"
	HeaderMasterFlags = "X-Master-Flags"
)

// RequestContext is the tenant-scoped identity of an inbound request.
// Constructed once per request from headers, never persisted.
type RequestContext struct {
	RequestID  string    `json:"request_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	TenantSlug string    `json:"tenant_slug"`
}

// InternalContext extends RequestContext with the acting user and the
// account-status flags forwarded by the session authority.
type InternalContext struct {
	RequestContext
	UserID      uuid.UUID              `json:"user_id"`
	MasterFlags map[string]interface{} `json:"master_flags"`
}

// Master flag keys consulted by authorization short-circuits.
const (
	FlagSuspended   = "suspended"
	FlagBanned      = "banned"
	FlagSystemAdmin = "system_admin"
)

// HasFlag reports whether the named master flag is present and truthy.
// A flag set to false, 0, "" or null counts as absent.
func (ic *InternalContext) HasFlag(name string) bool {
	v, ok := ic.MasterFlags[name]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case nil:
		return false
	default:
		return true
	}
}

// parseMasterFlagsOrEmpty decodes the X-Master-Flags JSON object.
//
// Malformed or non-object JSON yields the named empty default rather than an
// error: the header is advisory account state, not a security boundary, and
// the call was already authenticated by the signature verifier.
func parseMasterFlagsOrEmpty(header string) map[string]interface{} {
	empty := map[string]interface{}{}
	if header == "" {
		return empty
	}
	var flags map[string]interface{}
	if err := json.Unmarshal([]byte(header), &flags); err != nil || flags == nil {
		return empty
	}
	return flags
}
