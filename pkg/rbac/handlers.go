package rbac

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/plazahq/plaza/pkg/audit"
	"github.com/plazahq/plaza/pkg/httputil"
	"github.com/plazahq/plaza/pkg/middleware"
	"github.com/plazahq/plaza/pkg/observability"
	"github.com/plazahq/plaza/pkg/requestctx"
)

// Permission keys guarding the admin surface.
const (
	PermRoleView   = "access.role.view"
	PermRoleManage = "access.role.manage"
	PermAuditView  = "access.audit.view"
)

// Handlers serves the access service's HTTP surface: the internal decision
// endpoint plus the tenant administration endpoints.
type Handlers struct {
	store      *Store
	evaluator  *Evaluator
	auditStore *audit.Store
	logger     *observability.Logger
}

// NewHandlers creates the access service handlers
func NewHandlers(store *Store, evaluator *Evaluator, auditStore *audit.Store, logger *observability.Logger) *Handlers {
	return &Handlers{
		store:      store,
		evaluator:  evaluator,
		auditStore: auditStore,
		logger:     logger,
	}
}

// RegisterRoutes registers all access-service routes. The router is expected
// to already carry the internal-call guard middleware.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/access/check", h.check).Methods("POST")
	router.HandleFunc("/v1/access/permissions", h.listPermissions).Methods("GET")

	router.HandleFunc("/v1/tenants/{tenant_id}/roles", h.listRoles).Methods("GET")
	router.HandleFunc("/v1/tenants/{tenant_id}/roles", h.createRole).Methods("POST")
	router.HandleFunc("/v1/tenants/{tenant_id}/bindings", h.listBindings).Methods("GET")
	router.HandleFunc("/v1/tenants/{tenant_id}/bindings", h.createBinding).Methods("POST")
	router.HandleFunc("/v1/tenants/{tenant_id}/bindings/{binding_id:[0-9]+}", h.deleteBinding).Methods("DELETE")
	router.HandleFunc("/v1/tenants/{tenant_id}/audit-events", h.listAuditEvents).Methods("GET")
}

// checkRequest mirrors the decision wire contract.
type checkRequest struct {
	RequestID   string `json:"request_id"`
	TenantID    string `json:"tenant_id"`
	ActorUserID string `json:"actor_user_id"`
	Permission  string `json:"permission"`
	ScopeType   string `json:"scope_type"`
	ScopeID     string `json:"scope_id"`
}

// check handles POST /v1/access/check. The response is only ever
// {"allowed": true|false}; raw role data never leaves this service.
func (h *Handlers) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	fields := map[string][]string{}
	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		fields["tenant_id"] = []string{"must be a UUID"}
	}
	userID, err := uuid.Parse(req.ActorUserID)
	if err != nil {
		fields["actor_user_id"] = []string{"must be a UUID"}
	}
	if req.Permission == "" {
		fields["permission"] = []string{"is required"}
	}
	if !ValidScopeType(req.ScopeType) {
		fields["scope_type"] = []string{"must be one of GLOBAL, TENANT, COMMUNITY, TEAM, SERVICE"}
	}
	if len(fields) > 0 {
		httputil.WriteAPIError(w, r, httputil.ValidationError(fields))
		return
	}

	allowed, err := h.evaluator.Check(r.Context(), tenantID, userID, req.Permission, ScopeType(req.ScopeType), req.ScopeID)
	if err != nil {
		h.logger.WithError(err).WithField("request_id", req.RequestID).Error("permission evaluation failed")
		httputil.WriteAPIError(w, r, httputil.ServerError("permission evaluation failed"))
		return
	}

	httputil.WriteSuccess(w, map[string]bool{"allowed": allowed})
}

// listPermissions handles GET /v1/access/permissions
func (h *Handlers) listPermissions(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authorize(r, PermRoleView); err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}

	service := httputil.ParseQueryString(r, "service", "")
	perms, err := h.store.ListPermissions(r.Context(), service)
	if err != nil {
		httputil.WriteAPIError(w, r, httputil.ServerError("failed to list permissions"))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"permissions": perms})
}

// listRoles handles GET /v1/tenants/{tenant_id}/roles
func (h *Handlers) listRoles(w http.ResponseWriter, r *http.Request) {
	ic, err := h.authorizeTenant(r, PermRoleView)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}

	roles, err := h.store.ListRoles(r.Context(), ic.TenantID)
	if err != nil {
		httputil.WriteAPIError(w, r, httputil.ServerError("failed to list roles"))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"roles": roles})
}

// createRole handles POST /v1/tenants/{tenant_id}/roles. The role is
// tenant-scoped and owns exactly the permission keys named in the request.
func (h *Handlers) createRole(w http.ResponseWriter, r *http.Request) {
	ic, err := h.authorizeTenant(r, PermRoleManage)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}

	var req struct {
		Service     string   `json:"service"`
		Name        string   `json:"name"`
		Permissions []string `json:"permissions"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	fields := map[string][]string{}
	if req.Service == "" {
		fields["service"] = []string{"is required"}
	}
	if req.Name == "" {
		fields["name"] = []string{"is required"}
	}
	if len(fields) > 0 {
		httputil.WriteAPIError(w, r, httputil.ValidationError(fields))
		return
	}

	permissionIDs := make([]int64, 0, len(req.Permissions))
	for _, key := range req.Permissions {
		perm, err := h.store.GetPermissionByKey(r.Context(), key)
		if err != nil {
			httputil.WriteAPIError(w, r, httputil.ValidationError(map[string][]string{
				"permissions": {"unknown permission key: " + key},
			}))
			return
		}
		permissionIDs = append(permissionIDs, perm.ID)
	}

	tenantID := ic.TenantID
	role, err := h.store.EnsureRole(r.Context(), &tenantID, req.Service, req.Name, false)
	if err != nil {
		httputil.WriteAPIError(w, r, httputil.ServerError("failed to create role"))
		return
	}
	if err := h.store.SyncRolePermissions(r.Context(), role.ID, permissionIDs); err != nil {
		httputil.WriteAPIError(w, r, httputil.ServerError("failed to set role permissions"))
		return
	}

	h.appendAudit(r, ic, audit.ActionRoleCreate, audit.TargetRole, role.Name, map[string]interface{}{
		"service":     role.Service,
		"permissions": req.Permissions,
	})

	httputil.WriteCreated(w, role)
}

// listBindings handles GET /v1/tenants/{tenant_id}/bindings
func (h *Handlers) listBindings(w http.ResponseWriter, r *http.Request) {
	ic, err := h.authorizeTenant(r, PermRoleView)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}

	bindings, err := h.store.ListBindings(r.Context(), ic.TenantID)
	if err != nil {
		httputil.WriteAPIError(w, r, httputil.ServerError("failed to list bindings"))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"bindings": bindings})
}

// createBinding handles POST /v1/tenants/{tenant_id}/bindings
func (h *Handlers) createBinding(w http.ResponseWriter, r *http.Request) {
	ic, err := h.authorizeTenant(r, PermRoleManage)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}

	var req struct {
		UserID    string `json:"user_id"`
		ScopeType string `json:"scope_type"`
		ScopeID   string `json:"scope_id"`
		RoleID    int64  `json:"role_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	fields := map[string][]string{}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		fields["user_id"] = []string{"must be a UUID"}
	}
	if !ValidScopeType(req.ScopeType) {
		fields["scope_type"] = []string{"must be one of GLOBAL, TENANT, COMMUNITY, TEAM, SERVICE"}
	}
	if req.RoleID == 0 {
		fields["role_id"] = []string{"is required"}
	}
	if len(fields) > 0 {
		httputil.WriteAPIError(w, r, httputil.ValidationError(fields))
		return
	}

	// the bound role must exist and be visible to this tenant
	role, err := h.store.GetRole(r.Context(), req.RoleID)
	if err != nil {
		httputil.WriteAPIError(w, r, httputil.NotFound("role not found"))
		return
	}
	if role.TenantID != nil && *role.TenantID != ic.TenantID {
		httputil.WriteAPIError(w, r, httputil.NotFound("role not found"))
		return
	}

	grantedBy := ic.UserID
	binding := &RoleBinding{
		TenantID:  ic.TenantID,
		UserID:    userID,
		ScopeType: ScopeType(req.ScopeType),
		ScopeID:   req.ScopeID,
		RoleID:    req.RoleID,
		GrantedBy: &grantedBy,
	}
	if err := h.store.CreateBinding(r.Context(), binding); err != nil {
		httputil.WriteAPIError(w, r, httputil.ServerError("failed to create binding"))
		return
	}

	h.appendAudit(r, ic, audit.ActionBindingCreate, audit.TargetBinding, role.Name, map[string]interface{}{
		"user_id":    req.UserID,
		"scope_type": req.ScopeType,
		"scope_id":   req.ScopeID,
		"role_id":    req.RoleID,
	})

	httputil.WriteCreated(w, binding)
}

// deleteBinding handles DELETE /v1/tenants/{tenant_id}/bindings/{binding_id}
func (h *Handlers) deleteBinding(w http.ResponseWriter, r *http.Request) {
	ic, err := h.authorizeTenant(r, PermRoleManage)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}

	bindingIDStr, ok := httputil.ParsePathStringOrError(w, r, "binding_id")
	if !ok {
		return
	}
	bindingID, err := strconv.ParseInt(bindingIDStr, 10, 64)
	if err != nil {
		httputil.WriteAPIError(w, r, httputil.ValidationError(map[string][]string{"binding_id": {"must be an integer"}}))
		return
	}

	binding, err := h.store.GetBinding(r.Context(), ic.TenantID, bindingID)
	if err != nil {
		httputil.WriteAPIError(w, r, httputil.NotFound("binding not found"))
		return
	}
	if err := h.store.DeleteBinding(r.Context(), ic.TenantID, bindingID); err != nil {
		httputil.WriteAPIError(w, r, httputil.ServerError("failed to delete binding"))
		return
	}

	h.appendAudit(r, ic, audit.ActionBindingDelete, audit.TargetBinding, bindingIDStr, map[string]interface{}{
		"user_id":    binding.UserID.String(),
		"scope_type": string(binding.ScopeType),
		"role_id":    binding.RoleID,
	})

	httputil.WriteNoContent(w)
}

// listAuditEvents handles GET /v1/tenants/{tenant_id}/audit-events
func (h *Handlers) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	ic, err := h.authorizeTenant(r, PermAuditView)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}

	limit, err := httputil.ParseQueryInt(r, "limit", 100)
	if err != nil {
		httputil.WriteAPIError(w, r, httputil.ValidationError(map[string][]string{"limit": {"must be an integer"}}))
		return
	}

	events, err := h.auditStore.ListByTenant(r.Context(), ic.TenantID, limit)
	if err != nil {
		httputil.WriteAPIError(w, r, httputil.ServerError("failed to list audit events"))
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"events": events})
}

// authorize pulls the internal context and evaluates the permission locally.
// Inside the access service the evaluator is consulted directly instead of
// the HTTP decision client; the semantics match the client's short circuits.
func (h *Handlers) authorize(r *http.Request, permission string) (*requestctx.InternalContext, error) {
	ic := middleware.GetInternalContext(r)
	if ic == nil {
		return nil, httputil.Unauthorized("internal context is required")
	}

	if ic.HasFlag(requestctx.FlagSuspended) || ic.HasFlag(requestctx.FlagBanned) {
		return nil, httputil.Forbidden(httputil.CodeAccountInactive, "account is suspended or banned")
	}
	if ic.HasFlag(requestctx.FlagSystemAdmin) {
		return ic, nil
	}

	allowed, err := h.evaluator.Check(r.Context(), ic.TenantID, ic.UserID, permission, ScopeTenant, "")
	if err != nil {
		return nil, httputil.ServerError("permission evaluation failed")
	}
	if !allowed {
		return nil, httputil.Forbidden(httputil.CodeAccessDenied, "permission denied").
			WithDetail("permission", permission)
	}
	return ic, nil
}

// authorizeTenant additionally checks the tenant path segment against the
// caller's tenant context.
func (h *Handlers) authorizeTenant(r *http.Request, permission string) (*requestctx.InternalContext, error) {
	ic, err := h.authorize(r, permission)
	if err != nil {
		return nil, err
	}

	pathTenant := mux.Vars(r)["tenant_id"]
	if pathTenant != "" && pathTenant != ic.TenantID.String() {
		return nil, httputil.Forbidden(httputil.CodeAccessDenied, "tenant mismatch")
	}
	return ic, nil
}

func (h *Handlers) appendAudit(r *http.Request, ic *requestctx.InternalContext, action audit.Action, targetType audit.TargetType, targetID string, metadata map[string]interface{}) {
	event := &audit.Event{
		TenantID:    ic.TenantID,
		PerformedBy: ic.UserID,
		Action:      action,
		TargetType:  targetType,
		TargetID:    targetID,
		Metadata:    metadata,
	}
	if err := h.auditStore.Append(r.Context(), event); err != nil {
		// the mutation already committed; losing the audit row is logged, not fatal
		h.logger.WithError(err).WithField("request_id", ic.RequestID).Error("failed to append audit event")
	}
}
