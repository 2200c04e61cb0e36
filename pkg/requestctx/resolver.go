package requestctx

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/plazahq/plaza/pkg/config"
	"github.com/plazahq/plaza/pkg/httputil"
	"github.com/plazahq/plaza/pkg/internalauth"
	"github.com/plazahq/plaza/pkg/observability"
)

// Resolver extracts typed request contexts from headers. All dev-mode
// permissiveness flows from the injected Environment; there is no other
// place that decides to be lenient.
type Resolver struct {
	env     config.Environment
	metrics *observability.Metrics
}

// NewResolver creates a resolver. metrics may be nil in tests.
func NewResolver(env config.Environment, metrics *observability.Metrics) *Resolver {
	return &Resolver{env: env, metrics: metrics}
}

func (res *Resolver) bypass(name string) {
	if res.metrics != nil {
		res.metrics.DevModeBypassTotal.WithLabelValues(name).Inc()
	}
}

// RequireRequestID returns the request id header, or synthesizes one in dev
// auth mode. Missing id outside dev mode is a 400 MISSING_REQUEST_ID.
func (res *Resolver) RequireRequestID(r *http.Request) (string, error) {
	requestID := r.Header.Get(internalauth.HeaderRequestID)
	if requestID != "" {
		return requestID, nil
	}
	if res.env.DevAuthMode {
		// local-development escape hatch, never enabled in production
		res.bypass("synthesized_request_id")
		return uuid.NewString(), nil
	}
	return "", httputil.BadRequest(httputil.CodeMissingRequestID, "X-Request-Id header is required")
}

// RequireContext resolves request id and tenant headers into a RequestContext.
func (res *Resolver) RequireContext(r *http.Request) (*RequestContext, error) {
	requestID, err := res.RequireRequestID(r)
	if err != nil {
		return nil, err
	}

	tenantHeader := r.Header.Get(HeaderTenantID)
	tenantSlug := r.Header.Get(HeaderTenantSlug)

	if tenantHeader == "" || tenantSlug == "" {
		if !res.env.DevAuthMode {
			return nil, httputil.BadRequest(httputil.CodeMissingTenant, "X-Tenant-Id and X-Tenant-Slug headers are required")
		}
		res.bypass("default_tenant")
		if tenantHeader == "" {
			tenantHeader = res.env.DefaultTenantID
		}
		if tenantSlug == "" {
			tenantSlug = res.env.DefaultTenantSlug
		}
	}

	tenantID, err := uuid.Parse(tenantHeader)
	if err != nil {
		if !res.env.DevAuthMode {
			return nil, httputil.BadRequest(httputil.CodeInvalidTenantID, "X-Tenant-Id must be a UUID")
		}
		// dev mode tolerates non-UUID tenant ids for smoother local testing
		res.bypass("tolerant_tenant_id")
		tenantID, err = uuid.Parse(res.env.DefaultTenantID)
		if err != nil {
			return nil, httputil.ServerError("default tenant id is not a UUID")
		}
	}

	return &RequestContext{
		RequestID:  requestID,
		TenantID:   tenantID,
		TenantSlug: tenantSlug,
	}, nil
}

// RequireInternalContext resolves RequireContext plus the acting user and
// master flags. Used by every handler that makes access decisions.
func (res *Resolver) RequireInternalContext(r *http.Request) (*InternalContext, error) {
	rc, err := res.RequireContext(r)
	if err != nil {
		return nil, err
	}

	userHeader := r.Header.Get(HeaderUserID)
	if userHeader == "" {
		return nil, httputil.Unauthorized("X-User-Id header is required")
	}
	userID, err := uuid.Parse(userHeader)
	if err != nil {
		return nil, httputil.BadRequest(httputil.CodeInvalidUserID, "X-User-Id must be a UUID")
	}

	return &InternalContext{
		RequestContext: *rc,
		UserID:         userID,
		MasterFlags:    parseMasterFlagsOrEmpty(r.Header.Get(HeaderMasterFlags)),
	}, nil
}
