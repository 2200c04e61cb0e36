// Package middleware provides the HTTP middleware chain shared by every
// internal service surface: signature verification, context resolution and
// permission enforcement.
package middleware

import (
	"net/http"

	"github.com/plazahq/plaza/pkg/config"
	"github.com/plazahq/plaza/pkg/contextkeys"
	"github.com/plazahq/plaza/pkg/httputil"
	"github.com/plazahq/plaza/pkg/internalauth"
	"github.com/plazahq/plaza/pkg/observability"
	"github.com/plazahq/plaza/pkg/requestctx"
)

// Chain carries the pieces every internal route shares.
type Chain struct {
	env      config.Environment
	verifier *internalauth.Verifier
	resolver *requestctx.Resolver
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// NewChain creates the middleware chain. metrics may be nil in tests.
func NewChain(env config.Environment, verifier *internalauth.Verifier, resolver *requestctx.Resolver, metrics *observability.Metrics, logger *observability.Logger) *Chain {
	return &Chain{
		env:      env,
		verifier: verifier,
		resolver: resolver,
		metrics:  metrics,
		logger:   logger,
	}
}

// InternalCall authenticates an internal service-to-service request and
// resolves its tenant context. The chain is strict in order: signature first,
// then request id, then tenant headers. User identity is resolved lazily so
// that endpoints without an acting user still pass.
func (c *Chain) InternalCall(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := c.verifySignature(r); err != nil {
			apiErr := httputil.AsError(err)
			if c.metrics != nil {
				c.metrics.SignatureFailuresTotal.WithLabelValues(apiErr.Code).Inc()
			}
			c.logger.WithContext(r.Context()).WithField("path", r.URL.Path).LogStatus(apiErr.Status, "internal call rejected: "+apiErr.Message)
			httputil.WriteAPIError(w, r, err)
			return
		}

		rc, err := c.resolver.RequireContext(r)
		if err != nil {
			httputil.WriteAPIError(w, r, err)
			return
		}

		ctx := contextkeys.WithRequestID(r.Context(), rc.RequestID)
		ctx = contextkeys.WithTenant(ctx, rc)

		// user headers are optional on the wire; when present they must parse
		if r.Header.Get(requestctx.HeaderUserID) != "" {
			ic, err := c.resolver.RequireInternalContext(r)
			if err != nil {
				httputil.WriteAPIError(w, r, err)
				return
			}
			ctx = contextkeys.WithInternal(ctx, ic)
			ctx = contextkeys.WithUserID(ctx, ic.UserID.String())
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireUser rejects requests whose internal context carries no acting user.
// Mount after InternalCall on endpoints that make per-user decisions.
func (c *Chain) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetInternalContext(r) == nil {
			httputil.WriteAPIError(w, r, httputil.Unauthorized("X-User-Id header is required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Chain) verifySignature(r *http.Request) error {
	err := c.verifier.Verify(r)
	if err == nil {
		return nil
	}
	// local development may run without the signing BFF in front
	if c.env.DevAuthMode && r.Header.Get(internalauth.HeaderSignature) == "" {
		if c.metrics != nil {
			c.metrics.DevModeBypassTotal.WithLabelValues("unsigned_internal_call").Inc()
		}
		return nil
	}
	return err
}

// GetRequestContext returns the tenant context stashed by InternalCall, or
// nil when the middleware did not run.
func GetRequestContext(r *http.Request) *requestctx.RequestContext {
	rc, _ := r.Context().Value(contextkeys.TenantKey).(*requestctx.RequestContext)
	return rc
}

// GetInternalContext returns the user-bearing context stashed by
// InternalCall, or nil when the request carried no user headers.
func GetInternalContext(r *http.Request) *requestctx.InternalContext {
	ic, _ := r.Context().Value(contextkeys.InternalKey).(*requestctx.InternalContext)
	return ic
}
