// Package access provides the thin client every service embeds to ask the
// central access service for authorization decisions.
//
// The client short-circuits on master flags (suspended/banned deny,
// system_admin allow) without any network call, then consults the decision
// cache, and only then calls the access service's check endpoint. Transport
// failures always fail closed: an unreachable access service is a 502
// ACCESS_UNAVAILABLE denial, never an allow.
package access

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/plazahq/plaza/pkg/config"
	"github.com/plazahq/plaza/pkg/httputil"
	"github.com/plazahq/plaza/pkg/internalauth"
	"github.com/plazahq/plaza/pkg/observability"
	"github.com/plazahq/plaza/pkg/requestctx"
)

// CheckTimeout bounds the outbound check call. On timeout the check fails
// closed; the calling request is never blocked longer than this.
const CheckTimeout = 5 * time.Second

// CheckPath is the access service's decision endpoint.
const CheckPath = "/v1/access/check"

// CheckRequest is the wire shape of a decision request.
type CheckRequest struct {
	RequestID   string `json:"request_id"`
	TenantID    string `json:"tenant_id"`
	ActorUserID string `json:"actor_user_id"`
	Permission  string `json:"permission"`
	ScopeType   string `json:"scope_type"`
	ScopeID     string `json:"scope_id,omitempty"`
}

// CheckResponse is the wire shape of a decision response.
type CheckResponse struct {
	Allowed bool `json:"allowed"`
}

// Client asks the access service whether an action is allowed.
type Client struct {
	env        config.Environment
	httpClient *http.Client
	signer     *internalauth.Signer
	cache      *DecisionCache
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// NewClient creates an access decision client. cache and metrics may be nil.
func NewClient(env config.Environment, cache *DecisionCache, metrics *observability.Metrics, logger *observability.Logger) *Client {
	return &Client{
		env:        env,
		httpClient: &http.Client{Timeout: CheckTimeout},
		signer:     internalauth.NewSigner(env.InternalSecret),
		cache:      cache,
		metrics:    metrics,
		logger:     logger,
	}
}

func (c *Client) record(outcome, source string) {
	if c.metrics != nil {
		c.metrics.AccessChecksTotal.WithLabelValues(outcome, source).Inc()
	}
}

// Check returns nil when the acting user may perform permission at the given
// scope, and a domain error otherwise.
func (c *Client) Check(ctx context.Context, ic *requestctx.InternalContext, permission, scopeType, scopeID string) error {
	// account-status short circuits, no outbound call and never cached
	if ic.HasFlag(requestctx.FlagSuspended) || ic.HasFlag(requestctx.FlagBanned) {
		c.record("deny", "master_flags")
		return httputil.Forbidden(httputil.CodeAccountInactive, "account is suspended or banned")
	}
	if ic.HasFlag(requestctx.FlagSystemAdmin) {
		c.record("allow", "master_flags")
		return nil
	}

	if c.env.AccessServiceURL == "" {
		if c.env.AllowAllWithoutAccessService {
			// dev/test toggle only; production config validation forbids it
			if c.metrics != nil {
				c.metrics.DevModeBypassTotal.WithLabelValues("allow_all_access").Inc()
			}
			c.record("allow", "no_service")
			return nil
		}
		c.record("deny", "no_service")
		return httputil.Forbidden(httputil.CodeAccessDenied, "access service is not configured").
			WithDetail("permission", permission)
	}

	key := cacheKey(ic.TenantID.String(), ic.UserID.String(), permission, scopeType, scopeID)
	if c.cache != nil {
		if allowed, ok := c.cache.Get(ctx, key); ok {
			c.record(outcomeLabel(allowed), "cache")
			return c.decision(allowed, permission)
		}
	}

	allowed, cacheable, err := c.remoteCheck(ctx, ic, permission, scopeType, scopeID)
	if err != nil {
		c.record("unavailable", "remote")
		return err
	}

	if c.cache != nil && cacheable {
		c.cache.Set(ctx, key, allowed)
	}
	c.record(outcomeLabel(allowed), "remote")
	return c.decision(allowed, permission)
}

func (c *Client) decision(allowed bool, permission string) error {
	if allowed {
		return nil
	}
	return httputil.Forbidden(httputil.CodeAccessDenied, "permission denied").
		WithDetail("permission", permission)
}

func outcomeLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

// remoteCheck posts the decision request to the access service. Any
// transport-level failure is returned as ACCESS_UNAVAILABLE (fail closed).
// cacheable is false for decisions that are not genuine remote verdicts.
func (c *Client) remoteCheck(ctx context.Context, ic *requestctx.InternalContext, permission, scopeType, scopeID string) (allowed, cacheable bool, err error) {
	start := time.Now()
	body, err := json.Marshal(CheckRequest{
		RequestID:   ic.RequestID,
		TenantID:    ic.TenantID.String(),
		ActorUserID: ic.UserID.String(),
		Permission:  permission,
		ScopeType:   scopeType,
		ScopeID:     scopeID,
	})
	if err != nil {
		return false, false, fmt.Errorf("failed to marshal check request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, CheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.env.AccessServiceURL+CheckPath, bytes.NewReader(body))
	if err != nil {
		return false, false, fmt.Errorf("failed to build check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.signer.SignRequest(req, body, ic.RequestID)
	req.Header.Set(requestctx.HeaderTenantID, ic.TenantID.String())
	req.Header.Set(requestctx.HeaderTenantSlug, ic.TenantSlug)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.logger != nil {
			c.logger.WithError(err).WithField("request_id", ic.RequestID).Warn("access service unreachable, failing closed")
		}
		return false, false, httputil.AccessUnavailable("access service unreachable")
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.AccessCheckDuration.WithLabelValues("remote").Observe(time.Since(start).Seconds())
	}

	if resp.StatusCode != http.StatusOK {
		return false, false, httputil.AccessUnavailable(fmt.Sprintf("access service returned status %d", resp.StatusCode))
	}

	var decoded CheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		// malformed response is a deny, not an outage, and is never cached
		return false, false, nil
	}
	return decoded.Allowed, true, nil
}
