package session

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/plazahq/plaza/pkg/httputil"
	"github.com/plazahq/plaza/pkg/middleware"
	"github.com/plazahq/plaza/pkg/observability"
)

// Handlers serves session lifecycle and token exchange endpoints.
type Handlers struct {
	issuer    *Issuer
	tokenAuth *TokenAuth
	logger    *observability.Logger
}

// NewHandlers creates the session handlers
func NewHandlers(issuer *Issuer, tokenAuth *TokenAuth, logger *observability.Logger) *Handlers {
	return &Handlers{issuer: issuer, tokenAuth: tokenAuth, logger: logger}
}

// RegisterRoutes registers session routes. The router already carries the
// internal-call guard and the session token middleware.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/sessions", h.createSession).Methods("POST")
	router.HandleFunc("/v1/sessions/tokens", h.issuePair).Methods("POST")
	router.HandleFunc("/v1/sessions/refresh", h.refreshPair).Methods("POST")
	router.HandleFunc("/v1/sessions/current", h.logout).Methods("DELETE")
}

// noStore marks a token-carrying response uncacheable. Every response that
// contains a credential must pass through here.
func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
}

// createSession handles POST /v1/sessions: opens a session for the
// authenticated internal caller and mints its opaque bearer token. The token
// appears both in the X-Session-Token response header and in
// meta.session_token, with identical values.
func (h *Handlers) createSession(w http.ResponseWriter, r *http.Request) {
	ic := middleware.GetInternalContext(r)
	if ic == nil {
		httputil.WriteAPIError(w, r, httputil.Unauthorized("X-User-Id header is required"))
		return
	}

	var req struct {
		AuthMethod string `json:"auth_method"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.AuthMethod == "" {
		req.AuthMethod = "password"
	}

	sess, err := h.issuer.CreateSession(r.Context(), ic.TenantID, ic.UserID, req.AuthMethod)
	if err != nil {
		h.logger.WithError(err).Error("failed to create session")
		httputil.WriteAPIError(w, r, httputil.ServerError("failed to create session"))
		return
	}

	token, err := h.issuer.IssueSessionToken(r.Context(), sess)
	if err != nil {
		h.logger.WithError(err).Error("failed to issue session token")
		httputil.WriteAPIError(w, r, httputil.ServerError("failed to issue session token"))
		return
	}

	noStore(w)
	w.Header().Set(HeaderSessionToken, token)
	httputil.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"session": sess,
		"meta":    map[string]string{"session_token": token},
	})
}

// issuePair handles POST /v1/sessions/tokens: exchanges the presented
// session for an access/refresh bearer pair.
func (h *Handlers) issuePair(w http.ResponseWriter, r *http.Request) {
	sess := FromRequest(r)
	if sess == nil {
		httputil.WriteAPIError(w, r, httputil.Unauthorized("X-Session-Token header is required"))
		return
	}

	pair, err := h.issuer.IssuePairForSession(r.Context(), sess)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}

	noStore(w)
	httputil.WriteSuccess(w, pair)
}

// refreshPair handles POST /v1/sessions/refresh: rotates a refresh token.
func (h *Handlers) refreshPair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		httputil.WriteAPIError(w, r, httputil.ValidationError(map[string][]string{
			"refresh_token": {"is required"},
		}))
		return
	}

	pair, err := h.issuer.RefreshPair(r.Context(), req.RefreshToken)
	if err != nil {
		httputil.WriteAPIError(w, r, err)
		return
	}

	noStore(w)
	httputil.WriteSuccess(w, pair)
}

// logout handles DELETE /v1/sessions/current: revokes the presented session
// and every credential issued from it.
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	sess := FromRequest(r)
	if sess == nil {
		httputil.WriteAPIError(w, r, httputil.Unauthorized("X-Session-Token header is required"))
		return
	}

	if err := h.issuer.Logout(r.Context(), sess); err != nil {
		h.logger.WithError(err).Error("failed to revoke session")
		httputil.WriteAPIError(w, r, httputil.ServerError("failed to revoke session"))
		return
	}
	if raw := r.Header.Get(HeaderSessionToken); raw != "" {
		h.tokenAuth.Invalidate(raw)
	}

	httputil.WriteNoContent(w)
}
