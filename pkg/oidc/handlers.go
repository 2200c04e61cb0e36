package oidc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/plazahq/plaza/pkg/httputil"
	"github.com/plazahq/plaza/pkg/middleware"
	"github.com/plazahq/plaza/pkg/observability"
)

// Handlers serves the OIDC provider endpoints. The authorize/approve pair is
// internal (called by the BFF on behalf of a logged-in user); token, userinfo,
// revoke and the discovery documents face relying parties directly.
type Handlers struct {
	engine *Engine
	signer *Signer
	logger *observability.Logger
}

// NewHandlers creates the OIDC handlers
func NewHandlers(engine *Engine, signer *Signer, logger *observability.Logger) *Handlers {
	return &Handlers{engine: engine, signer: signer, logger: logger}
}

// RegisterInternalRoutes mounts the flow-preparation endpoints on the
// internal (signature-guarded) router.
func (h *Handlers) RegisterInternalRoutes(router *mux.Router) {
	router.HandleFunc("/v1/oauth/authorize", h.authorize).Methods("POST")
	router.HandleFunc("/v1/oauth/authorize/{request_id}/approve", h.approve).Methods("POST")
}

// RegisterPublicRoutes mounts the relying-party-facing endpoints.
func (h *Handlers) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/oauth/token", h.token).Methods("POST")
	router.HandleFunc("/oauth/userinfo", h.userInfo).Methods("GET")
	router.HandleFunc("/oauth/revoke", h.revoke).Methods("POST")
	router.HandleFunc("/.well-known/openid-configuration", h.discovery).Methods("GET")
	router.HandleFunc("/.well-known/jwks.json", h.jwks).Methods("GET")
}

func writeOAuthError(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		oauthErr = &OAuthError{Status: http.StatusInternalServerError, Code: "server_error"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(oauthErr.Status)
	json.NewEncoder(w).Encode(oauthErr)
}

// authorize handles POST /v1/oauth/authorize: validates the relying party's
// request and persists it pending approval.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request) {
	ic := middleware.GetInternalContext(r)
	if ic == nil {
		httputil.WriteAPIError(w, r, httputil.Unauthorized("X-User-Id header is required"))
		return
	}

	var req struct {
		ClientID            string `json:"client_id"`
		RedirectURI         string `json:"redirect_uri"`
		ResponseType        string `json:"response_type"`
		Scope               string `json:"scope"`
		State               string `json:"state"`
		Nonce               string `json:"nonce"`
		CodeChallenge       string `json:"code_challenge"`
		CodeChallengeMethod string `json:"code_challenge_method"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	userID := ic.UserID
	authReq, err := h.engine.Authorize(r.Context(), AuthorizeParams{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		ResponseType:        req.ResponseType,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		TenantID:            ic.TenantID,
		UserID:              &userID,
	})
	if err != nil {
		h.writeFlowError(w, r, err)
		return
	}

	httputil.WriteCreated(w, authReq)
}

// approve handles POST /v1/oauth/authorize/{request_id}/approve: consumes
// the pending request and returns the redirect URL carrying the code.
func (h *Handlers) approve(w http.ResponseWriter, r *http.Request) {
	ic := middleware.GetInternalContext(r)
	if ic == nil {
		httputil.WriteAPIError(w, r, httputil.Unauthorized("X-User-Id header is required"))
		return
	}

	requestIDStr, ok := httputil.ParsePathStringOrError(w, r, "request_id")
	if !ok {
		return
	}
	requestID, err := uuid.Parse(requestIDStr)
	if err != nil {
		httputil.WriteAPIError(w, r, httputil.ValidationError(map[string][]string{
			"request_id": {"must be a UUID"},
		}))
		return
	}

	var req struct {
		Remember bool `json:"remember"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	redirectTo, err := h.engine.Approve(r.Context(), requestID, ic.UserID, req.Remember)
	if err != nil {
		h.writeFlowError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteSuccess(w, map[string]string{"redirect_to": redirectTo})
}

// token handles POST /oauth/token for both grant types. Client credentials
// are accepted as HTTP Basic or form parameters.
func (h *Handlers) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, invalidRequest("request body must be form-encoded"))
		return
	}

	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = basicID, basicSecret
	}

	resp, err := h.engine.Exchange(r.Context(), ExchangeParams{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
	})
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	httputil.WriteSuccess(w, resp)
}

// userInfo handles GET /oauth/userinfo with a Bearer access token.
func (h *Handlers) userInfo(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		w.Header().Set("WWW-Authenticate", `Bearer realm="plaza"`)
		writeOAuthError(w, invalidClient("bearer access token is required"))
		return
	}

	claims, err := h.engine.UserInfo(r.Context(), strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	httputil.WriteSuccess(w, claims)
}

// revoke handles POST /oauth/revoke. Always 200 on well-formed requests,
// including unknown tokens, per RFC 7009.
func (h *Handlers) revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, invalidRequest("request body must be form-encoded"))
		return
	}

	if err := h.engine.Revoke(r.Context(), r.PostFormValue("token")); err != nil {
		h.logger.WithError(err).Error("failed to revoke token")
		writeOAuthError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{})
}

// discovery handles GET /.well-known/openid-configuration. Static render of
// configuration; claims_supported is the union of every scope's claims.
func (h *Handlers) discovery(w http.ResponseWriter, r *http.Request) {
	issuer := h.signer.Issuer()
	httputil.WriteSuccess(w, map[string]interface{}{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"userinfo_endpoint":                     issuer + "/oauth/userinfo",
		"revocation_endpoint":                   issuer + "/oauth/revoke",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      SupportedScopes(),
		"claims_supported":                      SupportedClaims(),
		"code_challenge_methods_supported":      []string{ChallengeMethodPlain, ChallengeMethodS256},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
	})
}

// jwks handles GET /.well-known/jwks.json
func (h *Handlers) jwks(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.signer.KeySet())
}

// writeFlowError renders engine errors on the internal surface: OAuth wire
// errors keep their shape so the BFF can relay them; everything else goes
// through the platform envelope.
func (h *Handlers) writeFlowError(w http.ResponseWriter, r *http.Request, err error) {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		writeOAuthError(w, oauthErr)
		return
	}
	h.logger.WithError(err).Error("authorization flow failed")
	httputil.WriteAPIError(w, r, httputil.ServerError("authorization flow failed"))
}
