package oidc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/plazahq/plaza/pkg/config"
	"github.com/plazahq/plaza/pkg/observability"
)

// Opaque token prefixes.
const (
	AccessTokenPrefix = "plz_at_"
	RefreshPrefix     = "plz_ort_"
	CodePrefix        = "plz_ac_"
)

// OAuthError is an RFC 6749 wire error.
type OAuthError struct {
	Status      int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func invalidRequest(desc string) *OAuthError {
	return &OAuthError{Status: http.StatusBadRequest, Code: "invalid_request", Description: desc}
}

func invalidClient(desc string) *OAuthError {
	return &OAuthError{Status: http.StatusUnauthorized, Code: "invalid_client", Description: desc}
}

func invalidGrant(desc string) *OAuthError {
	return &OAuthError{Status: http.StatusBadRequest, Code: "invalid_grant", Description: desc}
}

func invalidScope(desc string) *OAuthError {
	return &OAuthError{Status: http.StatusBadRequest, Code: "invalid_scope", Description: desc}
}

func unsupportedGrantType(desc string) *OAuthError {
	return &OAuthError{Status: http.StatusBadRequest, Code: "unsupported_grant_type", Description: desc}
}

// ProfileProvider supplies the claim values unlocked by profile-bearing
// scopes. The engine only knows user ids; whoever owns user records
// implements this.
type ProfileProvider interface {
	Claims(ctx context.Context, tenantID, userID uuid.UUID, scopes []string) (map[string]interface{}, error)
}

// nullProfileProvider yields no claims beyond the registered ones.
type nullProfileProvider struct{}

func (nullProfileProvider) Claims(context.Context, uuid.UUID, uuid.UUID, []string) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

// Engine drives the authorization-code flow.
type Engine struct {
	store    *Store
	signer   *Signer
	cfg      config.OIDCConfig
	profiles ProfileProvider
	metrics  *observability.Metrics
	logger   *observability.Logger
	now      func() time.Time
}

// NewEngine creates the flow engine. profiles and metrics may be nil.
func NewEngine(store *Store, signer *Signer, cfg config.OIDCConfig, profiles ProfileProvider, metrics *observability.Metrics, logger *observability.Logger) *Engine {
	if profiles == nil {
		profiles = nullProfileProvider{}
	}
	return &Engine{
		store:    store,
		signer:   signer,
		cfg:      cfg,
		profiles: profiles,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the engine clock for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) issued(kind string) {
	if e.metrics != nil {
		e.metrics.TokensIssuedTotal.WithLabelValues("oidc_" + kind).Inc()
	}
}

func (e *Engine) tokenRevoked(kind string) {
	if e.metrics != nil {
		e.metrics.TokensRevokedTotal.WithLabelValues("oidc_" + kind).Inc()
	}
}

// AuthorizeParams are the validated-at-the-door /authorize inputs.
type AuthorizeParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	TenantID            uuid.UUID
	UserID              *uuid.UUID
}

// Authorize validates an incoming authorization request and persists it
// pending approval. Consent is marked skippable when a remembered Consent
// row covers the client and every requested scope.
func (e *Engine) Authorize(ctx context.Context, p AuthorizeParams) (*AuthorizationRequest, error) {
	client, err := e.store.GetClientByClientID(ctx, p.ClientID)
	if errors.Is(err, ErrClientNotFound) {
		return nil, invalidClient("unknown client_id")
	}
	if err != nil {
		return nil, err
	}

	if p.ResponseType != "code" {
		return nil, invalidRequest("response_type must be code")
	}
	if !client.AllowsRedirectURI(p.RedirectURI) {
		return nil, invalidRequest("redirect_uri is not registered for this client")
	}

	scopes := SplitScopes(p.Scope)
	if len(scopes) == 0 {
		return nil, invalidScope("scope is required")
	}
	for _, scope := range scopes {
		if _, known := ScopeClaims[scope]; !known {
			return nil, invalidScope("unknown scope: " + scope)
		}
		if !client.AllowsScope(scope) {
			return nil, invalidScope("client may not request scope: " + scope)
		}
	}

	method := p.CodeChallengeMethod
	if p.CodeChallenge != "" && method == "" {
		method = ChallengeMethodPlain
	}
	if method != "" && method != ChallengeMethodPlain && method != ChallengeMethodS256 {
		return nil, invalidRequest("code_challenge_method must be plain or S256")
	}
	// public clients have no secret; PKCE is their only proof of possession
	if client.Public && p.CodeChallenge == "" {
		return nil, invalidRequest("code_challenge is required for public clients")
	}

	consentRequired := true
	if p.UserID != nil {
		consent, err := e.store.GetConsent(ctx, p.TenantID, *p.UserID, client.ClientID)
		if err == nil && consent.Covers(scopes) {
			consentRequired = false
		} else if err != nil && !errors.Is(err, ErrConsentNotFound) {
			return nil, err
		}
	}

	req := &AuthorizationRequest{
		ClientID:            client.ClientID,
		TenantID:            p.TenantID,
		UserID:              p.UserID,
		RedirectURI:         p.RedirectURI,
		Scopes:              scopes,
		State:               p.State,
		Nonce:               p.Nonce,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: method,
		ConsentRequired:     consentRequired,
		ExpiresAt:           e.now().Add(e.cfg.AuthRequestTTL),
	}
	if err := e.store.CreateAuthRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Approve consumes an authorization request on behalf of the authenticated
// user and issues its single-use code. Returns the redirect URL carrying
// code and state. remember persists a Consent row so the next flow for the
// same client+scopes skips the consent screen.
func (e *Engine) Approve(ctx context.Context, requestID, userID uuid.UUID, remember bool) (string, error) {
	req, err := e.store.GetAuthRequest(ctx, requestID)
	if errors.Is(err, ErrRequestNotFound) {
		return "", invalidGrant("authorization request not found")
	}
	if err != nil {
		return "", err
	}

	now := e.now()
	if now.After(req.ExpiresAt) {
		return "", invalidGrant("authorization request has expired")
	}
	if err := e.store.ApproveAuthRequest(ctx, req.ID, userID, now); err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return "", invalidGrant("authorization request was already approved or has expired")
		}
		return "", err
	}

	rawCode, err := newOpaque(CodePrefix)
	if err != nil {
		return "", err
	}
	code := &AuthorizationCode{
		CodeHash:            hashValue(rawCode),
		RequestID:           req.ID,
		ClientID:            req.ClientID,
		TenantID:            req.TenantID,
		UserID:              userID,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scopes,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           now.Add(e.cfg.CodeTTL),
	}
	if err := e.store.InsertCode(ctx, code); err != nil {
		return "", err
	}
	e.issued("code")

	if remember {
		consent := &Consent{
			TenantID: req.TenantID,
			UserID:   userID,
			ClientID: req.ClientID,
			Scopes:   req.Scopes,
		}
		if err := e.store.UpsertConsent(ctx, consent); err != nil {
			return "", err
		}
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		return "", invalidRequest("redirect_uri is malformed")
	}
	query := redirect.Query()
	query.Set("code", rawCode)
	if req.State != "" {
		query.Set("state", req.State)
	}
	redirect.RawQuery = query.Encode()
	return redirect.String(), nil
}

// TokenResponse is the /token success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope"`
}

// ExchangeParams are the /token inputs.
type ExchangeParams struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// Exchange handles the /token grant types.
func (e *Engine) Exchange(ctx context.Context, p ExchangeParams) (*TokenResponse, error) {
	client, err := e.authenticateClient(ctx, p.ClientID, p.ClientSecret)
	if err != nil {
		return nil, err
	}

	switch p.GrantType {
	case "authorization_code":
		return e.exchangeCode(ctx, client, p)
	case "refresh_token":
		return e.refreshGrant(ctx, client, p)
	default:
		return nil, unsupportedGrantType("grant_type must be authorization_code or refresh_token")
	}
}

func (e *Engine) exchangeCode(ctx context.Context, client *Client, p ExchangeParams) (*TokenResponse, error) {
	if p.Code == "" {
		return nil, invalidRequest("code is required")
	}

	now := e.now()
	code, err := e.store.ConsumeCode(ctx, hashValue(p.Code), now)
	if errors.Is(err, ErrCodeInvalid) {
		return nil, invalidGrant("authorization code is invalid, used or expired")
	}
	if err != nil {
		return nil, err
	}

	// the code is burned at this point regardless of what follows; a failed
	// exchange never makes it reusable
	if code.ClientID != client.ClientID {
		return nil, invalidGrant("authorization code was issued to a different client")
	}
	if code.RedirectURI != p.RedirectURI {
		return nil, invalidGrant("redirect_uri does not match the authorization request")
	}
	if err := verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, p.CodeVerifier); err != nil {
		return nil, err
	}

	return e.mintTokens(ctx, client, code.TenantID, code.UserID, code.Scopes, code.Nonce, now)
}

func (e *Engine) refreshGrant(ctx context.Context, client *Client, p ExchangeParams) (*TokenResponse, error) {
	if p.RefreshToken == "" {
		return nil, invalidRequest("refresh_token is required")
	}

	now := e.now()
	old, err := e.store.RotateRefreshToken(ctx, hashValue(p.RefreshToken), now)
	if errors.Is(err, ErrTokenNotFound) {
		return nil, invalidGrant("refresh token is invalid, expired or revoked")
	}
	if err != nil {
		return nil, err
	}
	if old.ClientID != client.ClientID {
		return nil, invalidGrant("refresh token was issued to a different client")
	}
	e.tokenRevoked("refresh")

	// rotation: the old token was atomically revoked above, the new pair
	// replaces it; a replayed old token now fails the conditional update
	return e.mintTokens(ctx, client, old.TenantID, old.UserID, old.Scopes, "", now)
}

func (e *Engine) mintTokens(ctx context.Context, client *Client, tenantID, userID uuid.UUID, scopes []string, nonce string, now time.Time) (*TokenResponse, error) {
	accessRaw, err := newOpaque(AccessTokenPrefix)
	if err != nil {
		return nil, err
	}
	access := &Token{
		TokenHash: hashValue(accessRaw),
		Kind:      TokenKindAccess,
		ClientID:  client.ClientID,
		TenantID:  tenantID,
		UserID:    userID,
		Scopes:    scopes,
		ExpiresAt: now.Add(e.cfg.AccessTokenTTL),
	}
	if err := e.store.InsertToken(ctx, access); err != nil {
		return nil, err
	}
	e.issued("access")

	refreshRaw, err := newOpaque(RefreshPrefix)
	if err != nil {
		return nil, err
	}
	refresh := &Token{
		TokenHash: hashValue(refreshRaw),
		Kind:      TokenKindRefresh,
		ClientID:  client.ClientID,
		TenantID:  tenantID,
		UserID:    userID,
		Scopes:    scopes,
		ExpiresAt: now.Add(e.cfg.RefreshTokenTTL),
	}
	if err := e.store.InsertToken(ctx, refresh); err != nil {
		return nil, err
	}
	e.issued("refresh")

	resp := &TokenResponse{
		AccessToken:  accessRaw,
		TokenType:    "Bearer",
		ExpiresIn:    int64(e.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: refreshRaw,
		Scope:        JoinScopes(scopes),
	}

	if containsScope(scopes, "openid") {
		profile, err := e.claimsFor(ctx, tenantID, userID, scopes)
		if err != nil {
			return nil, err
		}
		idToken, err := e.signer.SignIDToken(tenantID, userID, client.ClientID, nonce, profile, now, e.cfg.AccessTokenTTL)
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
		e.issued("id")
	}
	return resp, nil
}

// Revoke marks a token revoked. Idempotent per RFC 7009: unknown and
// already-revoked tokens both succeed.
func (e *Engine) Revoke(ctx context.Context, raw string) error {
	if raw == "" {
		return nil
	}
	if err := e.store.RevokeToken(ctx, hashValue(raw), e.now()); err != nil {
		return err
	}
	e.tokenRevoked("any")
	return nil
}

// UserInfo resolves an access token to its claim set.
func (e *Engine) UserInfo(ctx context.Context, rawAccess string) (map[string]interface{}, error) {
	token, err := e.store.GetTokenByHash(ctx, hashValue(rawAccess))
	if errors.Is(err, ErrTokenNotFound) {
		return nil, invalidClient("access token is invalid")
	}
	if err != nil {
		return nil, err
	}
	if token.Kind != TokenKindAccess || !token.Active(e.now()) {
		return nil, invalidClient("access token is invalid, expired or revoked")
	}
	return e.claimsFor(ctx, token.TenantID, token.UserID, token.Scopes)
}

func (e *Engine) claimsFor(ctx context.Context, tenantID, userID uuid.UUID, scopes []string) (map[string]interface{}, error) {
	claims, err := e.profiles.Claims(ctx, tenantID, userID, scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile claims: %w", err)
	}
	if claims == nil {
		claims = map[string]interface{}{}
	}
	claims["sub"] = userID.String()
	if containsScope(scopes, "tenant") {
		claims["tenant_id"] = tenantID.String()
	}
	return claims, nil
}

func (e *Engine) authenticateClient(ctx context.Context, clientID, clientSecret string) (*Client, error) {
	if clientID == "" {
		return nil, invalidClient("client_id is required")
	}
	client, err := e.store.GetClientByClientID(ctx, clientID)
	if errors.Is(err, ErrClientNotFound) {
		return nil, invalidClient("unknown client_id")
	}
	if err != nil {
		return nil, err
	}

	if client.Public {
		return client, nil
	}
	if clientSecret == "" {
		return nil, invalidClient("client_secret is required")
	}
	provided := hashValue(clientSecret)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(client.SecretHash)) != 1 {
		return nil, invalidClient("client authentication failed")
	}
	return client, nil
}

// verifyPKCE checks the code verifier against the stored challenge.
// Any mismatch, including a missing verifier when a challenge was recorded,
// fails with invalid_grant.
func verifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return invalidGrant("code_verifier is required")
	}
	switch method {
	case ChallengeMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
			return invalidGrant("code_verifier does not match the challenge")
		}
	case ChallengeMethodPlain:
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return invalidGrant("code_verifier does not match the challenge")
		}
	default:
		return invalidGrant("unsupported code_challenge_method")
	}
	return nil
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func newOpaque(prefix string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashSecret returns the at-rest form of a client secret or token.
func HashSecret(raw string) string {
	return hashValue(raw)
}

func hashValue(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
