package oidc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plazahq/plaza/pkg/observability"
)

// newTestProvider starts an httptest server with the public OIDC surface and
// an engine whose issuer matches the server URL, so discovery-driven clients
// can talk to it.
func newTestProvider(t *testing.T) (*httptest.Server, *Engine, *Store) {
	t.Helper()

	router := mux.NewRouter()
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	_, pemKey := testSigningKey(t)
	cfg := testOIDCConfig(pemKey)
	cfg.Issuer = server.URL

	signer, err := NewSigner(cfg)
	require.NoError(t, err)
	store := NewStore(setupTestDB(t))
	engine := NewEngine(store, signer, cfg, nil, nil, nil)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	NewHandlers(engine, signer, logger).RegisterPublicRoutes(router)
	return server, engine, store
}

// mintCode drives authorize+approve directly against the engine and returns
// the single-use code a relying party would receive on its redirect.
func mintCode(t *testing.T, engine *Engine, clientID string) string {
	t.Helper()
	ctx := context.Background()
	req, err := engine.Authorize(ctx, authorizeParams(clientID, nil))
	require.NoError(t, err)
	redirect, err := engine.Approve(ctx, req.ID, uuid.New(), false)
	require.NoError(t, err)
	code, _ := codeFromRedirect(t, redirect)
	return code
}

func TestDiscoveryDocument(t *testing.T) {
	server, _, _ := newTestProvider(t)

	resp, err := http.Get(server.URL + "/.well-known/openid-configuration")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc struct {
		Issuer             string   `json:"issuer"`
		TokenEndpoint      string   `json:"token_endpoint"`
		JWKSURI            string   `json:"jwks_uri"`
		ScopesSupported    []string `json:"scopes_supported"`
		ClaimsSupported    []string `json:"claims_supported"`
		ChallengeMethods   []string `json:"code_challenge_methods_supported"`
		ResponseTypes      []string `json:"response_types_supported"`
		GrantTypes         []string `json:"grant_types_supported"`
		IDTokenSigningAlgs []string `json:"id_token_signing_alg_values_supported"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))

	assert.Equal(t, server.URL, doc.Issuer)
	assert.Equal(t, server.URL+"/oauth/token", doc.TokenEndpoint)
	assert.Equal(t, server.URL+"/.well-known/jwks.json", doc.JWKSURI)
	assert.Equal(t, SupportedScopes(), doc.ScopesSupported)
	assert.Equal(t, SupportedClaims(), doc.ClaimsSupported)
	assert.Equal(t, []string{"plain", "S256"}, doc.ChallengeMethods)
	assert.Equal(t, []string{"code"}, doc.ResponseTypes)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, doc.GrantTypes)
	assert.Equal(t, []string{"RS256"}, doc.IDTokenSigningAlgs)
}

// TestRelyingPartyVerifiesIDToken runs a real discovery-based client against
// the provider: fetch the discovery document, exchange a code over HTTP, and
// verify the issued ID token against the published JWKS.
func TestRelyingPartyVerifiesIDToken(t *testing.T) {
	server, engine, store := newTestProvider(t)
	ctx := context.Background()
	createTestClient(t, store, "web-app", true, "")
	code := mintCode(t, engine, "web-app")

	resp, err := http.PostForm(server.URL+"/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {testVerifier},
		"client_id":     {"web-app"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no-cache", resp.Header.Get("Pragma"))

	var tokens TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokens))
	require.NotEmpty(t, tokens.IDToken)

	provider, err := gooidc.NewProvider(ctx, server.URL)
	require.NoError(t, err)
	verifier := provider.Verifier(&gooidc.Config{ClientID: "web-app"})

	idToken, err := verifier.Verify(ctx, tokens.IDToken)
	require.NoError(t, err)
	assert.Equal(t, server.URL, idToken.Issuer)

	var claims struct {
		Nonce    string `json:"nonce"`
		TenantID string `json:"tenant_id"`
	}
	require.NoError(t, idToken.Claims(&claims))
	assert.Equal(t, "n-0S6_WzA2Mj", claims.Nonce)
	assert.NotEmpty(t, claims.TenantID)
}

func TestTokenEndpointBasicAuth(t *testing.T) {
	server, engine, store := newTestProvider(t)
	createTestClient(t, store, "backend-app", false, "s3cret")
	code := mintCode(t, engine, "backend-app")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {testVerifier},
	}
	req, err := http.NewRequest("POST", server.URL+"/oauth/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("backend-app", "s3cret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tokens TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokens))
	assert.NotEmpty(t, tokens.AccessToken)
}

func TestTokenEndpointErrorShape(t *testing.T) {
	server, _, store := newTestProvider(t)
	createTestClient(t, store, "web-app", true, "")

	resp, err := http.PostForm(server.URL+"/oauth/token", url.Values{
		"grant_type": {"authorization_code"},
		"code":       {"plz_ac_bogus"},
		"client_id":  {"web-app"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var wire struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wire))
	assert.Equal(t, "invalid_grant", wire.Error)
	assert.NotEmpty(t, wire.Description)
}

func TestUserInfoEndpoint(t *testing.T) {
	server, engine, store := newTestProvider(t)
	createTestClient(t, store, "web-app", true, "")
	tokens := issueTokens(t, engine, "web-app", "")

	req, _ := http.NewRequest("GET", server.URL+"/oauth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var claims map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claims))
	assert.NotEmpty(t, claims["sub"])

	// no bearer at all
	resp, err = http.Get(server.URL + "/oauth/userinfo")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
}

func TestRevokeEndpointAlwaysSucceeds(t *testing.T) {
	server, engine, store := newTestProvider(t)
	createTestClient(t, store, "web-app", true, "")
	tokens := issueTokens(t, engine, "web-app", "")

	for _, token := range []string{tokens.AccessToken, tokens.AccessToken, "plz_at_unknown", ""} {
		resp, err := http.PostForm(server.URL+"/oauth/revoke", url.Values{"token": {token}})
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, "token %q", token)
	}

	// the revoked access token is dead at userinfo
	req, _ := http.NewRequest("GET", server.URL+"/oauth/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
