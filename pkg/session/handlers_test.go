package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plazahq/plaza/pkg/contextkeys"
	"github.com/plazahq/plaza/pkg/observability"
	"github.com/plazahq/plaza/pkg/requestctx"
)

func newTestHandlers(t *testing.T) (*Handlers, *Issuer, *TokenAuth) {
	t.Helper()
	store := NewStore(setupTestDB(t))
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	issuer := NewIssuer(store, testSessionConfig(), nil, logger)
	tokenAuth, err := NewTokenAuth(store, nil, logger)
	require.NoError(t, err)
	return NewHandlers(issuer, tokenAuth, logger), issuer, tokenAuth
}

func newTestRouter(h *Handlers, tokenAuth *TokenAuth) *mux.Router {
	router := mux.NewRouter()
	router.Use(tokenAuth.Middleware)
	h.RegisterRoutes(router)
	return router
}

func internalRequest(method, path string, body []byte, tenantID, userID uuid.UUID) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	ic := &requestctx.InternalContext{
		RequestContext: requestctx.RequestContext{
			RequestID: uuid.NewString(),
			TenantID:  tenantID,
		},
		UserID: userID,
	}
	return req.WithContext(contextkeys.WithInternal(req.Context(), ic))
}

func TestCreateSessionReturnsTokenTwice(t *testing.T) {
	h, _, tokenAuth := newTestHandlers(t)
	router := newTestRouter(h, tokenAuth)

	tenantID := uuid.New()
	userID := uuid.New()
	req := internalRequest("POST", "/v1/sessions", []byte(`{"auth_method":"password"}`), tenantID, userID)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	headerToken := rec.Header().Get(HeaderSessionToken)
	require.True(t, hasPrefix(headerToken, SessionTokenPrefix))

	var resp struct {
		Session Session           `json:"session"`
		Meta    map[string]string `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, headerToken, resp.Meta["session_token"], "header and body must carry the same token")
	assert.Equal(t, tenantID, resp.Session.TenantID)
	assert.Equal(t, userID, resp.Session.UserID)
	assert.Equal(t, []string{"password"}, resp.Session.AuthMethods)
}

func TestCreateSessionRequiresInternalContext(t *testing.T) {
	h, _, tokenAuth := newTestHandlers(t)
	router := newTestRouter(h, tokenAuth)

	req := httptest.NewRequest("POST", "/v1/sessions", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func createSessionToken(t *testing.T, issuer *Issuer) (*Session, string) {
	t.Helper()
	sess, err := issuer.CreateSession(context.Background(), uuid.New(), uuid.New(), "password")
	require.NoError(t, err)
	token, err := issuer.IssueSessionToken(context.Background(), sess)
	require.NoError(t, err)
	return sess, token
}

func TestIssuePairViaSessionToken(t *testing.T) {
	h, issuer, tokenAuth := newTestHandlers(t)
	router := newTestRouter(h, tokenAuth)
	sess, token := createSessionToken(t, issuer)

	req := httptest.NewRequest("POST", "/v1/sessions/tokens", nil)
	req.Header.Set(HeaderSessionToken, token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var pair TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.True(t, hasPrefix(pair.RefreshToken, RefreshTokenPrefix))

	claims, err := issuer.VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, sess.ID.String(), claims.SessionID)
}

func TestIssuePairWithoutTokenIs401(t *testing.T) {
	h, _, tokenAuth := newTestHandlers(t)
	router := newTestRouter(h, tokenAuth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/sessions/tokens", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRejectsUnknownToken(t *testing.T) {
	h, _, tokenAuth := newTestHandlers(t)
	router := newTestRouter(h, tokenAuth)

	req := httptest.NewRequest("POST", "/v1/sessions/tokens", nil)
	req.Header.Set(HeaderSessionToken, SessionTokenPrefix+"nope")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("POST", "/v1/sessions/tokens", nil)
	req.Header.Set(HeaderSessionToken, "wrong-prefix")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshEndpointRotates(t *testing.T) {
	h, issuer, tokenAuth := newTestHandlers(t)
	router := newTestRouter(h, tokenAuth)
	sess, err := issuer.CreateSession(context.Background(), uuid.New(), uuid.New(), "password")
	require.NoError(t, err)
	first, err := issuer.IssuePairForSession(context.Background(), sess)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"refresh_token": first.RefreshToken})
	req := httptest.NewRequest("POST", "/v1/sessions/refresh", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pair TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	assert.NotEqual(t, first.RefreshToken, pair.RefreshToken)

	// the consumed token is now dead
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/sessions/refresh", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshEndpointValidatesBody(t *testing.T) {
	h, _, tokenAuth := newTestHandlers(t)
	router := newTestRouter(h, tokenAuth)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/sessions/refresh", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogoutRevokesAndInvalidatesCache(t *testing.T) {
	h, issuer, tokenAuth := newTestHandlers(t)
	router := newTestRouter(h, tokenAuth)
	_, token := createSessionToken(t, issuer)

	// prime the verification cache
	req := httptest.NewRequest("POST", "/v1/sessions/tokens", nil)
	req.Header.Set(HeaderSessionToken, token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest("DELETE", "/v1/sessions/current", nil)
	req.Header.Set(HeaderSessionToken, token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// without cache invalidation the cached entry would still answer here
	req = httptest.NewRequest("POST", "/v1/sessions/tokens", nil)
	req.Header.Set(HeaderSessionToken, token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareSeedsAuthMethodForHeadlessSessions(t *testing.T) {
	h, issuer, tokenAuth := newTestHandlers(t)
	router := newTestRouter(h, tokenAuth)
	store := issuer.store

	sess := &Session{
		TenantID:    uuid.New(),
		UserID:      uuid.New(),
		AuthMethods: []string{},
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))
	token, err := issuer.IssueSessionToken(context.Background(), sess)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/v1/sessions/tokens", nil)
	req.Header.Set(HeaderSessionToken, token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{AuthMethodSessionToken}, got.AuthMethods)
}
