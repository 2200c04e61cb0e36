package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plazahq/plaza/pkg/access"
	"github.com/plazahq/plaza/pkg/config"
	"github.com/plazahq/plaza/pkg/internalauth"
	"github.com/plazahq/plaza/pkg/observability"
	"github.com/plazahq/plaza/pkg/requestctx"
)

const testSecret = "test-internal-secret"

func testChain(env config.Environment) *Chain {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	verifier := internalauth.NewVerifier(env.InternalSecret)
	resolver := requestctx.NewResolver(env, nil)
	return NewChain(env, verifier, resolver, nil, logger)
}

func strictEnv() config.Environment {
	return config.Environment{InternalSecret: testSecret}
}

// signedRequest builds a request carrying a valid internal signature and
// tenant headers.
func signedRequest(method, path string, body []byte, tenantID uuid.UUID) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(requestctx.HeaderTenantID, tenantID.String())
	req.Header.Set(requestctx.HeaderTenantSlug, "acme")
	internalauth.NewSigner(testSecret).SignRequest(req, body, uuid.NewString())
	return req
}

func echoContexts(t *testing.T, gotTenant **requestctx.RequestContext, gotInternal **requestctx.InternalContext) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotTenant = GetRequestContext(r)
		*gotInternal = GetInternalContext(r)
		w.WriteHeader(http.StatusOK)
	})
}

func TestInternalCallPopulatesContexts(t *testing.T) {
	chain := testChain(strictEnv())
	tenantID := uuid.New()
	userID := uuid.New()

	var rc *requestctx.RequestContext
	var ic *requestctx.InternalContext
	handler := chain.InternalCall(echoContexts(t, &rc, &ic))

	req := httptest.NewRequest("POST", "/v1/things", bytes.NewReader([]byte(`{}`)))
	req.Header.Set(requestctx.HeaderTenantID, tenantID.String())
	req.Header.Set(requestctx.HeaderTenantSlug, "acme")
	req.Header.Set(requestctx.HeaderUserID, userID.String())
	req.Header.Set(requestctx.HeaderMasterFlags, `{"system_admin":true}`)
	internalauth.NewSigner(testSecret).SignRequest(req, []byte(`{}`), uuid.NewString())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, rc)
	assert.Equal(t, tenantID, rc.TenantID)
	assert.Equal(t, "acme", rc.TenantSlug)
	assert.NotEmpty(t, rc.RequestID)
	require.NotNil(t, ic)
	assert.Equal(t, userID, ic.UserID)
	assert.True(t, ic.HasFlag(requestctx.FlagSystemAdmin))
}

func TestInternalCallWithoutUserHeader(t *testing.T) {
	chain := testChain(strictEnv())

	var rc *requestctx.RequestContext
	var ic *requestctx.InternalContext
	handler := chain.InternalCall(echoContexts(t, &rc, &ic))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest("GET", "/v1/things", nil, uuid.New()))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, rc)
	assert.Nil(t, ic, "no user header means no internal context")
}

func TestInternalCallRejectsUnsigned(t *testing.T) {
	chain := testChain(strictEnv())
	handler := chain.InternalCall(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest("GET", "/v1/things", nil)
	req.Header.Set(requestctx.HeaderTenantID, uuid.NewString())
	req.Header.Set(requestctx.HeaderTenantSlug, "acme")
	req.Header.Set(internalauth.HeaderRequestID, uuid.NewString())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInternalCallRejectsTamperedBody(t *testing.T) {
	chain := testChain(strictEnv())
	handler := chain.InternalCall(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := signedRequest("POST", "/v1/things", []byte(`{"a":1}`), uuid.New())
	req.Body = io.NopCloser(bytes.NewReader([]byte(`{"a":2}`)))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInternalCallDevModeAllowsUnsignedOnly(t *testing.T) {
	env := config.Environment{
		InternalSecret:    testSecret,
		DevAuthMode:       true,
		DefaultTenantID:   uuid.NewString(),
		DefaultTenantSlug: "dev",
	}
	chain := testChain(env)

	var rc *requestctx.RequestContext
	var ic *requestctx.InternalContext
	handler := chain.InternalCall(echoContexts(t, &rc, &ic))

	// unsigned, headerless request passes with synthesized context
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/things", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, rc)
	assert.Equal(t, env.DefaultTenantID, rc.TenantID.String())

	// a present-but-wrong signature still fails, even in dev mode
	req := httptest.NewRequest("GET", "/v1/things", nil)
	req.Header.Set(internalauth.HeaderRequestID, uuid.NewString())
	req.Header.Set(internalauth.HeaderTimestamp, "1")
	req.Header.Set(internalauth.HeaderSignature, "deadbeef")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireUser(t *testing.T) {
	chain := testChain(strictEnv())
	handler := chain.InternalCall(chain.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest("GET", "/v1/things", nil, uuid.New()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// accessService fakes the central decision endpoint.
func accessService(t *testing.T, allow bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, internalauth.NewVerifier(testSecret).Verify(r))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"allowed": allow})
	}))
}

func TestRequirePermission(t *testing.T) {
	for _, allow := range []bool{true, false} {
		server := accessService(t, allow)
		defer server.Close()

		env := strictEnv()
		env.AccessServiceURL = server.URL
		chain := testChain(env)
		client := access.NewClient(env, nil, nil, observability.NewLogger(observability.ErrorLevel, io.Discard))

		router := mux.NewRouter()
		router.Use(chain.InternalCall)
		guarded := router.PathPrefix("/v1/tenants/{tenant_id}").Subrouter()
		guarded.Use(chain.RequirePermission(client, "portal.post.moderate", "COMMUNITY", "tenant_id"))
		guarded.HandleFunc("/posts", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}).Methods("GET")

		tenantID := uuid.New()
		req := httptest.NewRequest("GET", "/v1/tenants/"+tenantID.String()+"/posts", nil)
		req.Header.Set(requestctx.HeaderTenantID, tenantID.String())
		req.Header.Set(requestctx.HeaderTenantSlug, "acme")
		req.Header.Set(requestctx.HeaderUserID, uuid.NewString())
		internalauth.NewSigner(testSecret).SignRequest(req, nil, uuid.NewString())

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if allow {
			assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		} else {
			assert.Equal(t, http.StatusForbidden, rec.Code)
		}
	}
}

func TestRequirePermissionWithoutUser(t *testing.T) {
	env := strictEnv()
	env.AllowAllWithoutAccessService = true
	chain := testChain(env)
	client := access.NewClient(env, nil, nil, observability.NewLogger(observability.ErrorLevel, io.Discard))

	router := mux.NewRouter()
	router.Use(chain.InternalCall)
	router.Use(chain.RequirePermission(client, "portal.post.view", "TENANT", ""))
	router.HandleFunc("/v1/posts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, signedRequest("GET", "/v1/posts", nil, uuid.New()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
