package access

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plazahq/plaza/pkg/config"
	"github.com/plazahq/plaza/pkg/httputil"
	"github.com/plazahq/plaza/pkg/internalauth"
	"github.com/plazahq/plaza/pkg/requestctx"
)

func testContext(flags map[string]interface{}) *requestctx.InternalContext {
	return &requestctx.InternalContext{
		RequestContext: requestctx.RequestContext{
			RequestID:  "req-1",
			TenantID:   uuid.New(),
			TenantSlug: "acme",
		},
		UserID:      uuid.New(),
		MasterFlags: flags,
	}
}

// accessStub serves /v1/access/check and counts calls.
type accessStub struct {
	server *httptest.Server
	calls  int64
}

func newAccessStub(t *testing.T, allowed bool) *accessStub {
	t.Helper()
	stub := &accessStub{}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&stub.calls, 1)
		// outbound calls must be signed
		if r.Header.Get(internalauth.HeaderSignature) == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(CheckResponse{Allowed: allowed})
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func TestCheckBannedShortCircuits(t *testing.T) {
	stub := newAccessStub(t, true)
	client := NewClient(config.Environment{
		InternalSecret:   "secret",
		AccessServiceURL: stub.server.URL,
	}, nil, nil, nil)

	ic := testContext(map[string]interface{}{"banned": true})
	err := client.Check(context.Background(), ic, "portal.post.view", "TENANT", "")

	require.Error(t, err)
	apiErr := httputil.AsError(err)
	assert.Equal(t, 403, apiErr.Status)
	assert.Equal(t, httputil.CodeAccountInactive, apiErr.Code)
	assert.Zero(t, atomic.LoadInt64(&stub.calls), "denied accounts must not reach the access service")
}

func TestCheckSystemAdminAllows(t *testing.T) {
	stub := newAccessStub(t, false)
	client := NewClient(config.Environment{
		InternalSecret:   "secret",
		AccessServiceURL: stub.server.URL,
	}, nil, nil, nil)

	ic := testContext(map[string]interface{}{"system_admin": true})
	assert.NoError(t, client.Check(context.Background(), ic, "portal.post.view", "TENANT", ""))
	assert.Zero(t, atomic.LoadInt64(&stub.calls))
}

func TestCheckNoServiceConfigured(t *testing.T) {
	t.Run("allow-all toggle set", func(t *testing.T) {
		client := NewClient(config.Environment{
			DevAuthMode:                  true,
			AllowAllWithoutAccessService: true,
		}, nil, nil, nil)
		assert.NoError(t, client.Check(context.Background(), testContext(nil), "portal.post.view", "TENANT", ""))
	})

	t.Run("toggle unset denies", func(t *testing.T) {
		client := NewClient(config.Environment{}, nil, nil, nil)
		err := client.Check(context.Background(), testContext(nil), "portal.post.view", "TENANT", "")
		require.Error(t, err)
		apiErr := httputil.AsError(err)
		assert.Equal(t, httputil.CodeAccessDenied, apiErr.Code)
		assert.Equal(t, "portal.post.view", apiErr.Details["permission"])
	})
}

func TestCheckRemoteAllowAndDeny(t *testing.T) {
	allowStub := newAccessStub(t, true)
	client := NewClient(config.Environment{
		InternalSecret:   "secret",
		AccessServiceURL: allowStub.server.URL,
	}, nil, nil, nil)
	assert.NoError(t, client.Check(context.Background(), testContext(nil), "portal.post.view", "TENANT", ""))

	denyStub := newAccessStub(t, false)
	client = NewClient(config.Environment{
		InternalSecret:   "secret",
		AccessServiceURL: denyStub.server.URL,
	}, nil, nil, nil)
	err := client.Check(context.Background(), testContext(nil), "portal.post.moderate", "COMMUNITY", "c-42")
	require.Error(t, err)
	apiErr := httputil.AsError(err)
	assert.Equal(t, 403, apiErr.Status)
	assert.Equal(t, httputil.CodeAccessDenied, apiErr.Code)
	assert.Equal(t, "portal.post.moderate", apiErr.Details["permission"])
}

func TestCheckTransportFailureFailsClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	client := NewClient(config.Environment{
		InternalSecret:   "secret",
		AccessServiceURL: server.URL,
	}, nil, nil, nil)

	err := client.Check(context.Background(), testContext(nil), "portal.post.view", "TENANT", "")
	require.Error(t, err)
	apiErr := httputil.AsError(err)
	assert.Equal(t, 502, apiErr.Status)
	assert.Equal(t, httputil.CodeAccessUnavailable, apiErr.Code)
}

func TestCheckUpstreamErrorStatusFailsClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	client := NewClient(config.Environment{
		InternalSecret:   "secret",
		AccessServiceURL: server.URL,
	}, nil, nil, nil)

	err := client.Check(context.Background(), testContext(nil), "portal.post.view", "TENANT", "")
	require.Error(t, err)
	assert.Equal(t, httputil.CodeAccessUnavailable, httputil.AsError(err).Code)
}

func TestCheckMalformedResponseIsDenyNotOutage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	t.Cleanup(server.Close)

	client := NewClient(config.Environment{
		InternalSecret:   "secret",
		AccessServiceURL: server.URL,
	}, nil, nil, nil)

	err := client.Check(context.Background(), testContext(nil), "portal.post.view", "TENANT", "")
	require.Error(t, err)
	assert.Equal(t, httputil.CodeAccessDenied, httputil.AsError(err).Code)
}

func TestCheckMalformedResponseIsNotCached(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.Write([]byte("{not json"))
			return
		}
		json.NewEncoder(w).Encode(CheckResponse{Allowed: true})
	}))
	t.Cleanup(server.Close)

	cache, err := NewDecisionCache(nil, nil)
	require.NoError(t, err)

	client := NewClient(config.Environment{
		InternalSecret:   "secret",
		AccessServiceURL: server.URL,
	}, cache, nil, nil)

	ic := testContext(nil)
	err = client.Check(context.Background(), ic, "portal.post.view", "TENANT", "")
	require.Error(t, err)
	assert.Equal(t, httputil.CodeAccessDenied, httputil.AsError(err).Code)

	// a recovered service must answer the next check; the garbage deny
	// would otherwise sit in the cache for the full TTL
	assert.NoError(t, client.Check(context.Background(), ic, "portal.post.view", "TENANT", ""))
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestCheckUsesDecisionCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	cache, err := NewDecisionCache(redisClient, nil)
	require.NoError(t, err)

	stub := newAccessStub(t, true)
	client := NewClient(config.Environment{
		InternalSecret:   "secret",
		AccessServiceURL: stub.server.URL,
	}, cache, nil, nil)

	ic := testContext(nil)
	require.NoError(t, client.Check(context.Background(), ic, "portal.post.view", "TENANT", ""))
	require.NoError(t, client.Check(context.Background(), ic, "portal.post.view", "TENANT", ""))
	assert.Equal(t, int64(1), atomic.LoadInt64(&stub.calls), "second check must come from the cache")

	// a different scope id is a different decision
	require.NoError(t, client.Check(context.Background(), ic, "portal.post.view", "COMMUNITY", "c-1"))
	assert.Equal(t, int64(2), atomic.LoadInt64(&stub.calls))
}

func TestDecisionCacheLocalFallback(t *testing.T) {
	cache, err := NewDecisionCache(nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	key := cacheKey("t", "u", "p", "TENANT", "")

	_, ok := cache.Get(ctx, key)
	assert.False(t, ok)

	cache.Set(ctx, key, false)
	allowed, ok := cache.Get(ctx, key)
	assert.True(t, ok)
	assert.False(t, allowed)
}
