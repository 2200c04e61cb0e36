package requestctx

import (
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plazahq/plaza/pkg/config"
	"github.com/plazahq/plaza/pkg/httputil"
	"github.com/plazahq/plaza/pkg/internalauth"
)

func strictEnv() config.Environment {
	return config.Environment{DevAuthMode: false}
}

func devEnv() config.Environment {
	return config.Environment{
		DevAuthMode:       true,
		DefaultTenantID:   "00000000-0000-0000-0000-000000000001",
		DefaultTenantSlug: "dev",
	}
}

func TestRequireRequestIDStrict(t *testing.T) {
	res := NewResolver(strictEnv(), nil)
	r := httptest.NewRequest("GET", "/v1/roles", nil)

	_, err := res.RequireRequestID(r)
	require.Error(t, err)
	apiErr := httputil.AsError(err)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, httputil.CodeMissingRequestID, apiErr.Code)
}

func TestRequireRequestIDDevSynthesizes(t *testing.T) {
	res := NewResolver(devEnv(), nil)
	r := httptest.NewRequest("GET", "/v1/roles", nil)

	requestID, err := res.RequireRequestID(r)
	require.NoError(t, err)
	_, parseErr := uuid.Parse(requestID)
	assert.NoError(t, parseErr)
}

func TestRequireContextMissingTenantStrict(t *testing.T) {
	res := NewResolver(strictEnv(), nil)
	r := httptest.NewRequest("GET", "/v1/roles", nil)
	r.Header.Set(internalauth.HeaderRequestID, "req-1")

	_, err := res.RequireContext(r)
	require.Error(t, err)
	assert.Equal(t, httputil.CodeMissingTenant, httputil.AsError(err).Code)
}

func TestRequireContextInvalidTenantIDStrict(t *testing.T) {
	res := NewResolver(strictEnv(), nil)
	r := httptest.NewRequest("GET", "/v1/roles", nil)
	r.Header.Set(internalauth.HeaderRequestID, "req-1")
	r.Header.Set(HeaderTenantID, "not-a-uuid")
	r.Header.Set(HeaderTenantSlug, "acme")

	_, err := res.RequireContext(r)
	require.Error(t, err)
	assert.Equal(t, httputil.CodeInvalidTenantID, httputil.AsError(err).Code)
}

func TestRequireContextDevDefaults(t *testing.T) {
	res := NewResolver(devEnv(), nil)
	r := httptest.NewRequest("GET", "/v1/roles", nil)

	rc, err := res.RequireContext(r)
	require.NoError(t, err)
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", rc.TenantID.String())
	assert.Equal(t, "dev", rc.TenantSlug)
}

func TestRequireContextHappyPath(t *testing.T) {
	tenantID := uuid.New()
	res := NewResolver(strictEnv(), nil)
	r := httptest.NewRequest("GET", "/v1/roles", nil)
	r.Header.Set(internalauth.HeaderRequestID, "req-1")
	r.Header.Set(HeaderTenantID, tenantID.String())
	r.Header.Set(HeaderTenantSlug, "acme")

	rc, err := res.RequireContext(r)
	require.NoError(t, err)
	assert.Equal(t, "req-1", rc.RequestID)
	assert.Equal(t, tenantID, rc.TenantID)
	assert.Equal(t, "acme", rc.TenantSlug)
}

func TestRequireInternalContext(t *testing.T) {
	tenantID := uuid.New()
	userID := uuid.New()
	res := NewResolver(strictEnv(), nil)

	r := httptest.NewRequest("GET", "/v1/roles", nil)
	r.Header.Set(internalauth.HeaderRequestID, "req-1")
	r.Header.Set(HeaderTenantID, tenantID.String())
	r.Header.Set(HeaderTenantSlug, "acme")

	// user header missing: 401
	_, err := res.RequireInternalContext(r)
	require.Error(t, err)
	assert.Equal(t, 401, httputil.AsError(err).Status)

	// user header malformed: 400 INVALID_USER_ID
	r.Header.Set(HeaderUserID, "nope")
	_, err = res.RequireInternalContext(r)
	require.Error(t, err)
	assert.Equal(t, httputil.CodeInvalidUserID, httputil.AsError(err).Code)

	r.Header.Set(HeaderUserID, userID.String())
	r.Header.Set(HeaderMasterFlags, `{"system_admin": true, "suspended": false}`)
	ic, err := res.RequireInternalContext(r)
	require.NoError(t, err)
	assert.Equal(t, userID, ic.UserID)
	assert.True(t, ic.HasFlag(FlagSystemAdmin))
	assert.False(t, ic.HasFlag(FlagSuspended))
}

func TestMasterFlagsMalformedDefaultsEmpty(t *testing.T) {
	tenantID := uuid.New()
	res := NewResolver(strictEnv(), nil)

	r := httptest.NewRequest("GET", "/v1/roles", nil)
	r.Header.Set(internalauth.HeaderRequestID, "req-1")
	r.Header.Set(HeaderTenantID, tenantID.String())
	r.Header.Set(HeaderTenantSlug, "acme")
	r.Header.Set(HeaderUserID, uuid.NewString())
	r.Header.Set(HeaderMasterFlags, `{not json`)

	ic, err := res.RequireInternalContext(r)
	require.NoError(t, err)
	assert.Empty(t, ic.MasterFlags)
	assert.False(t, ic.HasFlag(FlagBanned))
}

func TestHasFlagTruthiness(t *testing.T) {
	ic := &InternalContext{MasterFlags: map[string]interface{}{
		"banned":    true,
		"suspended": false,
		"count":     float64(0),
		"level":     float64(2),
		"note":      "",
		"label":     "x",
		"nothing":   nil,
	}}

	assert.True(t, ic.HasFlag("banned"))
	assert.False(t, ic.HasFlag("suspended"))
	assert.False(t, ic.HasFlag("count"))
	assert.True(t, ic.HasFlag("level"))
	assert.False(t, ic.HasFlag("note"))
	assert.True(t, ic.HasFlag("label"))
	assert.False(t, ic.HasFlag("nothing"))
	assert.False(t, ic.HasFlag("absent"))
}
