package session

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plazahq/plaza/pkg/config"
	"github.com/plazahq/plaza/pkg/httputil"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE sessions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			auth_methods TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL,
			last_seen_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			revoked_at TIMESTAMP
		);

		CREATE TABLE session_tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			revoked_at TIMESTAMP
		);

		CREATE TABLE refresh_tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			token_hash TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			consumed_at TIMESTAMP,
			revoked_at TIMESTAMP
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create test tables: %v", err)
	}

	return db
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		SigningSecret: "test-signing-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    24 * time.Hour,
		SessionTTL:    7 * 24 * time.Hour,
	}
}

func newTestIssuer(t *testing.T) (*Issuer, *Store) {
	t.Helper()
	store := NewStore(setupTestDB(t))
	return NewIssuer(store, testSessionConfig(), nil, nil), store
}

func TestSessionTokenRoundTrip(t *testing.T) {
	issuer, store := newTestIssuer(t)
	ctx := context.Background()

	sess, err := issuer.CreateSession(ctx, uuid.New(), uuid.New(), "password")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, sess.ID)
	assert.Equal(t, []string{"password"}, sess.AuthMethods)

	raw, err := issuer.IssueSessionToken(ctx, sess)
	require.NoError(t, err)
	assert.True(t, hasPrefix(raw, SessionTokenPrefix))

	resolved, err := store.LookupSessionToken(ctx, HashToken(raw), time.Now())
	require.NoError(t, err)
	assert.Equal(t, sess.ID, resolved.ID)
	assert.Equal(t, sess.UserID, resolved.UserID)

	// the raw token is never persisted
	var count int
	require.NoError(t, store.db.QueryRow(
		`SELECT COUNT(*) FROM session_tokens WHERE token_hash = $1`, raw).Scan(&count))
	assert.Zero(t, count)
}

func TestIssuePairCarriesSessionClaims(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	ctx := context.Background()

	tenantID := uuid.New()
	userID := uuid.New()
	sess, err := issuer.CreateSession(ctx, tenantID, userID, "password")
	require.NoError(t, err)

	pair, err := issuer.IssuePairForSession(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, int64(900), pair.ExpiresIn)
	assert.True(t, hasPrefix(pair.RefreshToken, RefreshTokenPrefix))

	claims, err := issuer.VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, tenantID.String(), claims.TenantID)
	assert.Equal(t, sess.ID.String(), claims.SessionID)
	assert.Equal(t, userID.String(), claims.Subject)
	assert.NotEmpty(t, claims.ID)
}

func TestVerifyAccessTokenRejectsExpired(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	ctx := context.Background()

	sess, err := issuer.CreateSession(ctx, uuid.New(), uuid.New(), "password")
	require.NoError(t, err)

	pair, err := issuer.IssuePairForSession(ctx, sess)
	require.NoError(t, err)

	issuer.WithClock(func() time.Time { return time.Now().Add(16 * time.Minute) })
	_, err = issuer.VerifyAccessToken(pair.AccessToken)
	require.Error(t, err)
	apiErr, ok := err.(*httputil.Error)
	require.True(t, ok)
	assert.Equal(t, 401, apiErr.Status)
}

func TestVerifyAccessTokenRejectsWrongSecret(t *testing.T) {
	issuer, store := newTestIssuer(t)
	ctx := context.Background()

	sess, err := issuer.CreateSession(ctx, uuid.New(), uuid.New(), "password")
	require.NoError(t, err)
	pair, err := issuer.IssuePairForSession(ctx, sess)
	require.NoError(t, err)

	other := testSessionConfig()
	other.SigningSecret = "someone-else"
	_, err = NewIssuer(store, other, nil, nil).VerifyAccessToken(pair.AccessToken)
	assert.Error(t, err)
}

func TestIssuePairRequiresConfiguredSecret(t *testing.T) {
	store := NewStore(setupTestDB(t))
	cfg := testSessionConfig()
	cfg.SigningSecret = ""
	issuer := NewIssuer(store, cfg, nil, nil)
	ctx := context.Background()

	sess, err := issuer.CreateSession(ctx, uuid.New(), uuid.New(), "password")
	require.NoError(t, err)

	_, err = issuer.IssuePairForSession(ctx, sess)
	require.Error(t, err)
	apiErr, ok := err.(*httputil.Error)
	require.True(t, ok)
	assert.Equal(t, 500, apiErr.Status)
}

func TestRefreshPairRotates(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	ctx := context.Background()

	sess, err := issuer.CreateSession(ctx, uuid.New(), uuid.New(), "password")
	require.NoError(t, err)
	first, err := issuer.IssuePairForSession(ctx, sess)
	require.NoError(t, err)

	second, err := issuer.RefreshPair(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	claims, err := issuer.VerifyAccessToken(second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, sess.ID.String(), claims.SessionID)

	// replaying the consumed token fails, the new one still works
	_, err = issuer.RefreshPair(ctx, first.RefreshToken)
	require.Error(t, err)
	apiErr, ok := err.(*httputil.Error)
	require.True(t, ok)
	assert.Equal(t, 401, apiErr.Status)

	_, err = issuer.RefreshPair(ctx, second.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshPairRejectsGarbage(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	ctx := context.Background()

	for _, raw := range []string{"", "plz_sess_not-a-refresh", RefreshTokenPrefix + "unknown"} {
		_, err := issuer.RefreshPair(ctx, raw)
		require.Error(t, err, "token %q", raw)
		apiErr, ok := err.(*httputil.Error)
		require.True(t, ok)
		assert.Equal(t, 401, apiErr.Status)
	}
}

func TestLogoutRevokesEverything(t *testing.T) {
	issuer, store := newTestIssuer(t)
	ctx := context.Background()

	sess, err := issuer.CreateSession(ctx, uuid.New(), uuid.New(), "password")
	require.NoError(t, err)
	sessionToken, err := issuer.IssueSessionToken(ctx, sess)
	require.NoError(t, err)
	pair, err := issuer.IssuePairForSession(ctx, sess)
	require.NoError(t, err)

	require.NoError(t, issuer.Logout(ctx, sess))

	_, err = store.LookupSessionToken(ctx, HashToken(sessionToken), time.Now())
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = issuer.RefreshPair(ctx, pair.RefreshToken)
	assert.Error(t, err)

	revoked, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotNil(t, revoked.RevokedAt)

	_, err = issuer.IssuePairForSession(ctx, revoked)
	assert.Error(t, err, "a revoked session mints nothing")
}

func TestDeleteExpiredSweepsTokenRows(t *testing.T) {
	issuer, store := newTestIssuer(t)
	ctx := context.Background()

	sess, err := issuer.CreateSession(ctx, uuid.New(), uuid.New(), "password")
	require.NoError(t, err)
	_, err = issuer.IssueSessionToken(ctx, sess)
	require.NoError(t, err)
	_, err = issuer.IssuePairForSession(ctx, sess)
	require.NoError(t, err)

	// nothing has expired yet
	n, err := store.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.DeleteExpired(ctx, time.Now().Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = store.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAddAuthMethodIsIdempotent(t *testing.T) {
	issuer, store := newTestIssuer(t)
	ctx := context.Background()

	sess, err := issuer.CreateSession(ctx, uuid.New(), uuid.New(), "password")
	require.NoError(t, err)

	require.NoError(t, store.AddAuthMethod(ctx, sess, AuthMethodSessionToken))
	require.NoError(t, store.AddAuthMethod(ctx, sess, AuthMethodSessionToken))

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"password", AuthMethodSessionToken}, got.AuthMethods)
}
