package session

import (
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/plazahq/plaza/pkg/contextkeys"
	"github.com/plazahq/plaza/pkg/httputil"
	"github.com/plazahq/plaza/pkg/observability"
)

const (
	verifyCacheSize = 4096
	verifyCacheTTL  = 30 * time.Second
)

// TokenAuth resolves the X-Session-Token header back to its session and
// attaches it to the request context, so downstream
// reauthentication-sensitive flows observe a normal authenticated session.
type TokenAuth struct {
	store   *Store
	logger  *observability.Logger
	metrics *observability.Metrics

	// positive lookups only; a revocation takes effect within the TTL
	cache *lru.Cache[string, verifyEntry]
	now   func() time.Time
}

type verifyEntry struct {
	session   *Session
	expiresAt time.Time
}

// NewTokenAuth creates the session token middleware. metrics may be nil.
func NewTokenAuth(store *Store, metrics *observability.Metrics, logger *observability.Logger) (*TokenAuth, error) {
	cache, err := lru.New[string, verifyEntry](verifyCacheSize)
	if err != nil {
		return nil, err
	}
	return &TokenAuth{
		store:   store,
		logger:  logger,
		metrics: metrics,
		cache:   cache,
		now:     time.Now,
	}, nil
}

// Middleware authenticates requests bearing X-Session-Token. Requests
// without the header pass through unauthenticated; handlers that need a
// session check the context.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(HeaderSessionToken)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !hasPrefix(raw, SessionTokenPrefix) {
			httputil.WriteAPIError(w, r, httputil.Unauthorized("session token is invalid"))
			return
		}

		sess, err := a.resolve(r, HashToken(raw))
		if err != nil {
			httputil.WriteAPIError(w, r, httputil.Unauthorized("session token is invalid, expired or revoked"))
			return
		}

		ctx := contextkeys.WithSession(r.Context(), sess)
		ctx = contextkeys.WithUserID(ctx, sess.UserID.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *TokenAuth) resolve(r *http.Request, tokenHash string) (*Session, error) {
	now := a.now()
	if entry, ok := a.cache.Get(tokenHash); ok && now.Before(entry.expiresAt) {
		if a.metrics != nil {
			a.metrics.CacheHitsTotal.WithLabelValues("session_token").Inc()
		}
		return entry.session, nil
	}
	if a.metrics != nil {
		a.metrics.CacheMissesTotal.WithLabelValues("session_token").Inc()
	}

	sess, err := a.store.LookupSessionToken(r.Context(), tokenHash, now)
	if err != nil {
		return nil, err
	}

	// headless clients never ran an interactive login on this session, so
	// seed a method marker for freshness checks
	if len(sess.AuthMethods) == 0 {
		if err := a.store.AddAuthMethod(r.Context(), sess, AuthMethodSessionToken); err != nil {
			a.logger.WithError(err).Warn("failed to seed session auth method")
		}
	}
	if err := a.store.TouchSession(r.Context(), sess.ID, now); err != nil {
		a.logger.WithError(err).Warn("failed to touch session")
	}

	a.cache.Add(tokenHash, verifyEntry{session: sess, expiresAt: now.Add(verifyCacheTTL)})
	return sess, nil
}

// Invalidate drops a token from the verification cache, used on logout so
// revocation is immediate on this replica.
func (a *TokenAuth) Invalidate(raw string) {
	a.cache.Remove(HashToken(raw))
}

// FromRequest returns the session attached by Middleware, or nil.
func FromRequest(r *http.Request) *Session {
	sess, _ := r.Context().Value(contextkeys.SessionKey).(*Session)
	return sess
}
