package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/plazahq/plaza/pkg/config"
	"github.com/plazahq/plaza/pkg/httputil"
	"github.com/plazahq/plaza/pkg/observability"
)

// AuthMethodSessionToken marks sessions resolved from an opaque bearer
// token. Seeded on lookup so reauthentication freshness checks observe a
// recorded method even for headless clients.
const AuthMethodSessionToken = "session_token"

// AccessClaims is the payload of the short-lived HS256 access JWT.
type AccessClaims struct {
	TenantID  string `json:"tid"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Issuer mints bearer credentials from sessions.
type Issuer struct {
	store   *Store
	cfg     config.SessionConfig
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time
}

// NewIssuer creates an issuer. metrics may be nil in tests.
func NewIssuer(store *Store, cfg config.SessionConfig, metrics *observability.Metrics, logger *observability.Logger) *Issuer {
	return &Issuer{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the issuer clock for tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

func (i *Issuer) issued(kind string) {
	if i.metrics != nil {
		i.metrics.TokensIssuedTotal.WithLabelValues(kind).Inc()
	}
}

func (i *Issuer) revoked(kind string) {
	if i.metrics != nil {
		i.metrics.TokensRevokedTotal.WithLabelValues(kind).Inc()
	}
}

// CreateSession opens a new web session for a user.
func (i *Issuer) CreateSession(ctx context.Context, tenantID, userID uuid.UUID, authMethod string) (*Session, error) {
	sess := &Session{
		TenantID:    tenantID,
		UserID:      userID,
		AuthMethods: []string{authMethod},
		ExpiresAt:   i.now().Add(i.cfg.SessionTTL),
	}
	if err := i.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// IssueSessionToken mints the opaque X-Session-Token bearer value for a
// session. The raw token is returned exactly once; only its hash persists.
func (i *Issuer) IssueSessionToken(ctx context.Context, sess *Session) (string, error) {
	raw, err := newOpaqueToken(SessionTokenPrefix)
	if err != nil {
		return "", err
	}
	// token lifetime never outlives its session
	expiresAt := sess.ExpiresAt
	if err := i.store.InsertSessionToken(ctx, sess.ID, HashToken(raw), expiresAt); err != nil {
		return "", err
	}
	i.issued("session")
	return raw, nil
}

// IssuePairForSession mints an access/refresh pair bound to the session's
// user, so clients holding only a cookie session can obtain bearer
// credentials.
func (i *Issuer) IssuePairForSession(ctx context.Context, sess *Session) (*TokenPair, error) {
	now := i.now()
	if !sess.Active(now) {
		return nil, httputil.Unauthorized("session is expired or revoked")
	}

	accessToken, err := i.signAccessToken(sess, now)
	if err != nil {
		return nil, err
	}

	refreshRaw, err := newOpaqueToken(RefreshTokenPrefix)
	if err != nil {
		return nil, err
	}
	if err := i.store.InsertRefreshToken(ctx, sess.ID, HashToken(refreshRaw), now.Add(i.cfg.RefreshTTL)); err != nil {
		return nil, err
	}

	i.issued("access")
	i.issued("refresh")
	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshRaw,
		TokenType:    "Bearer",
		ExpiresIn:    int64(i.cfg.AccessTTL.Seconds()),
	}, nil
}

// RefreshPair rotates a refresh token: the presented token is consumed
// atomically and a fresh pair is minted. Replaying a consumed, expired or
// revoked token fails with 401.
func (i *Issuer) RefreshPair(ctx context.Context, rawRefresh string) (*TokenPair, error) {
	if !hasPrefix(rawRefresh, RefreshTokenPrefix) {
		return nil, httputil.Unauthorized("refresh token is invalid")
	}

	now := i.now()
	sessionID, err := i.store.ConsumeRefreshToken(ctx, HashToken(rawRefresh), now)
	if errors.Is(err, ErrTokenInvalid) {
		return nil, httputil.Unauthorized("refresh token is invalid, expired or revoked")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	sess, err := i.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, httputil.Unauthorized("session is no longer valid")
	}
	i.revoked("refresh")
	return i.IssuePairForSession(ctx, sess)
}

// Logout revokes the session and every credential issued from it.
func (i *Issuer) Logout(ctx context.Context, sess *Session) error {
	if err := i.store.RevokeSession(ctx, sess.ID, i.now()); err != nil {
		return err
	}
	i.revoked("session")
	return nil
}

func (i *Issuer) signAccessToken(sess *Session, now time.Time) (string, error) {
	if i.cfg.SigningSecret == "" {
		return "", httputil.ServerError("session signing secret is not configured")
	}
	claims := AccessClaims{
		TenantID:  sess.TenantID.String(),
		SessionID: sess.ID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.AccessTTL)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(i.cfg.SigningSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// VerifyAccessToken parses and validates an access JWT.
func (i *Issuer) VerifyAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(i.cfg.SigningSecret), nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil || !token.Valid {
		return nil, httputil.Unauthorized("access token is invalid or expired")
	}
	return claims, nil
}
