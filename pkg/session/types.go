// Package session turns authenticated web sessions into bearer credentials:
// opaque session tokens for headless clients and signed access/refresh pairs
// for JavaScript and native clients.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Token prefixes make leaked credentials greppable and let the middleware
// reject foreign tokens before any database work.
const (
	SessionTokenPrefix = "plz_sess_"
	RefreshTokenPrefix = "plz_ref_"
)

// HeaderSessionToken carries the opaque bearer session token.
const HeaderSessionToken = "X-Session-Token"

// Session is an authenticated web session. Tokens reference sessions; a
// revoked session invalidates every credential issued from it.
type Session struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	UserID      uuid.UUID  `json:"user_id"`
	AuthMethods []string   `json:"auth_methods"`
	CreatedAt   time.Time  `json:"created_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the session is usable at the given instant.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// HasAuthMethod reports whether the session recorded the given method.
func (s *Session) HasAuthMethod(method string) bool {
	for _, m := range s.AuthMethods {
		if m == method {
			return true
		}
	}
	return false
}

// TokenPair is the bearer credential set handed to clients.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// newOpaqueToken mints a prefixed 256-bit random bearer value.
func newOpaqueToken(prefix string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the at-rest form of a bearer token. Only hashes are
// stored; a database dump never yields usable credentials.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// hasPrefix checks the token shape without touching storage.
func hasPrefix(raw, prefix string) bool {
	return strings.HasPrefix(raw, prefix) && len(raw) > len(prefix)
}
