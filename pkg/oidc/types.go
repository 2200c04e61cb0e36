// Package oidc implements the authorization-code OIDC provider: client
// registry, PKCE-bound authorization requests, single-use codes, token
// issuance with refresh rotation, and the discovery/JWKS documents.
package oidc

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Supported scopes and the claims each one unlocks. claims_supported in the
// discovery document is the union of these lists; every claim here is one
// the engine or a wired ProfileProvider can actually emit. Tenant slugs are
// request-header state with no backing record, so the tenant scope carries
// the id only.
var ScopeClaims = map[string][]string{
	"openid":  {"sub"},
	"profile": {"name", "preferred_username", "picture"},
	"email":   {"email", "email_verified"},
	"tenant":  {"tenant_id"},
}

// PKCE code challenge methods.
const (
	ChallengeMethodPlain = "plain"
	ChallengeMethodS256  = "S256"
)

// Client is a registered OIDC relying party. Plaza only issues confidential
// and PKCE-public clients; redirect URIs are matched exactly.
type Client struct {
	ID           int64     `json:"id"`
	ClientID     string    `json:"client_id"`
	SecretHash   string    `json:"-"`
	Name         string    `json:"name"`
	RedirectURIs []string  `json:"redirect_uris"`
	Scopes       []string  `json:"scopes"`
	Public       bool      `json:"public"`
	CreatedAt    time.Time `json:"created_at"`
}

// AllowsRedirectURI reports whether uri is registered, compared exactly.
func (c *Client) AllowsRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AllowsScope reports whether the client may request the given scope.
func (c *Client) AllowsScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AuthorizationRequest is a pending /authorize flow awaiting user approval.
type AuthorizationRequest struct {
	ID                  uuid.UUID  `json:"id"`
	ClientID            string     `json:"client_id"`
	TenantID            uuid.UUID  `json:"tenant_id"`
	UserID              *uuid.UUID `json:"user_id,omitempty"`
	RedirectURI         string     `json:"redirect_uri"`
	Scopes              []string   `json:"scopes"`
	State               string     `json:"state"`
	Nonce               string     `json:"nonce"`
	CodeChallenge       string     `json:"-"`
	CodeChallengeMethod string     `json:"-"`
	ConsentRequired     bool       `json:"consent_required"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           time.Time  `json:"expires_at"`
	ApprovedAt          *time.Time `json:"approved_at,omitempty"`
}

// AuthorizationCode is a single-use code bound to its request's redirect URI
// and PKCE challenge.
type AuthorizationCode struct {
	ID                  int64
	CodeHash            string
	RequestID           uuid.UUID
	ClientID            string
	TenantID            uuid.UUID
	UserID              uuid.UUID
	RedirectURI         string
	Scopes              []string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	UsedAt              *time.Time
}

// Token kinds stored in the oidc_tokens table.
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// Token is an issued OIDC credential, stored by hash.
type Token struct {
	ID        int64
	TokenHash string
	Kind      string
	ClientID  string
	TenantID  uuid.UUID
	UserID    uuid.UUID
	SessionID *uuid.UUID
	Scopes    []string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Active reports whether the token is usable at the given instant.
func (t *Token) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// Consent records a user's remembered approval of a client+scope set.
type Consent struct {
	ID        int64     `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	UserID    uuid.UUID `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	GrantedAt time.Time `json:"granted_at"`
}

// Covers reports whether the consent includes every requested scope.
func (c *Consent) Covers(scopes []string) bool {
	granted := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		granted[s] = true
	}
	for _, s := range scopes {
		if !granted[s] {
			return false
		}
	}
	return true
}

// SplitScopes parses a space-delimited scope parameter.
func SplitScopes(raw string) []string {
	return strings.Fields(raw)
}

// JoinScopes renders scopes for wire echo.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// SupportedClaims returns the sorted union of every scope's claims.
func SupportedClaims() []string {
	seen := map[string]bool{}
	var claims []string
	for _, scope := range SupportedScopes() {
		for _, claim := range ScopeClaims[scope] {
			if !seen[claim] {
				seen[claim] = true
				claims = append(claims, claim)
			}
		}
	}
	return claims
}

// SupportedScopes returns the declared scopes in stable order.
func SupportedScopes() []string {
	return []string{"openid", "profile", "email", "tenant"}
}
