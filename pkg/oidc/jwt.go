package oidc

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/plazahq/plaza/pkg/config"
)

// Signer issues RS256 ID tokens and renders the JWKS document.
type Signer struct {
	key   *rsa.PrivateKey
	keyID string
	iss   string
}

// NewSigner parses the configured PEM key. A provider cannot start without
// a signing key; there is no HS256 fallback for ID tokens.
func NewSigner(cfg config.OIDCConfig) (*Signer, error) {
	if cfg.SigningKeyPEM == "" {
		return nil, fmt.Errorf("OIDC signing key is not configured")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.SigningKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse OIDC signing key: %w", err)
	}
	return &Signer{key: key, keyID: cfg.SigningKeyID, iss: cfg.Issuer}, nil
}

// Issuer returns the configured issuer URL.
func (s *Signer) Issuer() string {
	return s.iss
}

// SignIDToken mints the ID token for an authorization grant. Profile claims
// are merged in for the scopes the grant carries; nonce is echoed when the
// client supplied one.
func (s *Signer) SignIDToken(tenantID, userID uuid.UUID, clientID, nonce string, profile map[string]interface{}, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"iss": s.iss,
		"sub": userID.String(),
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for k, v := range profile {
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keyID
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign ID token: %w", err)
	}
	return signed, nil
}

// JWK is one key in the published key set.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the published key set document.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// KeySet renders the public half of the signing key.
func (s *Signer) KeySet() JWKS {
	pub := s.key.Public().(*rsa.PublicKey)
	return JWKS{Keys: []JWK{{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: s.keyID,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
}
