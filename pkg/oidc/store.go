package oidc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors; the engine maps them onto OAuth error codes.
var (
	ErrClientNotFound  = errors.New("client not found")
	ErrRequestNotFound = errors.New("authorization request not found")
	ErrCodeInvalid     = errors.New("authorization code is invalid, used or expired")
	ErrTokenNotFound   = errors.New("token not found")
	ErrConsentNotFound = errors.New("consent not found")
)

// Store persists OIDC state. Codes and tokens are stored by hash only.
type Store struct {
	db *sql.DB
}

// NewStore creates a new OIDC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateClient registers a relying party.
func (s *Store) CreateClient(ctx context.Context, client *Client) error {
	uris, err := json.Marshal(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("failed to encode redirect URIs: %w", err)
	}
	client.CreatedAt = time.Now()

	query := `
		INSERT INTO oidc_clients (client_id, secret_hash, name, redirect_uris, scopes, public, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err = s.db.QueryRowContext(ctx, query,
		client.ClientID, client.SecretHash, client.Name,
		string(uris), JoinScopes(client.Scopes), client.Public, client.CreatedAt,
	).Scan(&client.ID)
	if err != nil {
		return fmt.Errorf("failed to create client %s: %w", client.ClientID, err)
	}
	return nil
}

// GetClientByClientID loads a client by its public identifier.
func (s *Store) GetClientByClientID(ctx context.Context, clientID string) (*Client, error) {
	query := `
		SELECT id, client_id, secret_hash, name, redirect_uris, scopes, public, created_at
		FROM oidc_clients
		WHERE client_id = $1
	`
	var (
		client   Client
		urisJSON string
		scopes   string
	)
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&client.ID, &client.ClientID, &client.SecretHash, &client.Name,
		&urisJSON, &scopes, &client.Public, &client.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	if err := json.Unmarshal([]byte(urisJSON), &client.RedirectURIs); err != nil {
		return nil, fmt.Errorf("stored redirect URIs are malformed: %w", err)
	}
	client.Scopes = SplitScopes(scopes)
	return &client, nil
}

// CreateAuthRequest persists a pending /authorize flow.
func (s *Store) CreateAuthRequest(ctx context.Context, req *AuthorizationRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.CreatedAt = time.Now()

	var userID interface{}
	if req.UserID != nil {
		userID = req.UserID.String()
	}

	query := `
		INSERT INTO oidc_auth_requests
			(id, client_id, tenant_id, user_id, redirect_uri, scopes, state, nonce,
			 code_challenge, code_challenge_method, consent_required, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.ExecContext(ctx, query,
		req.ID.String(), req.ClientID, req.TenantID.String(), userID,
		req.RedirectURI, JoinScopes(req.Scopes), req.State, req.Nonce,
		req.CodeChallenge, req.CodeChallengeMethod, req.ConsentRequired,
		req.CreatedAt, req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create authorization request: %w", err)
	}
	return nil
}

// GetAuthRequest loads a pending flow by id.
func (s *Store) GetAuthRequest(ctx context.Context, id uuid.UUID) (*AuthorizationRequest, error) {
	query := `
		SELECT id, client_id, tenant_id, user_id, redirect_uri, scopes, state, nonce,
		       code_challenge, code_challenge_method, consent_required, created_at, expires_at, approved_at
		FROM oidc_auth_requests
		WHERE id = $1
	`
	var (
		req        AuthorizationRequest
		idStr      string
		tenantStr  string
		userStr    sql.NullString
		scopes     string
		approvedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, id.String()).Scan(
		&idStr, &req.ClientID, &tenantStr, &userStr, &req.RedirectURI, &scopes,
		&req.State, &req.Nonce, &req.CodeChallenge, &req.CodeChallengeMethod,
		&req.ConsentRequired, &req.CreatedAt, &req.ExpiresAt, &approvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization request: %w", err)
	}

	if req.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("stored request id is not a UUID: %w", err)
	}
	if req.TenantID, err = uuid.Parse(tenantStr); err != nil {
		return nil, fmt.Errorf("stored tenant id is not a UUID: %w", err)
	}
	if userStr.Valid {
		userID, err := uuid.Parse(userStr.String)
		if err != nil {
			return nil, fmt.Errorf("stored user id is not a UUID: %w", err)
		}
		req.UserID = &userID
	}
	req.Scopes = SplitScopes(scopes)
	if approvedAt.Valid {
		req.ApprovedAt = &approvedAt.Time
	}
	return &req, nil
}

// ApproveAuthRequest marks the flow approved by a user, exactly once.
func (s *Store) ApproveAuthRequest(ctx context.Context, id uuid.UUID, userID uuid.UUID, at time.Time) error {
	query := `
		UPDATE oidc_auth_requests
		SET approved_at = $1, user_id = $2
		WHERE id = $3 AND approved_at IS NULL AND expires_at > $1
	`
	res, err := s.db.ExecContext(ctx, query, at, userID.String(), id.String())
	if err != nil {
		return fmt.Errorf("failed to approve authorization request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to approve authorization request: %w", err)
	}
	if n == 0 {
		return ErrRequestNotFound
	}
	return nil
}

// InsertCode stores a single-use authorization code by hash.
func (s *Store) InsertCode(ctx context.Context, code *AuthorizationCode) error {
	code.CreatedAt = time.Now()
	query := `
		INSERT INTO oidc_codes
			(code_hash, request_id, client_id, tenant_id, user_id, redirect_uri, scopes,
			 nonce, code_challenge, code_challenge_method, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		code.CodeHash, code.RequestID.String(), code.ClientID,
		code.TenantID.String(), code.UserID.String(), code.RedirectURI,
		JoinScopes(code.Scopes), code.Nonce, code.CodeChallenge,
		code.CodeChallengeMethod, code.CreatedAt, code.ExpiresAt,
	).Scan(&code.ID)
	if err != nil {
		return fmt.Errorf("failed to insert authorization code: %w", err)
	}
	return nil
}

// ConsumeCode atomically marks a code used and returns it. The conditional
// update guarantees exactly-once exchange: of two concurrent attempts on the
// same code, exactly one gets the row, the other gets ErrCodeInvalid.
func (s *Store) ConsumeCode(ctx context.Context, codeHash string, now time.Time) (*AuthorizationCode, error) {
	query := `
		UPDATE oidc_codes
		SET used_at = $1
		WHERE code_hash = $2 AND used_at IS NULL AND expires_at > $1
		RETURNING id, code_hash, request_id, client_id, tenant_id, user_id, redirect_uri,
		          scopes, nonce, code_challenge, code_challenge_method, created_at, expires_at, used_at
	`
	var (
		code       AuthorizationCode
		requestStr string
		tenantStr  string
		userStr    string
		scopes     string
		usedAt     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, now, codeHash).Scan(
		&code.ID, &code.CodeHash, &requestStr, &code.ClientID, &tenantStr, &userStr,
		&code.RedirectURI, &scopes, &code.Nonce, &code.CodeChallenge,
		&code.CodeChallengeMethod, &code.CreatedAt, &code.ExpiresAt, &usedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCodeInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	if code.RequestID, err = uuid.Parse(requestStr); err != nil {
		return nil, fmt.Errorf("stored request id is not a UUID: %w", err)
	}
	if code.TenantID, err = uuid.Parse(tenantStr); err != nil {
		return nil, fmt.Errorf("stored tenant id is not a UUID: %w", err)
	}
	if code.UserID, err = uuid.Parse(userStr); err != nil {
		return nil, fmt.Errorf("stored user id is not a UUID: %w", err)
	}
	code.Scopes = SplitScopes(scopes)
	if usedAt.Valid {
		code.UsedAt = &usedAt.Time
	}
	return &code, nil
}

// InsertToken stores an issued token by hash.
func (s *Store) InsertToken(ctx context.Context, token *Token) error {
	token.CreatedAt = time.Now()

	var sessionID interface{}
	if token.SessionID != nil {
		sessionID = token.SessionID.String()
	}

	query := `
		INSERT INTO oidc_tokens (token_hash, kind, client_id, tenant_id, user_id, session_id, scopes, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		token.TokenHash, token.Kind, token.ClientID, token.TenantID.String(),
		token.UserID.String(), sessionID, JoinScopes(token.Scopes),
		token.CreatedAt, token.ExpiresAt,
	).Scan(&token.ID)
	if err != nil {
		return fmt.Errorf("failed to insert %s token: %w", token.Kind, err)
	}
	return nil
}

// GetTokenByHash loads a token by its at-rest hash.
func (s *Store) GetTokenByHash(ctx context.Context, tokenHash string) (*Token, error) {
	query := `
		SELECT id, token_hash, kind, client_id, tenant_id, user_id, session_id, scopes, created_at, expires_at, revoked_at
		FROM oidc_tokens
		WHERE token_hash = $1
	`
	return s.scanToken(s.db.QueryRowContext(ctx, query, tokenHash))
}

// RotateRefreshToken atomically revokes an active refresh token and returns
// it, so exactly one caller wins a concurrent rotation race.
func (s *Store) RotateRefreshToken(ctx context.Context, tokenHash string, now time.Time) (*Token, error) {
	query := `
		UPDATE oidc_tokens
		SET revoked_at = $1
		WHERE token_hash = $2 AND kind = $3 AND revoked_at IS NULL AND expires_at > $1
		RETURNING id, token_hash, kind, client_id, tenant_id, user_id, session_id, scopes, created_at, expires_at, revoked_at
	`
	token, err := s.scanToken(s.db.QueryRowContext(ctx, query, now, tokenHash, TokenKindRefresh))
	if errors.Is(err, ErrTokenNotFound) {
		return nil, ErrTokenNotFound
	}
	return token, err
}

// RevokeToken marks a token revoked. Idempotent: revoking an unknown or
// already-revoked token is not an error.
func (s *Store) RevokeToken(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE oidc_tokens SET revoked_at = $1 WHERE token_hash = $2 AND revoked_at IS NULL`,
		at, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// GetConsent loads a remembered approval.
func (s *Store) GetConsent(ctx context.Context, tenantID, userID uuid.UUID, clientID string) (*Consent, error) {
	query := `
		SELECT id, tenant_id, user_id, client_id, scopes, granted_at
		FROM oidc_consents
		WHERE tenant_id = $1 AND user_id = $2 AND client_id = $3
	`
	var (
		consent   Consent
		tenantStr string
		userStr   string
		scopes    string
	)
	err := s.db.QueryRowContext(ctx, query, tenantID.String(), userID.String(), clientID).Scan(
		&consent.ID, &tenantStr, &userStr, &consent.ClientID, &scopes, &consent.GrantedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConsentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}
	if consent.TenantID, err = uuid.Parse(tenantStr); err != nil {
		return nil, fmt.Errorf("stored tenant id is not a UUID: %w", err)
	}
	if consent.UserID, err = uuid.Parse(userStr); err != nil {
		return nil, fmt.Errorf("stored user id is not a UUID: %w", err)
	}
	consent.Scopes = SplitScopes(scopes)
	return &consent, nil
}

// UpsertConsent records or refreshes a remembered approval.
func (s *Store) UpsertConsent(ctx context.Context, consent *Consent) error {
	consent.GrantedAt = time.Now()
	query := `
		INSERT INTO oidc_consents (tenant_id, user_id, client_id, scopes, granted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, user_id, client_id)
		DO UPDATE SET scopes = EXCLUDED.scopes, granted_at = EXCLUDED.granted_at
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		consent.TenantID.String(), consent.UserID.String(), consent.ClientID,
		JoinScopes(consent.Scopes), consent.GrantedAt,
	).Scan(&consent.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert consent: %w", err)
	}
	return nil
}

// DeleteExpired removes expired flow state. Housekeeping only; every lookup
// already compares expiry at read time.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	statements := []string{
		`DELETE FROM oidc_auth_requests WHERE expires_at <= $1`,
		`DELETE FROM oidc_codes WHERE expires_at <= $1`,
		`DELETE FROM oidc_tokens WHERE expires_at <= $1`,
	}
	for _, stmt := range statements {
		res, err := s.db.ExecContext(ctx, stmt, now)
		if err != nil {
			return total, fmt.Errorf("failed to delete expired rows: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanToken(row rowScanner) (*Token, error) {
	var (
		token      Token
		tenantStr  string
		userStr    string
		sessionStr sql.NullString
		scopes     string
		revokedAt  sql.NullTime
	)
	err := row.Scan(&token.ID, &token.TokenHash, &token.Kind, &token.ClientID,
		&tenantStr, &userStr, &sessionStr, &scopes, &token.CreatedAt,
		&token.ExpiresAt, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan token: %w", err)
	}

	if token.TenantID, err = uuid.Parse(tenantStr); err != nil {
		return nil, fmt.Errorf("stored tenant id is not a UUID: %w", err)
	}
	if token.UserID, err = uuid.Parse(userStr); err != nil {
		return nil, fmt.Errorf("stored user id is not a UUID: %w", err)
	}
	if sessionStr.Valid {
		sessionID, err := uuid.Parse(sessionStr.String)
		if err != nil {
			return nil, fmt.Errorf("stored session id is not a UUID: %w", err)
		}
		token.SessionID = &sessionID
	}
	token.Scopes = SplitScopes(scopes)
	if revokedAt.Valid {
		token.RevokedAt = &revokedAt.Time
	}
	return &token, nil
}
