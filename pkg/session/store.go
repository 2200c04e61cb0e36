package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors callers map onto 401 responses.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTokenInvalid    = errors.New("token is invalid, expired or revoked")
)

// Store persists sessions and the credentials minted from them. Tokens are
// stored as SHA-256 hashes only.
type Store struct {
	db *sql.DB
}

// NewStore creates a new session store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSession inserts a session, assigning its id and timestamps.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	now := time.Now()
	sess.CreatedAt = now
	sess.LastSeenAt = now

	methods, err := json.Marshal(sess.AuthMethods)
	if err != nil {
		return fmt.Errorf("failed to encode auth methods: %w", err)
	}

	query := `
		INSERT INTO sessions (id, tenant_id, user_id, auth_methods, created_at, last_seen_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
	`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID.String(), sess.TenantID.String(), sess.UserID.String(),
		string(methods), now, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	query := `
		SELECT id, tenant_id, user_id, auth_methods, created_at, last_seen_at, expires_at, revoked_at
		FROM sessions
		WHERE id = $1
	`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id.String()))
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// TouchSession records session activity.
func (s *Store) TouchSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_seen_at = $1 WHERE id = $2`, at, id.String())
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// AddAuthMethod appends an authentication-method marker to the session if it
// is not already recorded.
func (s *Store) AddAuthMethod(ctx context.Context, sess *Session, method string) error {
	if sess.HasAuthMethod(method) {
		return nil
	}
	sess.AuthMethods = append(sess.AuthMethods, method)
	methods, err := json.Marshal(sess.AuthMethods)
	if err != nil {
		return fmt.Errorf("failed to encode auth methods: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET auth_methods = $1 WHERE id = $2`, string(methods), sess.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update auth methods: %w", err)
	}
	return nil
}

// RevokeSession marks the session revoked. The token tables are revoked
// alongside so a later lookup cannot resurrect a credential.
func (s *Store) RevokeSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	statements := []string{
		`UPDATE sessions SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`,
		`UPDATE session_tokens SET revoked_at = $1 WHERE session_id = $2 AND revoked_at IS NULL`,
		`UPDATE refresh_tokens SET revoked_at = $1 WHERE session_id = $2 AND revoked_at IS NULL`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, at, id.String()); err != nil {
			return fmt.Errorf("failed to revoke session: %w", err)
		}
	}
	return tx.Commit()
}

// InsertSessionToken stores the hash of an opaque session token.
func (s *Store) InsertSessionToken(ctx context.Context, sessionID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	query := `
		INSERT INTO session_tokens (session_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := s.db.ExecContext(ctx, query, sessionID.String(), tokenHash, time.Now(), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert session token: %w", err)
	}
	return nil
}

// LookupSessionToken resolves a token hash to its live session. Expired or
// revoked tokens, and tokens of dead sessions, all return ErrTokenInvalid.
func (s *Store) LookupSessionToken(ctx context.Context, tokenHash string, now time.Time) (*Session, error) {
	query := `
		SELECT s.id, s.tenant_id, s.user_id, s.auth_methods, s.created_at, s.last_seen_at, s.expires_at, s.revoked_at
		FROM session_tokens t
		JOIN sessions s ON s.id = t.session_id
		WHERE t.token_hash = $1
		  AND t.revoked_at IS NULL
		  AND t.expires_at > $2
		  AND s.revoked_at IS NULL
		  AND s.expires_at > $2
	`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, tokenHash, now))
	if err == sql.ErrNoRows {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up session token: %w", err)
	}
	return sess, nil
}

// InsertRefreshToken stores the hash of a refresh token.
func (s *Store) InsertRefreshToken(ctx context.Context, sessionID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	query := `
		INSERT INTO refresh_tokens (session_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := s.db.ExecContext(ctx, query, sessionID.String(), tokenHash, time.Now(), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken atomically marks a refresh token used and returns its
// session id. The conditional update guarantees exactly-once consumption:
// a replayed token finds consumed_at already set and gets ErrTokenInvalid.
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (uuid.UUID, error) {
	query := `
		UPDATE refresh_tokens
		SET consumed_at = $1
		WHERE token_hash = $2
		  AND consumed_at IS NULL
		  AND revoked_at IS NULL
		  AND expires_at > $1
		RETURNING session_id
	`
	var sessionIDStr string
	err := s.db.QueryRowContext(ctx, query, now, tokenHash).Scan(&sessionIDStr)
	if err == sql.ErrNoRows {
		return uuid.Nil, ErrTokenInvalid
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("stored session id is not a UUID: %w", err)
	}
	return sessionID, nil
}

// DeleteExpired removes token and session rows past their expiry. Run by the
// janitor; correctness never depends on it since lookups compare expiry.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	statements := []string{
		`DELETE FROM session_tokens WHERE expires_at <= $1`,
		`DELETE FROM refresh_tokens WHERE expires_at <= $1`,
		`DELETE FROM sessions WHERE expires_at <= $1`,
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

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess        Session
		idStr       string
		tenantStr   string
		userStr     string
		methodsJSON string
		revokedAt   sql.NullTime
	)
	err := row.Scan(&idStr, &tenantStr, &userStr, &methodsJSON,
		&sess.CreatedAt, &sess.LastSeenAt, &sess.ExpiresAt, &revokedAt)
	if err != nil {
		return nil, err
	}

	if sess.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("stored session id is not a UUID: %w", err)
	}
	if sess.TenantID, err = uuid.Parse(tenantStr); err != nil {
		return nil, fmt.Errorf("stored tenant id is not a UUID: %w", err)
	}
	if sess.UserID, err = uuid.Parse(userStr); err != nil {
		return nil, fmt.Errorf("stored user id is not a UUID: %w", err)
	}
	if err := json.Unmarshal([]byte(methodsJSON), &sess.AuthMethods); err != nil {
		sess.AuthMethods = nil
	}
	if revokedAt.Valid {
		sess.RevokedAt = &revokedAt.Time
	}
	return &sess, nil
}
