// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//   import "github.com/plazahq/plaza/pkg/contextkeys"
//   ctx = context.WithValue(ctx, contextkeys.TenantKey, rc)
//   rc := ctx.Value(contextkeys.TenantKey).(*requestctx.RequestContext)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains request ID string (UUID)
	// Set by: requestctx resolver / internal-call middleware
	// Used by: Logger, audit trail, access decision client
	// Type: string
	RequestIDKey Key = "request_id"

	// TenantKey contains *requestctx.RequestContext
	// Set by: middleware.InternalCall (pkg/middleware/internal.go)
	// Required by: All tenant-scoped endpoints
	// Type: *requestctx.RequestContext
	TenantKey Key = "tenant_context"

	// InternalKey contains *requestctx.InternalContext
	// Set by: middleware.InternalCall for user-bearing internal calls
	// Required by: Handlers that call the access decision client
	// Type: *requestctx.InternalContext
	InternalKey Key = "internal_context"

	// SessionKey contains *session.Session
	// Set by: session.TokenAuth middleware after X-Session-Token resolution
	// Used by: Reauthentication-sensitive flows (password change, MFA)
	// Type: *session.Session
	SessionKey Key = "session"

	// UserIDKey contains user ID string (UUID)
	// Set by: internal-call middleware / session token auth
	// Used by: Logger, audit trail
	// Type: string
	UserIDKey Key = "user_id"

	// LoggerKey contains *observability.Logger
	// Set by: Observability middleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithTenant adds the tenant request context to the context
func WithTenant(ctx context.Context, rc interface{}) context.Context {
	return context.WithValue(ctx, TenantKey, rc)
}

// WithInternal adds the internal (user-bearing) context to the context
func WithInternal(ctx context.Context, ic interface{}) context.Context {
	return context.WithValue(ctx, InternalKey, ic)
}

// WithSession adds the resolved session to the context
func WithSession(ctx context.Context, sess interface{}) context.Context {
	return context.WithValue(ctx, SessionKey, sess)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}
