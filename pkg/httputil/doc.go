// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, and request parsing.
//
// Every service on the platform answers errors with the same envelope:
//
//	{"error": {"code": "...", "message": "...", "details": {...}, "request_id": "..."}}
//
// The HTTP status always mirrors the domain error. Handlers should build
// errors with the constructors in errors.go and hand them to WriteAPIError,
// which fills in the request id from the request context.
package httputil
