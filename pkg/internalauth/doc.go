// Package internalauth implements the signed internal-call protocol used
// between the BFF and backend services.
//
// Every internal request carries three headers:
//
//	X-Request-Id:      caller-assigned request id
//	X-Plaza-Timestamp: integer epoch seconds at signing time
//	X-Plaza-Signature: hex HMAC-SHA256 over the canonical string
//
// The canonical string binds method, path, body, request id and timestamp:
//
//	METHOD \n PATH \n SHA256HEX(BODY) \n REQUEST_ID \n TIMESTAMP
//
// Signatures older or newer than the replay window (300s) are rejected.
// Verification is a pure guard: it either returns nil or a domain error, and
// has no side effects beyond restoring the request body for the handler.
package internalauth
