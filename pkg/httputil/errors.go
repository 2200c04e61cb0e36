package httputil

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes shared across services. The HTTP status carried by an Error
// always mirrors its code.
const (
	CodeMissingRequestID  = "MISSING_REQUEST_ID"
	CodeMissingTenant     = "MISSING_TENANT"
	CodeInvalidTenantID   = "INVALID_TENANT_ID"
	CodeInvalidUserID     = "INVALID_USER_ID"
	CodeValidation        = "VALIDATION_ERROR"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeAccessDenied      = "ACCESS_DENIED"
	CodeAccountInactive   = "ACCOUNT_INACTIVE"
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeAccessUnavailable = "ACCESS_UNAVAILABLE"
	CodeServerError       = "SERVER_ERROR"
)

// Error is a domain error with a wire representation.
type Error struct {
	Status  int                    `json:"-"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetail returns a copy of the error with an additional detail field.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{Status: e.Status, Code: e.Code, Message: e.Message, Details: details}
}

// NewError creates a domain error with an explicit status and code.
func NewError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// BadRequest creates a 400 error with the given code.
func BadRequest(code, message string) *Error {
	return NewError(http.StatusBadRequest, code, message)
}

// Unauthorized creates a 401 UNAUTHORIZED error.
func Unauthorized(message string) *Error {
	return NewError(http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden creates a 403 error with the given code.
func Forbidden(code, message string) *Error {
	return NewError(http.StatusForbidden, code, message)
}

// NotFound creates a 404 NOT_FOUND error.
func NotFound(message string) *Error {
	return NewError(http.StatusNotFound, CodeNotFound, message)
}

// Conflict creates a 409 CONFLICT error.
func Conflict(message string) *Error {
	return NewError(http.StatusConflict, CodeConflict, message)
}

// AccessUnavailable creates a 502 ACCESS_UNAVAILABLE error for upstream
// access-service failures. Callers must treat it as a denial (fail closed).
func AccessUnavailable(message string) *Error {
	return NewError(http.StatusBadGateway, CodeAccessUnavailable, message)
}

// ServerError creates a 500 SERVER_ERROR error.
func ServerError(message string) *Error {
	return NewError(http.StatusInternalServerError, CodeServerError, message)
}

// AsError extracts an *Error from err, wrapping unknown errors as a 500
// SERVER_ERROR so internal details never reach the response body.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ServerError("internal server error")
}

// ValidationError creates a 400 VALIDATION_ERROR carrying a field→messages
// map, the normalized shape for structured-input failures.
func ValidationError(fields map[string][]string) *Error {
	details := make(map[string]interface{}, len(fields))
	for field, messages := range fields {
		details[field] = messages
	}
	return &Error{
		Status:  http.StatusBadRequest,
		Code:    CodeValidation,
		Message: "validation failed",
		Details: details,
	}
}
