package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opspawn/ops-core/pkg/opserr"
)

// Error codes for consistent error identification.
const (
	ErrCodeNotFound       = "not_found"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeConflict       = "conflict"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string         `json:"error"`                // Short error code
	Message   string         `json:"message"`              // Human-readable message
	Details   map[string]any `json:"details,omitempty"`    // Optional additional details
	RequestID string         `json:"request_id,omitempty"` // Request ID for correlation
}

// requestIDContextKey is the context key for request ID.
type requestIDContextKey struct{}

// RequestIDKey is the exported context key for request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// HTTPStatusToErrorCode maps HTTP status codes to error codes.
func HTTPStatusToErrorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	default:
		return ErrCodeInternalError
	}
}

// StatusForError maps a core error to an HTTP status through its class.
// An internal error caused by invalid input is still a client error.
func StatusForError(err error) int {
	switch opserr.ClassOf(err) {
	case opserr.ClassNotFound:
		return http.StatusNotFound
	case opserr.ClassConflict:
		return http.StatusConflict
	case opserr.ClassInvalid:
		return http.StatusBadRequest
	}
	if errors.Is(err, opserr.ErrInvalidState) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]any) {
	requestID := GetRequestID(r.Context(), r)

	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}

	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// errorDetails exposes the kind and correlation ids of a core error.
func errorDetails(err error) map[string]any {
	var oe *opserr.Error
	if !errors.As(err, &oe) {
		return nil
	}
	details := map[string]any{"kind": string(oe.Kind)}
	if oe.AgentID != "" {
		details["agent_id"] = oe.AgentID
	}
	if oe.TaskID != "" {
		details["task_id"] = oe.TaskID
	}
	return details
}
