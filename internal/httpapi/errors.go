package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"backendd/internal/backend"
	"backendd/internal/dispatch"
	"backendd/internal/permissions"
	"backendd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error. The
// dispatch errors (not found, too busy, no backend) implement it.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var (
		denied *permissions.DeniedError
		he     HTTPError
	)
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case errors.Is(err, errUnknownUser):
		return http.StatusUnauthorized
	case errors.As(err, &denied):
		return http.StatusForbidden
	case backend.IsRedirect(err):
		return http.StatusTooManyRequests
	case backend.IsModelLoadFailure(err),
		errors.Is(err, backend.ErrInvalidTransition),
		errors.Is(err, backend.ErrDisabled),
		errors.Is(err, backend.ErrShutDown):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// backpressureReason labels 429 responses for the backpressure counter.
func backpressureReason(err error) string {
	switch {
	case backend.IsRedirect(err):
		return "redirect"
	case dispatch.IsTooBusy(err):
		return "too_busy"
	}
	return ""
}
