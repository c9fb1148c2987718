package dispatch

import (
	"errors"
	"fmt"
	"net/http"
)

// The error types below carry the HTTP status the API answers with.

// tooBusyError signals wait timeout or exhausted redirects, mapped to 429.
type tooBusyError struct{ reason string }

func (e tooBusyError) Error() string   { return "too busy: " + e.reason }
func (e tooBusyError) StatusCode() int { return http.StatusTooManyRequests }

// IsTooBusy reports whether err indicates backpressure.
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}

type backendNotFoundError struct{ id int }

func (e backendNotFoundError) Error() string   { return fmt.Sprintf("backend not found: %d", e.id) }
func (e backendNotFoundError) StatusCode() int { return http.StatusNotFound }

// ErrBackendNotFound returns the error reported for an unknown backend id.
func ErrBackendNotFound(id int) error { return backendNotFoundError{id: id} }

type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string   { return "model not found: " + e.id }
func (e modelNotFoundError) StatusCode() int { return http.StatusNotFound }

// ErrModelNotFound returns the error reported when a request names a model
// missing from the registry.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsNotFound reports whether err names an unknown backend or model.
func IsNotFound(err error) bool {
	var (
		be backendNotFoundError
		me modelNotFoundError
	)
	return errors.As(err, &be) || errors.As(err, &me)
}

// noBackendError means no instance in the pool could ever serve the job.
type noBackendError struct{ reason string }

func (e noBackendError) Error() string   { return "no backend available: " + e.reason }
func (e noBackendError) StatusCode() int { return http.StatusServiceUnavailable }

// IsNoBackend reports whether err means the pool has no capable instance (503).
func IsNoBackend(err error) bool {
	var e noBackendError
	return errors.As(err, &e)
}
