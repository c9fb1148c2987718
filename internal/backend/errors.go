package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a lifecycle call is not legal from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDisabled is returned by lifecycle calls on an instance the operator disabled.
	ErrDisabled = errors.New("backend is disabled")
	// ErrShutDown is returned by lifecycle calls after ShutdownNow began.
	ErrShutDown = errors.New("backend is shut down")
	// ErrCannotLoadModels is the cause of a ModelLoadError on dispatch-only instances.
	ErrCannotLoadModels = errors.New("backend cannot load models")
)

// InitError is fatal to the instance: it moved to ERRORED and needs an operator re-init.
type InitError struct {
	Backend string
	Err     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("backend %s init failed: %v", e.Backend, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// IsInitFailure reports whether err is an InitError.
func IsInitFailure(err error) bool {
	var e *InitError
	return errors.As(err, &e)
}

// redirectError signals a transient condition; the caller should retry the job
// on another instance. It is never shown to the end user.
type redirectError struct{ reason string }

func (e redirectError) Error() string { return "redirect: " + e.reason }

// ErrRedirect constructs a redirectable failure.
func ErrRedirect(reason string) error { return redirectError{reason: reason} }

// IsRedirect reports whether err asks the caller to retry on a different instance.
func IsRedirect(err error) bool {
	var e redirectError
	return errors.As(err, &e)
}

// ModelLoadError means the requested model could not be activated. The instance
// remains usable for other models.
type ModelLoadError struct {
	Model string
	// PriorIntact is set by implementations that failed before tearing down the
	// previously loaded model; the instance keeps reporting that model.
	PriorIntact bool
	Err         error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %q: %v", e.Model, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// IsModelLoadFailure reports whether err is a ModelLoadError.
func IsModelLoadFailure(err error) bool {
	var e *ModelLoadError
	return errors.As(err, &e)
}

// ShutdownError means teardown could not release every resource. The instance
// is unusable regardless.
type ShutdownError struct {
	Backend string
	Err     error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("backend %s shutdown failed: %v", e.Backend, e.Err)
}

func (e *ShutdownError) Unwrap() error { return e.Err }

// IsShutdownFailure reports whether err is a ShutdownError.
func IsShutdownFailure(err error) bool {
	var e *ShutdownError
	return errors.As(err, &e)
}
