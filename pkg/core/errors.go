package core

import (
	"errors"
	"fmt"
)

// Error is a coded runtime error. Two *Error values match under errors.Is
// when their codes are equal, so callers can test against the package
// sentinels even when the message names a specific deployment.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidVerticle      = &Error{Code: "INVALID_VERTICLE", Message: "verticle cannot be nil"}
	ErrInvalidDeploymentID  = &Error{Code: "INVALID_DEPLOYMENT_ID", Message: "deployment ID cannot be empty"}
	ErrDeploymentNotFound   = &Error{Code: "DEPLOYMENT_NOT_FOUND", Message: "deployment not found"}
	ErrDeploymentPending    = &Error{Code: "DEPLOYMENT_PENDING", Message: "deployment is still starting"}
	ErrDeploymentStopping   = &Error{Code: "DEPLOYMENT_ALREADY_STOPPING", Message: "deployment is already stopping"}
	ErrDeploymentFailed     = &Error{Code: "DEPLOYMENT_FAILED", Message: "deployment has failed"}
	ErrRuntimeClosed        = &Error{Code: "RUNTIME_CLOSED", Message: "runtime is closed"}
	ErrContextClosed        = &Error{Code: "CONTEXT_CLOSED", Message: "verticle context is closed"}
	ErrInvalidAddress       = &Error{Code: "INVALID_ADDRESS", Message: "invalid address"}
	ErrInvalidBody          = &Error{Code: "INVALID_BODY", Message: "body cannot be nil"}
	ErrInvalidHandler       = &Error{Code: "INVALID_HANDLER", Message: "handler cannot be nil"}
	ErrNoHandlers           = &Error{Code: "NO_HANDLERS", Message: "no handlers for address"}
	ErrEventBusClosed       = &Error{Code: "EVENTBUS_CLOSED", Message: "event bus is closed"}
)

// ErrPromiseAlreadyResolved is the panic cause when Complete or Fail is
// called on a promise that has already been resolved.
var ErrPromiseAlreadyResolved = &Error{Code: "PROMISE_ALREADY_RESOLVED", Message: "promise already resolved"}

// Causes carried by a PhaseError.
var (
	// ErrPhaseTimeout means the verticle did not resolve its promise in time.
	ErrPhaseTimeout = errors.New("lifecycle phase timed out")

	// ErrHookPanic means the lifecycle hook panicked.
	ErrHookPanic = errors.New("lifecycle hook panicked")

	// ErrNoCause is used when a promise is failed with a nil error.
	ErrNoCause = errors.New("lifecycle phase failed without a cause")
)

// Phase names a lifecycle phase.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseStop  Phase = "stop"
)

// PhaseError is the failure of a start or stop phase.
type PhaseError struct {
	Phase        Phase
	DeploymentID string
	Verticle     string
	Cause        error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("verticle %s (%s) %s failed: %v", e.Verticle, e.DeploymentID, e.Phase, e.Cause)
}

func (e *PhaseError) Unwrap() error {
	return e.Cause
}
