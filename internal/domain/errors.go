package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrNotConnected is returned when an operation requires an active
	// tunnel and none is held, or when a token exchange is already
	// pending. Callers must re-establish the precondition before retrying.
	ErrNotConnected = errors.New("remote tunnel not connected")

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTokenInvalid means a session token is unknown, expired, or was
	// already consumed.
	ErrTokenInvalid = errors.New("session token invalid or already used")

	// ErrNoActiveChannel means the relay has no connected agent channel to
	// route an inbound session to.
	ErrNoActiveChannel = errors.New("no active agent channel")
)

// BackendError indicates the control plane rejected or failed to answer a
// registration or token request. A timed-out call surfaces identically to a
// rejected one: both mean "backend unavailable" to the caller.
type BackendError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// TunnelError wraps an underlying transport failure with tunnel context.
type TunnelError struct {
	Server string
	Op     string
	Err    error
}

func (e *TunnelError) Error() string {
	if e.Server != "" {
		return fmt.Sprintf("tunnel %s: %s: %v", e.Server, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
