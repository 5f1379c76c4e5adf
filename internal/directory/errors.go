package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// AuthError reports an invalid credential or an expired/revoked token.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %s", e.Reason) }

// NetworkError reports a timeout or an unreachable directory. Callers
// retry on their next natural trigger, never in a tight loop.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network: %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ConflictError reports a duplicate unique key (e.g. registering an
// existing email, or racing a find-or-insert).
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string { return fmt.Sprintf("conflict: %s", e.Detail) }

// ValidationError reports malformed input caught before or by the
// directory.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Detail)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Detail)
}

// NotFoundError reports an operation on a deleted or missing row.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Resource, e.ID) }

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// IsNetwork reports whether err is a NetworkError, a deadline expiry or
// a transport-level failure.
func IsNetwork(err error) bool {
	var e *NetworkError
	if errors.As(err, &e) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}
