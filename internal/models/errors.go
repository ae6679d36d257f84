package models

import (
	"errors"
	"fmt"
)

// ErrInsufficientData is returned internally when a series is too short to
// analyse. Callers of the public surface receive empty results instead.
var ErrInsufficientData = errors.New("insufficient data")

// ErrInternal is the generic error surfaced for unexpected failures.
var ErrInternal = errors.New("internal error")

// ErrNotAuthenticated is returned for broker operations attempted before the
// connection completed its handshake.
var ErrNotAuthenticated = errors.New("connection not authenticated")

// ValidationError reports malformed input. It is always returned before any
// state is mutated.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// NewValidationError is a shorthand constructor.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown identifier.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// StoreConsistencyError is a fatal invariant violation in the metric store,
// such as an upsert that affected an unexpected number of rows.
type StoreConsistencyError struct {
	Op  string
	Err error
}

func (e *StoreConsistencyError) Error() string {
	return fmt.Sprintf("store consistency violation in %s: %v", e.Op, e.Err)
}

func (e *StoreConsistencyError) Unwrap() error { return e.Err }

// DeliveryError reports a failed send to a single connection.
type DeliveryError struct {
	ConnectionID string
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to connection %s failed: %v", e.ConnectionID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// UnauthorizedError reports an actor acting outside its scope.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Reason
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is or wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsUnauthorized reports whether err is or wraps an *UnauthorizedError.
func IsUnauthorized(err error) bool {
	var ue *UnauthorizedError
	return errors.As(err, &ue)
}
