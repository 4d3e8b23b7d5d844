// ABOUTME: Error taxonomy for the messaging service
// ABOUTME: Validation errors carry field detail; sentinels map to HTTP statuses at the boundary

package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized is returned when the actor is not a participant of the target conversation.
	ErrUnauthorized = errors.New("unauthorized access to this conversation")

	// ErrNotFound is returned when a referenced conversation or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for requests that are well-formed but not allowed,
	// such as starting a conversation with yourself.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ValidationError reports a malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Fields returns the field-level detail for a response body.
func (e *ValidationError) Fields() map[string]string {
	return map[string]string{e.Field: e.Message}
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
