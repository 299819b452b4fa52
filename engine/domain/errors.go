package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the gateway validation gate and session lifecycle.
var (
	ErrChunkTooLarge     = errors.New("audio chunk exceeds size limit")
	ErrChunkTooLong      = errors.New("audio chunk exceeds duration limit")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrEmptyChunk        = errors.New("empty audio chunk")

	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionCompleted = errors.New("session already completed")

	ErrEmptyGeneration = errors.New("generation produced no text")
)

// ValidationError wraps a sentinel with the offending field and value.
// Validation failures are rejected synchronously with zero side effects.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// IsValidation reports whether err is a synchronous validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
