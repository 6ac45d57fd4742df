package claims

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound reports a missing claim, document or artifact.
	ErrNotFound = errors.New("not found")
	// ErrForbidden reports a role or ownership mismatch.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidTransition reports a move the status table does not allow,
	// including one invalidated by a concurrent update.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrCrypto reports a document that could not be decrypted.
	ErrCrypto = errors.New("document could not be decrypted")
	// ErrConflict reports a uniqueness violation in persistence.
	ErrConflict = errors.New("conflict")
)

// ValidationError names the field and constraint that rejected an input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid returns a *ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
