package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidState is returned when an alert operation is not allowed
	// from the alert's current status.
	ErrInvalidState = errors.New("invalid alert state")

	// ErrConflict is returned by a conditional status update when the stored
	// status no longer matches the expected one.
	ErrConflict = errors.New("alert status conflict")

	ErrNotFound       = errors.New("not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrDuplicateEmail = errors.New("email already registered")
)

// ValidationError describes a malformed field on an entity.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects several validation failures.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// IsValidation reports whether err is or wraps a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	var ves ValidationErrors
	return errors.As(err, &ve) || errors.As(err, &ves)
}
