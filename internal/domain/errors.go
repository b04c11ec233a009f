package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports bad or missing command fields.
// No side effect has been performed when it is returned.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidationError creates a ValidationError with a formatted message.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// StateConflictError reports a command that is illegal in the current state.
type StateConflictError struct {
	Message string
}

func (e *StateConflictError) Error() string { return e.Message }

// NewStateConflictError creates a StateConflictError.
func NewStateConflictError(message string) error {
	return &StateConflictError{Message: message}
}

// NotFoundError reports an unknown game or tag id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFoundError creates a NotFoundError for the given record kind.
func NewNotFoundError(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// CollaboratorError wraps a storage or process failure.
// Op is safe to log; Err carries internal detail and must not reach clients.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// NewCollaboratorError wraps err as a CollaboratorError.
func NewCollaboratorError(op string, err error) error {
	return &CollaboratorError{Op: op, Err: err}
}

// IsUserFacing reports whether err's message may be shown to a client as-is.
func IsUserFacing(err error) bool {
	var (
		ve *ValidationError
		se *StateConflictError
		ne *NotFoundError
	)
	return errors.As(err, &ve) || errors.As(err, &se) || errors.As(err, &ne)
}
