package broadcast

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrInternal   = errors.New("internal error")
)

// errStopped reports that a wait was interrupted by the kill switch.
var errStopped = errors.New("broadcast stopped")

// Error is a structured error returned by the dispatcher.
type Error struct {
	Kind    error  // ErrValidation, ErrNotFound or ErrInternal
	Field   string // request field for validation errors
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Is matches the sentinel kind, so errors.Is(err, ErrValidation) works.
func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Cause }

func validation(field, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func unresolved(channel string, cause error) error {
	return &Error{Kind: ErrValidation, Field: "channels", Message: fmt.Sprintf("channel %s not found", channel), Cause: cause}
}

func internal(op string, cause error) error {
	return &Error{Kind: ErrInternal, Message: op, Cause: cause}
}

// NotFound builds the error returned for unknown broadcast ids.
func NotFound(id string) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf("broadcast %s not found", id)}
}
