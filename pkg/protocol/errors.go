package protocol

import (
	"errors"
	"fmt"
)

// Error codes carried in {code, message} response bodies.
const (
	ErrInvalidArgument   = "INVALID_ARGUMENT"
	ErrAlreadyExists     = "ALREADY_EXISTS"
	ErrNotFound          = "NOT_FOUND"
	ErrInstanceNotReady  = "INSTANCE_NOT_READY"
	ErrStorage           = "STORAGE_ERROR"
	ErrInternal          = "INTERNAL"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrResourceExhausted = "RESOURCE_EXHAUSTED"
)

// Error is a coded error. Err, when set, is the underlying cause.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so sentinel errors compare by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Errorf builds a coded error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or ErrInternal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal
}

// MessageOf returns the client-facing message for err. Causes of internal
// failures are not exposed.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Code == ErrInternal || e.Code == ErrStorage {
			return e.Message
		}
		return e.Error()
	}
	return "internal error"
}
