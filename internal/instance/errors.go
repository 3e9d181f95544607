package instance

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures across providers, the registry and the
// migration manager.
type ErrorCode string

const (
	ErrNotFound              ErrorCode = "NOT_FOUND"
	ErrInvalidState          ErrorCode = "INVALID_STATE"
	ErrCapabilityUnsupported ErrorCode = "CAPABILITY_UNSUPPORTED"
	ErrProviderFailure       ErrorCode = "PROVIDER_FAILURE"
	ErrTimeout               ErrorCode = "TIMEOUT"
	ErrPersistenceFailure    ErrorCode = "PERSISTENCE_FAILURE"
)

// Error is the typed error returned by every public operation in this
// module. Callers branch on Code, not on message text.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds a typed error from a format string.
func Errf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a typed code to an underlying error.
func WrapErr(code ErrorCode, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the error code, defaulting untyped errors to
// PROVIDER_FAILURE since those invariably originate in an external call.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrProviderFailure
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return err != nil && CodeOf(err) == ErrNotFound
}
