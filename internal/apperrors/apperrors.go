package apperrors

import (
	"errors"
	"fmt"
)

// Error is a request-surfaceable error carrying an HTTP status. Validation and
// authorization errors keep their specific message; backend failures inside
// confirm/repaid flows are logged in full and re-signaled through BadRequest
// with a generic message.
type Error struct {
	Status  int
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.cause }

func BadRequest(msg string) *Error {
	return &Error{Status: 400, Message: msg}
}

func BadRequestf(format string, args ...any) *Error {
	return &Error{Status: 400, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(msg string) *Error {
	return &Error{Status: 401, Message: msg}
}

func Forbidden(msg string) *Error {
	return &Error{Status: 403, Message: msg}
}

func Internal(msg string, cause error) *Error {
	return &Error{Status: 500, Message: msg, cause: cause}
}

// StatusOf maps any error to an HTTP status, defaulting to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 500
}
