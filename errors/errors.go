package errors

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DriverError is a wrapper around system errno codes, with a customizable error
// message.
//
// Two DriverErrors are considered equivalent by [errors.Is] if they carry the
// same errno code, so callers can test against the sentinels defined in this
// package (or the ones derived from them) regardless of any added context.
type DriverError interface {
	error
	Errno() Errno
	Unwrap() error
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
}

type driverError struct {
	errno         Errno
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e *driverError) Error() string {
	if e.message != "" {
		return e.message
	}
	return StrError(e.errno)
}

func (e *driverError) Errno() Errno {
	return e.errno
}

func (e *driverError) Unwrap() error {
	return e.originalError
}

// Is reports whether `target` is a [DriverError] with the same errno code.
func (e *driverError) Is(target error) bool {
	other, ok := target.(DriverError)
	if !ok {
		return false
	}
	return other.Errno() == e.errno
}

// WithMessage returns a copy of the error with `message` appended to the
// current message. The errno code is preserved.
func (e *driverError) WithMessage(message string) DriverError {
	return &driverError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.Error(), message),
		originalError: e,
	}
}

// Wrap returns a copy of the error that has `err` as a cause. Both this error
// and `err` are visible to [errors.Is] and [errors.As].
func (e *driverError) Wrap(err error) DriverError {
	return &driverError{
		errno:         e.errno,
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// New creates a new [DriverError] with a default message derived from the
// system's error code.
func New(errnoCode Errno) DriverError {
	return &driverError{
		errno:   errnoCode,
		message: StrError(errnoCode),
	}
}

func NewFromError(errnoCode Errno, originalError error) DriverError {
	return &driverError{
		errno:         errnoCode,
		message:       fmt.Sprintf("%s: %s", StrError(errnoCode), originalError.Error()),
		originalError: originalError,
	}
}

// NewWithMessage creates a new DriverError from a system error code with a
// custom message.
func NewWithMessage(errnoCode Errno, message string) DriverError {
	return &driverError{
		errno:   errnoCode,
		message: fmt.Sprintf("%s: %s", StrError(errnoCode), message),
	}
}

// CastToDriverError returns `err` unchanged if it's already a [DriverError],
// otherwise wraps it in one with the code [EIO]. nil stays nil.
func CastToDriverError(err error) DriverError {
	if err == nil {
		return nil
	}
	if driverErr, ok := err.(DriverError); ok {
		return driverErr
	}
	return NewFromError(EIO, err)
}
