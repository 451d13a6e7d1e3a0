package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures surfaced by the store and projections
type ErrorCode string

const (
	CodeVersionConflict     ErrorCode = "version_conflict"
	CodeValidation          ErrorCode = "validation_error"
	CodeUniquenessViolation ErrorCode = "uniqueness_violation"
	CodeStorageUnavailable  ErrorCode = "storage_unavailable"
	CodeNotFound            ErrorCode = "not_found"
)

// Error is the typed error returned across package boundaries
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches any *Error carrying the same code, so the sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// DuplicateApplicationMessage is surfaced when a volunteer applies to the
// same opportunity under a second application id
const DuplicateApplicationMessage = "already applied to this opportunity"

var (
	ErrVersionConflict     = &Error{Code: CodeVersionConflict}
	ErrValidation          = &Error{Code: CodeValidation}
	ErrUniquenessViolation = &Error{Code: CodeUniquenessViolation}
	ErrStorageUnavailable  = &Error{Code: CodeStorageUnavailable}
	ErrNotFound            = &Error{Code: CodeNotFound}

	// ErrIllegalTransition is wrapped by a validation error when an event
	// would move an aggregate out of a state that does not allow it.
	ErrIllegalTransition = errors.New("illegal state transition")
)

func newError(code ErrorCode, op string, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func VersionConflict(op string, format string, args ...interface{}) error {
	return newError(CodeVersionConflict, op, nil, format, args...)
}

func Validation(op string, cause error, format string, args ...interface{}) error {
	return newError(CodeValidation, op, cause, format, args...)
}

func UniquenessViolation(op string, format string, args ...interface{}) error {
	return newError(CodeUniquenessViolation, op, nil, format, args...)
}

func StorageUnavailable(op string, cause error) error {
	return newError(CodeStorageUnavailable, op, cause, "storage unavailable")
}

func NotFound(op string, format string, args ...interface{}) error {
	return newError(CodeNotFound, op, nil, format, args...)
}

// CodeOf returns the code of the first *Error in the chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether the caller may retry the operation as is
// (version conflicts after reloading, storage faults after backoff).
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeVersionConflict, CodeStorageUnavailable:
		return true
	}
	return false
}

// IsRejection reports whether err is a domain rejection that must not be
// retried: validation failures and uniqueness violations.
func IsRejection(err error) bool {
	switch CodeOf(err) {
	case CodeValidation, CodeUniquenessViolation:
		return true
	}
	return false
}
