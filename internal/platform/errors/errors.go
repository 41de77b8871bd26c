// Package errors provides the service's structured application errors.
//
// Every error that crosses a layer boundary is an *AppError carrying a
// machine-readable Code. Transport adapters map codes to status codes; the
// domain layer only ever checks codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is a machine-readable error classification.
type ErrorCode string

const (
	ErrCodeInternal           ErrorCode = "INTERNAL"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeValidation         ErrorCode = "VALIDATION"
	ErrCodeInsufficientCredit ErrorCode = "INSUFFICIENT_CREDIT"
	ErrCodeAlreadyResolved    ErrorCode = "ALREADY_RESOLVED"
)

// AppError is an error with a code and an optional wrapped cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError without a cause.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to err. Wrapping an error that is already
// an *AppError keeps the inner code unless the outer code is more specific
// than INTERNAL.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	var inner *AppError
	if code == ErrCodeInternal && stderrors.As(err, &inner) {
		code = inner.Code
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing record.
func NotFound(resource, id string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s %q not found", resource, id))
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, message string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("%s: %s", field, message))
}

// Validation reports a domain object that failed validation and was not persisted.
func Validation(message string, err error) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message, Err: err}
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// INTERNAL when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps an error to an HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeAlreadyResolved:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeInvalidInput, ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeInsufficientCredit:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}
