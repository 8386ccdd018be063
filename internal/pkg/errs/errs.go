/*
Package errs provides custom error types and application-level error code constants.

This file defines CustomError, which carries a business code, a user-facing message and an HTTP
status code so that HTTP handlers and the WebSocket relay report failures the same way.
*/
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"meetmesh/internal/pkg/logx"
)

// CustomError is the custom error structure used throughout the application.
type CustomError struct {
	// Code is the business error code (see constants definition).
	Code int

	// Message is the user-friendly error description.
	Message string

	// Status is the standard HTTP status code corresponding to this error.
	Status int

	// cause is the internal error behind this one. It is logged, never sent to clients.
	cause error
}

// Error implements the error interface.
func (e CustomError) Error() string {
	return fmt.Sprintf("Error Code %d (HTTP %d): %s", e.Code, e.Status, e.Message)
}

// Unwrap returns the internal cause, if any.
func (e *CustomError) Unwrap() error {
	return e.cause
}

// Cause returns the internal cause, or nil.
func (e *CustomError) Cause() error {
	return e.cause
}

// Is lets errors.Is match two CustomErrors by business code.
func (e *CustomError) Is(target error) bool {
	var other *CustomError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// NewError constructs a *CustomError from a predefined error code.
// The optional details are printf arguments for the message template. For ErrUnknown, the first
// detail may be the underlying error, which becomes the cause instead of being shown to the client.
// An unknown code yields ErrUnknown.
func NewError(code int, details ...any) *CustomError {
	templateErr, ok := errorMap[code]

	if !ok {
		logx.Error(
			fmt.Errorf("attempted to create an error with an unknown code in errorMap"),
			"Unknown error code requested",
			"requested_code", code,
		)

		unknownErr := errorMap[ErrUnknown]
		return &CustomError{
			Code:    unknownErr.Code,
			Message: unknownErr.Message,
			Status:  unknownErr.Status,
		}
	}

	customErr := templateErr

	if customErr.Status == 0 {
		customErr.Status = http.StatusOK
	}

	if code == ErrUnknown && len(details) > 0 {
		if originalErr, ok := details[0].(error); ok {
			customErr.cause = originalErr
		}
	} else if len(details) > 0 {
		if strings.Contains(customErr.Message, "%") {
			customErr.Message = fmt.Sprintf(customErr.Message, details...)
		} else {
			logx.Warn("Details provided for error, but message template has no formatting placeholders. Details ignored.")
		}
	}

	return &customErr
}

// Wrap constructs the error for code with cause attached.
func Wrap(code int, cause error) *CustomError {
	customErr := NewError(code)
	customErr.cause = cause
	return customErr
}

// Code extracts the business code from err, or ErrUnknown if err is not a CustomError.
func Code(err error) int {
	var customErr *CustomError
	if errors.As(err, &customErr) {
		return customErr.Code
	}
	return ErrUnknown
}
