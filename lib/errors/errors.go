// Package errors provides structured error types shared by the metapool
// packages. Errors carry a numeric code that travels over the RPC wire so the
// client side can rebuild the sentinel the server started from.
//
// This package provides:
//   - Sentinel errors for common error conditions
//   - Error codes for RPC response categorization
//   - Error wrapping with context preservation
package errors

import (
	"errors"
	"fmt"
)

// Error codes for categorizing errors. These align with JSON-RPC 2.0 error codes
// where applicable, with custom codes in the -32000 to -32099 range.
const (
	// Standard JSON-RPC 2.0 error codes
	CodeParseError     = -32700 // Invalid JSON
	CodeInvalidRequest = -32600 // Invalid request object
	CodeMethodNotFound = -32601 // Method not found
	CodeInvalidParams  = -32602 // Invalid method parameters
	CodeInternal       = -32603 // Internal error

	// Application-specific error codes (-32000 to -32099)
	CodeAuthRequired     = -32001 // Authentication required
	CodePermissionDenied = -32002 // Permission denied
	CodeNotFound         = -32003 // Object not found
	CodeTimeout          = -32005 // Operation timeout
	CodeConflict         = -32006 // Object already exists
	CodeUnavailable      = -32007 // Service unavailable
	CodeConnection       = -32009 // Connection error
	CodeMetaException    = -32020 // Metastore reported a failure of its own
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound indicates an object was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates an object already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates authentication is required.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnavailable indicates a service is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrConnection indicates a connection error.
	ErrConnection = errors.New("connection error")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")
)

// Error is a structured error with a code and safe message.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a safe, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new structured error with the given code and message.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and safe message.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// FromCode rebuilds an error received over the wire. Codes that map to a
// sentinel keep that sentinel in the chain so errors.Is works on the client.
func FromCode(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     sentinelFromCode(code),
	}
}

// Code maps an error to its wire code.
func Code(err error) int {
	var coded *Error
	if errors.As(err, &coded) && coded.Code != 0 {
		return coded.Code
	}
	return codeFromError(err)
}

// codeFromError maps sentinel errors to error codes.
func codeFromError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyExists):
		return CodeConflict
	case errors.Is(err, ErrUnauthorized):
		return CodeAuthRequired
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidParams
	case errors.Is(err, ErrConnection):
		return CodeConnection
	default:
		return CodeInternal
	}
}

func sentinelFromCode(code int) error {
	switch code {
	case CodeNotFound:
		return ErrNotFound
	case CodeConflict:
		return ErrAlreadyExists
	case CodeAuthRequired:
		return ErrUnauthorized
	case CodeTimeout:
		return ErrTimeout
	case CodeUnavailable:
		return ErrUnavailable
	case CodeInvalidParams:
		return ErrInvalidInput
	case CodeConnection:
		return ErrConnection
	default:
		return nil
	}
}

// IsNotFound returns true if the error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if the error indicates an object already exists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsConnection returns true if the error indicates a connection failure.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
