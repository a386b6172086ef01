// Package rpc provides JSON-RPC 2.0 over Unix socket and TCP for the
// metastore: the wire types, a single-connection client and the server that
// exposes a catalog backend.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-i2p/metapool/lib/catalog"
	apperrors "github.com/go-i2p/metapool/lib/errors"
)

// Protocol version for compatibility checking.
const ProtocolVersion = "1.0"

// Error codes. These are the codes of lib/errors so a code read off the wire
// maps straight back to a sentinel.
const (
	// Parse error - invalid JSON
	ErrCodeParse = apperrors.CodeParseError
	// Invalid request - not a valid Request object
	ErrCodeInvalidRequest = apperrors.CodeInvalidRequest
	// Method not found
	ErrCodeMethodNotFound = apperrors.CodeMethodNotFound
	// Invalid params
	ErrCodeInvalidParams = apperrors.CodeInvalidParams
	// Internal error
	ErrCodeInternal = apperrors.CodeInternal
	// Authentication required
	ErrCodeAuthRequired = apperrors.CodeAuthRequired
	// Permission denied
	ErrCodePermissionDenied = apperrors.CodePermissionDenied
	// No such object
	ErrCodeNotFound = apperrors.CodeNotFound
	// Object already exists
	ErrCodeAlreadyExists = apperrors.CodeConflict
	// The metastore failed while serving the call
	ErrCodeMetaException = apperrors.CodeMetaException
)

// Meta-exception messages follow the Hive metastore wording
// "Got exception: <class> <message>" so existing clients can fingerprint them.
const (
	// MetaExceptionPrefix starts every meta-exception message.
	MetaExceptionPrefix = "Got exception: "
	// MetaExceptionClass is used for backend failures of any other kind.
	MetaExceptionClass = "MetaException"
	// TransportFaultClass names a transport failure between the server and its own backend.
	TransportFaultClass = "org.apache.thrift.transport.TTransportException"
	// TransportFaultFingerprint is what a meta-exception reporting a transport failure contains.
	TransportFaultFingerprint = MetaExceptionPrefix + TransportFaultClass
)

// RPC method names.
const (
	MethodAuth            = "auth"
	MethodPing            = "ping"
	MethodGetDatabase     = "get_database"
	MethodGetAllDatabases = "get_all_databases"
	MethodCreateDatabase  = "create_database"
	MethodDropDatabase    = "drop_database"
)

// Request represents a JSON-RPC request.
type Request struct {
	// JSONRPC must be "2.0"
	JSONRPC string `json:"jsonrpc"`
	// Method is the RPC method name
	Method string `json:"method"`
	// Params are the method parameters (can be object or array)
	Params json.RawMessage `json:"params,omitempty"`
	// ID is the request identifier (can be string or number)
	ID json.RawMessage `json:"id,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	// JSONRPC is always "2.0"
	JSONRPC string `json:"jsonrpc"`
	// Result is the method result (omitted on error)
	Result json.RawMessage `json:"result,omitempty"`
	// Error is the error object (omitted on success)
	Error *Error `json:"error,omitempty"`
	// ID matches the request ID
	ID json.RawMessage `json:"id,omitempty"`
}

// Error represents a JSON-RPC error.
type Error struct {
	// Code is the error code
	Code int `json:"code"`
	// Message is a short description
	Message string `json:"message"`
	// Data contains additional information
	Data any `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// NewError creates a new Error with the given code and message.
func NewError(code int, message string, data any) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// NewErrorResponse creates a Response with an error.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{
		JSONRPC: "2.0",
		Error:   err,
		ID:      id,
	}
}

// NewSuccessResponse creates a Response with a result.
func NewSuccessResponse(id json.RawMessage, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{
		JSONRPC: "2.0",
		Result:  data,
		ID:      id,
	}, nil
}

// ValidateRequest checks that a Request is valid JSON-RPC 2.0.
func ValidateRequest(req *Request) error {
	if req.JSONRPC != "2.0" {
		return errors.New("jsonrpc must be \"2.0\"")
	}
	if req.Method == "" {
		return errors.New("method is required")
	}
	return nil
}

// Common error constructors.

// ErrMethodNotFound returns a method not found error.
func ErrMethodNotFound(method string) *Error {
	return NewError(ErrCodeMethodNotFound, "method not found", method)
}

// ErrInvalidParams returns an invalid parameters error.
func ErrInvalidParams(details string) *Error {
	return NewError(ErrCodeInvalidParams, "invalid params", details)
}

// ErrInternal returns an internal error.
func ErrInternal(details string) *Error {
	return NewError(ErrCodeInternal, "internal error", details)
}

// ErrAuthRequired returns an authentication required error.
func ErrAuthRequired() *Error {
	return NewError(ErrCodeAuthRequired, "authentication required", nil)
}

// ErrPermissionDenied returns a permission denied error.
func ErrPermissionDenied(details string) *Error {
	return NewError(ErrCodePermissionDenied, "permission denied", details)
}

// ErrMetaException returns a meta-exception carrying message verbatim.
func ErrMetaException(message string) *Error {
	return NewError(ErrCodeMetaException, message, nil)
}

// ---- Request/Response types for each RPC method ----

// AuthParams is the request for the "auth" method.
type AuthParams struct {
	// Token is the hex-encoded shared secret
	Token string `json:"token"`
}

// PingResult is the response for the "ping" method.
type PingResult struct {
	// Version is the server software version
	Version string `json:"version"`
	// Protocol is the protocol version
	Protocol string `json:"protocol"`
	// Time is the server clock
	Time time.Time `json:"time"`
}

// DatabaseNameParams is the request for "get_database" and "drop_database".
type DatabaseNameParams struct {
	// Name is the database name
	Name string `json:"name"`
}

// CreateDatabaseParams is the request for "create_database".
type CreateDatabaseParams struct {
	Database catalog.Database `json:"database"`
}

// GetAllDatabasesResult is the response for "get_all_databases".
type GetAllDatabasesResult struct {
	Databases []string `json:"databases"`
}
