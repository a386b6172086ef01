package metastore

import (
	"errors"
	"fmt"
	"net"

	apperrors "github.com/go-i2p/metapool/lib/errors"
)

// ErrClientClosed is returned by calls on a closed client. It wraps
// net.ErrClosed so the pool treats it as a lost connection.
var ErrClientClosed = fmt.Errorf("metastore: client is closed: %w", net.ErrClosed)

// MetaError is a failure the metastore service reported about itself, as
// opposed to a failure reaching it.
type MetaError struct {
	// Message is the service's own description of the failure
	Message string
	Err     error
}

func (e *MetaError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *MetaError) Unwrap() error {
	return e.Err
}

// InstantiationError is how the client registry reports that a constructor
// failed. Err is the constructor's own error.
type InstantiationError struct {
	Impl string
	Err  error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("metastore: cannot instantiate %q client: %v", e.Impl, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// ConnectError reports that a new client could not be connected to the metastore.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return "failed to connect to metastore: " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is matches apperrors.ErrConnection.
func (e *ConnectError) Is(target error) bool {
	return target == apperrors.ErrConnection
}

// ReconnectError reports that an existing client could not be reconnected.
type ReconnectError struct {
	ClientID string
	Err      error
}

func (e *ReconnectError) Error() string {
	return fmt.Sprintf("failed to reconnect metastore client %s: %v", e.ClientID, e.Err)
}

func (e *ReconnectError) Unwrap() error {
	return e.Err
}

// Is matches apperrors.ErrConnection.
func (e *ReconnectError) Is(target error) bool {
	return target == apperrors.ErrConnection
}

// EmbeddedConflictRemediation is the operator guidance carried by EmbeddedConflictError.
const EmbeddedConflictRemediation = "an embedded metastore supports only one client; " +
	"configure a remote metastore that supports multiple clients instead"

// EmbeddedConflictError reports that an embedded metastore is already held by
// another instance, so a pool of more than one client can never be built on it.
type EmbeddedConflictError struct {
	Err error
}

func (e *EmbeddedConflictError) Error() string {
	return "failed to start an embedded metastore: " + EmbeddedConflictRemediation + ": " + e.Err.Error()
}

func (e *EmbeddedConflictError) Unwrap() error {
	return e.Err
}

// IsEmbeddedConflict reports whether err is or wraps an EmbeddedConflictError.
func IsEmbeddedConflict(err error) bool {
	var ec *EmbeddedConflictError
	return errors.As(err, &ec)
}
