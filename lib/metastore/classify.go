package metastore

import (
	"errors"
	"regexp"
	"strings"

	"github.com/go-i2p/metapool/lib/catalog"
	"github.com/go-i2p/metapool/lib/pool"
	"github.com/go-i2p/metapool/lib/rpc"
)

// Both fingerprints below match error wording, not structure. They exist for
// metastores that only report these conditions as text.

// embeddedConflictPattern matches single-writer embedded backends refusing a
// second instance, e.g. "Another instance of Derby may have already booted
// the database /var/metastore_db".
var embeddedConflictPattern = regexp.MustCompile(`Another instance of .+ may have already booted`)

// IsTransportFault reports whether err carries a MetaError whose message says
// the service's own transport failed underneath it.
func IsTransportFault(err error) bool {
	var me *MetaError
	if !errors.As(err, &me) {
		return false
	}
	return strings.Contains(me.Message, rpc.TransportFaultFingerprint)
}

// isTransportError is the baseline connection error classifier for metastore
// clients: RPC transport failures plus the net and io errors lib/pool knows.
func isTransportError(err error) bool {
	return rpc.IsTransportError(err) || pool.IsTransportError(err)
}

// isBootConflict reports whether err says an embedded backend is already
// booted elsewhere, whatever the error's type.
func isBootConflict(err error) bool {
	return errors.Is(err, catalog.ErrAlreadyBooted) || embeddedConflictPattern.MatchString(err.Error())
}

// classifyCreateError maps a factory failure to the error NewClient returns.
func classifyCreateError(err error) error {
	if isBootConflict(err) {
		return &EmbeddedConflictError{Err: err}
	}

	// The registry wraps constructor errors; a MetaError underneath is what
	// the caller needs to see.
	var inst *InstantiationError
	if errors.As(err, &inst) {
		if me, ok := inst.Err.(*MetaError); ok {
			return &ConnectError{Err: me}
		}
	}
	return &ConnectError{Err: err}
}
