package metastore

import (
	"context"

	"github.com/go-i2p/metapool/lib/catalog"
)

// Database describes one database in the metastore.
type Database = catalog.Database

// Client is a session with a metastore. A Client is used by one borrower at a
// time; Reconnect re-establishes the session on the same handle.
type Client interface {
	// ID identifies the handle in logs. It survives Reconnect.
	ID() string
	GetDatabase(ctx context.Context, name string) (*Database, error)
	GetAllDatabases(ctx context.Context) ([]string, error)
	CreateDatabase(ctx context.Context, db *Database) error
	DropDatabase(ctx context.Context, name string) error
	// Reconnect drops the current session, if any, and opens a new one.
	Reconnect(ctx context.Context) error
	// Close ends the session. Closing a closed client returns nil.
	Close() error
}
