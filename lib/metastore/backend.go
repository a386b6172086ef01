package metastore

import (
	"context"

	"github.com/go-i2p/metapool/lib/rpc"
)

// PoolBackend serves rpc handlers from a ClientPool, so a metastore server
// can front another metastore.
type PoolBackend struct {
	pool *ClientPool
}

var _ rpc.Backend = (*PoolBackend)(nil)

// NewPoolBackend returns a Backend that runs every call on a pooled client.
func NewPoolBackend(p *ClientPool) *PoolBackend {
	return &PoolBackend{pool: p}
}

func (b *PoolBackend) GetDatabase(ctx context.Context, name string) (*Database, error) {
	return Do(ctx, b.pool, func(c Client) (*Database, error) {
		return c.GetDatabase(ctx, name)
	})
}

func (b *PoolBackend) GetAllDatabases(ctx context.Context) ([]string, error) {
	return Do(ctx, b.pool, func(c Client) ([]string, error) {
		return c.GetAllDatabases(ctx)
	})
}

func (b *PoolBackend) CreateDatabase(ctx context.Context, db *Database) error {
	return b.pool.Run(ctx, func(c Client) error {
		return c.CreateDatabase(ctx, db)
	})
}

func (b *PoolBackend) DropDatabase(ctx context.Context, name string) error {
	return b.pool.Run(ctx, func(c Client) error {
		return c.DropDatabase(ctx, name)
	})
}
