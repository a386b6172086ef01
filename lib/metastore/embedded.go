package metastore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/go-i2p/metapool/lib/catalog"
	apperrors "github.com/go-i2p/metapool/lib/errors"
)

// EmbeddedClient serves the metastore from a catalog directory opened in
// this process. Only one EmbeddedClient can hold a directory at a time.
type EmbeddedClient struct {
	id   string
	path string
	cat  *catalog.Catalog
}

// NewEmbeddedClient opens the catalog at conf.EmbeddedPath.
func NewEmbeddedClient(ctx context.Context, conf Conf) (Client, error) {
	if conf.EmbeddedPath == "" {
		return nil, fmt.Errorf("metastore: embedded_path is required: %w", apperrors.ErrConfiguration)
	}
	cat, err := catalog.Open(conf.EmbeddedPath)
	if err != nil {
		return nil, err
	}
	c := &EmbeddedClient{
		id:   uuid.NewString(),
		path: conf.EmbeddedPath,
		cat:  cat,
	}
	log.WithField("client", c.id).WithField("dir", cat.Dir()).Debug("embedded metastore client opened")
	return c, nil
}

// ID implements Client.
func (c *EmbeddedClient) ID() string {
	return c.id
}

// Reconnect closes the catalog and opens it again.
func (c *EmbeddedClient) Reconnect(ctx context.Context) error {
	if c.cat != nil {
		if err := c.cat.Close(); err != nil {
			log.WithField("client", c.id).WithError(err).Debug("closing catalog before reopen failed")
		}
		c.cat = nil
	}
	cat, err := catalog.Open(c.path)
	if err != nil {
		return err
	}
	c.cat = cat
	return nil
}

// Close implements Client.
func (c *EmbeddedClient) Close() error {
	if c.cat == nil {
		return nil
	}
	cat := c.cat
	c.cat = nil
	return cat.Close()
}

func (c *EmbeddedClient) store() (*catalog.Catalog, error) {
	if c.cat == nil {
		return nil, ErrClientClosed
	}
	return c.cat, nil
}

// GetDatabase implements Client.
func (c *EmbeddedClient) GetDatabase(ctx context.Context, name string) (*Database, error) {
	cat, err := c.store()
	if err != nil {
		return nil, err
	}
	return cat.GetDatabase(ctx, name)
}

// GetAllDatabases implements Client.
func (c *EmbeddedClient) GetAllDatabases(ctx context.Context) ([]string, error) {
	cat, err := c.store()
	if err != nil {
		return nil, err
	}
	return cat.GetAllDatabases(ctx)
}

// CreateDatabase implements Client.
func (c *EmbeddedClient) CreateDatabase(ctx context.Context, db *Database) error {
	cat, err := c.store()
	if err != nil {
		return err
	}
	return cat.CreateDatabase(ctx, db)
}

// DropDatabase implements Client.
func (c *EmbeddedClient) DropDatabase(ctx context.Context, name string) error {
	cat, err := c.store()
	if err != nil {
		return err
	}
	return cat.DropDatabase(ctx, name)
}
