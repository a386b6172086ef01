package metastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/go-i2p/metapool/lib/errors"
	"github.com/go-i2p/metapool/lib/rpc"
)

// RemoteClient talks to a metastore server over JSON-RPC. Connecting makes
// one pass over the configured URIs and keeps the first that answers.
type RemoteClient struct {
	id      string
	targets []rpc.ClientConfig
	current int
	conn    *rpc.Client
	closed  bool
}

// NewRemoteClient connects to the first reachable URI in conf.
func NewRemoteClient(ctx context.Context, conf Conf) (Client, error) {
	targets, err := conf.rpcConfigs()
	if err != nil {
		return nil, err
	}

	c := &RemoteClient{
		id:      uuid.NewString(),
		targets: targets,
	}
	if err := c.connect(ctx, 0); err != nil {
		return nil, err
	}
	return c, nil
}

// connect tries every target once, starting at first. Failing all of them
// is reported the way a metastore reports it, as a MetaError.
func (c *RemoteClient) connect(ctx context.Context, first int) error {
	var errs []error
	for i := range c.targets {
		idx := (first + i) % len(c.targets)
		target := c.targets[idx]

		conn, err := c.dial(ctx, idx)
		if err == nil {
			c.conn = conn
			c.current = idx
			c.closed = false
			log.WithField("client", c.id).WithField("address", conn.Address()).Debug("remote metastore client connected")
			return nil
		}

		log.WithField("client", c.id).WithField("address", target.TCPAddress+target.UnixSocketPath).WithError(err).Debug("metastore URI failed")
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return &MetaError{
		Message: "could not connect to meta store using any of the URIs provided",
		Err:     errors.Join(errs...),
	}
}

// dial connects to target idx, re-dialing the existing connection in place
// when it already points there.
func (c *RemoteClient) dial(ctx context.Context, idx int) (*rpc.Client, error) {
	if c.conn != nil && idx == c.current {
		if err := c.conn.Reconnect(ctx); err != nil {
			return nil, err
		}
		return c.conn, nil
	}
	return rpc.Dial(ctx, c.targets[idx])
}

// ID implements Client.
func (c *RemoteClient) ID() string {
	return c.id
}

// Address returns the address of the current connection.
func (c *RemoteClient) Address() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.Address()
}

// Reconnect closes the session and connects again, starting with the URI
// that was last in use.
func (c *RemoteClient) Reconnect(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if err := c.connect(ctx, c.current); err != nil {
		c.closed = true
		return err
	}
	return nil
}

// Close implements Client.
func (c *RemoteClient) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *RemoteClient) session() (*rpc.Client, error) {
	if c.closed || c.conn == nil {
		return nil, &rpc.TransportError{Op: "write", Err: ErrClientClosed}
	}
	return c.conn, nil
}

// GetDatabase implements Client.
func (c *RemoteClient) GetDatabase(ctx context.Context, name string) (*Database, error) {
	conn, err := c.session()
	if err != nil {
		return nil, err
	}
	db, err := conn.GetDatabase(ctx, name)
	if err != nil {
		return nil, callError(err)
	}
	return db, nil
}

// GetAllDatabases implements Client.
func (c *RemoteClient) GetAllDatabases(ctx context.Context) ([]string, error) {
	conn, err := c.session()
	if err != nil {
		return nil, err
	}
	names, err := conn.GetAllDatabases(ctx)
	if err != nil {
		return nil, callError(err)
	}
	return names, nil
}

// CreateDatabase implements Client.
func (c *RemoteClient) CreateDatabase(ctx context.Context, db *Database) error {
	conn, err := c.session()
	if err != nil {
		return err
	}
	return callError(conn.CreateDatabase(ctx, db))
}

// DropDatabase implements Client.
func (c *RemoteClient) DropDatabase(ctx context.Context, name string) error {
	conn, err := c.session()
	if err != nil {
		return err
	}
	return callError(conn.DropDatabase(ctx, name))
}

// callError maps server errors to metastore errors. Transport errors are
// returned as they are so the pool can recognise them.
func callError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	if rpcErr.Code == rpc.ErrCodeMetaException {
		return &MetaError{Message: rpcErr.Message}
	}
	msg := rpcErr.Message
	if rpcErr.Data != nil {
		msg = fmt.Sprintf("%s: %v", msg, rpcErr.Data)
	}
	return apperrors.FromCode(rpcErr.Code, msg)
}
