package metastore

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/metapool/lib/catalog"
	apperrors "github.com/go-i2p/metapool/lib/errors"
	"github.com/go-i2p/metapool/lib/rpc"
)

// fakeClient is a Client whose failures are set by the test.
type fakeClient struct {
	id string

	mu           sync.Mutex
	broken       bool
	closed       bool
	closeCalls   int
	reconnects   int
	closeErr     error
	reconnectErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{id: uuid.NewString()}
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.broken {
		return &rpc.TransportError{Op: "read", Err: io.EOF}
	}
	return nil
}

func (c *fakeClient) GetDatabase(ctx context.Context, name string) (*Database, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return &Database{Name: name}, nil
}

func (c *fakeClient) GetAllDatabases(ctx context.Context) ([]string, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return []string{"default"}, nil
}

func (c *fakeClient) CreateDatabase(ctx context.Context, db *Database) error {
	return c.check()
}

func (c *fakeClient) DropDatabase(ctx context.Context, name string) error {
	return c.check()
}

func (c *fakeClient) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
	if c.reconnectErr != nil {
		return c.reconnectErr
	}
	c.broken = false
	c.closed = false
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	c.closed = true
	return c.closeErr
}

func (c *fakeClient) setBroken(broken bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = broken
}

// factoryFunc adapts a function to Factory.
type factoryFunc func(ctx context.Context, conf Conf, impl string) (Client, error)

func (f factoryFunc) CreateClient(ctx context.Context, conf Conf, impl string) (Client, error) {
	return f(ctx, conf, impl)
}

// countingFactory counts CreateClient calls made through it.
type countingFactory struct {
	next  Factory
	calls atomic.Int32
}

func (f *countingFactory) CreateClient(ctx context.Context, conf Conf, impl string) (Client, error) {
	f.calls.Add(1)
	return f.next.CreateClient(ctx, conf, impl)
}

// newFakePool returns a pool whose factory always hands out client.
func newFakePool(t *testing.T, size int, client *fakeClient) *ClientPool {
	t.Helper()
	cp, err := NewClientPool(size, Conf{}, WithFactory(factoryFunc(
		func(ctx context.Context, conf Conf, impl string) (Client, error) {
			return client, nil
		})))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Close() })
	return cp
}

// startMetastore serves backend over TCP on a random loopback port.
func startMetastore(t *testing.T, backend rpc.Backend) *rpc.Server {
	t.Helper()
	cfg := rpc.ServerConfig{TCPAddress: "127.0.0.1:0"}
	srv, err := rpc.NewServer(cfg)
	require.NoError(t, err)
	rpc.NewHandlers(backend, "test").RegisterAll(srv)
	require.NoError(t, srv.Start(context.Background(), cfg))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

// startCatalogMetastore serves a fresh catalog over TCP.
func startCatalogMetastore(t *testing.T) (*rpc.Server, *catalog.Catalog) {
	t.Helper()
	cat, err := catalog.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return startMetastore(t, cat), cat
}

// deadAddress returns a loopback address nothing listens on.
func deadAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// faultyBackend fails every call with err while err is set, and otherwise
// serves from an embedded catalog.
type faultyBackend struct {
	rpc.Backend
	mu  sync.Mutex
	err error
}

func (b *faultyBackend) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *faultyBackend) failure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *faultyBackend) GetAllDatabases(ctx context.Context) ([]string, error) {
	if err := b.failure(); err != nil {
		return nil, err
	}
	return b.Backend.GetAllDatabases(ctx)
}

var errUpstreamDown = errors.Join(apperrors.ErrConnection, errors.New("upstream metastore unreachable"))
