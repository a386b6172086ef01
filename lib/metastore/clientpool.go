package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/go-i2p/metapool/lib/errors"
	"github.com/go-i2p/metapool/lib/pool"
)

// ClientPool is a bounded pool of metastore clients.
//
// It never retries inside its hooks: a client whose connection broke during
// a call is marked suspect and reconnected when next borrowed, and the
// failing call's error goes back to the caller. Retrying the call is left to
// the caller.
type ClientPool struct {
	engine  *pool.Pool[Client]
	conf    Conf
	impl    string
	factory Factory
	size    int
}

// Option configures a ClientPool.
type Option func(*options)

type options struct {
	impl           string
	factory        Factory
	name           string
	acquireTimeout time.Duration
	maxIdleTime    time.Duration
	hasMaxIdle     bool
}

// WithClientImpl selects the client implementation by registry name.
func WithClientImpl(impl string) Option {
	return func(o *options) { o.impl = impl }
}

// WithFactory replaces DefaultRegistry as the source of clients.
func WithFactory(f Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithName labels the pool in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithAcquireTimeout bounds the wait for a free client when the caller's
// context has no deadline.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *options) { o.acquireTimeout = d }
}

// WithMaxIdleTime closes clients left idle for longer than d. Zero keeps them forever.
func WithMaxIdleTime(d time.Duration) Option {
	return func(o *options) {
		o.maxIdleTime = d
		o.hasMaxIdle = true
	}
}

// NewClientPool creates a pool of at most poolSize clients built from conf.
// conf is copied; changing the caller's value later does not affect the pool.
func NewClientPool(poolSize int, conf Conf, opts ...Option) (*ClientPool, error) {
	if poolSize <= 0 {
		return nil, fmt.Errorf("metastore: pool size must be positive, got %d: %w", poolSize, apperrors.ErrInvalidInput)
	}

	o := options{impl: DefaultImpl, factory: DefaultRegistry}
	for _, opt := range opts {
		opt(&o)
	}
	if o.factory == nil {
		return nil, fmt.Errorf("metastore: nil factory: %w", apperrors.ErrInvalidInput)
	}

	cp := &ClientPool{
		conf:    conf.Clone(),
		impl:    o.impl,
		factory: o.factory,
		size:    poolSize,
	}

	cfg := pool.DefaultConfig()
	cfg.Name = o.name
	cfg.MaxSize = poolSize
	if o.acquireTimeout > 0 {
		cfg.AcquireTimeout = o.acquireTimeout
	}
	if o.hasMaxIdle {
		cfg.MaxIdleTime = o.maxIdleTime
	}
	cfg.Reconnectable = isTransportError
	cfg.RetryByDefault = false

	cp.engine = pool.New[Client](cp, cfg)

	log.WithField("pool", cp.engine.Name()).
		WithField("size", poolSize).
		WithField("impl", cp.impl).
		Debug("metastore client pool created")
	return cp, nil
}

// NewClient builds a connected client through the factory.
//
// A backend that is already booted by another instance yields an
// *EmbeddedConflictError. Every other failure yields a *ConnectError; when
// the registry wrapped a *MetaError, the ConnectError wraps the MetaError
// directly.
func (cp *ClientPool) NewClient(ctx context.Context) (Client, error) {
	client, err := cp.factory.CreateClient(ctx, cp.conf.Clone(), cp.impl)
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		classified := classifyCreateError(err)
		log.WithField("pool", cp.engine.Name()).WithError(classified).Warn("metastore client creation failed")
		return nil, classified
	}
	if client == nil {
		return nil, &ConnectError{Err: errors.New("factory returned no client")}
	}

	log.WithField("pool", cp.engine.Name()).WithField("client", client.ID()).Debug("metastore client created")
	return client, nil
}

// Reconnect closes client's session and reconnects it in place. It returns
// the same handle or a *ReconnectError.
func (cp *ClientPool) Reconnect(ctx context.Context, client Client) (Client, error) {
	if err := client.Close(); err != nil {
		log.WithField("client", client.ID()).WithError(err).Debug("close before reconnect failed")
	}
	if err := client.Reconnect(ctx); err != nil {
		return nil, &ReconnectError{ClientID: client.ID(), Err: err}
	}
	log.WithField("pool", cp.engine.Name()).WithField("client", client.ID()).Debug("metastore client reconnected")
	return client, nil
}

// IsConnectionError reports whether err means the client's connection is
// gone: a transport failure, or a MetaError in which the server reports a
// transport failure of its own.
func (cp *ClientPool) IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	return cp.engine.IsReconnectable(err) || IsTransportFault(err)
}

// CloseClient closes client.
func (cp *ClientPool) CloseClient(client Client) error {
	return client.Close()
}

// Run borrows a client and runs action with it. Errors from action are
// returned unchanged.
func (cp *ClientPool) Run(ctx context.Context, action func(Client) error) error {
	return cp.engine.Run(ctx, action)
}

// Close closes the pool and its idle clients.
func (cp *ClientPool) Close() error {
	return cp.engine.Close()
}

// Stats returns the pool's counters.
func (cp *ClientPool) Stats() pool.Stats {
	return cp.engine.Stats()
}

// Conf returns a copy of the pool's client configuration.
func (cp *ClientPool) Conf() Conf {
	return cp.conf.Clone()
}

// Impl returns the client implementation name.
func (cp *ClientPool) Impl() string {
	return cp.impl
}

// Size returns the maximum number of clients.
func (cp *ClientPool) Size() int {
	return cp.size
}

// Name returns the pool name used in logs and metrics.
func (cp *ClientPool) Name() string {
	return cp.engine.Name()
}

// Do runs fn with a borrowed client and returns its value.
func Do[T any](ctx context.Context, cp *ClientPool, fn func(Client) (T, error)) (T, error) {
	return pool.Do(ctx, cp.engine, fn)
}
