// Package pool provides a generic client pool that owns the slot bookkeeping
// (borrow, return, size limit, waiting) and delegates everything that depends
// on what a client talks to through a Lifecycle.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = errors.New("pool: pool is closed")
	// ErrTimeout is returned when acquiring a client times out.
	ErrTimeout = errors.New("pool: client acquisition timeout")
)

const defaultNamePrefix = "pool"

var poolCounter uint64

// Lifecycle supplies the pool with the client specific parts of slot
// management. The pool never calls two hooks on the same client concurrently.
type Lifecycle[C any] interface {
	// NewClient builds a fully usable client or fails.
	NewClient(ctx context.Context) (C, error)
	// Reconnect heals a client whose connection is suspect. It returns the
	// client to keep in the slot, usually the same handle.
	Reconnect(ctx context.Context, client C) (C, error)
	// IsConnectionError reports whether err means the client's connection is
	// broken rather than the operation failing on its own terms.
	IsConnectionError(err error) bool
	// CloseClient releases the client's resources.
	CloseClient(client C) error
}

// Action is the work performed with a borrowed client.
type Action[C any] func(client C) error

// Config configures the pool.
type Config struct {
	// Name labels the pool in logs and metrics.
	// Default: "pool-<n>"
	Name string
	// MaxSize is the maximum number of live clients.
	// Default: 10
	MaxSize int
	// AcquireTimeout is how long to wait for a slot when the context has no deadline.
	// Default: 30 seconds
	AcquireTimeout time.Duration
	// MaxIdleTime is how long an idle client can stay in the pool.
	// Zero keeps idle clients forever.
	MaxIdleTime time.Duration
	// EvictionInterval is how often idle clients are checked against MaxIdleTime.
	// Set to 0 to evict only on acquire.
	EvictionInterval time.Duration
	// Reconnectable is the baseline connection error classifier.
	// Default: IsTransportError
	Reconnectable func(error) bool
	// RetryByDefault makes Run reconnect and rerun the action once when it
	// fails with a connection error.
	RetryByDefault bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:          10,
		AcquireTimeout:   30 * time.Second,
		MaxIdleTime:      10 * time.Minute,
		EvictionInterval: 1 * time.Minute,
		Reconnectable:    IsTransportError,
	}
}

type slotState int

const (
	slotLive slotState = iota
	slotSuspect
)

// slot is one pool position and the client currently occupying it.
type slot[C any] struct {
	client    C
	state     slotState
	createdAt time.Time
	lastUsed  time.Time
}

// Pool is a bounded pool of clients.
type Pool[C any] struct {
	lc        Lifecycle[C]
	config    Config
	mu        sync.Mutex
	cond      *sync.Cond
	idle      []*slot[C]
	numOpen   int
	closed    bool
	stopEvict chan struct{}
	evictDone chan struct{}

	// Metrics
	acquireCount      uint64
	acquireSuccess    uint64
	acquireFailed     uint64
	releaseCount      uint64
	created           uint64
	reconnects        uint64
	reconnectFailures uint64
	discarded         uint64
}

// New creates a new pool. No client is created until the first borrow.
func New[C any](lc Lifecycle[C], cfg Config) *Pool[C] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.Reconnectable == nil {
		cfg.Reconnectable = IsTransportError
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("%s-%d", defaultNamePrefix, atomic.AddUint64(&poolCounter, 1))
	}

	p := &Pool[C]{
		lc:        lc,
		config:    cfg,
		idle:      make([]*slot[C], 0, cfg.MaxSize),
		stopEvict: make(chan struct{}),
		evictDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	if cfg.EvictionInterval > 0 && cfg.MaxIdleTime > 0 {
		go p.evictionLoop()
	} else {
		close(p.evictDone)
	}

	registerPool(cfg.Name, p)
	log.WithField("pool", cfg.Name).WithField("maxSize", cfg.MaxSize).Debug("pool created")
	return p
}

// Name returns the pool name.
func (p *Pool[C]) Name() string {
	return p.config.Name
}

// IsReconnectable applies the baseline connection error classifier the pool
// was configured with.
func (p *Pool[C]) IsReconnectable(err error) bool {
	return err != nil && p.config.Reconnectable(err)
}

// Run borrows a client, runs action with it and returns the client.
// Whether a connection failure is retried once follows Config.RetryByDefault.
func (p *Pool[C]) Run(ctx context.Context, action Action[C]) error {
	return p.RunWithRetry(ctx, action, p.config.RetryByDefault)
}

// RunWithRetry is Run with an explicit retry choice.
//
// Errors the Lifecycle does not classify as connection errors are returned
// unchanged and the client goes back to the pool as is. A connection error
// either marks the slot suspect, so the next borrower gets it reconnected
// first, or with retry reconnects at once and reruns action one more time.
func (p *Pool[C]) RunWithRetry(ctx context.Context, action Action[C], retry bool) error {
	s, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	err = action(s.client)
	if err == nil || !p.lc.IsConnectionError(err) {
		p.release(s)
		return err
	}

	log.WithField("pool", p.config.Name).WithError(err).Debug("connection failure on borrowed client")
	if !retry {
		s.state = slotSuspect
		p.release(s)
		return err
	}

	client, rerr := p.lc.Reconnect(ctx, s.client)
	if rerr != nil {
		atomic.AddUint64(&p.reconnectFailures, 1)
		log.WithField("pool", p.config.Name).WithError(rerr).Warn("reconnect failed, discarding client")
		p.discard(s)
		return err
	}
	atomic.AddUint64(&p.reconnects, 1)
	s.client = client

	err = action(s.client)
	if err != nil && p.lc.IsConnectionError(err) {
		s.state = slotSuspect
	}
	p.release(s)
	return err
}

// Do runs fn with a borrowed client and returns its value.
func Do[C, T any](ctx context.Context, p *Pool[C], fn func(client C) (T, error)) (T, error) {
	var result T
	err := p.Run(ctx, func(client C) error {
		v, err := fn(client)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// acquire gets a slot, creating or healing a client as needed.
// It blocks until a slot is available or the context is canceled.
func (p *Pool[C]) acquire(ctx context.Context) (*slot[C], error) {
	atomic.AddUint64(&p.acquireCount, 1)
	start := time.Now()
	defer func() {
		acquireLatency.WithLabelValues(p.config.Name).Observe(time.Since(start).Seconds())
	}()

	// Use configured timeout if context has no deadline
	acquireCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.config.AcquireTimeout)
		defer cancel()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			atomic.AddUint64(&p.acquireFailed, 1)
			return nil, ErrPoolClosed
		}

		select {
		case <-acquireCtx.Done():
			atomic.AddUint64(&p.acquireFailed, 1)
			if acquireCtx.Err() == context.DeadlineExceeded {
				return nil, ErrTimeout
			}
			return nil, acquireCtx.Err()
		default:
		}

		if s, ok := p.takeIdleLocked(); ok {
			if s.state == slotSuspect {
				p.mu.Unlock()
				healed := p.heal(acquireCtx, s)
				p.mu.Lock()
				if !healed {
					p.numOpen--
					p.cond.Signal()
					continue
				}
			}
			if p.closed {
				p.abandonLocked(s)
				continue
			}
			atomic.AddUint64(&p.acquireSuccess, 1)
			return s, nil
		}

		if p.numOpen < p.config.MaxSize {
			p.numOpen++
			p.mu.Unlock()

			client, err := p.lc.NewClient(acquireCtx)

			p.mu.Lock()
			if err != nil {
				p.numOpen--
				p.cond.Signal()
				atomic.AddUint64(&p.acquireFailed, 1)
				log.WithField("pool", p.config.Name).WithError(err).Debug("failed to create client")
				return nil, err
			}
			atomic.AddUint64(&p.created, 1)
			now := time.Now()
			s := &slot[C]{client: client, createdAt: now, lastUsed: now}
			if p.closed {
				p.abandonLocked(s)
				continue
			}
			atomic.AddUint64(&p.acquireSuccess, 1)
			log.WithField("pool", p.config.Name).Debug("created new client")
			return s, nil
		}

		p.waitWithContext(acquireCtx)
	}
}

// takeIdleLocked pops the most recently used idle slot (caller must hold lock).
// Slots idle for longer than MaxIdleTime are closed on the way.
func (p *Pool[C]) takeIdleLocked() (*slot[C], bool) {
	now := time.Now()
	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		if p.config.MaxIdleTime > 0 && now.Sub(s.lastUsed) > p.config.MaxIdleTime {
			log.WithField("pool", p.config.Name).Debug("closing stale client")
			p.numOpen--
			go p.closeClient(s.client)
			continue
		}
		return s, true
	}
	return nil, false
}

// abandonLocked drops a slot obtained while the pool was closing.
func (p *Pool[C]) abandonLocked(s *slot[C]) {
	p.numOpen--
	go p.closeClient(s.client)
}

// heal reconnects a suspect slot. It reports whether the slot is live again.
// On failure the client is closed and the caller gives the slot up.
func (p *Pool[C]) heal(ctx context.Context, s *slot[C]) bool {
	client, err := p.lc.Reconnect(ctx, s.client)
	if err != nil {
		atomic.AddUint64(&p.reconnectFailures, 1)
		atomic.AddUint64(&p.discarded, 1)
		log.WithField("pool", p.config.Name).WithError(err).Warn("reconnect failed, discarding client")
		p.closeClient(s.client)
		return false
	}
	atomic.AddUint64(&p.reconnects, 1)
	s.client = client
	s.state = slotLive
	log.WithField("pool", p.config.Name).Debug("reconnected suspect client")
	return true
}

// waitWithContext waits for a condition signal or context cancellation.
func (p *Pool[C]) waitWithContext(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()
	p.cond.Wait()
	close(done)
}

// release returns a slot to the pool.
// If the pool is closed, the client is closed instead.
func (p *Pool[C]) release(s *slot[C]) {
	atomic.AddUint64(&p.releaseCount, 1)

	p.mu.Lock()
	if p.closed {
		p.numOpen--
		p.mu.Unlock()
		log.WithField("pool", p.config.Name).Debug("pool closed, closing client")
		p.closeClient(s.client)
		return
	}

	s.lastUsed = time.Now()
	p.idle = append(p.idle, s)
	p.cond.Signal()
	p.mu.Unlock()
}

// discard removes a slot from the pool and closes its client.
func (p *Pool[C]) discard(s *slot[C]) {
	atomic.AddUint64(&p.discarded, 1)

	p.mu.Lock()
	p.numOpen--
	p.cond.Signal()
	p.mu.Unlock()

	log.WithField("pool", p.config.Name).Debug("discarding client")
	p.closeClient(s.client)
}

func (p *Pool[C]) closeClient(client C) {
	if err := p.lc.CloseClient(client); err != nil {
		log.WithField("pool", p.config.Name).WithError(err).Debug("close client failed")
	}
}

// Close closes the pool and every idle client. The first close failure is
// returned. Clients still borrowed are closed when they come back.
func (p *Pool[C]) Close() error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	p.closed = true
	close(p.stopEvict)

	idle := p.idle
	p.idle = nil
	p.numOpen -= len(idle)

	p.cond.Broadcast()
	p.mu.Unlock()

	<-p.evictDone
	unregisterPool(p.config.Name, p)

	var g errgroup.Group
	for _, s := range idle {
		client := s.client
		g.Go(func() error {
			return p.lc.CloseClient(client)
		})
	}
	err := g.Wait()

	log.WithField("pool", p.config.Name).WithField("closed", len(idle)).Debug("pool closed")
	return err
}

// evictionLoop periodically closes clients idle for too long.
func (p *Pool[C]) evictionLoop() {
	defer close(p.evictDone)

	ticker := time.NewTicker(p.config.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopEvict:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

// evictIdle removes idle slots that exceeded MaxIdleTime.
func (p *Pool[C]) evictIdle() {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return
	}

	var stale []*slot[C]
	kept := make([]*slot[C], 0, len(p.idle))
	now := time.Now()
	for _, s := range p.idle {
		if now.Sub(s.lastUsed) > p.config.MaxIdleTime {
			stale = append(stale, s)
			p.numOpen--
			continue
		}
		kept = append(kept, s)
	}
	p.idle = kept
	if len(stale) > 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	for _, s := range stale {
		p.closeClient(s.client)
	}
	if len(stale) > 0 {
		log.WithField("pool", p.config.Name).WithField("closed", len(stale)).Debug("evicted idle clients")
	}
}

// Stats holds pool statistics.
type Stats struct {
	// MaxSize is the maximum pool size.
	MaxSize int
	// NumOpen is the current number of live clients.
	NumOpen int
	// NumIdle is the current number of idle clients.
	NumIdle int
	// NumInUse is the number of borrowed clients.
	NumInUse int
	// NumSuspect is the number of idle clients waiting to be reconnected.
	NumSuspect int
	// AcquireCount is the total number of acquire attempts.
	AcquireCount uint64
	// AcquireSuccess is the number of successful acquires.
	AcquireSuccess uint64
	// AcquireFailed is the number of failed acquires.
	AcquireFailed uint64
	// ReleaseCount is the number of releases.
	ReleaseCount uint64
	// Created is the number of clients built with NewClient.
	Created uint64
	// Reconnects is the number of successful reconnects.
	Reconnects uint64
	// ReconnectFailures is the number of failed reconnects.
	ReconnectFailures uint64
	// Discarded is the number of clients dropped after a failed reconnect.
	Discarded uint64
}

// Stats returns current pool statistics.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	suspect := 0
	for _, s := range p.idle {
		if s.state == slotSuspect {
			suspect++
		}
	}

	return Stats{
		MaxSize:           p.config.MaxSize,
		NumOpen:           p.numOpen,
		NumIdle:           len(p.idle),
		NumInUse:          p.numOpen - len(p.idle),
		NumSuspect:        suspect,
		AcquireCount:      atomic.LoadUint64(&p.acquireCount),
		AcquireSuccess:    atomic.LoadUint64(&p.acquireSuccess),
		AcquireFailed:     atomic.LoadUint64(&p.acquireFailed),
		ReleaseCount:      atomic.LoadUint64(&p.releaseCount),
		Created:           atomic.LoadUint64(&p.created),
		Reconnects:        atomic.LoadUint64(&p.reconnects),
		ReconnectFailures: atomic.LoadUint64(&p.reconnectFailures),
		Discarded:         atomic.LoadUint64(&p.discarded),
	}
}
