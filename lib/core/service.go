package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/go-i2p/metapool/lib/catalog"
	"github.com/go-i2p/metapool/lib/metastore"
	"github.com/go-i2p/metapool/lib/pool"
	"github.com/go-i2p/metapool/lib/rpc"
	"github.com/go-i2p/metapool/version"
)

// ServiceState represents the current state of the service.
type ServiceState int

const (
	// StateInitial is the initial state before Start is called.
	StateInitial ServiceState = iota
	// StateStarting means the service is opening its backend and listeners.
	StateStarting
	// StateRunning means the service is accepting requests.
	StateRunning
	// StateStopping means the service is shutting down.
	StateStopping
	// StateStopped means the service has been stopped.
	StateStopped
)

func (s ServiceState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// metricsShutdownTimeout bounds the graceful shutdown of the metrics endpoint.
const metricsShutdownTimeout = 5 * time.Second

// Service runs a metastore server: a backend (embedded catalog or pooled
// proxy), the RPC server in front of it and an optional metrics endpoint.
type Service struct {
	mu     sync.RWMutex
	config *Config
	logger *slog.Logger
	state  ServiceState

	backend  rpc.Backend
	closer   io.Closer
	proxy    *metastore.ClientPool
	server   *rpc.Server
	metrics  *http.Server
	metricLn net.Listener

	cancel      context.CancelFunc
	done        chan struct{}
	shutdownErr error
	startedAt   time.Time

	onStateChange func(oldState, newState ServiceState)
	onError       func(err error, message string)
}

// NewService creates a Service with the given configuration.
// The service is not started until Start is called.
func NewService(cfg *Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config: cfg,
		logger: logger.With("component", "service"),
		state:  StateInitial,
		done:   make(chan struct{}),
	}, nil
}

// Start opens the backend, starts the RPC server and, when enabled, the
// metrics endpoint. It returns once everything is listening.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateInitial && s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("cannot start service in state %s", s.state)
	}
	oldState := s.state
	s.state = StateStarting
	s.done = make(chan struct{})
	s.shutdownErr = nil
	s.mu.Unlock()

	s.emitStateChange(oldState, StateStarting)

	s.logger.Info("starting service",
		"backend", s.config.Server.Backend,
		"data_dir", s.config.Server.DataDir,
	)

	if err := s.config.EnsureDataDir(); err != nil {
		return s.failStart(err, "failed to create data directory")
	}

	if err := s.openBackend(); err != nil {
		return s.failStart(err, "failed to open backend")
	}

	if err := s.startServer(ctx); err != nil {
		s.closeBackend()
		return s.failStart(err, "failed to start rpc server")
	}

	if s.config.Metrics.Enabled {
		if err := s.startMetrics(); err != nil {
			_ = s.Server().Stop()
			s.closeBackend()
			return s.failStart(err, "failed to start metrics endpoint")
		}
	}

	svcCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.state = StateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.emitStateChange(StateStarting, StateRunning)
	srv := s.Server()
	s.logger.Info("service started",
		"socket", srv.UnixSocketPath(),
		"tcp", srv.TCPAddress(),
		"metrics", s.MetricsAddr(),
	)

	go s.run(svcCtx)

	return nil
}

// failStart reports a startup failure and returns the service to stopped.
func (s *Service) failStart(err error, message string) error {
	s.transitionToStopped()
	s.emitStateChange(StateStarting, StateStopped)
	s.emitError(err, message)
	close(s.done)
	return fmt.Errorf("%s: %w", message, err)
}

func (s *Service) openBackend() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.config.Server.Backend {
	case BackendProxy:
		cp, err := s.config.NewClientPool("proxy")
		if err != nil {
			return err
		}
		s.proxy = cp
		s.backend = metastore.NewPoolBackend(cp)
		s.closer = cp
	default:
		cat, err := catalog.Open(s.config.CatalogPath())
		if err != nil {
			return err
		}
		s.backend = cat
		s.closer = cat
	}
	return nil
}

func (s *Service) closeBackend() {
	s.mu.Lock()
	closer := s.closer
	s.closer, s.backend, s.proxy = nil, nil, nil
	s.mu.Unlock()

	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		s.logger.Warn("closing backend", "error", err)
	}
}

func (s *Service) serverConfig() rpc.ServerConfig {
	return rpc.ServerConfig{
		UnixSocketPath: s.config.SocketPath(),
		TCPAddress:     s.config.Server.TCPAddress,
		AuthFile:       s.config.AuthPath(),
		MaxConnections: s.config.Server.MaxConnections,
		IdleTimeout:    s.config.Server.IdleTimeout,
	}
}

func (s *Service) startServer(ctx context.Context) error {
	cfg := s.serverConfig()
	srv, err := rpc.NewServer(cfg)
	if err != nil {
		return err
	}
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()
	rpc.NewHandlers(backend, version.Version).RegisterAll(srv)
	if err := srv.Start(ctx, cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	return nil
}

func (s *Service) startMetrics() error {
	ln, err := net.Listen("tcp", s.config.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Metrics.Listen, err)
	}

	hs := &http.Server{
		Handler:           s.metricsRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.metricLn = ln
	s.metrics = hs
	s.mu.Unlock()

	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics endpoint failed", "error", err)
			s.emitError(err, "metrics endpoint failed")
		}
	}()
	return nil
}

func (s *Service) metricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(pool.Registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", s.handleHealth)
	return r
}

// Health is the body of the /healthz endpoint.
type Health struct {
	State       string      `json:"state"`
	Version     string      `json:"version"`
	Backend     string      `json:"backend"`
	Uptime      string      `json:"uptime"`
	Connections int         `json:"connections"`
	Pool        *pool.Stats `json:"pool,omitempty"`
}

// Health reports the service's current health.
func (s *Service) Health() Health {
	s.mu.RLock()
	state, proxy, server := s.state, s.proxy, s.server
	s.mu.RUnlock()

	h := Health{
		State:   state.String(),
		Version: version.Version,
		Backend: s.config.Server.Backend,
		Uptime:  s.Uptime().Round(time.Second).String(),
	}
	if server != nil {
		h.Connections = server.ActiveConnections()
	}
	if proxy != nil {
		stats := proxy.Stats()
		h.Pool = &stats
	}
	return h
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.Health()
	w.Header().Set("Content-Type", "application/json")
	if h.State != StateRunning.String() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.logger.Debug("writing health response", "error", err)
	}
}

// run waits for the service context to end and then tears everything down.
func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	<-ctx.Done()

	s.logger.Info("service shutting down")

	s.mu.Lock()
	oldState := s.state
	s.state = StateStopping
	s.mu.Unlock()
	if oldState != StateStopping {
		s.emitStateChange(oldState, StateStopping)
	}

	err := s.shutdown()
	if err != nil {
		s.emitError(err, "shutdown failed")
	}

	s.mu.Lock()
	s.shutdownErr = err
	s.state = StateStopped
	s.mu.Unlock()

	s.emitStateChange(StateStopping, StateStopped)
}

// shutdown stops the listeners in parallel, then closes the backend.
func (s *Service) shutdown() error {
	var g errgroup.Group

	s.mu.RLock()
	srv, hs := s.server, s.metrics
	s.mu.RUnlock()

	if srv != nil {
		g.Go(srv.Stop)
	}
	if hs != nil {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return hs.Shutdown(ctx)
		})
	}

	err := g.Wait()

	s.mu.Lock()
	closer := s.closer
	s.closer, s.backend, s.proxy = nil, nil, nil
	s.server, s.metrics, s.metricLn = nil, nil, nil
	s.mu.Unlock()

	if closer != nil {
		err = errors.Join(err, closer.Close())
	}
	return err
}

// Stop gracefully shuts down the service.
// It blocks until all components have stopped or the context is cancelled.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("cannot stop service in state %s", s.state)
	}
	s.state = StateStopping
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	s.emitStateChange(StateRunning, StateStopping)
	s.logger.Info("stopping service")

	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		s.mu.RLock()
		err := s.shutdownErr
		s.mu.RUnlock()
		if err != nil {
			return err
		}
		s.logger.Info("service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) transitionToStopped() {
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
}

// State returns the current state of the service.
func (s *Service) State() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Config returns the service's configuration.
func (s *Service) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Done returns a channel that is closed when the service has stopped.
func (s *Service) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done
}

// Server returns the running RPC server, or nil.
func (s *Service) Server() *rpc.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server
}

// ProxyPool returns the client pool behind a proxy backend, or nil.
func (s *Service) ProxyPool() *metastore.ClientPool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proxy
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (s *Service) MetricsAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.metricLn == nil {
		return ""
	}
	return s.metricLn.Addr().String()
}

// Uptime returns how long the service has been running.
// Returns zero if not running.
func (s *Service) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startedAt.IsZero() || s.state != StateRunning {
		return 0
	}
	return time.Since(s.startedAt)
}

// SetOnStateChange sets a callback for state changes.
// The callback is invoked synchronously during state transitions.
func (s *Service) SetOnStateChange(callback func(oldState, newState ServiceState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = callback
}

// SetOnError sets a callback for error events.
func (s *Service) SetOnError(callback func(err error, message string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = callback
}

func (s *Service) emitStateChange(oldState, newState ServiceState) {
	s.mu.RLock()
	callback := s.onStateChange
	s.mu.RUnlock()

	if callback != nil {
		callback(oldState, newState)
	}
}

func (s *Service) emitError(err error, message string) {
	s.mu.RLock()
	callback := s.onError
	s.mu.RUnlock()

	if callback != nil {
		callback(err, message)
	}
}
