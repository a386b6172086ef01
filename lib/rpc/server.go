package rpc

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/go-i2p/metapool/lib/ratelimit"
)

const (
	// AuthTokenLength is the length of auth tokens in bytes.
	AuthTokenLength = 32

	// MaxRequestSize is the maximum size of a request in bytes (1MB).
	MaxRequestSize = 1024 * 1024

	// ConnectionTimeout is the default connection timeout.
	ConnectionTimeout = 30 * time.Second

	// DefaultIdleTimeout is how long a connection may sit between requests.
	DefaultIdleTimeout = 5 * time.Minute

	// WriteTimeout is the timeout for writing responses.
	WriteTimeout = 10 * time.Second

	// DefaultMaxConnections bounds concurrent connections per listener.
	DefaultMaxConnections = 100

	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout = 30 * time.Second

	// AuthFailureBurst is how many bad tokens a host may send before it is throttled.
	AuthFailureBurst = 5
	// AuthFailureRefill is how often a throttled host earns one more attempt.
	AuthFailureRefill = 2 * time.Second
)

// Handler is a function that handles an RPC request.
type Handler func(ctx context.Context, params json.RawMessage) (any, *Error)

// Server is an RPC server that listens on Unix socket and/or TCP.
type Server struct {
	mu             sync.RWMutex
	handlers       map[string]Handler
	unixListener   net.Listener
	tcpListener    net.Listener
	authToken      []byte // shared secret for authentication
	authFailures   *ratelimit.FailureLimiter
	maxConnections int
	idleTimeout    time.Duration
	running        bool
	wg             sync.WaitGroup

	connMu   sync.Mutex
	conns    map[net.Conn]struct{}
	draining bool
}

// ServerConfig configures the RPC server.
type ServerConfig struct {
	// UnixSocketPath is the path to the Unix socket (required for Unix socket mode).
	UnixSocketPath string
	// TCPAddress is the TCP address to listen on (optional).
	TCPAddress string
	// AuthFile is the path to the auth token file.
	AuthFile string
	// MaxConnections is the maximum concurrent connections per listener (0 = default of 100).
	MaxConnections int
	// IdleTimeout closes connections idle for longer (0 = default of 5m).
	IdleTimeout time.Duration
}

// NewServer creates a new RPC server.
func NewServer(cfg ServerConfig) (*Server, error) {
	s := &Server{
		handlers:       make(map[string]Handler),
		maxConnections: cfg.MaxConnections,
		idleTimeout:    cfg.IdleTimeout,
		conns:          make(map[net.Conn]struct{}),
	}
	if s.maxConnections <= 0 {
		s.maxConnections = DefaultMaxConnections
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = DefaultIdleTimeout
	}

	// Load or generate auth token
	if cfg.AuthFile != "" {
		token, err := s.loadOrCreateAuthToken(cfg.AuthFile)
		if err != nil {
			return nil, fmt.Errorf("auth token: %w", err)
		}
		s.authToken = token
	}

	return s, nil
}

// loadOrCreateAuthToken loads an existing auth token or creates a new one.
func (s *Server) loadOrCreateAuthToken(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		token, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err == nil && len(token) == AuthTokenLength {
			log.WithField("path", path).Debug("loaded existing auth token")
			return token, nil
		}
		// Invalid token file, regenerate
		log.WithField("path", path).Warn("invalid auth token file, regenerating")
	}

	token := make([]byte, AuthTokenLength)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating auth dir: %w", err)
	}

	if err := os.WriteFile(path, []byte(hex.EncodeToString(token)), 0o600); err != nil {
		return nil, fmt.Errorf("writing token: %w", err)
	}

	log.WithField("path", path).Info("generated new auth token")
	return token, nil
}

// RegisterHandler registers a handler for an RPC method.
func (s *Server) RegisterHandler(method string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// RegisterHandlers registers multiple handlers at once.
func (s *Server) RegisterHandlers(handlers map[string]Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for method, handler := range handlers {
		s.handlers[method] = handler
	}
}

// startUnixListener creates and starts the Unix socket listener.
func (s *Server) startUnixListener(ctx context.Context, socketPath string) error {
	os.Remove(socketPath)

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}

	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.unixListener = netutil.LimitListener(listener, s.maxConnections)
	s.wg.Add(1)
	go s.acceptLoop(ctx, s.unixListener, "unix")

	log.WithField("path", socketPath).Info("RPC server listening on Unix socket")
	return nil
}

// startTCPListener creates and starts the TCP listener.
func (s *Server) startTCPListener(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}

	s.tcpListener = netutil.LimitListener(listener, s.maxConnections)
	s.wg.Add(1)
	go s.acceptLoop(ctx, s.tcpListener, "tcp")

	log.WithField("address", listener.Addr().String()).Info("RPC server listening on TCP")
	return nil
}

// Start starts the RPC server.
func (s *Server) Start(ctx context.Context, cfg ServerConfig) error {
	if err := s.validateAndSetRunning(); err != nil {
		return err
	}
	if s.authToken != nil {
		s.mu.Lock()
		s.authFailures = ratelimit.NewFailureLimiter(1/AuthFailureRefill.Seconds(), AuthFailureBurst, 10*time.Minute)
		s.mu.Unlock()
	}

	if err := s.startListeners(ctx, cfg); err != nil {
		s.setStopped()
		return err
	}

	if err := s.validateListenersConfigured(); err != nil {
		s.setStopped()
		return err
	}
	return nil
}

// validateAndSetRunning checks if the server is already running and sets the running flag.
func (s *Server) validateAndSetRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server already running")
	}
	s.running = true
	return nil
}

func (s *Server) setStopped() {
	s.mu.Lock()
	s.running = false
	limiter := s.authFailures
	s.mu.Unlock()
	if limiter != nil {
		limiter.Close()
	}
}

// startListeners starts Unix and TCP listeners based on configuration.
func (s *Server) startListeners(ctx context.Context, cfg ServerConfig) error {
	if cfg.UnixSocketPath != "" {
		if err := s.startUnixListener(ctx, cfg.UnixSocketPath); err != nil {
			return err
		}
	}

	if cfg.TCPAddress != "" {
		if err := s.startTCPListener(ctx, cfg.TCPAddress); err != nil {
			if s.unixListener != nil {
				s.unixListener.Close()
				s.unixListener = nil
			}
			return err
		}
	}
	return nil
}

// validateListenersConfigured ensures at least one listener is configured.
func (s *Server) validateListenersConfigured() error {
	if s.unixListener == nil && s.tcpListener == nil {
		return errors.New("no listeners configured")
	}
	return nil
}

// acceptLoop accepts connections and handles them.
func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, network string) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				log.WithField("network", network).WithError(err).Error("accept error")
			}
			return
		}

		s.spawnConnectionHandler(ctx, conn, network)
	}
}

// spawnConnectionHandler starts a goroutine to handle a connection.
func (s *Server) spawnConnectionHandler(ctx context.Context, conn net.Conn, network string) {
	if !s.trackConn(conn, true) {
		conn.Close()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.trackConn(conn, false)
		s.handleConnection(ctx, conn, network)
	}()
}

// trackConn adds or removes conn from the open set. It refuses new
// connections once Stop has started draining.
func (s *Server) trackConn(conn net.Conn, add bool) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if !add {
		delete(s.conns, conn)
		return true
	}
	if s.draining {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

// handleConnection handles a single client connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, network string) {
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	log.WithField("network", network).WithField("remote", remoteAddr).Debug("new connection")

	reader := bufio.NewReaderSize(conn, 64*1024)
	authenticated := s.authToken == nil

	s.processRequests(ctx, conn, reader, remoteAddr, network, &authenticated)
}

// processRequests continuously reads and handles requests from a connection.
func (s *Server) processRequests(ctx context.Context, conn net.Conn, reader *bufio.Reader, remoteAddr, network string, authenticated *bool) {
	for {
		if ctx.Err() != nil {
			return
		}

		req, err := s.readRequest(conn, reader, remoteAddr)
		if err != nil {
			return
		}
		if req == nil {
			continue
		}

		s.handleRequest(ctx, conn, req, network, authenticated)
	}
}

// handleRequest processes a single RPC request and sends the appropriate response.
func (s *Server) handleRequest(ctx context.Context, conn net.Conn, req *Request, network string, authenticated *bool) {
	if req.Method == MethodAuth {
		resp := s.handleAuth(req, remoteHost(conn), authenticated)
		s.sendResponse(conn, resp)
		return
	}

	if !*authenticated && network == "tcp" {
		s.sendResponse(conn, NewErrorResponse(req.ID, ErrAuthRequired()))
		return
	}

	resp := s.dispatch(ctx, req)
	s.sendResponse(conn, resp)
}

// readRequest reads and parses a JSON-RPC request from the connection.
func (s *Server) readRequest(conn net.Conn, reader *bufio.Reader, remoteAddr string) (*Request, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
		log.WithField("remote", remoteAddr).WithError(err).Warn("failed to set read deadline")
	}

	line, err := readLine(reader, MaxRequestSize)
	if err != nil {
		if err != io.EOF && !errors.Is(err, net.ErrClosed) {
			log.WithField("remote", remoteAddr).WithError(err).Debug("read error")
		}
		return nil, err
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.sendResponse(conn, NewErrorResponse(nil, NewError(ErrCodeParse, "parse error", err.Error())))
		return nil, nil
	}

	if err := ValidateRequest(&req); err != nil {
		s.sendResponse(conn, NewErrorResponse(req.ID, NewError(ErrCodeInvalidRequest, "invalid request", err.Error())))
		return nil, nil
	}

	return &req, nil
}

// errRequestTooLarge ends a connection whose request exceeds MaxRequestSize.
var errRequestTooLarge = errors.New("request too large")

// readLine reads one newline-terminated line of at most limit bytes.
func readLine(reader *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > limit {
			return nil, errRequestTooLarge
		}
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}

// remoteHost returns the peer's host without the port.
func remoteHost(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// handleAuth handles the "auth" method.
func (s *Server) handleAuth(req *Request, host string, authenticated *bool) *Response {
	if s.authToken == nil {
		*authenticated = true
		return s.success(req.ID, map[string]string{"message": "authentication not required"})
	}

	s.mu.RLock()
	limiter := s.authFailures
	s.mu.RUnlock()
	if limiter != nil && limiter.Blocked(host) {
		log.WithField("remote", host).Warn("auth attempt throttled")
		return NewErrorResponse(req.ID, ErrPermissionDenied("too many failed attempts"))
	}

	var params AuthParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrInvalidParams("token required"))
	}

	tokenBytes, err := hex.DecodeString(params.Token)
	if err != nil {
		return NewErrorResponse(req.ID, ErrInvalidParams("invalid token format"))
	}

	if subtle.ConstantTimeCompare(tokenBytes, s.authToken) != 1 {
		if limiter != nil && limiter.Fail(host) {
			log.WithField("remote", host).Warn("too many failed auth attempts")
		}
		return NewErrorResponse(req.ID, ErrPermissionDenied("invalid token"))
	}

	*authenticated = true
	return s.success(req.ID, map[string]string{"message": "authenticated"})
}

// dispatch dispatches a request to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		return NewErrorResponse(req.ID, ErrMethodNotFound(req.Method))
	}

	handlerCtx, cancel := context.WithTimeout(ctx, HandlerTimeout)
	defer cancel()

	result, rpcErr := handler(handlerCtx, req.Params)
	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}

	return s.success(req.ID, result)
}

func (s *Server) success(id json.RawMessage, result any) *Response {
	resp, err := NewSuccessResponse(id, result)
	if err != nil {
		log.WithError(err).Error("marshal result")
		return NewErrorResponse(id, ErrInternal(err.Error()))
	}
	return resp
}

// sendResponse sends a response to the client.
func (s *Server) sendResponse(conn net.Conn, resp *Response) {
	if err := conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		log.WithError(err).Warn("failed to set write deadline")
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).Error("marshal response")
		return
	}

	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		log.WithError(err).Debug("write error")
	}
}

// CloseConnections closes every open client connection while leaving the
// listeners up. Clients see the connection drop on their next call.
func (s *Server) CloseConnections() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.closeConnsLocked()
}

func (s *Server) closeConnsLocked() int {
	n := 0
	for conn := range s.conns {
		conn.Close()
		n++
	}
	return n
}

// Stop stops the RPC server and closes all client connections.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.unixListener != nil {
		s.unixListener.Close()
	}
	if s.tcpListener != nil {
		s.tcpListener.Close()
	}
	s.connMu.Lock()
	s.draining = true
	s.closeConnsLocked()
	s.connMu.Unlock()

	s.wg.Wait()

	s.connMu.Lock()
	s.draining = false
	s.connMu.Unlock()

	s.mu.RLock()
	limiter := s.authFailures
	s.mu.RUnlock()
	if limiter != nil {
		limiter.Close()
	}

	log.Info("RPC server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// AuthToken returns the auth token (for display to user).
func (s *Server) AuthToken() string {
	if s.authToken == nil {
		return ""
	}
	return hex.EncodeToString(s.authToken)
}

// UnixSocketPath returns the Unix socket path if listening.
func (s *Server) UnixSocketPath() string {
	if s.unixListener != nil {
		return s.unixListener.Addr().String()
	}
	return ""
}

// TCPAddress returns the TCP address if listening.
func (s *Server) TCPAddress() string {
	if s.tcpListener != nil {
		return s.tcpListener.Addr().String()
	}
	return ""
}

// ActiveConnections returns the current number of open connections.
func (s *Server) ActiveConnections() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

// MaxConnections returns the per-listener connection limit.
func (s *Server) MaxConnections() int {
	return s.maxConnections
}
