package rpc

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/metapool/lib/catalog"
	apperrors "github.com/go-i2p/metapool/lib/errors"
)

// memBackend is an in-memory Backend. fail, when set, is returned by every call.
type memBackend struct {
	mu   sync.Mutex
	dbs  map[string]catalog.Database
	fail error
}

func newMemBackend() *memBackend {
	return &memBackend{dbs: make(map[string]catalog.Database)}
}

func (m *memBackend) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *memBackend) GetDatabase(ctx context.Context, name string) (*catalog.Database, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	db, ok := m.dbs[catalog.NormalizeName(name)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &db, nil
}

func (m *memBackend) GetAllDatabases(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	names := make([]string, 0, len(m.dbs))
	for name := range m.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memBackend) CreateDatabase(ctx context.Context, db *catalog.Database) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	name := catalog.NormalizeName(db.Name)
	if _, ok := m.dbs[name]; ok {
		return apperrors.ErrAlreadyExists
	}
	rec := *db
	rec.Name = name
	m.dbs[name] = rec
	return nil
}

func (m *memBackend) DropDatabase(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	name = catalog.NormalizeName(name)
	if _, ok := m.dbs[name]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.dbs, name)
	return nil
}

// startTCPServer starts a server on a random loopback port serving backend.
func startTCPServer(t *testing.T, backend Backend, cfg ServerConfig) *Server {
	t.Helper()
	cfg.TCPAddress = "127.0.0.1:0"
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	NewHandlers(backend, "test").RegisterAll(srv)
	require.NoError(t, srv.Start(context.Background(), cfg))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

// rawCall writes one line to the server and reads one response back.
func rawCall(t *testing.T, conn net.Conn, reader *bufio.Reader, line string) *Response {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
	data, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(data, &resp))
	return &resp
}

func TestNewServer(t *testing.T) {
	t.Run("without auth file", func(t *testing.T) {
		s, err := NewServer(ServerConfig{})
		require.NoError(t, err)
		assert.Empty(t, s.AuthToken())
		assert.Equal(t, DefaultMaxConnections, s.MaxConnections())
	})

	t.Run("generates auth file", func(t *testing.T) {
		authFile := filepath.Join(t.TempDir(), "auth", "token")
		s, err := NewServer(ServerConfig{AuthFile: authFile})
		require.NoError(t, err)

		token := s.AuthToken()
		assert.Len(t, token, AuthTokenLength*2)

		data, err := os.ReadFile(authFile)
		require.NoError(t, err)
		assert.Equal(t, token, string(data))

		info, err := os.Stat(authFile)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("loads existing auth file", func(t *testing.T) {
		authFile := filepath.Join(t.TempDir(), "token")
		existing := strings.Repeat("ab", AuthTokenLength)
		require.NoError(t, os.WriteFile(authFile, []byte(existing+"\n"), 0o600))

		s, err := NewServer(ServerConfig{AuthFile: authFile})
		require.NoError(t, err)
		assert.Equal(t, existing, s.AuthToken())
	})

	t.Run("regenerates invalid auth file", func(t *testing.T) {
		authFile := filepath.Join(t.TempDir(), "token")
		require.NoError(t, os.WriteFile(authFile, []byte("not-hex"), 0o600))

		s, err := NewServer(ServerConfig{AuthFile: authFile})
		require.NoError(t, err)
		assert.Len(t, s.AuthToken(), AuthTokenLength*2)
	})
}

func TestServerStartStop(t *testing.T) {
	srv, err := NewServer(ServerConfig{})
	require.NoError(t, err)

	err = srv.Start(context.Background(), ServerConfig{})
	require.Error(t, err, "no listeners configured")
	assert.False(t, srv.IsRunning())

	cfg := ServerConfig{TCPAddress: "127.0.0.1:0"}
	require.NoError(t, srv.Start(context.Background(), cfg))
	assert.True(t, srv.IsRunning())
	assert.NotEmpty(t, srv.TCPAddress())

	assert.Error(t, srv.Start(context.Background(), cfg), "already running")

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
	require.NoError(t, srv.Stop())
}

func TestServerUnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "rpc")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	socketPath := filepath.Join(dir, "meta.sock")

	cfg := ServerConfig{UnixSocketPath: socketPath}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	NewHandlers(newMemBackend(), "test").RegisterAll(srv)
	require.NoError(t, srv.Start(context.Background(), cfg))
	defer srv.Stop()

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	client, err := NewClient(ClientConfig{UnixSocketPath: socketPath, Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	ping, err := client.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", ping.Version)
	assert.Equal(t, ProtocolVersion, ping.Protocol)
}

func TestServerProtocolErrors(t *testing.T) {
	srv := startTCPServer(t, newMemBackend(), ServerConfig{})

	conn, err := net.Dial("tcp", srv.TCPAddress())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	resp := rawCall(t, conn, reader, `{not json`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeParse, resp.Error.Code)

	resp = rawCall(t, conn, reader, `{"jsonrpc":"1.0","method":"ping","id":1}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)

	resp = rawCall(t, conn, reader, `{"jsonrpc":"2.0","method":"nope","id":2}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)

	resp = rawCall(t, conn, reader, `{"jsonrpc":"2.0","method":"ping","id":3}`)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "3", string(resp.ID))
}

func TestServerRequiresAuthOnTCP(t *testing.T) {
	authFile := filepath.Join(t.TempDir(), "token")
	srv := startTCPServer(t, newMemBackend(), ServerConfig{AuthFile: authFile})

	conn, err := net.Dial("tcp", srv.TCPAddress())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	resp := rawCall(t, conn, reader, `{"jsonrpc":"2.0","method":"ping","id":1}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeAuthRequired, resp.Error.Code)

	bad := hex.EncodeToString(make([]byte, AuthTokenLength))
	resp = rawCall(t, conn, reader, `{"jsonrpc":"2.0","method":"auth","params":{"token":"`+bad+`"},"id":2}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodePermissionDenied, resp.Error.Code)

	resp = rawCall(t, conn, reader, `{"jsonrpc":"2.0","method":"auth","params":{"token":"`+srv.AuthToken()+`"},"id":3}`)
	require.Nil(t, resp.Error)

	resp = rawCall(t, conn, reader, `{"jsonrpc":"2.0","method":"ping","id":4}`)
	assert.Nil(t, resp.Error)
}

func TestServerThrottlesFailedAuth(t *testing.T) {
	authFile := filepath.Join(t.TempDir(), "token")
	srv := startTCPServer(t, newMemBackend(), ServerConfig{AuthFile: authFile})

	conn, err := net.Dial("tcp", srv.TCPAddress())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	bad := hex.EncodeToString(make([]byte, AuthTokenLength))
	for i := 0; i < AuthFailureBurst; i++ {
		resp := rawCall(t, conn, reader, `{"jsonrpc":"2.0","method":"auth","params":{"token":"`+bad+`"},"id":1}`)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "invalid token", resp.Error.Data)
	}

	// Even the right token is refused while the host is throttled.
	resp := rawCall(t, conn, reader, `{"jsonrpc":"2.0","method":"auth","params":{"token":"`+srv.AuthToken()+`"},"id":2}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodePermissionDenied, resp.Error.Code)
	assert.Equal(t, "too many failed attempts", resp.Error.Data)
}

func TestServerCloseConnections(t *testing.T) {
	srv := startTCPServer(t, newMemBackend(), ServerConfig{})

	client, err := NewClient(ClientConfig{TCPAddress: srv.TCPAddress(), Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Ping(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, srv.CloseConnections())
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)

	_, err = client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.True(t, srv.IsRunning())
}

func TestServerIdleTimeout(t *testing.T) {
	srv := startTCPServer(t, newMemBackend(), ServerConfig{IdleTimeout: 50 * time.Millisecond})

	client, err := NewClient(ClientConfig{TCPAddress: srv.TCPAddress(), Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Ping(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestReadLineLimit(t *testing.T) {
	reader := bufio.NewReaderSize(strings.NewReader(strings.Repeat("x", 64)+"\n"), 16)
	_, err := readLine(reader, 32)
	assert.ErrorIs(t, err, errRequestTooLarge)

	reader = bufio.NewReaderSize(strings.NewReader(strings.Repeat("y", 20)+"\n"), 16)
	line, err := readLine(reader, 32)
	require.NoError(t, err)
	assert.Len(t, line, 21)
}
