package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/metapool/lib/catalog"
	apperrors "github.com/go-i2p/metapool/lib/errors"
)

func TestClientNoAddress(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.ErrorIs(t, err, ErrNoAddress)
	assert.False(t, IsTransportError(err))
}

func TestClientDialFailureIsTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewClient(ClientConfig{TCPAddress: addr, Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, IsTransportError(err))

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "dial", te.Op)
}

func TestClientInvalidAuthToken(t *testing.T) {
	_, err := NewClient(ClientConfig{TCPAddress: "127.0.0.1:1", AuthToken: "zz"})
	assert.ErrorContains(t, err, "invalid auth token")
}

func TestClientAuth(t *testing.T) {
	authFile := filepath.Join(t.TempDir(), "token")
	srv := startTCPServer(t, newMemBackend(), ServerConfig{AuthFile: authFile})

	t.Run("auth file", func(t *testing.T) {
		client, err := NewClient(ClientConfig{TCPAddress: srv.TCPAddress(), AuthFile: authFile})
		require.NoError(t, err)
		defer client.Close()
		_, err = client.GetAllDatabases(context.Background())
		assert.NoError(t, err)
	})

	t.Run("wrong token", func(t *testing.T) {
		wrong := "00" + srv.AuthToken()[2:]
		if wrong == srv.AuthToken() {
			wrong = "ff" + srv.AuthToken()[2:]
		}
		_, err := NewClient(ClientConfig{TCPAddress: srv.TCPAddress(), AuthToken: wrong})
		require.Error(t, err)
		var rpcErr *Error
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, ErrCodePermissionDenied, rpcErr.Code)
	})

	t.Run("no token", func(t *testing.T) {
		client, err := NewClient(ClientConfig{TCPAddress: srv.TCPAddress()})
		require.NoError(t, err)
		defer client.Close()
		_, err = client.GetAllDatabases(context.Background())
		var rpcErr *Error
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, ErrCodeAuthRequired, rpcErr.Code)
	})
}

func TestClientDatabaseCalls(t *testing.T) {
	ctx := context.Background()
	srv := startTCPServer(t, newMemBackend(), ServerConfig{})

	client, err := NewClient(ClientConfig{TCPAddress: srv.TCPAddress()})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.CreateDatabase(ctx, &catalog.Database{Name: "Sales", Description: "sales"}))

	db, err := client.GetDatabase(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, "sales", db.Name)
	assert.Equal(t, "sales", db.Description)

	names, err := client.GetAllDatabases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sales"}, names)

	err = client.CreateDatabase(ctx, &catalog.Database{Name: "sales"})
	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, ErrCodeAlreadyExists, rpcErr.Code)
	assert.False(t, IsTransportError(err))

	require.NoError(t, client.DropDatabase(ctx, "sales"))
	_, err = client.GetDatabase(ctx, "sales")
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, ErrCodeNotFound, rpcErr.Code)

	assert.ErrorIs(t, client.CreateDatabase(ctx, nil), apperrors.ErrInvalidInput)
}

func TestClientReconnect(t *testing.T) {
	ctx := context.Background()
	srv := startTCPServer(t, newMemBackend(), ServerConfig{})

	client, err := NewClient(ClientConfig{TCPAddress: srv.TCPAddress(), Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Ping(ctx)
	require.NoError(t, err)

	srv.CloseConnections()
	_, err = client.Ping(ctx)
	require.Error(t, err)
	require.True(t, IsTransportError(err))

	require.NoError(t, client.Reconnect(ctx))
	_, err = client.Ping(ctx)
	assert.NoError(t, err)
}

func TestClientReconnectAfterServerGone(t *testing.T) {
	ctx := context.Background()
	srv := startTCPServer(t, newMemBackend(), ServerConfig{})

	client, err := NewClient(ClientConfig{TCPAddress: srv.TCPAddress(), Timeout: time.Second})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, srv.Stop())

	err = client.Reconnect(ctx)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))

	_, err = client.Ping(ctx)
	assert.True(t, IsTransportError(err))
}

func TestClientClose(t *testing.T) {
	srv := startTCPServer(t, newMemBackend(), ServerConfig{})

	client, err := NewClient(ClientConfig{TCPAddress: srv.TCPAddress()})
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err = client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, net.ErrClosed)

	require.NoError(t, client.Reconnect(context.Background()))
	_, err = client.Ping(context.Background())
	assert.NoError(t, err)
	require.NoError(t, client.Close())
}

func TestClientContextDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// Accept but never answer.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(io.Discard, conn)
	}()

	client, err := NewClient(ClientConfig{TCPAddress: ln.Addr().String(), Timeout: 10 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = client.Ping(ctx)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.Less(t, time.Since(start), 5*time.Second)

	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
}

func TestClientAddress(t *testing.T) {
	c := &Client{cfg: ClientConfig{UnixSocketPath: "/run/meta.sock"}}
	assert.Equal(t, "unix:///run/meta.sock", c.Address())
	c = &Client{cfg: ClientConfig{TCPAddress: "db:9083"}}
	assert.Equal(t, "tcp://db:9083", c.Address())
}

func TestTransportErrorUnwrap(t *testing.T) {
	err := &TransportError{Op: "read", Err: io.EOF}
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "rpc transport read: EOF", err.Error())
	assert.True(t, IsTransportError(errors.Join(errors.New("ctx"), err)))
	assert.False(t, IsTransportError(io.EOF))
	assert.False(t, IsTransportError(nil))
}
