package rpc

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-i2p/metapool/lib/catalog"
	apperrors "github.com/go-i2p/metapool/lib/errors"
)

// ErrNoAddress is returned when a ClientConfig names neither a socket nor a TCP address.
var ErrNoAddress = errors.New("no connection address specified")

// TransportError reports a failure of the connection itself rather than of
// the call. After a TransportError the client must be reconnected.
type TransportError struct {
	// Op is the step that failed: dial, write, read or decode
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err, or any error it wraps, is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Client is an RPC client that connects to Unix socket or TCP.
// A Client is not safe for concurrent use.
type Client struct {
	cfg       ClientConfig
	conn      net.Conn
	reader    *bufio.Reader
	authToken []byte
	requestID int
	timeout   time.Duration
	closed    bool
}

// ClientConfig configures the RPC client.
type ClientConfig struct {
	// UnixSocketPath is the path to the Unix socket.
	UnixSocketPath string
	// TCPAddress is the TCP address to connect to.
	TCPAddress string
	// AuthToken is the authentication token (hex-encoded).
	AuthToken string
	// AuthFile is the path to read the auth token from.
	AuthFile string
	// Timeout is the connection and request timeout.
	Timeout time.Duration
}

// NewClient creates a new RPC client and connects to the server.
func NewClient(cfg ClientConfig) (*Client, error) {
	return Dial(context.Background(), cfg)
}

// Dial creates a new RPC client and connects to the server, giving up when
// ctx is done.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = ConnectionTimeout
	}

	c := &Client{
		cfg:     cfg,
		timeout: cfg.Timeout,
	}
	if err := c.loadAuthToken(cfg); err != nil {
		return nil, err
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect dials the server and authenticates the new connection.
func (c *Client) connect(ctx context.Context) error {
	conn, err := dialConnection(ctx, c.cfg)
	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.closed = false

	if c.authToken != nil {
		if err := c.authenticate(ctx); err != nil {
			c.dropConn()
			return fmt.Errorf("authentication failed: %w", err)
		}
	}
	return nil
}

// dialConnection establishes a connection using Unix socket or TCP.
func dialConnection(ctx context.Context, cfg ClientConfig) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout}

	if cfg.UnixSocketPath != "" {
		conn, err := dialer.DialContext(ctx, "unix", cfg.UnixSocketPath)
		if err != nil {
			return nil, &TransportError{Op: "dial", Err: err}
		}
		return conn, nil
	}

	if cfg.TCPAddress != "" {
		conn, err := dialer.DialContext(ctx, "tcp", cfg.TCPAddress)
		if err != nil {
			return nil, &TransportError{Op: "dial", Err: err}
		}
		return conn, nil
	}

	return nil, ErrNoAddress
}

// loadAuthToken loads the authentication token from config or file.
func (c *Client) loadAuthToken(cfg ClientConfig) error {
	if cfg.AuthToken != "" {
		token, err := hex.DecodeString(cfg.AuthToken)
		if err != nil {
			return fmt.Errorf("invalid auth token: %w", err)
		}
		c.authToken = token
		return nil
	}

	if cfg.AuthFile != "" {
		data, err := os.ReadFile(cfg.AuthFile)
		if err != nil {
			return fmt.Errorf("reading auth file: %w", err)
		}
		token, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("invalid auth token in file: %w", err)
		}
		c.authToken = token
	}

	return nil
}

// authenticate sends the auth token to the server.
func (c *Client) authenticate(ctx context.Context) error {
	params := AuthParams{Token: hex.EncodeToString(c.authToken)}
	var result map[string]string
	return c.Call(ctx, MethodAuth, params, &result)
}

// Call makes an RPC call and unmarshals the result. Failures of the
// connection are returned as *TransportError; errors reported by the server
// are returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	if c.closed || c.conn == nil {
		return &TransportError{Op: "write", Err: net.ErrClosed}
	}
	c.requestID++

	req, err := c.buildRequest(method, params)
	if err != nil {
		return err
	}

	if err := c.sendRequest(ctx, req); err != nil {
		return err
	}

	resp, err := c.readResponse(ctx, req.ID)
	if err != nil {
		return err
	}

	if resp.Error != nil {
		return resp.Error
	}

	return c.unmarshalResult(resp, result)
}

// buildRequest creates a JSON-RPC request.
func (c *Client) buildRequest(method string, params any) (*Request, error) {
	req := &Request{
		JSONRPC: "2.0",
		Method:  method,
		ID:      json.RawMessage(fmt.Sprintf("%d", c.requestID)),
	}

	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}

	return req, nil
}

// deadline returns the earlier of the client timeout and the ctx deadline.
func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// sendRequest sends a JSON-RPC request to the server.
func (c *Client) sendRequest(ctx context.Context, req *Request) error {
	reqData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	reqData = append(reqData, '\n')

	c.conn.SetWriteDeadline(c.deadline(ctx))
	if _, err := c.conn.Write(reqData); err != nil {
		return &TransportError{Op: "write", Err: err}
	}

	return nil
}

// readResponse reads and parses the response to the request with the given ID.
// A response that cannot be parsed or carries another ID leaves the stream
// out of step, so both are transport errors.
func (c *Client) readResponse(ctx context.Context, id json.RawMessage) (*Response, error) {
	c.conn.SetReadDeadline(c.deadline(ctx))
	respData, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}

	var resp Response
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, &TransportError{Op: "decode", Err: err}
	}
	if resp.ID != nil && string(resp.ID) != string(id) {
		return nil, &TransportError{
			Op:  "decode",
			Err: fmt.Errorf("response id %s does not match request id %s", resp.ID, id),
		}
	}

	return &resp, nil
}

// unmarshalResult unmarshals the response result into the provided destination.
func (c *Client) unmarshalResult(resp *Response, result any) error {
	if result == nil || resp.Result == nil {
		return nil
	}

	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}

	return nil
}

// Reconnect drops the current connection, if any, and dials the server again
// with the original configuration. The Client can be reused afterwards, even
// if it had been closed.
func (c *Client) Reconnect(ctx context.Context) error {
	c.dropConn()
	if err := c.connect(ctx); err != nil {
		c.closed = true
		return err
	}
	log.WithField("address", c.Address()).Debug("rpc client reconnected")
	return nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// Close closes the connection. Closing a closed client is a no-op.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Address returns the address this client dials.
func (c *Client) Address() string {
	if c.cfg.UnixSocketPath != "" {
		return "unix://" + c.cfg.UnixSocketPath
	}
	return "tcp://" + c.cfg.TCPAddress
}

// Ping calls the "ping" method.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	var result PingResult
	if err := c.Call(ctx, MethodPing, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetDatabase calls the "get_database" method.
func (c *Client) GetDatabase(ctx context.Context, name string) (*catalog.Database, error) {
	var result catalog.Database
	if err := c.Call(ctx, MethodGetDatabase, DatabaseNameParams{Name: name}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetAllDatabases calls the "get_all_databases" method.
func (c *Client) GetAllDatabases(ctx context.Context) ([]string, error) {
	var result GetAllDatabasesResult
	if err := c.Call(ctx, MethodGetAllDatabases, nil, &result); err != nil {
		return nil, err
	}
	return result.Databases, nil
}

// CreateDatabase calls the "create_database" method.
func (c *Client) CreateDatabase(ctx context.Context, db *catalog.Database) error {
	if db == nil {
		return fmt.Errorf("database is required: %w", apperrors.ErrInvalidInput)
	}
	return c.Call(ctx, MethodCreateDatabase, CreateDatabaseParams{Database: *db}, nil)
}

// DropDatabase calls the "drop_database" method.
func (c *Client) DropDatabase(ctx context.Context, name string) error {
	return c.Call(ctx, MethodDropDatabase, DatabaseNameParams{Name: name}, nil)
}
