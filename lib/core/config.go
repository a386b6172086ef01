// Package core wires metapool together: configuration, the metastore RPC
// server with its backend, and the metrics endpoint.
package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/go-i2p/metapool/lib/metastore"
)

// Default configuration values
const (
	DefaultPoolSize       = 4
	DefaultAcquireTimeout = 30 * time.Second
	DefaultMaxIdleTime    = 10 * time.Minute
	DefaultSocket         = "metastore.sock"
	DefaultAuthFile       = "auth.token"
	DefaultCatalogDir     = "catalog"
	DefaultMaxConnections = 100
	DefaultMetricsListen  = "127.0.0.1:9464"
)

// Server backends.
const (
	// BackendEmbedded serves a catalog stored under the data directory.
	BackendEmbedded = "embedded"
	// BackendProxy forwards every call to the metastore in [metastore] through a client pool.
	BackendProxy = "proxy"
)

// Config holds all configuration for metapool.
type Config struct {
	Metastore metastore.Conf `toml:"metastore"`
	Pool      PoolConfig     `toml:"pool"`
	Server    ServerConfig   `toml:"server"`
	Metrics   MetricsConfig  `toml:"metrics"`
}

// PoolConfig sizes the client pool.
type PoolConfig struct {
	// Size is the maximum number of clients
	Size int `toml:"size"`
	// ClientImpl names the client implementation ("remote" or "embedded")
	ClientImpl string `toml:"client_impl"`
	// AcquireTimeout bounds the wait for a free client
	AcquireTimeout time.Duration `toml:"acquire_timeout"`
	// MaxIdleTime closes clients idle for longer; zero keeps them
	MaxIdleTime time.Duration `toml:"max_idle_time"`
}

// ServerConfig contains metastore server settings.
type ServerConfig struct {
	// DataDir is the directory where persistent data is stored
	DataDir string `toml:"data_dir"`
	// Socket is the path to the Unix socket (relative to DataDir)
	Socket string `toml:"socket"`
	// TCPAddress is an optional TCP address (e.g., "127.0.0.1:9083")
	TCPAddress string `toml:"tcp_address,omitempty"`
	// AuthFile holds the TCP auth token (relative to DataDir); empty disables auth
	AuthFile string `toml:"auth_file,omitempty"`
	// MaxConnections caps concurrent connections per listener
	MaxConnections int `toml:"max_connections"`
	// IdleTimeout closes connections that send nothing for this long
	IdleTimeout time.Duration `toml:"idle_timeout,omitempty"`
	// Backend is "embedded" or "proxy"
	Backend string `toml:"backend"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is started
	Enabled bool `toml:"enabled"`
	// Listen is the address to bind the metrics server to
	Listen string `toml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults. Clients point at the
// local server's Unix socket.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".metapool")

	return &Config{
		Metastore: metastore.Conf{
			URIs:           []string{"unix://" + filepath.Join(dataDir, DefaultSocket)},
			ConnectTimeout: metastore.DefaultConnectTimeout,
		},
		Pool: PoolConfig{
			Size:           DefaultPoolSize,
			ClientImpl:     metastore.DefaultImpl,
			AcquireTimeout: DefaultAcquireTimeout,
			MaxIdleTime:    DefaultMaxIdleTime,
		},
		Server: ServerConfig{
			DataDir:        dataDir,
			Socket:         DefaultSocket,
			MaxConnections: DefaultMaxConnections,
			Backend:        BackendEmbedded,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  DefaultMetricsListen,
		},
	}
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Pool.Size < 1 {
		return errors.New("pool.size must be at least 1")
	}
	impls := metastore.DefaultRegistry.Names()
	if c.Pool.ClientImpl != "" && !slices.Contains(impls, c.Pool.ClientImpl) {
		return fmt.Errorf("pool.client_impl %q is not one of %v", c.Pool.ClientImpl, impls)
	}
	if c.Pool.AcquireTimeout < 0 || c.Pool.MaxIdleTime < 0 {
		return errors.New("pool timeouts must not be negative")
	}
	if err := c.Metastore.Validate(); err != nil {
		return err
	}
	if c.Server.DataDir == "" {
		return errors.New("server.data_dir is required")
	}
	if c.Server.Socket == "" && c.Server.TCPAddress == "" {
		return errors.New("server.socket or server.tcp_address is required")
	}
	if c.Server.MaxConnections < 0 || c.Server.IdleTimeout < 0 {
		return errors.New("server.max_connections and server.idle_timeout must not be negative")
	}
	switch c.Server.Backend {
	case BackendEmbedded:
	case BackendProxy:
		if len(c.Metastore.URIs) == 0 {
			return errors.New("server.backend = \"proxy\" needs metastore.uris")
		}
	default:
		return fmt.Errorf("server.backend must be %q or %q, got %q", BackendEmbedded, BackendProxy, c.Server.Backend)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("metrics.listen is required when metrics are enabled")
	}
	return nil
}

// DataPath returns an absolute path within the data directory.
func (c *Config) DataPath(elem ...string) string {
	parts := append([]string{c.Server.DataDir}, elem...)
	return filepath.Join(parts...)
}

// resolve returns p itself when absolute, else p inside the data directory.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return c.DataPath(p)
}

// SocketPath returns the server's Unix socket path, or "" when disabled.
func (c *Config) SocketPath() string {
	return c.resolve(c.Server.Socket)
}

// AuthPath returns the auth token file path, or "" when auth is disabled.
func (c *Config) AuthPath() string {
	return c.resolve(c.Server.AuthFile)
}

// CatalogPath returns the embedded catalog directory.
func (c *Config) CatalogPath() string {
	return c.DataPath(DefaultCatalogDir)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Server.DataDir, 0o700)
}

// PoolOptions returns the metastore pool options described by c.
func (c *Config) PoolOptions(name string) []metastore.Option {
	opts := []metastore.Option{
		metastore.WithName(name),
		metastore.WithMaxIdleTime(c.Pool.MaxIdleTime),
	}
	if c.Pool.ClientImpl != "" {
		opts = append(opts, metastore.WithClientImpl(c.Pool.ClientImpl))
	}
	if c.Pool.AcquireTimeout > 0 {
		opts = append(opts, metastore.WithAcquireTimeout(c.Pool.AcquireTimeout))
	}
	return opts
}

// NewClientPool builds the client pool described by c.
func (c *Config) NewClientPool(name string) (*metastore.ClientPool, error) {
	return metastore.NewClientPool(c.Pool.Size, c.Metastore, c.PoolOptions(name)...)
}
