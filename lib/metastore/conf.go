package metastore

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	apperrors "github.com/go-i2p/metapool/lib/errors"
	"github.com/go-i2p/metapool/lib/rpc"
)

// DefaultConnectTimeout bounds one connection attempt when Conf leaves it unset.
const DefaultConnectTimeout = 10 * time.Second

// Conf is what a client implementation needs to connect. The pool passes it
// to the factory unmodified.
type Conf struct {
	// URIs are the remote metastore addresses, tried in order.
	// Forms: tcp://host:port, thrift://host:port, unix:///path, host:port
	URIs []string `toml:"uris"`
	// EmbeddedPath is the catalog directory of the embedded implementation
	EmbeddedPath string `toml:"embedded_path"`
	// ConnectTimeout bounds each connection attempt and each call
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	// AuthToken is the hex-encoded remote auth token
	AuthToken string `toml:"auth_token,omitempty"`
	// AuthFile holds the remote auth token when AuthToken is empty
	AuthFile string `toml:"auth_file,omitempty"`
	// Properties are passed through to implementations untouched
	Properties map[string]string `toml:"properties,omitempty"`
}

// Clone returns a deep copy of c.
func (c Conf) Clone() Conf {
	out := c
	out.URIs = slices.Clone(c.URIs)
	out.Properties = maps.Clone(c.Properties)
	return out
}

// Validate checks the fields that have a fixed format.
func (c Conf) Validate() error {
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("metastore: connect_timeout must not be negative: %w", apperrors.ErrConfiguration)
	}
	for _, uri := range c.URIs {
		if _, err := parseURI(uri); err != nil {
			return err
		}
	}
	return nil
}

func (c Conf) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// rpcConfigs turns URIs into dial configurations.
func (c Conf) rpcConfigs() ([]rpc.ClientConfig, error) {
	if len(c.URIs) == 0 {
		return nil, fmt.Errorf("metastore: no URIs configured: %w", apperrors.ErrConfiguration)
	}
	out := make([]rpc.ClientConfig, 0, len(c.URIs))
	for _, uri := range c.URIs {
		cfg, err := parseURI(uri)
		if err != nil {
			return nil, err
		}
		cfg.AuthToken = c.AuthToken
		cfg.AuthFile = c.AuthFile
		cfg.Timeout = c.connectTimeout()
		out = append(out, cfg)
	}
	return out, nil
}

func parseURI(uri string) (rpc.ClientConfig, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return rpc.ClientConfig{}, fmt.Errorf("metastore: empty URI: %w", apperrors.ErrConfiguration)
	}
	if !strings.Contains(uri, "://") {
		return rpc.ClientConfig{TCPAddress: uri}, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return rpc.ClientConfig{}, fmt.Errorf("metastore: URI %q: %v: %w", uri, err, apperrors.ErrConfiguration)
	}
	switch u.Scheme {
	case "tcp", "thrift":
		if u.Host == "" {
			return rpc.ClientConfig{}, fmt.Errorf("metastore: URI %q has no host: %w", uri, apperrors.ErrConfiguration)
		}
		return rpc.ClientConfig{TCPAddress: u.Host}, nil
	case "unix":
		if u.Path == "" {
			return rpc.ClientConfig{}, fmt.Errorf("metastore: URI %q has no socket path: %w", uri, apperrors.ErrConfiguration)
		}
		return rpc.ClientConfig{UnixSocketPath: u.Path}, nil
	default:
		return rpc.ClientConfig{}, fmt.Errorf("metastore: URI %q: unsupported scheme %q: %w", uri, u.Scheme, apperrors.ErrConfiguration)
	}
}
