package metastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Built-in client implementations.
const (
	ImplRemote   = "remote"
	ImplEmbedded = "embedded"

	// DefaultImpl is used when no implementation is named.
	DefaultImpl = ImplRemote
)

// ErrUnknownImplementation is returned for an implementation name nobody registered.
var ErrUnknownImplementation = errors.New("metastore: unknown client implementation")

// Constructor builds a connected client from conf.
type Constructor func(ctx context.Context, conf Conf) (Client, error)

// Factory creates clients by implementation name.
type Factory interface {
	CreateClient(ctx context.Context, conf Conf, impl string) (Client, error)
}

// Registry is a Factory backed by a table of named constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// DefaultRegistry holds the built-in implementations.
var DefaultRegistry = NewRegistry()

func init() {
	if err := DefaultRegistry.Register(ImplRemote, NewRemoteClient); err != nil {
		panic(err)
	}
	if err := DefaultRegistry.Register(ImplEmbedded, NewEmbeddedClient); err != nil {
		panic(err)
	}
}

// Register adds a constructor under name. Names are registered once.
func (r *Registry) Register(name string, ctor Constructor) error {
	if name == "" || ctor == nil {
		return errors.New("metastore: register needs a name and a constructor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ctors[name]; dup {
		return fmt.Errorf("metastore: implementation %q already registered", name)
	}
	r.ctors[name] = ctor
	return nil
}

// Names returns the registered implementation names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateClient runs the constructor registered as impl ("" means
// DefaultImpl). Every failure, a panic included, comes back as an
// *InstantiationError and no client is returned with it.
func (r *Registry) CreateClient(ctx context.Context, conf Conf, impl string) (client Client, err error) {
	if impl == "" {
		impl = DefaultImpl
	}

	r.mu.RLock()
	ctor, ok := r.ctors[impl]
	r.mu.RUnlock()
	if !ok {
		return nil, &InstantiationError{Impl: impl, Err: ErrUnknownImplementation}
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("impl", impl).WithField("panic", rec).Error("client constructor panicked")
			client = nil
			err = &InstantiationError{Impl: impl, Err: fmt.Errorf("constructor panicked: %v", rec)}
		}
	}()

	c, cerr := ctor(ctx, conf)
	if cerr != nil {
		if c != nil {
			if closeErr := c.Close(); closeErr != nil {
				log.WithField("impl", impl).WithError(closeErr).Debug("closing half-built client failed")
			}
		}
		return nil, &InstantiationError{Impl: impl, Err: cerr}
	}
	if c == nil {
		return nil, &InstantiationError{Impl: impl, Err: errors.New("constructor returned no client")}
	}
	return c, nil
}
