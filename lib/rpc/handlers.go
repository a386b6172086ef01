package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-i2p/metapool/lib/catalog"
	apperrors "github.com/go-i2p/metapool/lib/errors"
)

// Backend is the catalog the RPC handlers serve. Both a local catalog.Catalog
// and a pool of upstream metastore clients satisfy it.
type Backend interface {
	GetDatabase(ctx context.Context, name string) (*catalog.Database, error)
	GetAllDatabases(ctx context.Context) ([]string, error)
	CreateDatabase(ctx context.Context, db *catalog.Database) error
	DropDatabase(ctx context.Context, name string) error
}

// Handlers provides RPC handlers with access to a Backend.
type Handlers struct {
	backend Backend
	version string
}

// NewHandlers creates RPC handlers.
func NewHandlers(backend Backend, version string) *Handlers {
	return &Handlers{
		backend: backend,
		version: version,
	}
}

// RegisterAll registers every metastore method on the server.
func (h *Handlers) RegisterAll(s *Server) {
	s.RegisterHandlers(map[string]Handler{
		MethodPing:            h.handlePing,
		MethodGetDatabase:     h.handleGetDatabase,
		MethodGetAllDatabases: h.handleGetAllDatabases,
		MethodCreateDatabase:  h.handleCreateDatabase,
		MethodDropDatabase:    h.handleDropDatabase,
	})
}

func (h *Handlers) handlePing(ctx context.Context, params json.RawMessage) (any, *Error) {
	return &PingResult{
		Version:  h.version,
		Protocol: ProtocolVersion,
		Time:     time.Now().UTC(),
	}, nil
}

func (h *Handlers) handleGetDatabase(ctx context.Context, params json.RawMessage) (any, *Error) {
	name, rpcErr := decodeName(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	db, err := h.backend.GetDatabase(ctx, name)
	if err != nil {
		return nil, toRPCError(MethodGetDatabase, err)
	}
	return db, nil
}

func (h *Handlers) handleGetAllDatabases(ctx context.Context, params json.RawMessage) (any, *Error) {
	names, err := h.backend.GetAllDatabases(ctx)
	if err != nil {
		return nil, toRPCError(MethodGetAllDatabases, err)
	}
	if names == nil {
		names = []string{}
	}
	return &GetAllDatabasesResult{Databases: names}, nil
}

func (h *Handlers) handleCreateDatabase(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p CreateDatabaseParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams(err.Error())
	}
	if catalog.NormalizeName(p.Database.Name) == "" {
		return nil, ErrInvalidParams("database name is required")
	}
	if err := h.backend.CreateDatabase(ctx, &p.Database); err != nil {
		return nil, toRPCError(MethodCreateDatabase, err)
	}
	return map[string]string{"name": catalog.NormalizeName(p.Database.Name)}, nil
}

func (h *Handlers) handleDropDatabase(ctx context.Context, params json.RawMessage) (any, *Error) {
	name, rpcErr := decodeName(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := h.backend.DropDatabase(ctx, name); err != nil {
		return nil, toRPCError(MethodDropDatabase, err)
	}
	return map[string]string{"name": catalog.NormalizeName(name)}, nil
}

func decodeName(params json.RawMessage) (string, *Error) {
	var p DatabaseNameParams
	if err := json.Unmarshal(params, &p); err != nil {
		return "", ErrInvalidParams(err.Error())
	}
	if catalog.NormalizeName(p.Name) == "" {
		return "", ErrInvalidParams("name is required")
	}
	return p.Name, nil
}

// toRPCError maps a backend error onto the wire. Missing and duplicate
// objects keep their codes; every other failure is a meta-exception.
func toRPCError(method string, err error) *Error {
	var rpcErr *Error
	if apperrors.As(err, &rpcErr) && rpcErr.Code != ErrCodeInternal {
		return rpcErr
	}

	switch {
	case apperrors.IsNotFound(err):
		return NewError(ErrCodeNotFound, err.Error(), nil)
	case apperrors.IsAlreadyExists(err):
		return NewError(ErrCodeAlreadyExists, err.Error(), nil)
	case apperrors.Is(err, apperrors.ErrInvalidInput):
		return ErrInvalidParams(err.Error())
	}

	log.WithField("method", method).WithError(err).Warn("backend call failed")
	return ErrMetaException(MetaExceptionMessage(err))
}

// MetaExceptionMessage renders err as "Got exception: <class> <message>".
// Connection failures get the transport class so callers two hops away can
// tell them from ordinary failures.
func MetaExceptionMessage(err error) string {
	class := MetaExceptionClass
	if IsTransportError(err) || apperrors.IsConnection(err) {
		class = TransportFaultClass
	}
	return MetaExceptionPrefix + class + " " + err.Error()
}
