// Package catalog is the storage behind the embedded metastore: a small
// database catalog kept in a pebble store on local disk.
//
// A catalog directory can be open by only one Catalog at a time. Opening it
// a second time, from this process or another one, fails with
// ErrAlreadyBooted.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	apperrors "github.com/go-i2p/metapool/lib/errors"
)

// ErrAlreadyBooted is returned by Open when the directory is held by another instance.
var ErrAlreadyBooted = errors.New("catalog: database already booted")

const databasePrefix = "db/"

// Database describes one database in the catalog.
type Database struct {
	// Name is the database name, unique and lower case
	Name string `json:"name"`
	// Description is free text
	Description string `json:"description,omitempty"`
	// LocationURI is where the database's data lives
	LocationURI string `json:"location_uri,omitempty"`
	// OwnerName is the owning principal
	OwnerName string `json:"owner_name,omitempty"`
	// Parameters are arbitrary key/value properties
	Parameters map[string]string `json:"parameters,omitempty"`
	// CreateTime is when the database was created
	CreateTime time.Time `json:"create_time"`
}

// booted tracks directories open in this process. pebble's file lock guards
// against other processes.
var booted = struct {
	mu   sync.Mutex
	dirs map[string]bool
}{dirs: make(map[string]bool)}

// bootConflictError carries the message operators and clients match on.
type bootConflictError struct {
	dir string
	err error
}

func (e *bootConflictError) Error() string {
	msg := fmt.Sprintf("Another instance of the embedded metastore may have already booted the database %s", e.dir)
	if e.err != nil {
		return msg + ": " + e.err.Error()
	}
	return msg
}

func (e *bootConflictError) Unwrap() []error {
	if e.err != nil {
		return []error{ErrAlreadyBooted, e.err}
	}
	return []error{ErrAlreadyBooted}
}

// Catalog is an open catalog directory.
type Catalog struct {
	mu  sync.RWMutex
	dir string
	db  *pebble.DB
}

// Open opens or creates the catalog stored in dir.
func Open(dir string) (*Catalog, error) {
	if dir == "" {
		return nil, fmt.Errorf("catalog: directory is required: %w", apperrors.ErrInvalidInput)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: resolving %s: %w", dir, err)
	}

	booted.mu.Lock()
	defer booted.mu.Unlock()
	if booted.dirs[abs] {
		return nil, &bootConflictError{dir: abs}
	}

	db, err := pebble.Open(abs, &pebble.Options{})
	if err != nil {
		if isLockError(err) {
			return nil, &bootConflictError{dir: abs, err: err}
		}
		return nil, fmt.Errorf("catalog: open %s: %w", abs, err)
	}
	booted.dirs[abs] = true

	log.WithField("dir", abs).Debug("catalog opened")
	return &Catalog{dir: abs, db: db}, nil
}

// isLockError recognises pebble failing to take the directory LOCK file.
func isLockError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "lock held by current process") ||
		strings.Contains(msg, "resource temporarily unavailable") ||
		strings.Contains(msg, "could not lock")
}

// Dir returns the absolute catalog directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// Close closes the catalog. Closing a closed catalog is a no-op.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}

	err := c.db.Close()
	c.db = nil

	booted.mu.Lock()
	delete(booted.dirs, c.dir)
	booted.mu.Unlock()

	log.WithField("dir", c.dir).Debug("catalog closed")
	if err != nil {
		return fmt.Errorf("catalog: close %s: %w", c.dir, err)
	}
	return nil
}

func (c *Catalog) openDB() (*pebble.DB, error) {
	if c.db == nil {
		return nil, fmt.Errorf("catalog %s: %w", c.dir, apperrors.ErrClosed)
	}
	return c.db, nil
}

func databaseKey(name string) []byte {
	return []byte(databasePrefix + name)
}

// NormalizeName lower-cases and trims a database name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// GetDatabase returns the named database.
func (c *Catalog) GetDatabase(ctx context.Context, name string) (*Database, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	db, err := c.openDB()
	if err != nil {
		return nil, err
	}

	name = NormalizeName(name)
	value, closer, err := db.Get(databaseKey(name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("database %s: %w", name, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("catalog: get %s: %w", name, err)
	}
	defer closer.Close()

	var out Database
	if err := json.Unmarshal(value, &out); err != nil {
		return nil, fmt.Errorf("catalog: decode %s: %w", name, err)
	}
	return &out, nil
}

// GetAllDatabases returns all database names in sorted order.
func (c *Catalog) GetAllDatabases(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	db, err := c.openDB()
	if err != nil {
		return nil, err
	}

	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(databasePrefix),
		UpperBound: prefixEnd(databasePrefix),
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: iterate: %w", err)
	}
	defer iter.Close()

	names := []string{}
	for iter.First(); iter.Valid(); iter.Next() {
		names = append(names, strings.TrimPrefix(string(iter.Key()), databasePrefix))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("catalog: iterate: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// CreateDatabase stores a new database. The name is normalized and
// CreateTime is set when empty.
func (c *Catalog) CreateDatabase(ctx context.Context, d *Database) error {
	if d == nil || NormalizeName(d.Name) == "" {
		return fmt.Errorf("database name is required: %w", apperrors.ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	db, err := c.openDB()
	if err != nil {
		return err
	}

	rec := *d
	rec.Name = NormalizeName(d.Name)
	if rec.CreateTime.IsZero() {
		rec.CreateTime = time.Now().UTC()
	}

	key := databaseKey(rec.Name)
	_, closer, err := db.Get(key)
	if err == nil {
		closer.Close()
		return fmt.Errorf("database %s: %w", rec.Name, apperrors.ErrAlreadyExists)
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("catalog: get %s: %w", rec.Name, err)
	}

	value, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("catalog: encode %s: %w", rec.Name, err)
	}
	if err := db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("catalog: put %s: %w", rec.Name, err)
	}

	log.WithField("database", rec.Name).Debug("database created")
	return nil
}

// DropDatabase removes the named database.
func (c *Catalog) DropDatabase(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	db, err := c.openDB()
	if err != nil {
		return err
	}

	name = NormalizeName(name)
	key := databaseKey(name)
	_, closer, err := db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return fmt.Errorf("database %s: %w", name, apperrors.ErrNotFound)
		}
		return fmt.Errorf("catalog: get %s: %w", name, err)
	}
	closer.Close()

	if err := db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("catalog: delete %s: %w", name, err)
	}

	log.WithField("database", name).Debug("database dropped")
	return nil
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
