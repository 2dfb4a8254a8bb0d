// Package store persists the marketplace aggregate as a single document.
// A Backend must make Save atomic from the perspective of any reader; it does
// not serialize concurrent read-modify-write cycles. That discipline lives in
// the engine.
package store

import (
	"context"
	"fmt"
	"time"

	"clawmarket/internal/domain"
)

// Backend holds the whole aggregate. Load returns a fresh empty store when
// nothing has been persisted yet.
type Backend interface {
	Load(ctx context.Context) (*domain.Store, error)
	Save(ctx context.Context, st *domain.Store) error
	Close() error
}

// Backend names accepted in config.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config selects and locates a backend.
type Config struct {
	Backend string
	Path    string
}

// Open returns the configured backend. An empty backend name means file.
func Open(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", BackendFile:
		return NewFileStore(cfg.Path), nil
	case BackendSQLite:
		return OpenSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// migrate upgrades a loaded document to the current schema version and
// repairs holes a hand-edited or pre-versioning document may have. Runs on
// every load, before the engine sees the store.
func migrate(st *domain.Store) *domain.Store {
	if st == nil {
		return domain.NewStore(time.Now().Unix())
	}
	if st.Users == nil {
		st.Users = map[string]*domain.User{}
	}
	if st.Tasks == nil {
		st.Tasks = map[string]*domain.Task{}
	}
	if st.CreatedAt == 0 {
		st.CreatedAt = time.Now().Unix()
	}
	if st.Version < domain.StoreVersion {
		st.Version = domain.StoreVersion
	}
	return st
}
