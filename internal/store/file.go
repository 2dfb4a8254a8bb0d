package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"clawmarket/internal/domain"
)

// DefaultStatePath is where the file backend keeps the document when no path
// is configured.
const DefaultStatePath = "state/clawmarket.json"

// FileStore keeps the aggregate in one JSON document. Save writes to a
// temporary file in the same directory and renames it over the target, so a
// reader never observes a partially written store.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultStatePath
	}
	return &FileStore{Path: path}
}

func (s *FileStore) Load(ctx context.Context) (*domain.Store, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.NewStore(time.Now().Unix()), nil
		}
		return nil, fmt.Errorf("read state %s: %w", s.Path, err)
	}
	var st domain.Store
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", s.Path, err)
	}
	return migrate(&st), nil
}

func (s *FileStore) Save(ctx context.Context, st *domain.Store) error {
	if dir := filepath.Dir(s.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
