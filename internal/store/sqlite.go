package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"clawmarket/internal/domain"
)

// DefaultSQLitePath is where the sqlite backend keeps its database when no
// path is configured.
const DefaultSQLitePath = "state/clawmarket.db"

// SQLiteStore keeps the same single document as the file backend, held in a
// one-row table and replaced inside a transaction on every Save. Useful when
// the state file lives on a filesystem without dependable rename semantics.
type SQLiteStore struct {
	DB *sql.DB
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	doc TEXT NOT NULL,
	saved_at INTEGER NOT NULL
)`

// OpenSQLiteStore opens (creating if needed) the database and ensures the
// schema exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure state table: %w", err)
	}
	return &SQLiteStore{DB: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*domain.Store, error) {
	var doc string
	err := s.DB.QueryRowContext(ctx, `SELECT doc FROM state WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewStore(time.Now().Unix()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state row: %w", err)
	}
	var st domain.Store
	if err := json.Unmarshal([]byte(doc), &st); err != nil {
		return nil, fmt.Errorf("decode state row: %w", err)
	}
	return migrate(&st), nil
}

func (s *SQLiteStore) Save(ctx context.Context, st *domain.Store) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO state(id, doc, saved_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, saved_at = excluded.saved_at`,
		string(data), time.Now().Unix())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error { return s.DB.Close() }
