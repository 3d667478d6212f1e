// Package storage provides the embedded SQLite persistence layer: durable
// span/event/property rows for the local dashboard, and the rolled-up
// metrics tables at minute/hour/day granularity.
//
// The store follows SQLite's single-writer model: all writes serialize
// behind one mutex per Store, while WAL mode lets dashboard readers run
// concurrently without blocking the writer.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// writeMu enforces the single-writer discipline. SQLite would
	// serialize writers anyway via file locking; taking the lock in
	// process avoids burning busy_timeout budget on our own contention.
	writeMu sync.Mutex
}

// Open opens or creates the database at path and tunes it for a
// single-writer/multi-reader embedded workload: WAL journaling, relaxed
// synchronous durability (at most one uncommitted transaction is lost on
// crash), bounded journal and mmap sizes. The schema is applied by
// RunMigrations, which callers invoke with the embedded migrations FS.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA journal_size_limit = 16777216`,
		`PRAGMA mmap_size = 67108864`,
		`PRAGMA foreign_keys = ON`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: apply %q: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// DB returns the underlying handle for read-only consumers (dashboard).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close shuts down the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("storage: close database: %w", err)
	}
	return nil
}

// execWrite runs fn while holding the writer lock.
func (s *Store) execWrite(ctx context.Context, fn func(ctx context.Context) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return fn(ctx)
}
