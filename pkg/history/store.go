// Package history keeps a queryable audit trail of deployment runs in a
// local SQLite database. It is strictly observational: failures to record
// history never fail a deployment, and nothing in the engine reads history to
// make decisions.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const driverSQLite = "sqlite"

type Config struct {
	// Path is the local filesystem path to the history database.
	// ":memory:" opens an ephemeral database for tests.
	Path string
}

// Store wraps the history database handle.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the history database and applies the
// schema. Local files get WAL and a busy timeout for predictable behavior
// alongside CLI reads.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history store: %w", err)
	}
	if err := configure(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle for diagnostics tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func buildDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("history store path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func configure(ctx context.Context, db *sql.DB, dsn string) error {
	if db == nil {
		return errors.New("history connection is nil")
	}

	// Keep a single connection: serializes writers, and keeps :memory:
	// databases stable across pooled calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if dsn == ":memory:" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	return nil
}
