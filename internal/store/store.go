// Package store provides the durable SQLite-backed state for jarvisd:
// sessions, the message-id correlation index, and the active session
// pointer.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jarvisd/jarvisd/internal/common/logger"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// SQLite WAL mode allows many readers alongside a single writer; 4
	// read connections is plenty for a single-user daemon.
	defaultReaderConns = 4
)

// Store is the durable KV for sessions and correlation state.
type Store struct {
	db     *sqlx.DB // writer (single connection)
	ro     *sqlx.DB // reader (read-only pool)
	logger *logger.Logger
}

// Open opens (creating if necessary) the store at the given path.
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	writer, err := openWriter(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := openReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}

	s := &Store{
		db:     sqlx.NewDb(writer, "sqlite3"),
		ro:     sqlx.NewDb(reader, "sqlite3"),
		logger: log,
	}
	if err := s.initSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes both connection pools.
func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.ro != nil {
		_ = s.ro.Close()
	}
}

// openWriter opens a SQLite database configured for writes (single connection).
func openWriter(dbPath string) (*sql.DB, error) {
	normalizedPath := normalizePath(dbPath)
	if err := ensureDir(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureFile(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
	// - journal_mode=WAL: better read concurrency with a single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// openReader opens a read-only SQLite connection pool.
func openReader(dbPath string) (*sql.DB, error) {
	normalizedPath := normalizePath(dbPath)

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalizedPath,
		int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	db.SetMaxOpenConns(defaultReaderConns)
	db.SetMaxIdleConns(defaultReaderConns)

	return db, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		terminal_id TEXT NOT NULL DEFAULT '',
		project_path TEXT NOT NULL DEFAULT '',
		cli_session_id TEXT,
		last_message_id TEXT NOT NULL DEFAULT '',
		jarvis_mode INTEGER NOT NULL DEFAULT 0,
		mode TEXT NOT NULL DEFAULT 'planning',
		plan TEXT NOT NULL DEFAULT '',
		last_assistant_text TEXT NOT NULL DEFAULT '',
		claude_pid INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_cli_session_id
		ON sessions(cli_session_id) WHERE cli_session_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS correlations (
		last_message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	);
	`)
	if err != nil {
		return err
	}
	return s.runMigrations()
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (s *Store) runMigrations() error {
	// claude_pid was added after the initial schema (ignore error if already exists)
	_, _ = s.db.Exec(`ALTER TABLE sessions ADD COLUMN claude_pid INTEGER NOT NULL DEFAULT 0`)
	return nil
}
