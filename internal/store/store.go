package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/tillsync/internal/schema"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - log_meta high-water row seeded from existing operations
const currentSchemaVersion = 1

const metaHighWater = "sequence_high_water"

// Store is the durable operation log for one terminal.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db        *sql.DB
	mu        sync.Mutex // single writer for appends and status transitions
	clock     *Clock
	validator *schema.Validator
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithValidator overrides the payload validator.
func WithValidator(v *schema.Validator) Option {
	return func(s *Store) {
		s.validator = v
	}
}

// WithNow sets the wall-clock source used for created_at and cursor
// timestamps. Tests pass a deterministic clock.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically, then seeds the
// sequence clock from the persisted high-water mark.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	// Never query s.db while holding a tx or open rows.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if s.validator == nil {
		v, err := schema.Default()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load payload schemas: %w", err)
		}
		s.validator = v
	}

	high, err := readHighWater(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read sequence high water: %w", err)
	}
	s.clock = NewClockAt(high)

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB. The local store shares this handle so
// that both live in one file with one writer connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// HighWater returns the last sequence number issued by this log.
func (s *Store) HighWater() int64 {
	return s.clock.Current()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 seeds the high-water row from operations written before
// log_meta existed.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		INSERT INTO log_meta (key, value)
		SELECT ?, COALESCE(MAX(sequence_no), 0) FROM operations
		WHERE true
		ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value)
	`, metaHighWater)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// readHighWater returns the larger of the persisted high-water mark and
// the max sequence number still in the log.
func readHighWater(db *sql.DB) (int64, error) {
	var high int64
	err := db.QueryRow(`
		SELECT MAX(
			COALESCE((SELECT value FROM log_meta WHERE key = ?), 0),
			COALESCE((SELECT MAX(sequence_no) FROM operations), 0)
		)
	`, metaHighWater).Scan(&high)
	return high, err
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
