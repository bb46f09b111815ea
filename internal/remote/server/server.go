// Package server is a reference implementation of the authoritative
// tenant-scoped API. It backs the devserver command and the end-to-end
// sync tests. State lives in SQLite; batches are applied one at a time.
package server

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/roach88/tillsync/internal/schema"
)

//go:embed schema.sql
var schemaSQL string

// DefaultChangeLimit caps a pull when the caller gives no limit.
const DefaultChangeLimit = 500

// MaxChangeLimit is the largest page the change feed returns.
const MaxChangeLimit = 1000

// Server holds authoritative state for every tenant scope it has seen.
type Server struct {
	db        *sql.DB
	mu        sync.Mutex // serializes batch application
	validator *schema.Validator
	hub       *hub
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// Open opens or creates the server database at path. ":memory:" is
// accepted for tests.
func Open(ctx context.Context, path string, opts ...Option) (*Server, error) {
	if path == "" {
		return nil, errors.New("server database path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open server db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes ordered.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init server schema: %w", err)
	}

	validator, err := schema.Default()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load payload schemas: %w", err)
	}

	s := &Server{
		db:        db,
		validator: validator,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.logger)
	return s, nil
}

// Close disconnects notify clients and closes the database.
func (s *Server) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}
