package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/roach88/tillsync/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Record origins.
const (
	originLocal  = "local"
	originServer = "server"
)

// Store is the local authoritative store for one tenant scope.
type Store struct {
	db     *sql.DB
	scope  ir.Scope
	keys   *keyedMutex
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates the local store tables on db (normally the operation log's
// handle) and binds the store to scope.
func New(ctx context.Context, db *sql.DB, scope ir.Scope, opts ...Option) (*Store, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to apply local store schema: %w", err)
	}

	s := &Store{
		db:     db,
		scope:  scope,
		keys:   newKeyedMutex(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Scope returns the tenant scope this store holds.
func (s *Store) Scope() ir.Scope {
	return s.scope
}

func (s *Store) checkScope(scope ir.Scope) error {
	if scope != s.scope {
		return fmt.Errorf("%w: record for %s applied to %s", ir.ErrScopeMismatch, scope, s.scope)
	}
	return nil
}

// withTx runs fn in a transaction. fn must only use tx.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// entityKeys returns the lock keys an operation touches.
func entityKeys(op ir.Operation) []string {
	switch p := op.Payload.(type) {
	case ir.SaleCreate:
		keys := []string{entityKey(ir.EntitySale, p.SaleID)}
		for _, l := range p.Lines {
			keys = append(keys, entityKey(ir.EntityStock, l.ProductID))
		}
		return keys
	case ir.SaleVoid:
		return []string{entityKey(ir.EntitySale, p.SaleID)}
	case ir.StockAdjust:
		return []string{entityKey(ir.EntityStock, p.ProductID)}
	case ir.SessionStart:
		return []string{entityKey(ir.EntitySession, p.SessionID)}
	case ir.SessionEnd:
		return []string{entityKey(ir.EntitySession, p.SessionID)}
	case ir.CustomerCreate:
		return []string{entityKey(ir.EntityCustomer, p.CustomerID)}
	case ir.CustomerRelabel:
		return []string{entityKey(ir.EntityCustomer, p.CustomerID)}
	case ir.SaleLineReview:
		return []string{entityKey(ir.EntitySale, p.SaleID)}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
