package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// ErrNotFound is returned by the readers for a missing record.
var ErrNotFound = errors.New("not found")

// admin runs fn as a back-office write, outside any terminal's batch.
func (s *Server) admin(ctx context.Context, scope ir.Scope, fn func(a *applier) error) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a := &applier{ctx: ctx, tx: tx, scope: scope, terminalID: "admin"}
	if err := fn(a); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if a.revision > 0 {
		s.hub.broadcast(scope, a.revision)
	}
	return nil
}

// SeedProduct creates or updates a catalog entry.
func (s *Server) SeedProduct(ctx context.Context, scope ir.Scope, rec ir.ProductRecord) error {
	return s.admin(ctx, scope, func(a *applier) error {
		return a.putProduct(rec)
	})
}

// SetStock overwrites the on-hand quantity, as a stock count would.
func (s *Server) SetStock(ctx context.Context, scope ir.Scope, productID string, quantity int64) error {
	if quantity < 0 {
		return fmt.Errorf("stock for %s cannot be negative: %d", productID, quantity)
	}
	return s.admin(ctx, scope, func(a *applier) error {
		_, err := a.setStock(productID, quantity)
		return err
	})
}

// SeedCustomer registers a customer directly.
func (s *Server) SeedCustomer(ctx context.Context, scope ir.Scope, rec ir.CustomerRecord) error {
	key := ir.CustomerCreate{Email: rec.Email, Phone: rec.Phone}.NaturalKey()
	if key == "" {
		return fmt.Errorf("customer %s needs an email or phone", rec.CustomerID)
	}
	return s.admin(ctx, scope, func(a *applier) error {
		return a.putCustomer(rec, key)
	})
}

// Stock returns the authoritative quantity for a product, zero if unknown.
func (s *Server) Stock(ctx context.Context, scope ir.Scope, productID string) (int64, error) {
	var qty int64
	err := s.db.QueryRowContext(ctx, `
		SELECT quantity FROM stock WHERE tenant_id = ? AND store_id = ? AND product_id = ?
	`, scope.TenantID, scope.StoreID, productID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return qty, err
}

// Sale returns an accepted sale.
func (s *Server) Sale(ctx context.Context, scope ir.Scope, saleID string) (ir.SaleRecord, error) {
	var rec ir.SaleRecord
	err := s.read(ctx, scope, func(a *applier) error {
		var found bool
		var err error
		rec, found, err = a.sale(saleID)
		if err == nil && !found {
			err = fmt.Errorf("sale %s: %w", saleID, ErrNotFound)
		}
		return err
	})
	return rec, err
}

// Session returns a session as the server knows it.
func (s *Server) Session(ctx context.Context, scope ir.Scope, sessionID string) (ir.SessionRecord, error) {
	var rec ir.SessionRecord
	err := s.read(ctx, scope, func(a *applier) error {
		var found bool
		var err error
		rec, found, err = a.session(sessionID)
		if err == nil && !found {
			err = fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return err
	})
	return rec, err
}

// Customer returns a customer as the server knows it.
func (s *Server) Customer(ctx context.Context, scope ir.Scope, customerID string) (ir.CustomerRecord, error) {
	var rec ir.CustomerRecord
	err := s.read(ctx, scope, func(a *applier) error {
		var found bool
		var err error
		rec, found, err = a.customer(customerID)
		if err == nil && !found {
			err = fmt.Errorf("customer %s: %w", customerID, ErrNotFound)
		}
		return err
	})
	return rec, err
}

// CountSales returns how many sales the scope holds.
func (s *Server) CountSales(ctx context.Context, scope ir.Scope) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sales WHERE tenant_id = ? AND store_id = ?
	`, scope.TenantID, scope.StoreID).Scan(&n)
	return n, err
}

// Annotations returns how many relabel and review records the scope holds
// for kind.
func (s *Server) Annotations(ctx context.Context, scope ir.Scope, kind ir.Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM annotations WHERE tenant_id = ? AND store_id = ? AND kind = ?
	`, scope.TenantID, scope.StoreID, string(kind)).Scan(&n)
	return n, err
}

// read runs fn in a transaction that is never committed.
func (s *Server) read(ctx context.Context, scope ir.Scope, fn func(a *applier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(&applier{ctx: ctx, tx: tx, scope: scope})
}

// NotifyClients returns the number of websocket clients listening on scope.
func (s *Server) NotifyClients(scope ir.Scope) int {
	return s.hub.count(scope)
}
