package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// SaleStatus is the local view of a sale.
type SaleStatus string

const (
	SalePending      SaleStatus = "pending"
	SaleAcknowledged SaleStatus = "acknowledged"
	SaleVoided       SaleStatus = "voided"
)

// SessionStatus is the local view of a cash session.
type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

// SaleLine is a sale line with its review flag.
type SaleLine struct {
	ir.SaleLine
	NeedsReview  bool
	ReviewReason string
}

// Sale is a sale as the terminal currently sees it.
type Sale struct {
	SaleID       string
	SessionID    string
	Total        int64
	Status       SaleStatus
	Acknowledged bool // Stays true after a void of an accepted sale
	VoidReason   string
	OpID         string // Operation that recorded the sale; empty for server-origin sales
	Lines        []SaleLine
}

// NeedsReview reports whether any line is flagged.
func (s Sale) NeedsReview() bool {
	for _, l := range s.Lines {
		if l.NeedsReview {
			return true
		}
	}
	return false
}

// StockLevel is a product's quantity split into its server and local parts.
type StockLevel struct {
	ProductID      string
	ServerQuantity int64
	LocalDelta     int64
}

// Quantity is the quantity shown to the operator.
func (l StockLevel) Quantity() int64 {
	return l.ServerQuantity + l.LocalDelta
}

// Session is a cash session.
type Session struct {
	SessionID    string
	UserID       string
	Status       SessionStatus
	OpeningFloat int64
	ClosingCash  int64
}

// Customer is a customer record. DuplicateOf is set when the server owns
// the customer's natural key under another id.
type Customer struct {
	CustomerID  string
	Name        string
	Email       string
	Phone       string
	NaturalKey  string
	DuplicateOf string
	Local       bool
}

// Product is a catalog entry.
type Product struct {
	ProductID string
	Name      string
	Price     int64
}

// Sale returns a sale with its lines, or ir.ErrNotFound.
func (s *Store) Sale(ctx context.Context, saleID string) (Sale, error) {
	var (
		sale                 Sale
		acknowledged, voided int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT sale_id, session_id, total, acknowledged, voided, void_reason, op_id
		FROM sales WHERE sale_id = ?
	`, saleID).Scan(&sale.SaleID, &sale.SessionID, &sale.Total, &acknowledged, &voided, &sale.VoidReason, &sale.OpID)
	if errors.Is(err, sql.ErrNoRows) {
		return Sale{}, fmt.Errorf("sale %s: %w", saleID, ir.ErrNotFound)
	}
	if err != nil {
		return Sale{}, fmt.Errorf("read sale %s: %w", saleID, err)
	}

	sale.Acknowledged = acknowledged == 1
	switch {
	case voided == 1:
		sale.Status = SaleVoided
	case acknowledged == 1:
		sale.Status = SaleAcknowledged
	default:
		sale.Status = SalePending
	}

	lines, err := s.saleLines(ctx, saleID)
	if err != nil {
		return Sale{}, err
	}
	sale.Lines = lines
	return sale, nil
}

// SaleAcknowledged reports whether the server has accepted the sale,
// independent of a later void.
func (s *Store) SaleAcknowledged(ctx context.Context, saleID string) (bool, error) {
	var acknowledged int
	err := s.db.QueryRowContext(ctx, `SELECT acknowledged FROM sales WHERE sale_id = ?`, saleID).Scan(&acknowledged)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("sale %s: %w", saleID, ir.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("read sale %s: %w", saleID, err)
	}
	return acknowledged == 1, nil
}

func (s *Store) saleLines(ctx context.Context, saleID string) ([]SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT line_no, product_id, quantity, unit_price, needs_review, review_reason
		FROM sale_lines WHERE sale_id = ?
		ORDER BY line_no ASC
	`, saleID)
	if err != nil {
		return nil, fmt.Errorf("read sale lines %s: %w", saleID, err)
	}
	defer rows.Close()

	lines := []SaleLine{}
	for rows.Next() {
		var (
			l      SaleLine
			review int
		)
		if err := rows.Scan(&l.LineNo, &l.ProductID, &l.Quantity, &l.UnitPrice, &review, &l.ReviewReason); err != nil {
			return nil, fmt.Errorf("scan sale line: %w", err)
		}
		l.NeedsReview = review == 1
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// SalesNeedingReview returns ids of sales with at least one flagged line,
// in id order.
func (s *Store) SalesNeedingReview(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT sale_id FROM sale_lines WHERE needs_review = 1
		ORDER BY sale_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("sales needing review: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sales needing review: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StockLevel returns a product's stock. Unknown products read as zero.
func (s *Store) StockLevel(ctx context.Context, productID string) (StockLevel, error) {
	level := StockLevel{ProductID: productID}
	err := s.db.QueryRowContext(ctx, `
		SELECT server_quantity, local_delta FROM stock WHERE product_id = ?
	`, productID).Scan(&level.ServerQuantity, &level.LocalDelta)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return level, fmt.Errorf("read stock %s: %w", productID, err)
	}
	return level, nil
}

// Session returns a cash session, or ir.ErrNotFound.
func (s *Store) Session(ctx context.Context, sessionID string) (Session, error) {
	var (
		sess   Session
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, status, opening_float, closing_cash
		FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&sess.SessionID, &sess.UserID, &status, &sess.OpeningFloat, &sess.ClosingCash)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", sessionID, ir.ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	sess.Status = SessionStatus(status)
	return sess, nil
}

// Customer returns a customer, or ir.ErrNotFound.
func (s *Store) Customer(ctx context.Context, customerID string) (Customer, error) {
	var (
		c      Customer
		origin string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT customer_id, name, email, phone, natural_key, duplicate_of, origin
		FROM customers WHERE customer_id = ?
	`, customerID).Scan(&c.CustomerID, &c.Name, &c.Email, &c.Phone, &c.NaturalKey, &c.DuplicateOf, &origin)
	if errors.Is(err, sql.ErrNoRows) {
		return Customer{}, fmt.Errorf("customer %s: %w", customerID, ir.ErrNotFound)
	}
	if err != nil {
		return Customer{}, fmt.Errorf("read customer %s: %w", customerID, err)
	}
	c.Local = origin == originLocal
	return c, nil
}

// Product returns a catalog entry, or ir.ErrNotFound.
func (s *Store) Product(ctx context.Context, productID string) (Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, name, price FROM products WHERE product_id = ?
	`, productID).Scan(&p.ProductID, &p.Name, &p.Price)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, fmt.Errorf("product %s: %w", productID, ir.ErrNotFound)
	}
	if err != nil {
		return Product{}, fmt.Errorf("read product %s: %w", productID, err)
	}
	return p, nil
}
