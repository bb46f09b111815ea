package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// ApplyOperation applies the optimistic effect of an appended operation.
// Applying the same operation id twice is a no-op.
//
// Returns ir.ErrSaleImmutable if a SaleCreate reuses the id of a sale
// recorded by a different operation.
func (s *Store) ApplyOperation(ctx context.Context, op ir.Operation) error {
	if err := s.checkScope(op.Scope); err != nil {
		return err
	}

	unlock := s.keys.Lock(entityKeys(op)...)
	defer unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO applied_ops (op_id) VALUES (?) ON CONFLICT DO NOTHING`, op.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return applyTx(ctx, tx, op)
	})
	if err != nil {
		return fmt.Errorf("apply %s %s: %w", op.Kind, op.ID, err)
	}
	return nil
}

func applyTx(ctx context.Context, tx *sql.Tx, op ir.Operation) error {
	switch p := op.Payload.(type) {
	case ir.SaleCreate:
		return applySaleCreate(ctx, tx, op.ID, p)

	case ir.SaleVoid:
		_, err := tx.ExecContext(ctx, `
			UPDATE sales SET voided = 1, void_reason = ? WHERE sale_id = ?
		`, p.Reason, p.SaleID)
		return err

	case ir.StockAdjust:
		return addLocalDelta(ctx, tx, p.ProductID, p.Delta)

	case ir.SessionStart:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, user_id, status, opening_float, origin)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO NOTHING
		`, p.SessionID, p.UserID, string(SessionOpen), p.OpeningFloat, originLocal)
		return err

	case ir.SessionEnd:
		_, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = ?, closing_cash = ? WHERE session_id = ?
		`, string(SessionClosed), p.ClosingCash, p.SessionID)
		return err

	case ir.CustomerCreate:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO customers (customer_id, name, email, phone, natural_key, origin)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(customer_id) DO NOTHING
		`, p.CustomerID, p.Name, p.Email, p.Phone, p.NaturalKey(), originLocal)
		return err

	case ir.CustomerRelabel:
		return markCustomerDuplicate(ctx, tx, p.CustomerID, p.DuplicateOf)

	case ir.SaleLineReview:
		return flagSaleLine(ctx, tx, p.SaleID, p.LineNo, p.Reason)
	}
	return fmt.Errorf("%w: no local effect for kind %s", ir.ErrInvalidPayload, op.Kind)
}

func applySaleCreate(ctx context.Context, tx *sql.Tx, opID string, p ir.SaleCreate) error {
	var existingOp string
	err := tx.QueryRowContext(ctx, `SELECT op_id FROM sales WHERE sale_id = ?`, p.SaleID).Scan(&existingOp)
	switch {
	case err == nil:
		if existingOp != opID {
			return fmt.Errorf("sale %s: %w", p.SaleID, ir.ErrSaleImmutable)
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sales (sale_id, session_id, total, origin, op_id)
		VALUES (?, ?, ?, ?, ?)
	`, p.SaleID, p.SessionID, p.Total, originLocal, opID); err != nil {
		return err
	}
	return insertSaleLines(ctx, tx, p.SaleID, p.Lines)
}

func insertSaleLines(ctx context.Context, tx *sql.Tx, saleID string, lines []ir.SaleLine) error {
	for _, l := range lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, line_no, product_id, quantity, unit_price)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(sale_id, line_no) DO NOTHING
		`, saleID, l.LineNo, l.ProductID, l.Quantity, l.UnitPrice); err != nil {
			return err
		}
	}
	return nil
}

func addLocalDelta(ctx context.Context, tx *sql.Tx, productID string, delta int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock (product_id, local_delta) VALUES (?, ?)
		ON CONFLICT(product_id) DO UPDATE SET local_delta = local_delta + excluded.local_delta
	`, productID, delta)
	return err
}

func markCustomerDuplicate(ctx context.Context, tx *sql.Tx, customerID, duplicateOf string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE customers SET duplicate_of = ? WHERE customer_id = ?
	`, duplicateOf, customerID)
	return err
}

func flagSaleLine(ctx context.Context, tx *sql.Tx, saleID string, lineNo int64, reason string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sale_lines SET needs_review = 1, review_reason = ?
		WHERE sale_id = ? AND line_no = ?
	`, reason, saleID, lineNo)
	return err
}

// MarkSaleAcknowledged records that the server accepted a sale.
func (s *Store) MarkSaleAcknowledged(ctx context.Context, saleID string) error {
	unlock := s.keys.Lock(entityKey(ir.EntitySale, saleID))
	defer unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE sales SET acknowledged = 1 WHERE sale_id = ?`, saleID)
	if err != nil {
		return fmt.Errorf("mark sale %s acknowledged: %w", saleID, err)
	}
	return nil
}

// FlagSaleLineForReview marks a sale line for manual review.
func (s *Store) FlagSaleLineForReview(ctx context.Context, saleID string, lineNo int64, reason string) error {
	unlock := s.keys.Lock(entityKey(ir.EntitySale, saleID))
	defer unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return flagSaleLine(ctx, tx, saleID, lineNo, reason)
	})
}

// MarkCustomerDuplicate points a local customer at the server record that
// owns its natural key. The local record is kept.
func (s *Store) MarkCustomerDuplicate(ctx context.Context, customerID, duplicateOf string) error {
	unlock := s.keys.Lock(entityKey(ir.EntityCustomer, customerID))
	defer unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		return markCustomerDuplicate(ctx, tx, customerID, duplicateOf)
	})
}
