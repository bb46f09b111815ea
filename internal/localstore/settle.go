package localstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// Settle applies the server's final answer for an operation to local
// state. outcome is the operation's terminal status in the log. detail is
// the server's result detail; for an accepted StockAdjust it carries the
// resulting quantity and revision.
//
// Settling the same operation twice is a no-op. Settling an operation
// that was never applied is also safe: the revert paths only undo what
// ApplyOperation recorded.
func (s *Store) Settle(ctx context.Context, op ir.Operation, outcome ir.Status, detail ir.ConflictDetail) error {
	if err := s.checkScope(op.Scope); err != nil {
		return err
	}
	if !outcome.Terminal() {
		return fmt.Errorf("settle %s: outcome %s is not terminal", op.ID, outcome)
	}

	unlock := s.keys.Lock(entityKeys(op)...)
	defer unlock()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO settled_ops (op_id, outcome) VALUES (?, ?) ON CONFLICT DO NOTHING
		`, op.ID, string(outcome))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		var applied int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM applied_ops WHERE op_id = ?`, op.ID).Scan(&applied); err != nil {
			return err
		}

		if outcome == ir.StatusAcknowledged {
			return settleAcknowledged(ctx, tx, op, applied > 0, detail)
		}
		if applied == 0 {
			return nil
		}
		return revert(ctx, tx, op, outcome)
	})
	if err != nil {
		return fmt.Errorf("settle %s %s: %w", op.Kind, op.ID, err)
	}
	return nil
}

func settleAcknowledged(ctx context.Context, tx *sql.Tx, op ir.Operation, applied bool, detail ir.ConflictDetail) error {
	switch p := op.Payload.(type) {
	case ir.SaleCreate:
		_, err := tx.ExecContext(ctx, `UPDATE sales SET acknowledged = 1 WHERE sale_id = ?`, p.SaleID)
		return err

	case ir.StockAdjust:
		// The adjustment is now part of the server quantity.
		if applied {
			if err := addLocalDelta(ctx, tx, p.ProductID, -p.Delta); err != nil {
				return err
			}
		}
		if detail.Available == nil || detail.Revision == 0 {
			return nil
		}
		return setServerQuantity(ctx, tx, p.ProductID, *detail.Available, detail.Revision)
	}
	return nil
}

// revert undoes the optimistic effect of a rejected or superseded
// operation.
func revert(ctx context.Context, tx *sql.Tx, op ir.Operation, outcome ir.Status) error {
	switch p := op.Payload.(type) {
	case ir.SaleCreate:
		// Never accepted: the dead set keeps the operation for review.
		_, err := tx.ExecContext(ctx, `DELETE FROM sales WHERE sale_id = ? AND op_id = ? AND acknowledged = 0`, p.SaleID, op.ID)
		return err

	case ir.SaleVoid:
		_, err := tx.ExecContext(ctx, `UPDATE sales SET voided = 0, void_reason = '' WHERE sale_id = ?`, p.SaleID)
		return err

	case ir.StockAdjust:
		return addLocalDelta(ctx, tx, p.ProductID, -p.Delta)

	case ir.SessionStart:
		_, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ? AND origin = ?`, p.SessionID, originLocal)
		return err

	case ir.SessionEnd:
		// Closed elsewhere: the session is closed either way.
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE session_id = ?`, string(SessionClosed), p.SessionID)
		return err

	case ir.CustomerCreate:
		if outcome == ir.StatusSuperseded {
			// Relabeled, not removed.
			return nil
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM customers WHERE customer_id = ? AND origin = ?`, p.CustomerID, originLocal)
		return err
	}
	return nil
}

// setServerQuantity writes an authoritative stock quantity if revision is
// newer than the one already applied for the product.
func setServerQuantity(ctx context.Context, tx *sql.Tx, productID string, quantity, revision int64) error {
	newer, err := claimRevision(ctx, tx, ir.EntityStock, productID, revision)
	if err != nil || !newer {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock (product_id, server_quantity) VALUES (?, ?)
		ON CONFLICT(product_id) DO UPDATE SET server_quantity = excluded.server_quantity
	`, productID, quantity)
	return err
}

// claimRevision records revision for the entity if it is newer than the
// stored one and reports whether it was.
func claimRevision(ctx context.Context, tx *sql.Tx, entity, entityID string, revision int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO entity_revisions (entity, entity_id, revision) VALUES (?, ?, ?)
		ON CONFLICT(entity, entity_id) DO UPDATE SET revision = excluded.revision
		WHERE excluded.revision > entity_revisions.revision
	`, entity, entityID, revision)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
