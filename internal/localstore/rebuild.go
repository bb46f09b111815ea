package localstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// resetTables lists every table Rebuild clears, children first.
var resetTables = []string{
	"sale_lines",
	"sales",
	"stock",
	"sessions",
	"customers",
	"products",
	"entity_revisions",
	"applied_ops",
	"settled_ops",
}

// Rebuild discards all local state and replays ops in order. Acknowledged
// operations are applied and settled; everything else is applied only.
//
// Server records are cleared too, so the caller must reset the inbound
// watermark and pull again to restore them.
func (s *Store) Rebuild(ctx context.Context, ops []ir.Operation) error {
	for _, op := range ops {
		if err := s.checkScope(op.Scope); err != nil {
			return err
		}
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range resetTables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	for _, op := range ops {
		if err := s.ApplyOperation(ctx, op); err != nil {
			return fmt.Errorf("rebuild: %w", err)
		}
		if op.Status == ir.StatusAcknowledged {
			if err := s.Settle(ctx, op, ir.StatusAcknowledged, ir.ConflictDetail{}); err != nil {
				return fmt.Errorf("rebuild: %w", err)
			}
		}
	}

	s.logger.Info("local store rebuilt", "scope", s.scope.String(), "operations", len(ops))
	return nil
}

// Snapshot returns the business state as canonical-JSON-compatible values:
// one sorted list of row objects per table. Bookkeeping tables are left
// out so that two stores with the same visible state compare equal.
func (s *Store) Snapshot(ctx context.Context) (map[string]any, error) {
	queries := map[string]string{
		"products":   `SELECT product_id, name, price FROM products ORDER BY product_id`,
		"stock":      `SELECT product_id, server_quantity, local_delta FROM stock WHERE server_quantity != 0 OR local_delta != 0 ORDER BY product_id`,
		"sales":      `SELECT sale_id, session_id, total, acknowledged, voided, void_reason FROM sales ORDER BY sale_id`,
		"sale_lines": `SELECT sale_id, line_no, product_id, quantity, unit_price, needs_review, review_reason FROM sale_lines ORDER BY sale_id, line_no`,
		"sessions":   `SELECT session_id, user_id, status, opening_float, closing_cash FROM sessions ORDER BY session_id`,
		"customers":  `SELECT customer_id, name, email, phone, duplicate_of FROM customers ORDER BY customer_id`,
	}

	snap := make(map[string]any, len(queries))
	for table, query := range queries {
		rows, err := s.queryRows(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", table, err)
		}
		snap[table] = rows
	}
	return snap, nil
}

// Digest hashes Snapshot. Equal digests mean equal visible state.
func (s *Store) Digest(ctx context.Context) (string, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	return ir.StateDigest(snap)
}

// queryRows reads rows as maps of column name to string or int64.
func (s *Store) queryRows(ctx context.Context, query string) ([]any, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			switch v := vals[i].(type) {
			case []byte:
				row[col] = string(v)
			case int64, string:
				row[col] = v
			default:
				return nil, fmt.Errorf("column %s: unsupported type %T", col, v)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
