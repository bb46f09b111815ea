package localstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// ApplyRemoteChange applies one pulled server record. The record is
// written only if its revision is greater than the last revision applied
// for that entity, so replays and out-of-order deliveries are harmless.
// Reports whether the change was applied.
//
// Returns ir.ErrScopeMismatch for a change from another tenant or store.
func (s *Store) ApplyRemoteChange(ctx context.Context, change ir.Change) (bool, error) {
	if err := s.checkScope(change.Scope); err != nil {
		return false, err
	}

	unlock := s.keys.Lock(entityKey(change.Entity, change.EntityID))
	defer unlock()

	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		newer, err := claimRevision(ctx, tx, change.Entity, change.EntityID, change.Revision)
		if err != nil || !newer {
			return err
		}
		applied = true
		return applyRecord(ctx, tx, change)
	})
	if err != nil {
		return false, fmt.Errorf("apply change %s/%s@%d: %w", change.Entity, change.EntityID, change.Revision, err)
	}
	return applied, nil
}

// ApplyRemoteChanges applies changes in order and returns how many were
// newer than local state. Stops at the first error.
func (s *Store) ApplyRemoteChanges(ctx context.Context, changes []ir.Change) (int, error) {
	n := 0
	for _, c := range changes {
		applied, err := s.ApplyRemoteChange(ctx, c)
		if err != nil {
			return n, err
		}
		if applied {
			n++
		}
	}
	return n, nil
}

func applyRecord(ctx context.Context, tx *sql.Tx, change ir.Change) error {
	switch change.Entity {
	case ir.EntityProduct:
		var rec ir.ProductRecord
		if err := decodeRecord(change.Data, &rec); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO products (product_id, name, price) VALUES (?, ?, ?)
			ON CONFLICT(product_id) DO UPDATE SET name = excluded.name, price = excluded.price
		`, change.EntityID, rec.Name, rec.Price)
		return err

	case ir.EntityStock:
		var rec ir.StockRecord
		if err := decodeRecord(change.Data, &rec); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stock (product_id, server_quantity) VALUES (?, ?)
			ON CONFLICT(product_id) DO UPDATE SET server_quantity = excluded.server_quantity
		`, change.EntityID, rec.Quantity)
		return err

	case ir.EntityCustomer:
		var rec ir.CustomerRecord
		if err := decodeRecord(change.Data, &rec); err != nil {
			return err
		}
		nk := ir.CustomerCreate{Email: rec.Email, Phone: rec.Phone}.NaturalKey()
		// A relabelled duplicate was created on a terminal, so it stays
		// local. Server wins on fields; origin is never changed.
		origin := originServer
		if rec.DuplicateOf != "" {
			origin = originLocal
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO customers (customer_id, name, email, phone, natural_key, duplicate_of, origin)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(customer_id) DO UPDATE SET
				name = excluded.name, email = excluded.email,
				phone = excluded.phone, natural_key = excluded.natural_key,
				duplicate_of = CASE WHEN excluded.duplicate_of != '' THEN excluded.duplicate_of ELSE customers.duplicate_of END
		`, change.EntityID, rec.Name, rec.Email, rec.Phone, nk, rec.DuplicateOf, origin)
		return err

	case ir.EntitySale:
		var rec ir.SaleRecord
		if err := decodeRecord(change.Data, &rec); err != nil {
			return err
		}
		voided := boolInt(rec.Status == ir.SaleVoided)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sales (sale_id, session_id, total, acknowledged, voided, void_reason, origin)
			VALUES (?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT(sale_id) DO UPDATE SET
				acknowledged = 1, voided = excluded.voided, void_reason = excluded.void_reason
		`, change.EntityID, rec.SessionID, rec.Total, voided, rec.VoidReason, originServer); err != nil {
			return err
		}
		if err := insertSaleLines(ctx, tx, change.EntityID, rec.Lines); err != nil {
			return err
		}
		// Review flags are only ever added.
		for _, rv := range rec.Reviews {
			if err := flagSaleLine(ctx, tx, change.EntityID, rv.LineNo, rv.Reason); err != nil {
				return err
			}
		}
		return nil

	case ir.EntitySession:
		var rec ir.SessionRecord
		if err := decodeRecord(change.Data, &rec); err != nil {
			return err
		}
		// A closed record without cash keeps the amount counted here.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, user_id, status, opening_float, closing_cash, origin)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				status = excluded.status,
				closing_cash = CASE WHEN excluded.closing_cash != 0 THEN excluded.closing_cash ELSE sessions.closing_cash END
		`, change.EntityID, rec.UserID, rec.Status, rec.OpeningFloat, rec.ClosingCash, originServer)
		return err
	}

	return fmt.Errorf("unknown entity %q", change.Entity)
}

func decodeRecord(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}
