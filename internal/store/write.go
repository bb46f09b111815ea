package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tillsync/internal/ir"
)

// Append validates op, assigns its sequence number and persists it as
// Pending in one transaction.
//
// Idempotent on op.ID: if the id is already in the log the stored
// operation is returned unchanged. Validation failures wrap
// ir.ErrInvalidPayload; persistence failures are DURABILITY_FAILURE
// errors and the log is left unchanged. Append never touches the network.
func (s *Store) Append(ctx context.Context, op ir.Operation) (ir.Operation, error) {
	ops, err := s.AppendAll(ctx, []ir.Operation{op})
	if err != nil {
		return ir.Operation{}, err
	}
	return ops[0], nil
}

// AppendAll appends several operations atomically, in slice order. Either
// every operation is persisted or none is. Used by action handlers that
// record one intent as several operations (a sale and its stock
// decrements).
func (s *Store) AppendAll(ctx context.Context, ops []ir.Operation) ([]ir.Operation, error) {
	if len(ops) == 0 {
		return []ir.Operation{}, nil
	}

	type prepared struct {
		op  ir.Operation
		raw []byte
	}
	batch := make([]prepared, 0, len(ops))
	for _, op := range ops {
		p, raw, err := s.prepare(op)
		if err != nil {
			return nil, err
		}
		batch = append(batch, prepared{op: p, raw: raw})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ir.NewDurabilityError("append: begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	out := make([]ir.Operation, 0, len(batch))
	var high int64
	for _, item := range batch {
		existing, err := scanOperation(tx.QueryRowContext(ctx,
			`SELECT `+operationColumns+` FROM operations WHERE id = ?`, item.op.ID))
		if err == nil {
			out = append(out, existing.op)
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, ir.NewDurabilityError("append: lookup "+item.op.ID, err)
		}

		op := item.op
		op.SequenceNo = s.clock.Next()
		op.Status = ir.StatusPending
		op.CreatedAt = s.now().UTC()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO operations
			(id, tenant_id, store_id, terminal_id, kind, payload, sequence_no,
			 status, reason, digest, compensates, superseded_by, size_bytes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, '', ?, ?)
		`,
			op.ID,
			op.Scope.TenantID,
			op.Scope.StoreID,
			op.TerminalID,
			string(op.Kind),
			string(item.raw),
			op.SequenceNo,
			string(op.Status),
			op.Digest,
			op.Compensates,
			len(item.raw),
			toMillis(op.CreatedAt),
		)
		if err != nil {
			return nil, ir.NewDurabilityError("append: insert "+op.ID, err)
		}
		// Round-trip through the stored form so callers see what replay sees.
		op.CreatedAt = fromMillis(toMillis(op.CreatedAt))
		high = op.SequenceNo
		out = append(out, op)
	}

	if high > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO log_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value)
		`, metaHighWater, high); err != nil {
			return nil, ir.NewDurabilityError("append: update high water", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, ir.NewDurabilityError("append: commit", err)
	}

	return out, nil
}

// prepare checks the operation envelope, validates the payload against its
// schema and computes the digest.
func (s *Store) prepare(op ir.Operation) (ir.Operation, []byte, error) {
	if op.ID == "" {
		return op, nil, fmt.Errorf("%w: operation id is required", ir.ErrInvalidPayload)
	}
	if op.TerminalID == "" {
		return op, nil, fmt.Errorf("%w: terminal id is required", ir.ErrInvalidPayload)
	}
	if err := op.Scope.Validate(); err != nil {
		return op, nil, err
	}
	if op.Payload == nil {
		return op, nil, fmt.Errorf("%w: operation %s has no payload", ir.ErrInvalidPayload, op.ID)
	}
	if op.Kind == "" {
		op.Kind = op.Payload.Kind()
	}
	if op.Kind != op.Payload.Kind() {
		return op, nil, fmt.Errorf("%w: kind %s does not match payload %s", ir.ErrInvalidPayload, op.Kind, op.Payload.Kind())
	}

	raw, err := s.validator.ValidatePayload(op.Payload)
	if err != nil {
		return op, nil, err
	}

	digest, err := ir.DigestRaw(op.Scope, op.Kind, raw)
	if err != nil {
		return op, nil, fmt.Errorf("%w: %v", ir.ErrInvalidPayload, err)
	}
	op.Digest = digest

	return op, raw, nil
}

// MarkSubmitted moves Pending operations to Submitted. Ids in any other
// status are left alone.
func (s *Store) MarkSubmitted(ctx context.Context, ids []string) error {
	return s.transitionMany(ctx, ids, ir.StatusSubmitted, []ir.Status{ir.StatusPending})
}

// MarkAcknowledged moves Pending or Submitted operations to Acknowledged.
func (s *Store) MarkAcknowledged(ctx context.Context, ids []string) error {
	return s.transitionMany(ctx, ids, ir.StatusAcknowledged, []ir.Status{ir.StatusPending, ir.StatusSubmitted})
}

// MarkRejected moves an operation into the dead set with a reason.
// Returns ir.ErrNotFound if the id is not in the log. Rejecting an
// operation that is already terminal is a no-op.
func (s *Store) MarkRejected(ctx context.Context, id, reason string) error {
	return s.transitionOne(ctx, id, ir.StatusRejected, reason, "")
}

// MarkSuperseded records that byID replaces id.
func (s *Store) MarkSuperseded(ctx context.Context, id, byID, reason string) error {
	return s.transitionOne(ctx, id, ir.StatusSuperseded, reason, byID)
}

func (s *Store) transitionMany(ctx context.Context, ids []string, to ir.Status, from []ir.Status) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.NewDurabilityError("mark "+string(to)+": begin tx", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`UPDATE operations SET status = ? WHERE id = ? AND status IN (%s)`,
		placeholders(len(from)))
	for _, id := range ids {
		args := []any{string(to), id}
		for _, st := range from {
			args = append(args, string(st))
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return ir.NewDurabilityError("mark "+string(to)+": "+id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ir.NewDurabilityError("mark "+string(to)+": commit", err)
	}
	return nil
}

func (s *Store) transitionOne(ctx context.Context, id string, to ir.Status, reason, byID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = ?, reason = ?, superseded_by = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(to), reason, byID, id, string(ir.StatusPending), string(ir.StatusSubmitted))
	if err != nil {
		return ir.NewDurabilityError("mark "+string(to)+": "+id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return ir.NewDurabilityError("mark "+string(to)+": rows affected", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return ir.NewDurabilityError("mark "+string(to)+": lookup "+id, err)
	}
	if exists == 0 {
		return fmt.Errorf("mark %s %s: %w", to, id, ir.ErrNotFound)
	}
	return nil
}

// PruneAcknowledged deletes settled history: Acknowledged operations, and
// Superseded operations whose replacement is Acknowledged or already
// pruned. Rejected operations are kept as the dead set. Returns the number
// of operations deleted.
func (s *Store) PruneAcknowledged(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ir.NewDurabilityError("prune: begin tx", err)
	}
	defer tx.Rollback()

	// Superseded first: the check needs acknowledged replacements visible.
	res, err := tx.ExecContext(ctx, `
		DELETE FROM operations
		WHERE status = ?
		  AND (superseded_by = ''
		       OR superseded_by NOT IN (SELECT id FROM operations WHERE status != ?))
	`, string(ir.StatusSuperseded), string(ir.StatusAcknowledged))
	if err != nil {
		return 0, ir.NewDurabilityError("prune superseded", err)
	}
	superseded, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM operations WHERE status = ?`, string(ir.StatusAcknowledged))
	if err != nil {
		return 0, ir.NewDurabilityError("prune acknowledged", err)
	}
	acknowledged, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, ir.NewDurabilityError("prune: commit", err)
	}
	return superseded + acknowledged, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
