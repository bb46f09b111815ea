package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

// PeekBatch returns the oldest Pending or Submitted operations for scope in
// sequence order, up to maxCount operations and maxBytes of payload.
//
// The first operation is always returned even if it alone exceeds
// maxBytes, so an oversized operation can never stall the outbox.
// maxCount <= 0 means no count limit; maxBytes <= 0 means no byte limit.
func (s *Store) PeekBatch(ctx context.Context, scope ir.Scope, maxCount int, maxBytes int64) ([]ir.Operation, error) {
	query := `
		SELECT ` + operationColumns + `
		FROM operations
		WHERE tenant_id = ? AND store_id = ? AND status IN (?, ?)
		ORDER BY sequence_no ASC`
	args := []any{scope.TenantID, scope.StoreID, string(ir.StatusPending), string(ir.StatusSubmitted)}
	if maxCount > 0 {
		query += ` LIMIT ?`
		args = append(args, maxCount)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("peek batch: %w", err)
	}
	defer rows.Close()

	batch := []ir.Operation{}
	var total int64
	for rows.Next() {
		stored, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("peek batch: %w", err)
		}
		if maxBytes > 0 && len(batch) > 0 && total+stored.size > maxBytes {
			break
		}
		total += stored.size
		batch = append(batch, stored.op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("peek batch: %w", err)
	}

	return batch, nil
}

// Get returns one operation by id, or ir.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (ir.Operation, error) {
	stored, err := scanOperation(s.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Operation{}, fmt.Errorf("operation %s: %w", id, ir.ErrNotFound)
	}
	if err != nil {
		return ir.Operation{}, fmt.Errorf("get operation %s: %w", id, err)
	}
	return stored.op, nil
}

// ListByStatus returns operations for scope in any of the given statuses,
// ordered by sequence number.
func (s *Store) ListByStatus(ctx context.Context, scope ir.Scope, statuses ...ir.Status) ([]ir.Operation, error) {
	if len(statuses) == 0 {
		return []ir.Operation{}, nil
	}
	args := []any{scope.TenantID, scope.StoreID}
	for _, st := range statuses {
		args = append(args, string(st))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM operations
		WHERE tenant_id = ? AND store_id = ? AND status IN (`+placeholders(len(statuses))+`)
		ORDER BY sequence_no ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// Pending returns the unsettled outbox (Pending and Submitted).
func (s *Store) Pending(ctx context.Context, scope ir.Scope) ([]ir.Operation, error) {
	return s.ListByStatus(ctx, scope, ir.StatusPending, ir.StatusSubmitted)
}

// DeadSet returns permanently rejected operations awaiting human review.
func (s *Store) DeadSet(ctx context.Context, scope ir.Scope) ([]ir.Operation, error) {
	return s.ListByStatus(ctx, scope, ir.StatusRejected)
}

// PendingStats summarizes the unsettled outbox for status reporting.
type PendingStats struct {
	Count  int
	Oldest time.Time // Zero when Count is 0
}

// PendingStats returns the count and the oldest created_at of unsettled
// operations in scope.
func (s *Store) PendingStats(ctx context.Context, scope ir.Scope) (PendingStats, error) {
	var (
		count  int
		oldest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at)
		FROM operations
		WHERE tenant_id = ? AND store_id = ? AND status IN (?, ?)
	`, scope.TenantID, scope.StoreID, string(ir.StatusPending), string(ir.StatusSubmitted)).Scan(&count, &oldest)
	if err != nil {
		return PendingStats{}, fmt.Errorf("pending stats: %w", err)
	}

	stats := PendingStats{Count: count}
	if oldest.Valid {
		stats.Oldest = fromMillis(oldest.Int64)
	}
	return stats, nil
}

// SettledThrough returns the highest sequence number n such that every
// operation in scope with sequence_no <= n has left the outbox.
func (s *Store) SettledThrough(ctx context.Context, scope ir.Scope) (int64, error) {
	var minOpen sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(sequence_no)
		FROM operations
		WHERE tenant_id = ? AND store_id = ? AND status IN (?, ?)
	`, scope.TenantID, scope.StoreID, string(ir.StatusPending), string(ir.StatusSubmitted)).Scan(&minOpen)
	if err != nil {
		return 0, fmt.Errorf("settled through: %w", err)
	}
	if minOpen.Valid {
		return minOpen.Int64 - 1, nil
	}
	return s.clock.Current(), nil
}
