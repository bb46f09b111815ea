package store

import (
	"context"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// ReadAll returns every operation still in the log for scope, in sequence
// order, regardless of status.
func (s *Store) ReadAll(ctx context.Context, scope ir.Scope) ([]ir.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM operations
		WHERE tenant_id = ? AND store_id = ?
		ORDER BY sequence_no ASC
	`, scope.TenantID, scope.StoreID)
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// ReplaySet returns the operations whose effects the local store must
// reflect: Acknowledged plus everything still in flight, in sequence
// order. Rejected operations are excluded, and so are Superseded ones
// except a CustomerCreate: a relabelled customer is kept, not undone.
func (s *Store) ReplaySet(ctx context.Context, scope ir.Scope) ([]ir.Operation, error) {
	ops, err := s.ListByStatus(ctx, scope,
		ir.StatusAcknowledged, ir.StatusPending, ir.StatusSubmitted, ir.StatusSuperseded)
	if err != nil {
		return nil, err
	}

	set := ops[:0]
	for _, op := range ops {
		if op.Status == ir.StatusSuperseded && op.Kind != ir.KindCustomerCreate {
			continue
		}
		set = append(set, op)
	}
	return set, nil
}

// LogSummary counts operations by status for one scope.
type LogSummary struct {
	Scope     ir.Scope
	HighWater int64
	Counts    map[ir.Status]int
}

// Summarize returns per-status counts for scope.
func (s *Store) Summarize(ctx context.Context, scope ir.Scope) (LogSummary, error) {
	summary := LogSummary{
		Scope:     scope,
		HighWater: s.clock.Current(),
		Counts:    make(map[ir.Status]int),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM operations
		WHERE tenant_id = ? AND store_id = ?
		GROUP BY status
		ORDER BY status
	`, scope.TenantID, scope.StoreID)
	if err != nil {
		return summary, fmt.Errorf("summarize log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return summary, fmt.Errorf("summarize log: %w", err)
		}
		summary.Counts[ir.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("summarize log: %w", err)
	}
	return summary, nil
}
