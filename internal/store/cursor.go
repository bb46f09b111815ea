package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

// ReadCursor returns the sync cursor for a terminal and scope. A cursor
// that was never written reads as all zeros.
func (s *Store) ReadCursor(ctx context.Context, terminalID string, scope ir.Scope) (ir.SyncCursor, error) {
	cur := ir.SyncCursor{TerminalID: terminalID, Scope: scope}
	var lastSuccess int64
	err := s.db.QueryRowContext(ctx, `
		SELECT outbound_seq, inbound_revision, last_success_at
		FROM sync_cursors
		WHERE terminal_id = ? AND tenant_id = ? AND store_id = ?
	`, terminalID, scope.TenantID, scope.StoreID).Scan(&cur.OutboundSeq, &cur.InboundRevision, &lastSuccess)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return cur, fmt.Errorf("read cursor: %w", err)
	}
	cur.LastSuccessAt = fromMillis(lastSuccess)
	return cur, nil
}

// AdvanceOutbound raises the outbound watermark to seq. Lower values are
// ignored, so the watermark never moves backwards.
func (s *Store) AdvanceOutbound(ctx context.Context, terminalID string, scope ir.Scope, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (terminal_id, tenant_id, store_id, outbound_seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(terminal_id, tenant_id, store_id)
		DO UPDATE SET outbound_seq = MAX(outbound_seq, excluded.outbound_seq)
	`, terminalID, scope.TenantID, scope.StoreID, seq)
	if err != nil {
		return ir.NewDurabilityError("advance outbound watermark", err)
	}
	return nil
}

// AdvanceInbound raises the inbound revision watermark. Monotonic.
func (s *Store) AdvanceInbound(ctx context.Context, terminalID string, scope ir.Scope, revision int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (terminal_id, tenant_id, store_id, inbound_revision)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(terminal_id, tenant_id, store_id)
		DO UPDATE SET inbound_revision = MAX(inbound_revision, excluded.inbound_revision)
	`, terminalID, scope.TenantID, scope.StoreID, revision)
	if err != nil {
		return ir.NewDurabilityError("advance inbound watermark", err)
	}
	return nil
}

// RecordSuccess stamps the time of the last fully successful cycle.
func (s *Store) RecordSuccess(ctx context.Context, terminalID string, scope ir.Scope, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (terminal_id, tenant_id, store_id, last_success_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(terminal_id, tenant_id, store_id)
		DO UPDATE SET last_success_at = MAX(last_success_at, excluded.last_success_at)
	`, terminalID, scope.TenantID, scope.StoreID, toMillis(at))
	if err != nil {
		return ir.NewDurabilityError("record sync success", err)
	}
	return nil
}

// ResetInbound sets the inbound revision back to zero so the next pull
// starts from the beginning of the change feed. Used after a local rebuild.
func (s *Store) ResetInbound(ctx context.Context, terminalID string, scope ir.Scope) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_cursors SET inbound_revision = 0
		WHERE terminal_id = ? AND tenant_id = ? AND store_id = ?
	`, terminalID, scope.TenantID, scope.StoreID)
	if err != nil {
		return ir.NewDurabilityError("reset inbound watermark", err)
	}
	return nil
}
