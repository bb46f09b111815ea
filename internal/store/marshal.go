package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

// operationColumns is the column list every operation query selects, in
// the order scanOperation expects.
const operationColumns = `id, tenant_id, store_id, terminal_id, kind, payload, sequence_no,
	status, reason, digest, compensates, superseded_by, size_bytes, created_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// storedOperation is an operation with its encoded payload size, used by
// PeekBatch to respect the byte budget.
type storedOperation struct {
	op   ir.Operation
	size int64
}

// scanOperation reads one operation row and decodes its payload.
func scanOperation(row rowScanner) (storedOperation, error) {
	var (
		op        ir.Operation
		kind      string
		payload   string
		status    string
		size      int64
		createdAt int64
	)
	err := row.Scan(
		&op.ID,
		&op.Scope.TenantID,
		&op.Scope.StoreID,
		&op.TerminalID,
		&kind,
		&payload,
		&op.SequenceNo,
		&status,
		&op.Reason,
		&op.Digest,
		&op.Compensates,
		&op.SupersededBy,
		&size,
		&createdAt,
	)
	if err != nil {
		return storedOperation{}, err
	}

	op.Kind = ir.Kind(kind)
	op.Status = ir.Status(status)
	op.CreatedAt = fromMillis(createdAt)

	p, err := ir.DecodePayload(op.Kind, []byte(payload))
	if err != nil {
		return storedOperation{}, fmt.Errorf("decode operation %s: %w", op.ID, err)
	}
	op.Payload = p

	return storedOperation{op: op, size: size}, nil
}

// scanOperations drains rows into a slice. Returns an empty slice, not nil.
func scanOperations(rows *sql.Rows) ([]ir.Operation, error) {
	ops := []ir.Operation{}
	for rows.Next() {
		stored, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, stored.op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
