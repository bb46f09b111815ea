// Package remote talks to the tenant-scoped authoritative API: batch
// submission, change pull and change notifications.
package remote

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// Scope headers. The server rejects requests whose headers disagree with
// the body or query scope.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderStoreID  = "X-Store-ID"
)

// Endpoint paths.
const (
	PathBatch   = "/operations/batch"
	PathChanges = "/changes"
	PathNotify  = "/notify"
)

// WireOperation is one operation in a batch request.
type WireOperation struct {
	ID         string          `json:"id"`
	Kind       ir.Kind         `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	SequenceNo int64           `json:"sequenceNo"`
	Digest     string          `json:"digest"`
}

// BatchRequest is the body of POST /operations/batch.
type BatchRequest struct {
	TenantID   string          `json:"tenantId"`
	StoreID    string          `json:"storeId"`
	TerminalID string          `json:"terminalId"`
	Operations []WireOperation `json:"operations"`
}

// Scope returns the request's tenant scope.
func (r BatchRequest) Scope() ir.Scope {
	return ir.Scope{TenantID: r.TenantID, StoreID: r.StoreID}
}

// BatchResponse is the body returned for a batch.
type BatchResponse struct {
	Results []ir.OperationResult `json:"results"`
}

// Notification is one websocket message on /notify.
type Notification struct {
	Revision int64 `json:"revision"`
}

// ErrorResponse is the body of any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ToWire encodes an operation for submission.
func ToWire(op ir.Operation) (WireOperation, error) {
	raw, err := ir.EncodePayload(op.Payload)
	if err != nil {
		return WireOperation{}, fmt.Errorf("encode %s: %w", op.ID, err)
	}
	return WireOperation{
		ID:         op.ID,
		Kind:       op.Kind,
		Payload:    raw,
		SequenceNo: op.SequenceNo,
		Digest:     op.Digest,
	}, nil
}
