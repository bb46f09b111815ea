package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the payload schema of an Operation.
type Kind string

const (
	KindSaleCreate      Kind = "SaleCreate"
	KindSaleVoid        Kind = "SaleVoid"
	KindStockAdjust     Kind = "StockAdjust"
	KindSessionStart    Kind = "SessionStart"
	KindSessionEnd      Kind = "SessionEnd"
	KindCustomerCreate  Kind = "CustomerCreate"
	KindCustomerRelabel Kind = "CustomerRelabel"
	KindSaleLineReview  Kind = "SaleLineReview"
)

// Kinds lists every known kind in declaration order.
var Kinds = []Kind{
	KindSaleCreate,
	KindSaleVoid,
	KindStockAdjust,
	KindSessionStart,
	KindSessionEnd,
	KindCustomerCreate,
	KindCustomerRelabel,
	KindSaleLineReview,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of an Operation in the local log.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSubmitted    Status = "submitted"
	StatusAcknowledged Status = "acknowledged"
	StatusRejected     Status = "rejected"
	StatusSuperseded   Status = "superseded"
)

// Terminal reports whether no further sync work will happen for the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusAcknowledged, StatusRejected, StatusSuperseded:
		return true
	}
	return false
}

// Scope is the tenant isolation boundary. Every Operation and every pulled
// record belongs to exactly one Scope.
type Scope struct {
	TenantID string `json:"tenantId"`
	StoreID  string `json:"storeId"`
}

// Validate checks that both halves of the scope are present.
func (s Scope) Validate() error {
	if s.TenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrScopeMismatch)
	}
	if s.StoreID == "" {
		return fmt.Errorf("%w: store id is required", ErrScopeMismatch)
	}
	return nil
}

func (s Scope) String() string {
	return s.TenantID + "/" + s.StoreID
}

// Operation is a single durable, uniquely identified, replay-safe intent to
// mutate tenant data.
type Operation struct {
	ID         string // Client-generated, idempotency key
	Scope      Scope
	TerminalID string
	Kind       Kind
	Payload    Payload
	SequenceNo int64 // Strictly increasing per terminal, assigned at append
	Status     Status
	Reason     string // Persisted for rejected and superseded operations
	Digest     string // Content digest over kind, scope and payload

	// Compensates is the id of the operation this one corrects (resolver output).
	Compensates string
	// SupersededBy is the id of the operation that replaced this one.
	SupersededBy string

	// CreatedAt is wall-clock time used only for reporting pending age.
	CreatedAt time.Time
}

// SyncCursor holds the watermarks for one terminal and scope.
type SyncCursor struct {
	TerminalID      string
	Scope           Scope
	OutboundSeq     int64 // Last settled sequence number
	InboundRevision int64 // Last pulled server revision
	LastSuccessAt   time.Time
}

// ResultStatus is the server's verdict for one submitted operation.
type ResultStatus string

const (
	ResultAccepted         ResultStatus = "accepted"
	ResultRejectedInvalid  ResultStatus = "rejected_invalid"
	ResultRejectedConflict ResultStatus = "rejected_conflict"
)

// Conflict codes reported by the server in ConflictDetail.Code.
const (
	CodeInsufficientStock      = "insufficient_stock"
	CodeDuplicateID            = "duplicate_id"
	CodeSessionClosedElsewhere = "session_closed_elsewhere"
	CodeSessionOwnedElsewhere  = "session_owned_elsewhere"
	CodeNaturalKeyExists       = "natural_key_exists"
	CodeSaleNotFound           = "sale_not_found"
	CodeSessionNotFound        = "session_not_found"
	CodeDigestMismatch         = "digest_mismatch"
	CodeInvalidPayload         = "invalid_payload"
)

// ConflictDetail is the server's description of why an operation was not accepted.
type ConflictDetail struct {
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	Available  *int64 `json:"available,omitempty"`  // insufficient_stock
	ExistingID string `json:"existingId,omitempty"` // natural_key_exists, duplicate_id
	Revision   int64  `json:"revision,omitempty"`
}

// OperationResult is one entry of a batch response.
type OperationResult struct {
	ID     string         `json:"id"`
	Status ResultStatus   `json:"status"`
	Detail ConflictDetail `json:"detail"`
}

// Change is one record pulled from the remote store.
type Change struct {
	Revision int64           `json:"revision"`
	Scope    Scope           `json:"scope"`
	Entity   string          `json:"entity"`
	EntityID string          `json:"entityId"`
	Data     json.RawMessage `json:"data"`
}

// Entities carried by Change.Entity.
const (
	EntityProduct  = "product"
	EntityStock    = "stock"
	EntityCustomer = "customer"
	EntitySale     = "sale"
	EntitySession  = "session"
)

// ChangeSet is the response of a pull.
type ChangeSet struct {
	Revision int64    `json:"revision"`
	Changes  []Change `json:"changes"`
	More     bool     `json:"more"`
}

// ConflictRecord pairs a rejected operation with the server's authoritative
// view and the resolution chosen for it.
type ConflictRecord struct {
	Operation    Operation
	Server       ConflictDetail
	Resolution   string
	ManualReview bool
}
