package ir

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrScopeMismatch indicates data from one tenant/store was about to be
	// applied to another.
	ErrScopeMismatch = errors.New("scope mismatch")

	// ErrInvalidPayload indicates a payload failed its kind's schema.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrSaleImmutable indicates an attempt to edit an existing sale in place.
	ErrSaleImmutable = errors.New("sale is immutable; use SaleVoid")

	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	// ErrCodeDurability: local persistence failed. Fatal to the calling action.
	ErrCodeDurability ErrorCode = "DURABILITY_FAILURE"

	// ErrCodeTransport: network failure or timeout. Retried with backoff.
	ErrCodeTransport ErrorCode = "TRANSPORT_FAILURE"

	// ErrCodePermanent: the server says the operation can never apply.
	ErrCodePermanent ErrorCode = "PERMANENT_REJECTION"

	// ErrCodeConflict: the client's assumed base state is stale.
	ErrCodeConflict ErrorCode = "CONFLICT"
)

// SyncError is the structured error used across the sync engine.
type SyncError struct {
	Code        ErrorCode
	Message     string
	OperationID string
	Err         error
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.OperationID != "" {
		msg += fmt.Sprintf(" (op=%s)", e.OperationID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewDurabilityError wraps a local persistence failure.
func NewDurabilityError(message string, err error) *SyncError {
	return &SyncError{Code: ErrCodeDurability, Message: message, Err: err}
}

// NewTransportError wraps a network failure or timeout.
func NewTransportError(message string, err error) *SyncError {
	return &SyncError{Code: ErrCodeTransport, Message: message, Err: err}
}

// NewRejectionError records a permanent server rejection of one operation.
func NewRejectionError(opID, reason string) *SyncError {
	return &SyncError{Code: ErrCodePermanent, Message: reason, OperationID: opID}
}

// NewConflictError records a conflict for one operation.
func NewConflictError(opID string, detail ConflictDetail) *SyncError {
	return &SyncError{Code: ErrCodeConflict, Message: detail.Code, OperationID: opID}
}

func hasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsDurability returns true for local persistence failures.
// Uses errors.As to handle wrapped errors.
func IsDurability(err error) bool { return hasCode(err, ErrCodeDurability) }

// IsTransport returns true for network failures and timeouts.
func IsTransport(err error) bool { return hasCode(err, ErrCodeTransport) }

// IsPermanent returns true for permanent server rejections.
func IsPermanent(err error) bool { return hasCode(err, ErrCodePermanent) }

// IsConflict returns true for conflicts.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }
