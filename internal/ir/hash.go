package ir

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Domain prefixes for content digests.
// Version suffix enables future algorithm migration.
const (
	DomainOperation = "tillsync/operation/v1"
	DomainState     = "tillsync/state/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// OperationDigest computes the content digest of an operation.
//
// The digest covers kind, scope and payload but NOT the id or sequence number:
// the id is the idempotency key and the digest lets the server detect an id
// that was reused for different content.
func OperationDigest(scope Scope, kind Kind, payload Payload) (string, error) {
	raw, err := EncodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("OperationDigest: %w", err)
	}
	return DigestRaw(scope, kind, raw)
}

// DigestRaw is OperationDigest for an already-encoded payload.
func DigestRaw(scope Scope, kind Kind, raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return "", fmt.Errorf("DigestRaw: decode payload: %w", err)
	}

	canonical, err := MarshalCanonical(map[string]any{
		"kind":      string(kind),
		"tenant_id": scope.TenantID,
		"store_id":  scope.StoreID,
		"payload":   payload,
	})
	if err != nil {
		return "", fmt.Errorf("DigestRaw: %w", err)
	}
	return hashWithDomain(DomainOperation, canonical), nil
}

// StateDigest hashes an arbitrary canonical-JSON-compatible value. Used to
// compare local store snapshots during replay verification.
func StateDigest(v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("StateDigest: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}
