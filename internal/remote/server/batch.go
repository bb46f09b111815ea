package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/schema"
)

// errScope is returned for a batch with an incomplete scope.
var errScope = errors.New("tenantId and storeId are required")

// SubmitBatch applies a batch in order and returns one result per
// operation. Each result is stored under the operation id: a resubmitted
// id with the same digest gets the stored result back, a resubmitted id
// with a different digest is rejected.
func (s *Server) SubmitBatch(ctx context.Context, req remote.BatchRequest) ([]ir.OperationResult, error) {
	scope := req.Scope()
	if scope.Validate() != nil {
		return nil, errScope
	}
	if req.TerminalID == "" {
		return nil, errors.New("terminalId is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]ir.OperationResult, 0, len(req.Operations))
	var lastRevision int64
	for _, w := range req.Operations {
		res, rev, err := s.submitOne(ctx, scope, req.TerminalID, w)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", w.ID, err)
		}
		if rev > lastRevision {
			lastRevision = rev
		}
		results = append(results, res)
	}

	if lastRevision > 0 {
		s.hub.broadcast(scope, lastRevision)
	}
	s.logger.Debug("batch applied", "scope", scope.String(), "terminal", req.TerminalID, "operations", len(results))
	return results, nil
}

// submitOne returns the result for w and the highest change revision it
// produced, or zero if it produced none.
func (s *Server) submitOne(ctx context.Context, scope ir.Scope, terminalID string, w remote.WireOperation) (ir.OperationResult, int64, error) {
	if w.ID == "" {
		return invalid(w.ID, ir.CodeInvalidPayload, "operation id is required"), 0, nil
	}

	var storedDigest, storedResult string
	err := s.db.QueryRowContext(ctx, `
		SELECT digest, result FROM submissions WHERE op_id = ?
	`, w.ID).Scan(&storedDigest, &storedResult)
	switch {
	case err == nil:
		if storedDigest != w.Digest {
			return invalid(w.ID, ir.CodeDigestMismatch, "operation id reused with different content"), 0, nil
		}
		var res ir.OperationResult
		if err := json.Unmarshal([]byte(storedResult), &res); err != nil {
			return ir.OperationResult{}, 0, fmt.Errorf("decode stored result: %w", err)
		}
		return res, 0, nil
	case !errors.Is(err, sql.ErrNoRows):
		return ir.OperationResult{}, 0, err
	}

	payload, reject := s.check(scope, w)
	if reject != nil {
		return *reject, 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ir.OperationResult{}, 0, err
	}
	defer tx.Rollback()

	a := &applier{ctx: ctx, tx: tx, opID: w.ID, scope: scope, terminalID: terminalID}
	res, err := a.apply(payload)
	if err != nil {
		return ir.OperationResult{}, 0, err
	}
	res.ID = w.ID

	data, err := json.Marshal(res)
	if err != nil {
		return ir.OperationResult{}, 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO submissions (op_id, tenant_id, store_id, terminal_id, digest, result)
		VALUES (?, ?, ?, ?, ?, ?)
	`, w.ID, scope.TenantID, scope.StoreID, terminalID, w.Digest, string(data)); err != nil {
		return ir.OperationResult{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return ir.OperationResult{}, 0, err
	}
	return res, a.revision, nil
}

// check validates shape and digest. A non-nil result is the rejection.
func (s *Server) check(scope ir.Scope, w remote.WireOperation) (ir.Payload, *ir.OperationResult) {
	if !w.Kind.Valid() {
		res := invalid(w.ID, ir.CodeInvalidPayload, fmt.Sprintf("unknown kind %q", w.Kind))
		return nil, &res
	}
	if err := s.validator.Validate(w.Kind, w.Payload); err != nil {
		res := invalid(w.ID, ir.CodeInvalidPayload, err.Error())
		return nil, &res
	}
	payload, err := ir.DecodePayload(w.Kind, w.Payload)
	if err == nil {
		err = schema.CheckRules(payload)
	}
	if err != nil {
		res := invalid(w.ID, ir.CodeInvalidPayload, err.Error())
		return nil, &res
	}
	digest, err := ir.DigestRaw(scope, w.Kind, w.Payload)
	if err != nil || digest != w.Digest {
		res := invalid(w.ID, ir.CodeDigestMismatch, "digest does not match payload")
		return nil, &res
	}
	return payload, nil
}

func invalid(id, code, message string) ir.OperationResult {
	return ir.OperationResult{
		ID:     id,
		Status: ir.ResultRejectedInvalid,
		Detail: ir.ConflictDetail{Code: code, Message: message},
	}
}

func accepted() ir.OperationResult {
	return ir.OperationResult{Status: ir.ResultAccepted}
}

func conflict(detail ir.ConflictDetail) ir.OperationResult {
	return ir.OperationResult{Status: ir.ResultRejectedConflict, Detail: detail}
}
