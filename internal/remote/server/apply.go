package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// applier runs one operation's business rules inside a transaction.
type applier struct {
	ctx        context.Context
	tx         *sql.Tx
	opID       string
	scope      ir.Scope
	terminalID string
	revision   int64 // highest change revision written
}

func (a *applier) apply(p ir.Payload) (ir.OperationResult, error) {
	switch v := p.(type) {
	case ir.SaleCreate:
		return a.saleCreate(v)
	case ir.SaleVoid:
		return a.saleVoid(v)
	case ir.StockAdjust:
		return a.stockAdjust(v)
	case ir.SessionStart:
		return a.sessionStart(v)
	case ir.SessionEnd:
		return a.sessionEnd(v)
	case ir.CustomerCreate:
		return a.customerCreate(v)
	case ir.CustomerRelabel:
		return a.relabelCustomer(v)
	case ir.SaleLineReview:
		return a.reviewLine(v)
	}
	return ir.OperationResult{}, fmt.Errorf("no rule for payload %T", p)
}

func (a *applier) saleCreate(p ir.SaleCreate) (ir.OperationResult, error) {
	rec, found, err := a.sale(p.SaleID)
	if err != nil {
		return ir.OperationResult{}, err
	}
	if found {
		return conflict(ir.ConflictDetail{
			Code:       ir.CodeDuplicateID,
			Message:    "sale already recorded by terminal " + rec.TerminalID,
			ExistingID: rec.SaleID,
		}), nil
	}

	rec = ir.SaleRecord{
		SaleID:     p.SaleID,
		SessionID:  p.SessionID,
		TerminalID: a.terminalID,
		Lines:      p.Lines,
		Total:      p.Total,
		Status:     ir.SaleRecorded,
	}
	if err := a.putSale(rec, true); err != nil {
		return ir.OperationResult{}, err
	}
	return accepted(), nil
}

func (a *applier) saleVoid(p ir.SaleVoid) (ir.OperationResult, error) {
	rec, found, err := a.sale(p.SaleID)
	if err != nil {
		return ir.OperationResult{}, err
	}
	if !found {
		return conflict(ir.ConflictDetail{
			Code:    ir.CodeSaleNotFound,
			Message: "no sale " + p.SaleID,
		}), nil
	}
	if rec.Status == ir.SaleVoided {
		return accepted(), nil
	}
	rec.Status = ir.SaleVoided
	rec.VoidReason = p.Reason
	if err := a.putSale(rec, false); err != nil {
		return ir.OperationResult{}, err
	}
	return accepted(), nil
}

func (a *applier) stockAdjust(p ir.StockAdjust) (ir.OperationResult, error) {
	var qty int64
	err := a.tx.QueryRowContext(a.ctx, `
		SELECT quantity FROM stock WHERE tenant_id = ? AND store_id = ? AND product_id = ?
	`, a.scope.TenantID, a.scope.StoreID, p.ProductID).Scan(&qty)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ir.OperationResult{}, err
	}

	if qty+p.Delta < 0 {
		available := qty
		return conflict(ir.ConflictDetail{
			Code:      ir.CodeInsufficientStock,
			Message:   fmt.Sprintf("%s has %d on hand, adjustment %d", p.ProductID, qty, p.Delta),
			Available: &available,
		}), nil
	}

	next := qty + p.Delta
	rev, err := a.setStock(p.ProductID, next)
	if err != nil {
		return ir.OperationResult{}, err
	}
	res := accepted()
	res.Detail = ir.ConflictDetail{Available: &next, Revision: rev}
	return res, nil
}

func (a *applier) sessionStart(p ir.SessionStart) (ir.OperationResult, error) {
	existing, found, err := a.session(p.SessionID)
	if err != nil {
		return ir.OperationResult{}, err
	}
	if found {
		if existing.TerminalID == a.terminalID {
			return accepted(), nil
		}
		return conflict(ir.ConflictDetail{
			Code:       ir.CodeDuplicateID,
			Message:    "session started on terminal " + existing.TerminalID,
			ExistingID: existing.SessionID,
		}), nil
	}

	// A user holds one open session per store. Starting here closes
	// any session the user left open on another terminal.
	rows, err := a.tx.QueryContext(a.ctx, `
		SELECT session_id, terminal_id, opening_float, closing_cash FROM sessions
		WHERE tenant_id = ? AND store_id = ? AND user_id = ? AND status = ? AND terminal_id != ?
		ORDER BY session_id
	`, a.scope.TenantID, a.scope.StoreID, p.UserID, ir.SessionOpen, a.terminalID)
	if err != nil {
		return ir.OperationResult{}, err
	}
	var stale []ir.SessionRecord
	for rows.Next() {
		rec := ir.SessionRecord{UserID: p.UserID, Status: ir.SessionClosed}
		if err := rows.Scan(&rec.SessionID, &rec.TerminalID, &rec.OpeningFloat, &rec.ClosingCash); err != nil {
			rows.Close()
			return ir.OperationResult{}, err
		}
		stale = append(stale, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ir.OperationResult{}, err
	}
	for _, rec := range stale {
		if err := a.putSession(rec, a.terminalID); err != nil {
			return ir.OperationResult{}, err
		}
	}

	rec := ir.SessionRecord{
		SessionID:    p.SessionID,
		UserID:       p.UserID,
		TerminalID:   a.terminalID,
		Status:       ir.SessionOpen,
		OpeningFloat: p.OpeningFloat,
	}
	if err := a.putSession(rec, ""); err != nil {
		return ir.OperationResult{}, err
	}
	return accepted(), nil
}

func (a *applier) sessionEnd(p ir.SessionEnd) (ir.OperationResult, error) {
	rec, found, err := a.session(p.SessionID)
	if err != nil {
		return ir.OperationResult{}, err
	}
	if !found {
		return invalid("", ir.CodeSessionNotFound, "no session "+p.SessionID), nil
	}
	if rec.TerminalID != a.terminalID {
		return conflict(ir.ConflictDetail{
			Code:    ir.CodeSessionOwnedElsewhere,
			Message: "session belongs to terminal " + rec.TerminalID,
		}), nil
	}
	if rec.Status == ir.SessionClosed {
		var closedBy string
		if err := a.tx.QueryRowContext(a.ctx, `
			SELECT closed_by FROM sessions WHERE tenant_id = ? AND store_id = ? AND session_id = ?
		`, a.scope.TenantID, a.scope.StoreID, p.SessionID).Scan(&closedBy); err != nil {
			return ir.OperationResult{}, err
		}
		if closedBy != a.terminalID {
			return conflict(ir.ConflictDetail{
				Code:    ir.CodeSessionClosedElsewhere,
				Message: "session closed by terminal " + closedBy,
			}), nil
		}
		return accepted(), nil
	}

	rec.Status = ir.SessionClosed
	rec.ClosingCash = p.ClosingCash
	if err := a.putSession(rec, a.terminalID); err != nil {
		return ir.OperationResult{}, err
	}
	return accepted(), nil
}

func (a *applier) customerCreate(p ir.CustomerCreate) (ir.OperationResult, error) {
	var existing string
	err := a.tx.QueryRowContext(a.ctx, `
		SELECT customer_id FROM customers WHERE tenant_id = ? AND store_id = ? AND customer_id = ?
	`, a.scope.TenantID, a.scope.StoreID, p.CustomerID).Scan(&existing)
	switch {
	case err == nil:
		return conflict(ir.ConflictDetail{
			Code:       ir.CodeDuplicateID,
			Message:    "customer id already registered",
			ExistingID: existing,
		}), nil
	case !errors.Is(err, sql.ErrNoRows):
		return ir.OperationResult{}, err
	}

	key := p.NaturalKey()
	err = a.tx.QueryRowContext(a.ctx, `
		SELECT customer_id FROM customers WHERE tenant_id = ? AND store_id = ? AND natural_key = ?
	`, a.scope.TenantID, a.scope.StoreID, key).Scan(&existing)
	switch {
	case err == nil:
		return conflict(ir.ConflictDetail{
			Code:       ir.CodeNaturalKeyExists,
			Message:    "customer with " + key + " already exists",
			ExistingID: existing,
		}), nil
	case !errors.Is(err, sql.ErrNoRows):
		return ir.OperationResult{}, err
	}

	rec := ir.CustomerRecord{
		CustomerID: p.CustomerID,
		Name:       p.Name,
		Email:      p.Email,
		Phone:      p.Phone,
	}
	if err := a.putCustomer(rec, key); err != nil {
		return ir.OperationResult{}, err
	}
	return accepted(), nil
}

// relabelCustomer keeps the terminal's customer as a reference to the
// record that owns its natural key.
func (a *applier) relabelCustomer(p ir.CustomerRelabel) (ir.OperationResult, error) {
	if err := a.annotate(p); err != nil {
		return ir.OperationResult{}, err
	}
	rec, found, err := a.customer(p.CustomerID)
	if err != nil {
		return ir.OperationResult{}, err
	}
	if !found {
		rec = ir.CustomerRecord{
			CustomerID: p.CustomerID,
			Name:       p.Name,
			Email:      p.Email,
			Phone:      p.Phone,
		}
	}
	if rec.DuplicateOf == p.DuplicateOf {
		return accepted(), nil
	}
	rec.DuplicateOf = p.DuplicateOf
	if err := a.putCustomer(rec, ""); err != nil {
		return ir.OperationResult{}, err
	}
	return accepted(), nil
}

// reviewLine flags a line on the sale record. A review for a sale the
// server never accepted is kept as an annotation only.
func (a *applier) reviewLine(p ir.SaleLineReview) (ir.OperationResult, error) {
	if err := a.annotate(p); err != nil {
		return ir.OperationResult{}, err
	}
	rec, found, err := a.sale(p.SaleID)
	if err != nil {
		return ir.OperationResult{}, err
	}
	if !found {
		return accepted(), nil
	}
	if existing, ok := rec.Review(p.LineNo); ok && existing.Reason == p.Reason {
		return accepted(), nil
	}

	reviews := make([]ir.LineReview, 0, len(rec.Reviews)+1)
	for _, rv := range rec.Reviews {
		if rv.LineNo != p.LineNo {
			reviews = append(reviews, rv)
		}
	}
	rec.Reviews = append(reviews, ir.LineReview{LineNo: p.LineNo, Reason: p.Reason})
	if err := a.putSale(rec, false); err != nil {
		return ir.OperationResult{}, err
	}
	return accepted(), nil
}

func (a *applier) annotate(p ir.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = a.tx.ExecContext(a.ctx, `
		INSERT INTO annotations (op_id, tenant_id, store_id, kind, record)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, a.opID, a.scope.TenantID, a.scope.StoreID, string(p.Kind()), string(data))
	return err
}
