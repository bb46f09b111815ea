package terminal

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/localstore"
)

// Session is the context every action runs in: who is acting, on which
// terminal, for which tenant scope, inside which cash session.
type Session struct {
	Scope         ir.Scope
	TerminalID    string
	UserID        string
	CashSessionID string // Empty outside a cash session
}

// Session returns a session for userID on this terminal with no cash
// session open.
func (t *Terminal) Session(userID string) Session {
	return Session{Scope: t.scope, TerminalID: t.terminalID, UserID: userID}
}

func (t *Terminal) checkSession(sess Session) error {
	if sess.Scope != t.scope {
		return fmt.Errorf("%w: session for %s used on %s", ir.ErrScopeMismatch, sess.Scope, t.scope)
	}
	if sess.TerminalID != t.terminalID {
		return fmt.Errorf("%w: session for terminal %q used on %q", ir.ErrScopeMismatch, sess.TerminalID, t.terminalID)
	}
	if sess.UserID == "" {
		return errors.New("session has no user")
	}
	return nil
}

func (t *Terminal) operation(p ir.Payload) ir.Operation {
	return ir.Operation{
		ID:         t.ids.Generate(),
		Scope:      t.scope,
		TerminalID: t.terminalID,
		Kind:       p.Kind(),
		Payload:    p,
	}
}

// record appends ops in one transaction, then applies each to the local
// store. Once the append succeeds the operations will sync; a failed
// apply leaves the local view stale until Rebuild and is returned as a
// durability error.
func (t *Terminal) record(ctx context.Context, ops ...ir.Operation) ([]ir.Operation, error) {
	appended, err := t.log.AppendAll(ctx, ops)
	if err != nil {
		return nil, err
	}
	for _, op := range appended {
		if err := t.local.ApplyOperation(ctx, op); err != nil {
			t.logger.Error("recorded operation not applied locally", "id", op.ID, "kind", op.Kind, "error", err)
			return appended, ir.NewDurabilityError("apply "+op.ID, err)
		}
	}
	for _, op := range appended {
		t.logger.Debug("operation recorded", "id", op.ID, "kind", op.Kind, "seq", op.SequenceNo)
	}
	return appended, nil
}

// RecordSale records a sale of lines and one stock decrement per line.
// Lines without a LineNo are numbered from 1. Returns the SaleCreate
// operation.
func (t *Terminal) RecordSale(ctx context.Context, sess Session, lines []ir.SaleLine) (ir.Operation, error) {
	if err := t.checkSession(sess); err != nil {
		return ir.Operation{}, err
	}
	if len(lines) == 0 {
		return ir.Operation{}, fmt.Errorf("%w: sale has no lines", ir.ErrInvalidPayload)
	}

	sale := ir.SaleCreate{
		SaleID:    t.ids.Generate(),
		SessionID: sess.CashSessionID,
		Lines:     make([]ir.SaleLine, len(lines)),
	}
	for i, l := range lines {
		if l.LineNo == 0 {
			l.LineNo = int64(i + 1)
		}
		sale.Lines[i] = l
	}
	total, err := sale.LineTotal()
	if err != nil {
		return ir.Operation{}, err
	}
	sale.Total = total

	ops := []ir.Operation{t.operation(sale)}
	for _, l := range sale.Lines {
		ops = append(ops, t.operation(ir.StockAdjust{
			ProductID: l.ProductID,
			Delta:     -l.Quantity,
			SaleID:    sale.SaleID,
			LineNo:    l.LineNo,
			Reason:    "sale",
		}))
	}

	recorded, err := t.record(ctx, ops...)
	if len(recorded) == 0 {
		return ir.Operation{}, err
	}
	return recorded[0], err
}

// VoidSale voids a sale. It is the only change allowed to an
// acknowledged sale. Returns ir.ErrNotFound for an unknown sale and
// ir.ErrSaleImmutable for one already voided.
//
// Voiding does not restock; record returned goods with AdjustStock.
func (t *Terminal) VoidSale(ctx context.Context, sess Session, saleID, reason string) (ir.Operation, error) {
	if err := t.checkSession(sess); err != nil {
		return ir.Operation{}, err
	}
	sale, err := t.local.Sale(ctx, saleID)
	if err != nil {
		return ir.Operation{}, err
	}
	if sale.Status == localstore.SaleVoided {
		return ir.Operation{}, fmt.Errorf("sale %s already voided: %w", saleID, ir.ErrSaleImmutable)
	}
	return t.recordOne(ctx, ir.SaleVoid{SaleID: saleID, Reason: reason})
}

// AdjustStock changes a product's on-hand quantity by delta.
func (t *Terminal) AdjustStock(ctx context.Context, sess Session, productID string, delta int64, reason string) (ir.Operation, error) {
	if err := t.checkSession(sess); err != nil {
		return ir.Operation{}, err
	}
	return t.recordOne(ctx, ir.StockAdjust{ProductID: productID, Delta: delta, Reason: reason})
}

// StartSession opens a cash session for the session's user and returns
// the session with CashSessionID set. A CashSessionID already on sess is
// used as the new session id.
func (t *Terminal) StartSession(ctx context.Context, sess Session, openingFloat int64) (Session, error) {
	if err := t.checkSession(sess); err != nil {
		return Session{}, err
	}
	if sess.CashSessionID == "" {
		sess.CashSessionID = t.ids.Generate()
	}
	_, err := t.recordOne(ctx, ir.SessionStart{
		SessionID:    sess.CashSessionID,
		UserID:       sess.UserID,
		OpeningFloat: openingFloat,
	})
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// EndSession closes the session's cash session.
func (t *Terminal) EndSession(ctx context.Context, sess Session, closingCash int64) (ir.Operation, error) {
	if err := t.checkSession(sess); err != nil {
		return ir.Operation{}, err
	}
	if sess.CashSessionID == "" {
		return ir.Operation{}, errors.New("no cash session is open")
	}
	return t.recordOne(ctx, ir.SessionEnd{
		SessionID:   sess.CashSessionID,
		UserID:      sess.UserID,
		ClosingCash: closingCash,
	})
}

// CreateCustomer registers a customer under a new id. If the server
// already knows the email or phone, the customer is later relabelled as a
// duplicate of the server record.
func (t *Terminal) CreateCustomer(ctx context.Context, sess Session, name, email, phone string) (ir.Operation, error) {
	if err := t.checkSession(sess); err != nil {
		return ir.Operation{}, err
	}
	return t.recordOne(ctx, ir.CustomerCreate{
		CustomerID: t.ids.Generate(),
		Name:       name,
		Email:      email,
		Phone:      phone,
	})
}

func (t *Terminal) recordOne(ctx context.Context, p ir.Payload) (ir.Operation, error) {
	recorded, err := t.record(ctx, t.operation(p))
	if len(recorded) == 0 {
		return ir.Operation{}, err
	}
	return recorded[0], err
}
