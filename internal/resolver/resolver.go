// Package resolver maps a server conflict on one operation to a
// deterministic resolution.
//
// The resolver is pure: it reads the rejected operation and the server's
// detail and returns what to do. Follow-up operations it proposes are
// appended by the caller through the operation log, so the log stays the
// single write path into local state.
package resolver

import (
	"fmt"

	"github.com/roach88/tillsync/internal/ir"
)

// Action is what happens to the conflicting operation itself.
type Action string

const (
	// ActionAcknowledge treats the conflict as success.
	ActionAcknowledge Action = "acknowledge"
	// ActionReject moves the operation to the dead set.
	ActionReject Action = "reject"
	// ActionSupersede replaces the operation with the follow-ups.
	ActionSupersede Action = "supersede"
)

// Resolution names, recorded on conflict records and events.
const (
	ResolutionClampStock          = "clamp_stock"
	ResolutionDuplicateIsSuccess  = "duplicate_is_success"
	ResolutionSessionClosed       = "session_closed_elsewhere"
	ResolutionRelabelCustomer     = "relabel_customer"
	ResolutionVoidTargetMissing   = "void_target_missing"
	ResolutionUnresolved          = "unresolved"
	ResolutionInsufficientNoClamp = "insufficient_stock_rejected"
)

// Resolution is the outcome for one conflicting operation.
type Resolution struct {
	Name   string
	Action Action
	Reason string // Persisted on the operation for reject and supersede

	// FollowUps are new operations to append, in order. Ids are derived
	// from the original id so re-resolving after a crash appends nothing new.
	FollowUps []ir.Operation

	// SupersededBy is the follow-up that replaces the original.
	SupersededBy string

	ManualReview bool
}

type policyKey struct {
	kind ir.Kind
	code string
}

type policy func(op ir.Operation, detail ir.ConflictDetail) Resolution

// policies is the fixed (kind, code) table.
var policies = map[policyKey]policy{
	{ir.KindStockAdjust, ir.CodeInsufficientStock}:     clampStock,
	{ir.KindSaleCreate, ir.CodeDuplicateID}:            duplicateIsSuccess,
	{ir.KindSessionEnd, ir.CodeSessionClosedElsewhere}: sessionClosedElsewhere,
	{ir.KindSessionEnd, ir.CodeSessionOwnedElsewhere}:  sessionClosedElsewhere,
	{ir.KindCustomerCreate, ir.CodeNaturalKeyExists}:   relabelCustomer,
	{ir.KindSaleVoid, ir.CodeSaleNotFound}:             voidTargetMissing,
}

// Resolve returns the resolution for op given the server's conflict
// detail. Unknown (kind, code) pairs are rejected for manual review.
func Resolve(op ir.Operation, detail ir.ConflictDetail) Resolution {
	if p, ok := policies[policyKey{op.Kind, detail.Code}]; ok {
		return p(op, detail)
	}
	return unresolved(op, detail)
}

func clampStock(op ir.Operation, detail ir.ConflictDetail) Resolution {
	adj, ok := op.Payload.(ir.StockAdjust)
	if !ok || adj.Delta >= 0 {
		return unresolved(op, detail)
	}

	var available int64
	if detail.Available != nil && *detail.Available > 0 {
		available = *detail.Available
	}
	clamped := -available
	if clamped < adj.Delta {
		// Enough stock after all; the conflict is stale.
		clamped = adj.Delta
	}

	res := Resolution{
		Name:   ResolutionClampStock,
		Action: ActionSupersede,
		Reason: fmt.Sprintf("insufficient stock: requested %d, available %d", -adj.Delta, available),
	}

	if clamped != 0 {
		corrective := followUp(op, "clamp", ir.StockAdjust{
			ProductID: adj.ProductID,
			Delta:     clamped,
			SaleID:    adj.SaleID,
			LineNo:    adj.LineNo,
			Reason:    fmt.Sprintf("clamped from %d", adj.Delta),
		})
		res.FollowUps = append(res.FollowUps, corrective)
		res.SupersededBy = corrective.ID
	}

	if adj.SaleID != "" {
		review := followUp(op, "review", ir.SaleLineReview{
			SaleID: adj.SaleID,
			LineNo: adj.LineNo,
			Reason: fmt.Sprintf("oversold %s: sold %d, %d in stock", adj.ProductID, -adj.Delta, available),
		})
		res.FollowUps = append(res.FollowUps, review)
		if res.SupersededBy == "" {
			res.SupersededBy = review.ID
		}
		res.ManualReview = true
	}

	if len(res.FollowUps) == 0 {
		return Resolution{
			Name:   ResolutionInsufficientNoClamp,
			Action: ActionReject,
			Reason: res.Reason,
		}
	}
	return res
}

func duplicateIsSuccess(ir.Operation, ir.ConflictDetail) Resolution {
	return Resolution{
		Name:   ResolutionDuplicateIsSuccess,
		Action: ActionAcknowledge,
	}
}

func sessionClosedElsewhere(ir.Operation, ir.ConflictDetail) Resolution {
	return Resolution{
		Name:   ResolutionSessionClosed,
		Action: ActionReject,
		Reason: "session already closed elsewhere",
	}
}

func relabelCustomer(op ir.Operation, detail ir.ConflictDetail) Resolution {
	cust, ok := op.Payload.(ir.CustomerCreate)
	if !ok || detail.ExistingID == "" {
		return unresolved(op, detail)
	}

	relabel := followUp(op, "relabel", ir.CustomerRelabel{
		CustomerID:  cust.CustomerID,
		DuplicateOf: detail.ExistingID,
		Name:        cust.Name,
		Email:       cust.Email,
		Phone:       cust.Phone,
	})
	return Resolution{
		Name:         ResolutionRelabelCustomer,
		Action:       ActionSupersede,
		Reason:       "customer exists on server as " + detail.ExistingID,
		FollowUps:    []ir.Operation{relabel},
		SupersededBy: relabel.ID,
	}
}

func voidTargetMissing(ir.Operation, ir.ConflictDetail) Resolution {
	return Resolution{
		Name:   ResolutionVoidTargetMissing,
		Action: ActionReject,
		Reason: "sale not found",
	}
}

func unresolved(op ir.Operation, detail ir.ConflictDetail) Resolution {
	reason := "unresolved conflict"
	if detail.Code != "" {
		reason += ": " + detail.Code
	}
	if detail.Message != "" {
		reason += ": " + detail.Message
	}
	return Resolution{
		Name:         ResolutionUnresolved,
		Action:       ActionReject,
		Reason:       reason,
		ManualReview: true,
	}
}

// followUp builds a compensating operation draft for op.
func followUp(op ir.Operation, tag string, p ir.Payload) ir.Operation {
	return ir.Operation{
		ID:          ir.DeriveID(op.ID, tag),
		Scope:       op.Scope,
		TerminalID:  op.TerminalID,
		Kind:        p.Kind(),
		Payload:     p,
		Compensates: op.ID,
	}
}
