package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
)

var scope = ir.Scope{TenantID: "tenant-a", StoreID: "store-1"}

func op(id string, p ir.Payload) ir.Operation {
	return ir.Operation{ID: id, Scope: scope, TerminalID: "term-2", Kind: p.Kind(), Payload: p}
}

func available(n int64) *int64 { return &n }

func TestResolve_StockClampedToZeroFlagsSaleLine(t *testing.T) {
	adj := op("op-7", ir.StockAdjust{ProductID: "P", Delta: -1, SaleID: "s-2", LineNo: 1})

	res := Resolve(adj, ir.ConflictDetail{Code: ir.CodeInsufficientStock, Available: available(0)})

	assert.Equal(t, ResolutionClampStock, res.Name)
	assert.Equal(t, ActionSupersede, res.Action)
	assert.True(t, res.ManualReview)
	require.Len(t, res.FollowUps, 1)

	review := res.FollowUps[0]
	assert.Equal(t, ir.KindSaleLineReview, review.Kind)
	assert.Equal(t, "op-7", review.Compensates)
	assert.Equal(t, scope, review.Scope)
	assert.Equal(t, "term-2", review.TerminalID)
	assert.Equal(t, review.ID, res.SupersededBy)

	payload := review.Payload.(ir.SaleLineReview)
	assert.Equal(t, "s-2", payload.SaleID)
	assert.Equal(t, int64(1), payload.LineNo)
}

func TestResolve_StockPartialClamp(t *testing.T) {
	adj := op("op-1", ir.StockAdjust{ProductID: "P", Delta: -5, SaleID: "s-1", LineNo: 2})

	res := Resolve(adj, ir.ConflictDetail{Code: ir.CodeInsufficientStock, Available: available(2)})

	require.Len(t, res.FollowUps, 2)
	corrective := res.FollowUps[0]
	assert.Equal(t, ir.KindStockAdjust, corrective.Kind)
	assert.Equal(t, int64(-2), corrective.Payload.(ir.StockAdjust).Delta)
	assert.Equal(t, corrective.ID, res.SupersededBy)
	assert.Equal(t, ir.KindSaleLineReview, res.FollowUps[1].Kind)
	assert.True(t, res.ManualReview)
}

func TestResolve_StockManualAdjustClampedToZeroRejected(t *testing.T) {
	adj := op("op-1", ir.StockAdjust{ProductID: "P", Delta: -3, Reason: "breakage"})

	res := Resolve(adj, ir.ConflictDetail{Code: ir.CodeInsufficientStock})

	assert.Equal(t, ActionReject, res.Action)
	assert.Empty(t, res.FollowUps)
	assert.Contains(t, res.Reason, "insufficient stock")
}

func TestResolve_StockManualAdjustPartial(t *testing.T) {
	adj := op("op-1", ir.StockAdjust{ProductID: "P", Delta: -3})

	res := Resolve(adj, ir.ConflictDetail{Code: ir.CodeInsufficientStock, Available: available(1)})

	assert.Equal(t, ActionSupersede, res.Action)
	assert.False(t, res.ManualReview)
	require.Len(t, res.FollowUps, 1)
	assert.Equal(t, int64(-1), res.FollowUps[0].Payload.(ir.StockAdjust).Delta)
}

func TestResolve_FollowUpIDsAreStable(t *testing.T) {
	adj := op("op-1", ir.StockAdjust{ProductID: "P", Delta: -3, SaleID: "s-1", LineNo: 1})
	detail := ir.ConflictDetail{Code: ir.CodeInsufficientStock, Available: available(1)}

	a := Resolve(adj, detail)
	b := Resolve(adj, detail)
	assert.Equal(t, a, b)
}

func TestResolve_SaleDuplicateIsSuccess(t *testing.T) {
	s := op("op-1", ir.SaleCreate{SaleID: "s-1"})
	res := Resolve(s, ir.ConflictDetail{Code: ir.CodeDuplicateID})
	assert.Equal(t, ActionAcknowledge, res.Action)
	assert.Empty(t, res.FollowUps)
}

func TestResolve_SessionClosedElsewhere(t *testing.T) {
	end := op("op-1", ir.SessionEnd{SessionID: "sess-1", UserID: "u-1"})
	for _, code := range []string{ir.CodeSessionClosedElsewhere, ir.CodeSessionOwnedElsewhere} {
		res := Resolve(end, ir.ConflictDetail{Code: code})
		assert.Equal(t, ActionReject, res.Action)
		assert.Equal(t, "session already closed elsewhere", res.Reason)
		assert.False(t, res.ManualReview)
	}
}

func TestResolve_CustomerRelabel(t *testing.T) {
	c := op("op-1", ir.CustomerCreate{CustomerID: "c-local", Name: "Ada", Email: "ada@example.com"})
	res := Resolve(c, ir.ConflictDetail{Code: ir.CodeNaturalKeyExists, ExistingID: "c-server"})

	assert.Equal(t, ActionSupersede, res.Action)
	require.Len(t, res.FollowUps, 1)
	relabel := res.FollowUps[0].Payload.(ir.CustomerRelabel)
	assert.Equal(t, ir.CustomerRelabel{CustomerID: "c-local", DuplicateOf: "c-server", Name: "Ada", Email: "ada@example.com"}, relabel)
}

func TestResolve_CustomerWithoutServerIDIsUnresolved(t *testing.T) {
	c := op("op-1", ir.CustomerCreate{CustomerID: "c-local", Name: "Ada", Email: "ada@example.com"})
	res := Resolve(c, ir.ConflictDetail{Code: ir.CodeNaturalKeyExists})
	assert.Equal(t, ResolutionUnresolved, res.Name)
	assert.True(t, res.ManualReview)
}

func TestResolve_VoidOfMissingSale(t *testing.T) {
	v := op("op-1", ir.SaleVoid{SaleID: "s-404"})
	res := Resolve(v, ir.ConflictDetail{Code: ir.CodeSaleNotFound})
	assert.Equal(t, ActionReject, res.Action)
	assert.Equal(t, "sale not found", res.Reason)
}

func TestResolve_UnknownCombination(t *testing.T) {
	s := op("op-1", ir.SessionStart{SessionID: "sess-1", UserID: "u-1"})
	res := Resolve(s, ir.ConflictDetail{Code: "mystery", Message: "who knows"})
	assert.Equal(t, ActionReject, res.Action)
	assert.True(t, res.ManualReview)
	assert.Equal(t, "unresolved conflict: mystery: who knows", res.Reason)
}
