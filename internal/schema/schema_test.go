package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
)

func TestDefault_CompilesOnce(t *testing.T) {
	v1, err := Default()
	require.NoError(t, err)
	v2, err := Default()
	require.NoError(t, err)
	assert.Same(t, v1, v2)
}

func TestValidatePayload_Valid(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	payloads := []ir.Payload{
		ir.SaleCreate{
			SaleID: "s-1",
			Lines: []ir.SaleLine{
				{LineNo: 1, ProductID: "p-1", Quantity: 2, UnitPrice: 250},
				{LineNo: 2, ProductID: "p-2", Quantity: 1, UnitPrice: 100},
			},
			Total: 600,
		},
		ir.SaleVoid{SaleID: "s-1", Reason: "customer changed mind"},
		ir.StockAdjust{ProductID: "p-1", Delta: -2, SaleID: "s-1", LineNo: 1},
		ir.StockAdjust{ProductID: "p-1", Delta: 10, Reason: "delivery"},
		ir.SessionStart{SessionID: "sess-1", UserID: "u-1", OpeningFloat: 5000},
		ir.SessionEnd{SessionID: "sess-1", UserID: "u-1", ClosingCash: 7300},
		ir.CustomerCreate{CustomerID: "c-1", Name: "Ada", Email: "ada@example.com"},
		ir.CustomerCreate{CustomerID: "c-2", Name: "Bob", Phone: "+44 (0) 7700 900123"},
		ir.CustomerRelabel{CustomerID: "c-1", DuplicateOf: "c-9"},
		ir.CustomerRelabel{CustomerID: "c-1", DuplicateOf: "c-9", Name: "Ada", Email: "ada@example.com"},
		ir.SaleLineReview{SaleID: "s-1", LineNo: 1, Reason: "oversold"},
	}

	for _, p := range payloads {
		t.Run(string(p.Kind()), func(t *testing.T) {
			raw, err := v.ValidatePayload(p)
			require.NoError(t, err)
			assert.NotEmpty(t, raw)
		})
	}
}

func TestValidatePayload_Invalid(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload ir.Payload
	}{
		{"sale without lines", ir.SaleCreate{SaleID: "s-1", Lines: []ir.SaleLine{}, Total: 0}},
		{"sale total mismatch", ir.SaleCreate{
			SaleID: "s-1",
			Lines:  []ir.SaleLine{{LineNo: 1, ProductID: "p-1", Quantity: 2, UnitPrice: 250}},
			Total:  499,
		}},
		{"sale zero quantity", ir.SaleCreate{
			SaleID: "s-1",
			Lines:  []ir.SaleLine{{LineNo: 1, ProductID: "p-1", Quantity: 0, UnitPrice: 250}},
			Total:  0,
		}},
		{"sale duplicate line", ir.SaleCreate{
			SaleID: "s-1",
			Lines: []ir.SaleLine{
				{LineNo: 1, ProductID: "p-1", Quantity: 1, UnitPrice: 1},
				{LineNo: 1, ProductID: "p-2", Quantity: 1, UnitPrice: 1},
			},
			Total: 2,
		}},
		{"sale total wraps past int64", ir.SaleCreate{
			SaleID: "s-1",
			Lines: []ir.SaleLine{
				{LineNo: 1, ProductID: "p-1", Quantity: 900000, UnitPrice: 10000000000000},
				{LineNo: 2, ProductID: "p-1", Quantity: 900000, UnitPrice: 10000000000000},
				{LineNo: 3, ProductID: "p-1", Quantity: 900000, UnitPrice: 10000000000000},
			},
			Total: 8553255926290448384,
		}},
		{"sale quantity above bound", ir.SaleCreate{
			SaleID: "s-1",
			Lines:  []ir.SaleLine{{LineNo: 1, ProductID: "p-1", Quantity: 1 << 32, UnitPrice: 1<<32 + 1}},
			Total:  1 << 32,
		}},
		{"stock zero delta", ir.StockAdjust{ProductID: "p-1", Delta: 0}},
		{"stock delta above bound", ir.StockAdjust{ProductID: "p-1", Delta: -2000000}},
		{"stock sale without line", ir.StockAdjust{ProductID: "p-1", Delta: -1, SaleID: "s-1"}},
		{"session negative float", ir.SessionStart{SessionID: "x", UserID: "u", OpeningFloat: -1}},
		{"customer no contact", ir.CustomerCreate{CustomerID: "c-1", Name: "Ada"}},
		{"customer bad email", ir.CustomerCreate{CustomerID: "c-1", Name: "Ada", Email: "not-an-email"}},
		{"review missing reason", ir.SaleLineReview{SaleID: "s-1", LineNo: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidatePayload(tt.payload)
			require.Error(t, err)
			assert.ErrorIs(t, err, ir.ErrInvalidPayload)
		})
	}
}

func TestValidate_RejectsUnknownFields(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	err = v.Validate(ir.KindSaleVoid, []byte(`{"sale_id":"s-1","colour":"red"}`))
	assert.ErrorIs(t, err, ir.ErrInvalidPayload)
}

func TestValidate_RejectsFloats(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	err = v.Validate(ir.KindStockAdjust, []byte(`{"product_id":"p-1","delta":1.5}`))
	assert.ErrorIs(t, err, ir.ErrInvalidPayload)
}

func TestValidate_UnknownKind(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	err = v.Validate(ir.Kind("Refund"), []byte(`{}`))
	assert.ErrorIs(t, err, ir.ErrInvalidPayload)
}
