package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationDigest_StableAndContentSensitive(t *testing.T) {
	scope := Scope{TenantID: "t1", StoreID: "s1"}
	p := StockAdjust{ProductID: "P", Delta: -1}

	d1, err := OperationDigest(scope, KindStockAdjust, p)
	require.NoError(t, err)
	d2, err := OperationDigest(scope, KindStockAdjust, p)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)

	d3, err := OperationDigest(scope, KindStockAdjust, StockAdjust{ProductID: "P", Delta: -2})
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestOperationDigest_ScopeSeparated(t *testing.T) {
	p := SaleVoid{SaleID: "sale-1"}
	a, err := OperationDigest(Scope{TenantID: "t1", StoreID: "s1"}, KindSaleVoid, p)
	require.NoError(t, err)
	b, err := OperationDigest(Scope{TenantID: "t2", StoreID: "s1"}, KindSaleVoid, p)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDigestRaw_IgnoresFormatting(t *testing.T) {
	scope := Scope{TenantID: "t1", StoreID: "s1"}
	a, err := DigestRaw(scope, KindSaleVoid, []byte(`{"sale_id":"x","reason":"r"}`))
	require.NoError(t, err)
	b, err := DigestRaw(scope, KindSaleVoid, []byte(`{ "reason": "r", "sale_id": "x" }`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestStateDigest_Deterministic(t *testing.T) {
	a, err := StateDigest(map[string]any{"x": int64(1), "y": "z"})
	require.NoError(t, err)
	b, err := StateDigest(map[string]any{"y": "z", "x": int64(1)})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
