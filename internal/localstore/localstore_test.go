package localstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
)

func TestNew_RejectsEmptyScope(t *testing.T) {
	_, err := New(context.Background(), nil, ir.Scope{})
	assert.ErrorIs(t, err, ir.ErrScopeMismatch)
}

func TestApplyOperation_SaleCreate(t *testing.T) {
	ls := createTestStore(t)
	ctx := context.Background()

	s := sale("s-1",
		ir.SaleLine{LineNo: 1, ProductID: "p-1", Quantity: 2, UnitPrice: 150},
		ir.SaleLine{LineNo: 2, ProductID: "p-2", Quantity: 1, UnitPrice: 200},
	)
	require.NoError(t, ls.ApplyOperation(ctx, op("op-1", s)))

	got, err := ls.Sale(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, SalePending, got.Status)
	assert.Equal(t, int64(500), got.Total)
	assert.Equal(t, "op-1", got.OpID)
	require.Len(t, got.Lines, 2)
	assert.Equal(t, "p-2", got.Lines[1].ProductID)
}

func TestApplyOperation_Idempotent(t *testing.T) {
	ls := createTestStore(t)
	ctx := context.Background()

	adj := op("op-1", ir.StockAdjust{ProductID: "p-1", Delta: -3})
	for i := 0; i < 3; i++ {
		require.NoError(t, ls.ApplyOperation(ctx, adj))
	}

	level, err := ls.StockLevel(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-3), level.LocalDelta)
}

func TestApplyOperation_SaleImmutable(t *testing.T) {
	ls := createTestStore(t)
	ctx := context.Background()

	s := sale("s-1", ir.SaleLine{LineNo: 1, ProductID: "p-1", Quantity: 1, UnitPrice: 100})
	require.NoError(t, ls.ApplyOperation(ctx, op("op-1", s)))

	err := ls.ApplyOperation(ctx, op("op-2", s))
	assert.ErrorIs(t, err, ir.ErrSaleImmutable)
}

func TestApplyOperation_ScopeMismatch(t *testing.T) {
	ls := createTestStore(t)
	o := op("op-1", ir.StockAdjust{ProductID: "p-1", Delta: 1})
	o.Scope = ir.Scope{TenantID: "tenant-b", StoreID: "store-1"}

	err := ls.ApplyOperation(context.Background(), o)
	assert.ErrorIs(t, err, ir.ErrScopeMismatch)
}

func TestApplyOperation_SessionLifecycle(t *testing.T) {
	ls := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, ls.ApplyOperation(ctx, op("op-1", ir.SessionStart{SessionID: "sess-1", UserID: "u-1", OpeningFloat: 5000})))
	sess, err := ls.Session(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, SessionOpen, sess.Status)

	require.NoError(t, ls.ApplyOperation(ctx, op("op-2", ir.SessionEnd{SessionID: "sess-1", UserID: "u-1", ClosingCash: 6200})))
	sess, err = ls.Session(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, SessionClosed, sess.Status)
	assert.Equal(t, int64(6200), sess.ClosingCash)
}

func TestApplyOperation_CustomerAndRelabel(t *testing.T) {
	ls := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, ls.ApplyOperation(ctx, op("op-1", ir.CustomerCreate{CustomerID: "c-1", Name: "Ada", Email: "Ada@Example.com"})))
	require.NoError(t, ls.ApplyOperation(ctx, op("op-2", ir.CustomerRelabel{CustomerID: "c-1", DuplicateOf: "c-srv"})))

	c, err := ls.Customer(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "email:ada@example.com", c.NaturalKey)
	assert.Equal(t, "c-srv", c.DuplicateOf)
	assert.True(t, c.Local)
}

func TestApplyOperation_SaleVoidAndReview(t *testing.T) {
	ls := createTestStore(t)
	ctx := context.Background()

	s := sale("s-1", ir.SaleLine{LineNo: 1, ProductID: "p-1", Quantity: 1, UnitPrice: 100})
	require.NoError(t, ls.ApplyOperation(ctx, op("op-1", s)))
	require.NoError(t, ls.ApplyOperation(ctx, op("op-2", ir.SaleLineReview{SaleID: "s-1", LineNo: 1, Reason: "oversold"})))

	ids, err := ls.SalesNeedingReview(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s-1"}, ids)

	require.NoError(t, ls.ApplyOperation(ctx, op("op-3", ir.SaleVoid{SaleID: "s-1", Reason: "mistake"})))
	got, err := ls.Sale(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, SaleVoided, got.Status)
	assert.Equal(t, "mistake", got.VoidReason)
	assert.True(t, got.NeedsReview())
}

func TestReaders_NotFound(t *testing.T) {
	ls := createTestStore(t)
	ctx := context.Background()

	_, err := ls.Sale(ctx, "x")
	assert.ErrorIs(t, err, ir.ErrNotFound)
	_, err = ls.Session(ctx, "x")
	assert.ErrorIs(t, err, ir.ErrNotFound)
	_, err = ls.Customer(ctx, "x")
	assert.ErrorIs(t, err, ir.ErrNotFound)
	_, err = ls.Product(ctx, "x")
	assert.ErrorIs(t, err, ir.ErrNotFound)

	level, err := ls.StockLevel(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(0), level.Quantity())
}

func TestApplyOperation_ConcurrentSameProduct(t *testing.T) {
	ls := createTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "op-" + string(rune('a'+i))
			assert.NoError(t, ls.ApplyOperation(ctx, op(id, ir.StockAdjust{ProductID: "p-1", Delta: -1})))
		}(i)
	}
	wg.Wait()

	level, err := ls.StockLevel(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-20), level.LocalDelta)
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("b", "a", "b")
	assert.Len(t, k.locks, 2)
	unlock()
	assert.Empty(t, k.locks)
}
