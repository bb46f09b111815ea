package terminal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/localstore"
)

const offlineURL = "http://127.0.0.1:1"

func TestSession_Checks(t *testing.T) {
	term := openTerminal(t, testConfig(t, offlineURL, "till-1"))
	ctx := context.Background()
	lines := []ir.SaleLine{{ProductID: "sku-1", Quantity: 1, UnitPrice: 100}}

	foreign := term.Session("user-1")
	foreign.Scope = ir.Scope{TenantID: "tenant-b", StoreID: "store-1"}
	_, err := term.RecordSale(ctx, foreign, lines)
	assert.ErrorIs(t, err, ir.ErrScopeMismatch)

	other := term.Session("user-1")
	other.TerminalID = "till-2"
	_, err = term.RecordSale(ctx, other, lines)
	assert.ErrorIs(t, err, ir.ErrScopeMismatch)

	_, err = term.RecordSale(ctx, term.Session(""), lines)
	assert.Error(t, err)

	pending, err := term.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecordSale_AppendsSaleAndStockDecrements(t *testing.T) {
	term := openTerminal(t, testConfig(t, offlineURL, "till-1"))
	ctx := context.Background()

	op, err := term.RecordSale(ctx, term.Session("user-1"), []ir.SaleLine{
		{ProductID: "sku-1", Quantity: 2, UnitPrice: 150},
		{ProductID: "sku-2", Quantity: 1, UnitPrice: 200},
	})
	require.NoError(t, err)

	// The sale id is generated before the operation ids.
	assert.Equal(t, "till-1-0002", op.ID)
	assert.Equal(t, ir.KindSaleCreate, op.Kind)
	assert.Equal(t, int64(1), op.SequenceNo)
	sale := op.Payload.(ir.SaleCreate)
	assert.Equal(t, "till-1-0001", sale.SaleID)
	assert.Equal(t, int64(500), sale.Total)
	assert.Equal(t, int64(1), sale.Lines[0].LineNo)
	assert.Equal(t, int64(2), sale.Lines[1].LineNo)

	pending, err := term.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, ir.KindSaleCreate, pending[0].Kind)
	assert.Equal(t, ir.StockAdjust{ProductID: "sku-1", Delta: -2, SaleID: sale.SaleID, LineNo: 1, Reason: "sale"}, pending[1].Payload)
	assert.Equal(t, ir.StockAdjust{ProductID: "sku-2", Delta: -1, SaleID: sale.SaleID, LineNo: 2, Reason: "sale"}, pending[2].Payload)

	local, err := term.Local().Sale(ctx, sale.SaleID)
	require.NoError(t, err)
	assert.Equal(t, localstore.SalePending, local.Status)
	assert.Equal(t, int64(500), local.Total)

	level, err := term.Local().StockLevel(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-2), level.LocalDelta)
}

func TestRecordSale_Invalid(t *testing.T) {
	term := openTerminal(t, testConfig(t, offlineURL, "till-1"))
	ctx := context.Background()
	sess := term.Session("user-1")

	_, err := term.RecordSale(ctx, sess, nil)
	assert.ErrorIs(t, err, ir.ErrInvalidPayload)

	_, err = term.RecordSale(ctx, sess, []ir.SaleLine{{ProductID: "sku-1", Quantity: 0, UnitPrice: 100}})
	assert.ErrorIs(t, err, ir.ErrInvalidPayload)

	pending, err := term.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "a rejected sale appends nothing")
}

func TestVoidSale(t *testing.T) {
	srv, url := startServer(t)
	ctx := context.Background()
	require.NoError(t, srv.SetStock(ctx, testScope, "sku-1", 5))

	term := openTerminal(t, testConfig(t, url, "till-1"))
	sess := term.Session("user-1")

	_, err := term.VoidSale(ctx, sess, "no-such-sale", "typo")
	assert.ErrorIs(t, err, ir.ErrNotFound)

	op, err := term.RecordSale(ctx, sess, []ir.SaleLine{{ProductID: "sku-1", Quantity: 1, UnitPrice: 100}})
	require.NoError(t, err)
	saleID := op.Payload.(ir.SaleCreate).SaleID

	_, err = term.Sync(ctx)
	require.NoError(t, err)

	_, err = term.VoidSale(ctx, sess, saleID, "customer changed mind")
	require.NoError(t, err)

	local, err := term.Local().Sale(ctx, saleID)
	require.NoError(t, err)
	assert.Equal(t, localstore.SaleVoided, local.Status)
	assert.True(t, local.Acknowledged)

	_, err = term.VoidSale(ctx, sess, saleID, "again")
	assert.ErrorIs(t, err, ir.ErrSaleImmutable)

	_, err = term.Sync(ctx)
	require.NoError(t, err)
	rec, err := srv.Sale(ctx, testScope, saleID)
	require.NoError(t, err)
	assert.Equal(t, ir.SaleVoided, rec.Status)
}

func TestCashSessionLifecycle(t *testing.T) {
	srv, url := startServer(t)
	ctx := context.Background()
	term := openTerminal(t, testConfig(t, url, "till-1"))

	_, err := term.EndSession(ctx, term.Session("user-1"), 0)
	assert.Error(t, err, "no cash session open")

	sess, err := term.StartSession(ctx, term.Session("user-1"), 1000)
	require.NoError(t, err)
	require.Equal(t, "till-1-0001", sess.CashSessionID)

	cash, err := term.Local().Session(ctx, sess.CashSessionID)
	require.NoError(t, err)
	assert.Equal(t, localstore.SessionOpen, cash.Status)
	assert.Equal(t, int64(1000), cash.OpeningFloat)

	_, err = term.AdjustStock(ctx, sess, "sku-1", 10, "delivery")
	require.NoError(t, err)
	op, err := term.RecordSale(ctx, sess, []ir.SaleLine{{ProductID: "sku-1", Quantity: 1, UnitPrice: 400}})
	require.NoError(t, err)
	assert.Equal(t, sess.CashSessionID, op.Payload.(ir.SaleCreate).SessionID)

	_, err = term.EndSession(ctx, sess, 1400)
	require.NoError(t, err)
	cash, err = term.Local().Session(ctx, sess.CashSessionID)
	require.NoError(t, err)
	assert.Equal(t, localstore.SessionClosed, cash.Status)
	assert.Equal(t, int64(1400), cash.ClosingCash)

	report, err := term.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Acknowledged)

	rec, err := srv.Session(ctx, testScope, sess.CashSessionID)
	require.NoError(t, err)
	assert.Equal(t, ir.SessionClosed, rec.Status)
	assert.Equal(t, "till-1", rec.TerminalID)
}

func TestStartSession_UsesGivenID(t *testing.T) {
	term := openTerminal(t, testConfig(t, offlineURL, "till-1"))
	sess := term.Session("user-1")
	sess.CashSessionID = "shift-morning"

	got, err := term.StartSession(context.Background(), sess, 0)
	require.NoError(t, err)
	assert.Equal(t, "shift-morning", got.CashSessionID)
}

func TestAdjustStock_ZeroDelta(t *testing.T) {
	term := openTerminal(t, testConfig(t, offlineURL, "till-1"))
	_, err := term.AdjustStock(context.Background(), term.Session("user-1"), "sku-1", 0, "count")
	assert.ErrorIs(t, err, ir.ErrInvalidPayload)
}

func TestCreateCustomer_RelabelledAsDuplicate(t *testing.T) {
	srv, url := startServer(t)
	ctx := context.Background()
	require.NoError(t, srv.SeedCustomer(ctx, testScope, ir.CustomerRecord{
		CustomerID: "cust-srv",
		Name:       "Ann",
		Email:      "ann@example.com",
	}))

	term := openTerminal(t, testConfig(t, url, "till-1"))
	op, err := term.CreateCustomer(ctx, term.Session("user-1"), "Ann B", "Ann@Example.com", "")
	require.NoError(t, err)
	customerID := op.Payload.(ir.CustomerCreate).CustomerID

	report, err := term.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Superseded)

	cust, err := term.Local().Customer(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, "Ann B", cust.Name, "the local record is kept")
	assert.Equal(t, "cust-srv", cust.DuplicateOf)
}

func TestCreateCustomer_NeedsContact(t *testing.T) {
	term := openTerminal(t, testConfig(t, offlineURL, "till-1"))
	_, err := term.CreateCustomer(context.Background(), term.Session("user-1"), "Cy", "", "")
	assert.ErrorIs(t, err, ir.ErrInvalidPayload)
}
