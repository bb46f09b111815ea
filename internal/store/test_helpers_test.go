package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/testutil"
)

var testScope = ir.Scope{TenantID: "tenant-a", StoreID: "store-1"}

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	return openTestStore(t, filepath.Join(t.TempDir(), "test.db"))
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	clock := testutil.NewDeterministicClock(testutil.Epoch, time.Second)
	s, err := Open(path, WithNow(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stockOp creates a valid StockAdjust operation.
func stockOp(id, product string, delta int64) ir.Operation {
	return ir.Operation{
		ID:         id,
		Scope:      testScope,
		TerminalID: "term-1",
		Payload:    ir.StockAdjust{ProductID: product, Delta: delta},
	}
}

// saleOp creates a valid single-line SaleCreate operation.
func saleOp(id, saleID string, qty, price int64) ir.Operation {
	return ir.Operation{
		ID:         id,
		Scope:      testScope,
		TerminalID: "term-1",
		Payload: ir.SaleCreate{
			SaleID: saleID,
			Lines:  []ir.SaleLine{{LineNo: 1, ProductID: "p-1", Quantity: qty, UnitPrice: price}},
			Total:  qty * price,
		},
	}
}

func ids(ops []ir.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}
