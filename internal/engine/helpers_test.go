package engine

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/localstore"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/remote/server"
	"github.com/roach88/tillsync/internal/store"
)

var testScope = ir.Scope{TenantID: "tenant-a", StoreID: "store-1"}

// startServer runs an in-memory reference server behind httptest.
func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	srv, err := server.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts.URL
}

// terminal is one till: its log, local store and engine on one file.
type terminal struct {
	id     string
	path   string
	log    *store.Store
	local  *localstore.Store
	engine *Engine
	bus    *events.Bus
}

func newTerminal(t *testing.T, id, url string, opts ...Option) *terminal {
	t.Helper()
	client, err := remote.NewClient(url, testScope, id)
	require.NoError(t, err)
	return newTerminalWith(t, id, filepath.Join(t.TempDir(), id+".db"), client, opts...)
}

func newTerminalWith(t *testing.T, id, path string, r Remote, opts ...Option) *terminal {
	t.Helper()
	log, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	local, err := localstore.New(context.Background(), log.DB(), testScope)
	require.NoError(t, err)

	bus := events.NewBus(0)
	opts = append([]Option{WithEvents(bus)}, opts...)
	eng, err := New(log, local, r, id, opts...)
	require.NoError(t, err)

	return &terminal{id: id, path: path, log: log, local: local, engine: eng, bus: bus}
}

// record appends ops atomically and applies them locally, the way the
// terminal's action handlers do.
func (tm *terminal) record(t *testing.T, payloads ...plannedOp) []ir.Operation {
	t.Helper()
	ctx := context.Background()
	ops := make([]ir.Operation, len(payloads))
	for i, p := range payloads {
		ops[i] = ir.Operation{
			ID:         p.id,
			Scope:      testScope,
			TerminalID: tm.id,
			Kind:       p.payload.Kind(),
			Payload:    p.payload,
		}
	}
	appended, err := tm.log.AppendAll(ctx, ops)
	require.NoError(t, err)
	for _, op := range appended {
		require.NoError(t, tm.local.ApplyOperation(ctx, op))
	}
	return appended
}

func (tm *terminal) status(t *testing.T, id string) ir.Status {
	t.Helper()
	op, err := tm.log.Get(context.Background(), id)
	require.NoError(t, err)
	return op.Status
}

func (tm *terminal) quantity(t *testing.T, productID string) int64 {
	t.Helper()
	level, err := tm.local.StockLevel(context.Background(), productID)
	require.NoError(t, err)
	return level.Quantity()
}

func (tm *terminal) eventKinds() []events.Kind {
	var kinds []events.Kind
	for _, ev := range tm.bus.Poll(0) {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

type plannedOp struct {
	id      string
	payload ir.Payload
}

func planned(id string, p ir.Payload) plannedOp {
	return plannedOp{id: id, payload: p}
}

// saleWithStock builds a one-line sale and its linked stock decrement.
func saleWithStock(opID, saleID, product string, qty, price int64) []plannedOp {
	sale := ir.SaleCreate{
		SaleID: saleID,
		Lines:  []ir.SaleLine{{LineNo: 1, ProductID: product, Quantity: qty, UnitPrice: price}},
	}
	sale.Total, _ = sale.LineTotal()
	return []plannedOp{
		planned(opID, sale),
		planned(opID+"-stock", ir.StockAdjust{ProductID: product, Delta: -qty, SaleID: saleID, LineNo: 1}),
	}
}

// flakyRemote wraps a Remote and misbehaves on request.
type flakyRemote struct {
	inner Remote

	mu           sync.Mutex
	down         bool // Fail every call before reaching the server
	pushDown     bool // Fail submits only; pulls go through
	loseNext     int  // Submit, then report the response as lost
	dropLast     int  // Remove the last result from the next responses
	afterSubmit  func()
	submittedSeq []int64
}

func (f *flakyRemote) SubmitBatch(ctx context.Context, ops []ir.Operation) ([]ir.OperationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down || f.pushDown {
		return nil, ir.NewTransportError("submit: connection refused", nil)
	}
	for _, op := range ops {
		f.submittedSeq = append(f.submittedSeq, op.SequenceNo)
	}

	results, err := f.inner.SubmitBatch(ctx, ops)
	if f.afterSubmit != nil {
		f.afterSubmit()
	}
	if err != nil {
		return nil, err
	}
	if f.loseNext > 0 {
		f.loseNext--
		return nil, ir.NewTransportError("submit: response lost", nil)
	}
	if f.dropLast > 0 && len(results) > 0 {
		f.dropLast--
		results = results[:len(results)-1]
	}
	return results, nil
}

func (f *flakyRemote) PullChanges(ctx context.Context, since int64, limit int) (ir.ChangeSet, error) {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return ir.ChangeSet{}, ir.NewTransportError("pull: connection refused", nil)
	}
	return f.inner.PullChanges(ctx, since, limit)
}

func (f *flakyRemote) set(fn func(f *flakyRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// scriptedRemote answers every StockAdjust with a stale insufficient_stock
// conflict and accepts everything else. It never has changes to pull.
type scriptedRemote struct {
	available int64
}

func (s *scriptedRemote) SubmitBatch(_ context.Context, ops []ir.Operation) ([]ir.OperationResult, error) {
	results := make([]ir.OperationResult, len(ops))
	for i, op := range ops {
		results[i] = ir.OperationResult{ID: op.ID, Status: ir.ResultAccepted}
		if op.Kind == ir.KindStockAdjust {
			avail := s.available
			results[i].Status = ir.ResultRejectedConflict
			results[i].Detail = ir.ConflictDetail{Code: ir.CodeInsufficientStock, Available: &avail}
		}
	}
	return results, nil
}

func (s *scriptedRemote) PullChanges(_ context.Context, since int64, _ int) (ir.ChangeSet, error) {
	return ir.ChangeSet{Revision: since, Changes: []ir.Change{}}, nil
}

// sinkFunc adapts a function to ConflictSink.
type sinkFunc func(ctx context.Context, rec ir.ConflictRecord) error

func (f sinkFunc) RecordConflict(ctx context.Context, rec ir.ConflictRecord) error {
	return f(ctx, rec)
}
