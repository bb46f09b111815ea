package terminal

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/audit"
	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/localstore"
	"github.com/roach88/tillsync/internal/remote/server"
	"github.com/roach88/tillsync/internal/scheduler"
	"github.com/roach88/tillsync/internal/testutil"
)

var testScope = ir.Scope{TenantID: "tenant-a", StoreID: "store-1"}

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

func testConfig(t *testing.T, url, terminalID string) config.Config {
	t.Helper()
	return config.Config{
		Database:   filepath.Join(t.TempDir(), terminalID+".db"),
		TenantID:   testScope.TenantID,
		StoreID:    testScope.StoreID,
		TerminalID: terminalID,
		Remote: config.RemoteConfig{
			BaseURL:     url,
			CallTimeout: 5 * time.Second,
		},
		Sync: config.SyncConfig{
			Interval:            time.Hour,
			MaxInterval:         time.Hour,
			BatchMaxCount:       50,
			BatchMaxBytes:       256 << 10,
			PullLimit:           500,
			MaxResolutionDepth:  3,
			SurfacePendingAge:   15 * time.Minute,
			SurfacePendingCount: 200,
		},
		Log: config.LogConfig{Level: "info"},
	}
}

func openTerminal(t *testing.T, cfg config.Config, opts ...Option) *Terminal {
	t.Helper()
	opts = append([]Option{WithIDGenerator(testutil.NewSequentialIDs(cfg.TerminalID))}, opts...)
	term, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { term.Close() })
	return term
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", "till-1")
	cfg.TerminalID = ""
	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}

func TestOpen_ExposesScope(t *testing.T) {
	term := openTerminal(t, testConfig(t, "http://127.0.0.1:1", "till-1"))
	assert.Equal(t, testScope, term.Scope())
	assert.Equal(t, "till-1", term.ID())
	assert.NotNil(t, term.Local())
	assert.NotNil(t, term.Log())
}

func TestSync_PushesAndPrunes(t *testing.T) {
	srv, url := startServer(t)
	ctx := context.Background()
	require.NoError(t, srv.SetStock(ctx, testScope, "sku-1", 10))

	term := openTerminal(t, testConfig(t, url, "till-1"))
	sess := term.Session("user-1")

	_, err := term.Sync(ctx)
	require.NoError(t, err)

	op, err := term.RecordSale(ctx, sess, []ir.SaleLine{{ProductID: "sku-1", Quantity: 2, UnitPrice: 250}})
	require.NoError(t, err)

	report, err := term.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Acknowledged)
	assert.Equal(t, int64(2), report.Pruned)

	pending, err := term.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	saleID := op.Payload.(ir.SaleCreate).SaleID
	sale, err := term.Local().Sale(ctx, saleID)
	require.NoError(t, err)
	assert.Equal(t, localstore.SaleAcknowledged, sale.Status)

	qty, err := srv.Stock(ctx, testScope, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), qty)

	st, err := term.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StateIdle, st.State)
	assert.False(t, st.LastSuccessAt.IsZero())
	assert.Zero(t, st.PendingCount)

	var kinds []events.Kind
	for _, ev := range term.Events().Poll(0) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, events.KindCycleFinished)
}

func TestStartStop(t *testing.T) {
	_, url := startServer(t)
	ctx := context.Background()
	term := openTerminal(t, testConfig(t, url, "till-1"))

	_, err := term.AdjustStock(ctx, term.Session("user-1"), "sku-1", 5, "delivery")
	require.NoError(t, err)

	require.NoError(t, term.Start(ctx))
	assert.ErrorIs(t, term.Start(ctx), scheduler.ErrAlreadyStarted)

	assert.Eventually(t, func() bool {
		pending, err := term.Pending(ctx)
		return err == nil && len(pending) == 0
	}, 5*time.Second, 10*time.Millisecond)

	term.Now()
	term.Stop()
	term.Stop()
}

func TestStart_WithNotifier(t *testing.T) {
	srv, url := startServer(t)
	ctx := context.Background()
	cfg := testConfig(t, url, "till-1")
	cfg.Remote.Notify = true
	term := openTerminal(t, cfg)

	require.NoError(t, term.Start(ctx))
	defer term.Stop()

	assert.Eventually(t, func() bool {
		st, err := term.Status(ctx)
		return err == nil && !st.LastSuccessAt.IsZero()
	}, 5*time.Second, 10*time.Millisecond)

	// A server-side change pushes a notification, which triggers a pull.
	require.NoError(t, srv.SetStock(ctx, testScope, "sku-9", 4))
	assert.Eventually(t, func() bool {
		level, err := term.Local().StockLevel(ctx, "sku-9")
		return err == nil && level.Quantity() == 4
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRebuild_ReproducesLocalState(t *testing.T) {
	_, url := startServer(t)
	ctx := context.Background()
	term := openTerminal(t, testConfig(t, url, "till-1"))
	sess := term.Session("user-1")

	_, err := term.RecordSale(ctx, sess, []ir.SaleLine{
		{ProductID: "sku-1", Quantity: 1, UnitPrice: 100},
		{ProductID: "sku-2", Quantity: 3, UnitPrice: 50},
	})
	require.NoError(t, err)
	_, err = term.CreateCustomer(ctx, sess, "Bo", "bo@example.com", "")
	require.NoError(t, err)

	before, err := term.Local().Digest(ctx)
	require.NoError(t, err)
	require.NoError(t, term.Rebuild(ctx))
	after, err := term.Local().Digest(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	summary, err := term.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Counts[ir.StatusPending])
}

func TestExportDeadSet(t *testing.T) {
	_, url := startServer(t)
	ctx := context.Background()
	root := t.TempDir()
	sink, err := audit.NewDirSink(root)
	require.NoError(t, err)
	term := openTerminal(t, testConfig(t, url, "till-1"), WithAuditSink(sink))

	key, err := term.ExportDeadSet(ctx)
	require.NoError(t, err)
	assert.Empty(t, key)

	sess := term.Session("user-1")
	sess.CashSessionID = "sess-unknown"
	_, err = term.EndSession(ctx, sess, 0)
	require.NoError(t, err)
	_, err = term.Sync(ctx)
	require.NoError(t, err)

	dead, err := term.DeadSet(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, ir.CodeSessionNotFound)

	key, err = term.ExportDeadSet(ctx)
	require.NoError(t, err)
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(key)))
	require.NoError(t, err)
	defer f.Close()
	entries, err := audit.Decode(f)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, dead[0].ID, entries[0].OperationID)
}

func TestExportDeadSet_Disabled(t *testing.T) {
	term := openTerminal(t, testConfig(t, "http://127.0.0.1:1", "till-1"))
	_, err := term.ExportDeadSet(context.Background())
	assert.ErrorIs(t, err, ErrAuditDisabled)
}

func TestClose_FlushesConflictRecords(t *testing.T) {
	srv, url := startServer(t)
	ctx := context.Background()
	require.NoError(t, srv.SetStock(ctx, testScope, "sku-1", 1))

	root := t.TempDir()
	sink, err := audit.NewDirSink(root)
	require.NoError(t, err)

	first := openTerminal(t, testConfig(t, url, "till-1"))
	second := openTerminal(t, testConfig(t, url, "till-2"), WithAuditSink(sink))
	for _, term := range []*Terminal{first, second} {
		_, err := term.Sync(ctx)
		require.NoError(t, err)
		_, err = term.RecordSale(ctx, term.Session("user-1"), []ir.SaleLine{{ProductID: "sku-1", Quantity: 1, UnitPrice: 300}})
		require.NoError(t, err)
	}

	_, err = first.Sync(ctx)
	require.NoError(t, err)
	report, err := second.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	require.NoError(t, second.Close())

	matches, err := filepath.Glob(filepath.Join(root, "tenant-a", "store-1", "till-2", "conflict-*"+audit.Extension))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()
	entries, err := audit.Decode(f)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ir.KindStockAdjust, entries[0].OpKind)
	assert.True(t, entries[0].ManualReview)
}

// stuckSink never finishes a write before its deadline.
type stuckSink struct{}

func (stuckSink) Put(ctx context.Context, _ string, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

// conflictingPair leaves till-2 with one stock conflict after its next
// Sync.
func conflictingPair(t *testing.T, url string, second config.Config, opts ...Option) (*Terminal, *Terminal) {
	t.Helper()
	ctx := context.Background()
	first := openTerminal(t, testConfig(t, url, "till-1"))
	other := openTerminal(t, second, opts...)
	for _, term := range []*Terminal{first, other} {
		_, err := term.Sync(ctx)
		require.NoError(t, err)
		_, err = term.RecordSale(ctx, term.Session("user-1"), []ir.SaleLine{{ProductID: "sku-1", Quantity: 1, UnitPrice: 300}})
		require.NoError(t, err)
	}
	_, err := first.Sync(ctx)
	require.NoError(t, err)
	return first, other
}

func TestSync_ExportsConflictsOnceDue(t *testing.T) {
	srv, url := startServer(t)
	ctx := context.Background()
	require.NoError(t, srv.SetStock(ctx, testScope, "sku-1", 1))

	root := t.TempDir()
	sink, err := audit.NewDirSink(root)
	require.NoError(t, err)
	cfg := testConfig(t, url, "till-2")
	cfg.Audit.FlushAt = 1
	_, second := conflictingPair(t, url, cfg, WithAuditSink(sink))

	report, err := second.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	matches, err := filepath.Glob(filepath.Join(root, "tenant-a", "store-1", "till-2", "conflict-*"+audit.Extension))
	require.NoError(t, err)
	assert.Len(t, matches, 1, "written after the cycle, before Close")
	assert.Zero(t, second.recorder.Buffered())
}

func TestSync_StuckAuditSinkIsBounded(t *testing.T) {
	srv, url := startServer(t)
	ctx := context.Background()
	require.NoError(t, srv.SetStock(ctx, testScope, "sku-1", 1))

	cfg := testConfig(t, url, "till-2")
	cfg.Audit.FlushAt = 1
	cfg.Audit.WriteTimeout = 50 * time.Millisecond
	_, second := conflictingPair(t, url, cfg, WithAuditSink(stuckSink{}))

	done := make(chan error, 1)
	go func() {
		_, err := second.Sync(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err, "an export failure does not fail the cycle")
	case <-time.After(5 * time.Second):
		t.Fatal("sync waited on a stuck audit sink")
	}
	assert.Equal(t, 1, second.recorder.Buffered(), "kept for the next flush")

	st, err := second.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StateIdle, st.State)
	assert.False(t, st.LastSuccessAt.IsZero())
}

func TestOpen_RestoresLastSuccessFromCursor(t *testing.T) {
	srv, url := startServer(t)
	ctx := context.Background()
	require.NoError(t, srv.SetStock(ctx, testScope, "sku-1", 5))
	cfg := testConfig(t, url, "till-1")

	term := openTerminal(t, cfg)
	_, err := term.RecordSale(ctx, term.Session("user-1"), []ir.SaleLine{{ProductID: "sku-1", Quantity: 1, UnitPrice: 300}})
	require.NoError(t, err)
	_, err = term.Sync(ctx)
	require.NoError(t, err)
	before, err := term.Status(ctx)
	require.NoError(t, err)
	require.False(t, before.LastSuccessAt.IsZero())
	require.NoError(t, term.Close())

	reopened := openTerminal(t, cfg)
	st, err := reopened.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.LastSuccessAt.IsZero(), "known before the first cycle of this process")
	assert.WithinDuration(t, before.LastSuccessAt, st.LastSuccessAt, time.Second)
}

func TestOpen_NeverSyncedHasNoLastSuccess(t *testing.T) {
	term := openTerminal(t, testConfig(t, "http://127.0.0.1:1", "till-1"))
	st, err := term.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.LastSuccessAt.IsZero())
}
