package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/remote/server"
	"github.com/roach88/tillsync/internal/terminal"
	"github.com/roach88/tillsync/internal/testutil"
)

// Scope is the tenant scope every scenario runs in.
var Scope = ir.Scope{TenantID: "tenant-scenario", StoreID: "store-1"}

// DefaultUser acts on a terminal until a step names another.
const DefaultUser = "clerk"

// Harness holds the server and terminals of one scenario run.
type Harness struct {
	server    *server.Server
	http      *httptest.Server
	dir       string
	nodes     map[string]*node
	clock     *testutil.DeterministicClock
	logger    *slog.Logger
	result    *Result
	stepIndex int
}

// node is one terminal and the state the harness keeps for it across
// restarts.
type node struct {
	cfg     config.Config
	link    *link
	ids     *testutil.SequentialIDs
	term    *terminal.Terminal
	session terminal.Session
}

// link is a terminal's connection to the server that can be cut.
type link struct {
	mu    sync.Mutex
	inner engine.Remote
	down  bool
}

var errOffline = errors.New("terminal offline")

func (l *link) set(down bool) {
	l.mu.Lock()
	l.down = down
	l.mu.Unlock()
}

func (l *link) isDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.down
}

func (l *link) SubmitBatch(ctx context.Context, ops []ir.Operation) ([]ir.OperationResult, error) {
	if l.isDown() {
		return nil, ir.NewTransportError("submit batch", errOffline)
	}
	return l.inner.SubmitBatch(ctx, ops)
}

func (l *link) PullChanges(ctx context.Context, since int64, limit int) (ir.ChangeSet, error) {
	if l.isDown() {
		return ir.ChangeSet{}, ir.NewTransportError("pull changes", errOffline)
	}
	return l.inner.PullChanges(ctx, since, limit)
}

// Run executes a scenario and returns its result. The returned error is
// reserved for failures of the harness itself; step and assertion
// failures are recorded in the result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	for i, step := range scenario.Steps {
		h.stepIndex = i + 1
		if err := h.runStep(ctx, step); err != nil {
			return h.result, fmt.Errorf("step %d (%s on %s): %w", h.stepIndex, step.Action, step.Terminal, err)
		}
	}

	for i, a := range scenario.Assertions {
		if err := h.check(ctx, a); err != nil {
			h.result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return h.result, nil
}

func newHarness(ctx context.Context, scenario *Scenario) (*Harness, error) {
	dir, err := os.MkdirTemp("", "tillsync-scenario-*")
	if err != nil {
		return nil, err
	}
	srv, err := server.Open(ctx, ":memory:")
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to open reference server: %w", err)
	}

	h := &Harness{
		server: srv,
		http:   httptest.NewServer(srv.Handler()),
		dir:    dir,
		nodes:  make(map[string]*node, len(scenario.Terminals)),
		clock:  testutil.NewDeterministicClock(time.Time{}, time.Second),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		result: NewResult(),
	}

	if err := h.seed(ctx, scenario.Setup); err != nil {
		h.close()
		return nil, fmt.Errorf("setup: %w", err)
	}
	for _, id := range scenario.Terminals {
		if err := h.addTerminal(ctx, id); err != nil {
			h.close()
			return nil, fmt.Errorf("terminal %s: %w", id, err)
		}
	}
	return h, nil
}

func (h *Harness) seed(ctx context.Context, setup Setup) error {
	for _, p := range setup.Products {
		if err := h.server.SeedProduct(ctx, Scope, ir.ProductRecord{ProductID: p.ID, Name: p.Name, Price: p.Price}); err != nil {
			return err
		}
	}
	// Sorted so server revisions are the same on every run.
	for _, product := range slices.Sorted(maps.Keys(setup.Stock)) {
		if err := h.server.SetStock(ctx, Scope, product, setup.Stock[product]); err != nil {
			return err
		}
	}
	for _, c := range setup.Customers {
		if err := h.server.SeedCustomer(ctx, Scope, ir.CustomerRecord{CustomerID: c.ID, Name: c.Name, Email: c.Email, Phone: c.Phone}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) addTerminal(ctx context.Context, id string) error {
	client, err := remote.NewClient(h.http.URL, Scope, id, remote.WithClientLogger(h.logger))
	if err != nil {
		return err
	}
	n := &node{
		cfg: config.Config{
			Database:   filepath.Join(h.dir, id+".db"),
			TenantID:   Scope.TenantID,
			StoreID:    Scope.StoreID,
			TerminalID: id,
			Remote: config.RemoteConfig{
				BaseURL:     h.http.URL,
				CallTimeout: 10 * time.Second,
			},
			Sync: config.SyncConfig{
				Interval:           time.Hour,
				MaxInterval:        time.Hour,
				BatchMaxCount:      engine.DefaultBatchMaxCount,
				BatchMaxBytes:      engine.DefaultBatchMaxBytes,
				PullLimit:          engine.DefaultPullLimit,
				MaxResolutionDepth: engine.DefaultMaxResolutionDepth,
			},
			Log: config.LogConfig{Level: "info"},
		},
		link: &link{inner: client},
		ids:  testutil.NewSequentialIDs(id),
	}
	if err := h.open(ctx, n); err != nil {
		return err
	}
	n.session = n.term.Session(DefaultUser)
	h.nodes[id] = n
	return nil
}

func (h *Harness) open(ctx context.Context, n *node) error {
	term, err := terminal.Open(ctx, n.cfg,
		terminal.WithRemote(n.link),
		terminal.WithIDGenerator(n.ids),
		terminal.WithNow(h.clock.Now),
		terminal.WithLogger(h.logger),
	)
	if err != nil {
		return err
	}
	n.term = term
	return nil
}

func (h *Harness) close() {
	for _, n := range h.nodes {
		if n.term != nil {
			n.term.Close()
		}
	}
	h.http.Close()
	h.server.Close()
	os.RemoveAll(h.dir)
}

// runStep executes one step and traces it. Returns an error only when
// the harness cannot continue.
func (h *Harness) runStep(ctx context.Context, step Step) error {
	n := h.nodes[step.Terminal]
	ev := TraceEvent{Step: h.stepIndex, Terminal: step.Terminal, Action: step.Action}

	var stepErr error
	switch step.Action {
	case ActionSync:
		var report engine.CycleReport
		report, stepErr = n.term.Sync(ctx)
		ev.Report = newStepReport(report)
		h.checkReport(step, ev.Report)

	case ActionSale:
		lines := make([]ir.SaleLine, len(step.Lines))
		for i, l := range step.Lines {
			lines[i] = ir.SaleLine{ProductID: l.Product, Quantity: l.Quantity, UnitPrice: l.Price}
		}
		_, stepErr = n.term.RecordSale(ctx, n.session, lines)

	case ActionVoid:
		_, stepErr = n.term.VoidSale(ctx, n.session, step.Sale, step.Reason)

	case ActionAdjust:
		_, stepErr = n.term.AdjustStock(ctx, n.session, step.Product, step.Delta, step.Reason)

	case ActionStartSession:
		sess := n.session
		if step.User != "" {
			sess.UserID = step.User
		}
		sess.CashSessionID = step.Session
		var started terminal.Session
		started, stepErr = n.term.StartSession(ctx, sess, step.Amount)
		if stepErr == nil {
			n.session = started
		}

	case ActionEndSession:
		sess := n.session
		if step.Session != "" {
			sess.CashSessionID = step.Session
		}
		_, stepErr = n.term.EndSession(ctx, sess, step.Amount)
		if stepErr == nil {
			n.session.CashSessionID = ""
		}

	case ActionCustomer:
		_, stepErr = n.term.CreateCustomer(ctx, n.session, step.Name, step.Email, step.Phone)

	case ActionOffline:
		n.link.set(true)

	case ActionOnline:
		n.link.set(false)

	case ActionRestart:
		if err := n.term.Close(); err != nil {
			return fmt.Errorf("close: %w", err)
		}
		if err := h.open(ctx, n); err != nil {
			return fmt.Errorf("reopen: %w", err)
		}

	case ActionRebuild:
		stepErr = n.term.Rebuild(ctx)
	}

	ev.Error = errorClass(stepErr)
	ev.Events = recordEvents(n.term.Events().Poll(0))
	h.result.Trace = append(h.result.Trace, ev)

	if ev.Error != step.Error {
		switch {
		case step.Error == "":
			h.result.AddError(fmt.Sprintf("step %d (%s on %s): unexpected error: %v", h.stepIndex, step.Action, step.Terminal, stepErr))
		default:
			h.result.AddError(fmt.Sprintf("step %d (%s on %s): expected error %s, got %q", h.stepIndex, step.Action, step.Terminal, step.Error, ev.Error))
		}
	}
	return nil
}

func (h *Harness) checkReport(step Step, report *StepReport) {
	for _, key := range slices.Sorted(maps.Keys(step.Expect)) {
		got, _ := report.field(key)
		if want := step.Expect[key]; got != want {
			h.result.AddError(fmt.Sprintf("step %d (sync on %s): expected %s %d, got %d", h.stepIndex, step.Terminal, key, want, got))
		}
	}
}

// errorClass names the kind of a step error for traces and expectations.
func errorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case ir.IsTransport(err):
		return "transport_failure"
	case ir.IsDurability(err):
		return "durability_failure"
	case errors.Is(err, ir.ErrSaleImmutable):
		return "sale_immutable"
	case errors.Is(err, ir.ErrNotFound):
		return "not_found"
	case errors.Is(err, ir.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ir.ErrScopeMismatch):
		return "scope_mismatch"
	}
	return "error"
}
