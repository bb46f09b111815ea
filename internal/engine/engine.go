package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/localstore"
	"github.com/roach88/tillsync/internal/store"
)

// Remote is the tenant-scoped API as the engine uses it. Implemented by
// remote.Client.
type Remote interface {
	SubmitBatch(ctx context.Context, ops []ir.Operation) ([]ir.OperationResult, error)
	PullChanges(ctx context.Context, since int64, limit int) (ir.ChangeSet, error)
}

// ConflictSink receives a record of every resolved conflict. It is called
// inside the cycle and must not block on I/O. Implemented by
// audit.Recorder.
type ConflictSink interface {
	RecordConflict(ctx context.Context, rec ir.ConflictRecord) error
}

// Defaults for batch and page sizes.
const (
	DefaultBatchMaxCount = 50
	DefaultBatchMaxBytes = 256 << 10
	DefaultPullLimit     = 500
)

// ErrIncompleteResponse means the server answered a batch without a
// result for every operation. The unanswered operations stay Submitted.
var ErrIncompleteResponse = errors.New("batch response is missing results")

// Engine runs sync cycles for one terminal and scope.
//
// RunCycle must not be called concurrently; the scheduler guarantees a
// single cycle at a time.
type Engine struct {
	log        *store.Store
	local      *localstore.Store
	remote     Remote
	terminalID string
	scope      ir.Scope

	batchMaxCount int
	batchMaxBytes int64
	pullLimit     int
	maxDepth      int

	events *events.Bus
	sink   ConflictSink
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchLimits bounds each pushed batch by count and payload bytes.
// Zero keeps the default.
func WithBatchLimits(maxCount int, maxBytes int64) Option {
	return func(e *Engine) {
		if maxCount > 0 {
			e.batchMaxCount = maxCount
		}
		if maxBytes > 0 {
			e.batchMaxBytes = maxBytes
		}
	}
}

// WithPullLimit sets the page size for pulls.
func WithPullLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pullLimit = n
		}
	}
}

// WithMaxResolutionDepth bounds how many times a chain of follow-up
// operations may itself be resolved. Default: DefaultMaxResolutionDepth.
func WithMaxResolutionDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

// WithEvents publishes cycle and resolution events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(e *Engine) {
		e.events = bus
	}
}

// WithConflictSink records resolved conflicts.
func WithConflictSink(sink ConflictSink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithNow overrides the wall clock used for lastSuccessAt.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an engine. log and local must share the same scope.
func New(log *store.Store, local *localstore.Store, remote Remote, terminalID string, opts ...Option) (*Engine, error) {
	if log == nil || local == nil || remote == nil {
		return nil, errors.New("engine: log, local store and remote are required")
	}
	if terminalID == "" {
		return nil, errors.New("engine: terminal id is required")
	}

	e := &Engine{
		log:           log,
		local:         local,
		remote:        remote,
		terminalID:    terminalID,
		scope:         local.Scope(),
		batchMaxCount: DefaultBatchMaxCount,
		batchMaxBytes: DefaultBatchMaxBytes,
		pullLimit:     DefaultPullLimit,
		maxDepth:      DefaultMaxResolutionDepth,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Scope returns the engine's tenant scope.
func (e *Engine) Scope() ir.Scope {
	return e.scope
}

// TerminalID returns the terminal the engine syncs for.
func (e *Engine) TerminalID() string {
	return e.terminalID
}

// CycleReport summarizes one RunCycle call.
type CycleReport struct {
	Pulled          int // Changes received
	Applied         int // Changes newer than local state
	Batches         int // Batches submitted
	Submitted       int // Operations submitted
	Acknowledged    int
	Rejected        int
	Superseded      int
	Conflicts       int   // rejected_conflict results resolved
	FollowUps       int   // Operations appended by the resolver
	Unanswered      int   // Operations the server did not answer
	Pruned          int64 // Operations removed from the log
	InboundRevision int64
	OutboundSeq     int64
}

// RunCycle runs one sync cycle. See the package doc for the steps.
//
// A transport failure ends the cycle early with an ir.SyncError of code
// TRANSPORT_FAILURE; everything recorded before it stays recorded and the
// next cycle picks up from there. A local persistence failure returns a
// DURABILITY_FAILURE error. Cancellation returns ctx.Err().
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	e.publish(events.Event{Kind: events.KindCycleStarted})
	e.logger.Debug("sync cycle starting", "scope", e.scope.String(), "terminal", e.terminalID)

	err := e.runCycle(ctx, &report)
	if err != nil {
		if ir.IsTransport(err) {
			e.publish(events.Event{Kind: events.KindTransportFailure, Error: err.Error()})
			e.logger.Warn("sync cycle interrupted", "error", err, "acknowledged", report.Acknowledged)
		} else if ctx.Err() == nil {
			e.logger.Error("sync cycle failed", "error", err)
		}
		return report, err
	}

	e.publish(events.Event{Kind: events.KindCycleFinished})
	e.logger.Info("sync cycle finished",
		"pulled", report.Pulled,
		"submitted", report.Submitted,
		"acknowledged", report.Acknowledged,
		"rejected", report.Rejected,
		"superseded", report.Superseded,
		"pruned", report.Pruned,
	)
	return report, nil
}

func (e *Engine) runCycle(ctx context.Context, report *CycleReport) error {
	if err := e.resettle(ctx); err != nil {
		return err
	}
	if err := e.pull(ctx, report); err != nil {
		return err
	}
	if err := e.push(ctx, report); err != nil {
		return err
	}
	return e.finish(ctx, report)
}

// resettle settles every answered operation still in the log. Settling
// is idempotent, so this only does work after a crash between recording
// an answer and applying it.
func (e *Engine) resettle(ctx context.Context) error {
	answered, err := e.log.ListByStatus(ctx, e.scope, ir.StatusAcknowledged, ir.StatusRejected, ir.StatusSuperseded)
	if err != nil {
		return ir.NewDurabilityError("list answered operations", err)
	}
	for _, op := range answered {
		if err := e.local.Settle(ctx, op, op.Status, ir.ConflictDetail{}); err != nil {
			return ir.NewDurabilityError("resettle "+op.ID, err)
		}
	}
	return nil
}

// finish advances the outbound watermark, stamps success and prunes.
func (e *Engine) finish(ctx context.Context, report *CycleReport) error {
	settled, err := e.log.SettledThrough(ctx, e.scope)
	if err != nil {
		return ir.NewDurabilityError("compute outbound watermark", err)
	}
	if err := e.log.AdvanceOutbound(ctx, e.terminalID, e.scope, settled); err != nil {
		return err
	}
	if err := e.log.RecordSuccess(ctx, e.terminalID, e.scope, e.now()); err != nil {
		return err
	}
	pruned, err := e.log.PruneAcknowledged(ctx)
	if err != nil {
		return err
	}
	report.Pruned = pruned

	cur, err := e.log.ReadCursor(ctx, e.terminalID, e.scope)
	if err != nil {
		return ir.NewDurabilityError("read cursor", err)
	}
	report.InboundRevision = cur.InboundRevision
	report.OutboundSeq = cur.OutboundSeq
	return nil
}

// Rebuild discards optimistic local state and reconstructs it from the
// log: acknowledged and open operations are replayed in sequence order,
// then the inbound watermark is reset so the next pull refetches every
// server record.
func (e *Engine) Rebuild(ctx context.Context) error {
	ops, err := e.log.ReplaySet(ctx, e.scope)
	if err != nil {
		return fmt.Errorf("rebuild: read log: %w", err)
	}
	if err := e.local.Rebuild(ctx, ops); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	if err := e.log.ResetInbound(ctx, e.terminalID, e.scope); err != nil {
		return err
	}
	e.logger.Info("local store rebuilt", "operations", len(ops))
	return nil
}

func (e *Engine) publish(ev events.Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}
