// Package terminal assembles one point-of-sale terminal: the operation
// log, the local store, the sync engine and its scheduler, the event bus
// and the audit recorder. It is the surface a till UI talks to.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/tillsync/internal/audit"
	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/events"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/localstore"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/scheduler"
	"github.com/roach88/tillsync/internal/store"
)

// ErrAuditDisabled is returned by audit operations when no audit sink is
// configured.
var ErrAuditDisabled = errors.New("audit export is not configured")

// Terminal is an open terminal. Safe for concurrent use.
type Terminal struct {
	scope      ir.Scope
	terminalID string

	log       *store.Store
	local     *localstore.Store
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	bus       *events.Bus
	recorder  *audit.Recorder // nil when auditing is disabled

	ids    ir.IDGenerator
	now    func() time.Time
	logger *slog.Logger
}

type options struct {
	remote  engine.Remote
	trigger scheduler.Trigger
	sink    audit.Sink
	ids     ir.IDGenerator
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures Open.
type Option func(*options)

// WithRemote replaces the HTTP client built from the config.
func WithRemote(r engine.Remote) Option {
	return func(o *options) {
		o.remote = r
	}
}

// WithTrigger replaces the change notifier built from the config.
func WithTrigger(t scheduler.Trigger) Option {
	return func(o *options) {
		o.trigger = t
	}
}

// WithAuditSink replaces the audit sink built from the config.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) {
		o.sink = s
	}
}

// WithIDGenerator sets the generator for operation, sale, session and
// customer ids. Default: UUIDv7.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(o *options) {
		o.ids = g
	}
}

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Open opens the terminal database named by cfg and wires the sync stack.
// The scheduler is not started; call Start.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Terminal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{
		ids:    ir.UUIDv7Generator{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	scope := cfg.Scope()
	logger := o.logger.With("terminal", cfg.TerminalID, "scope", scope.String())

	log, err := store.Open(cfg.Database, store.WithNow(o.now))
	if err != nil {
		return nil, err
	}
	t, err := assemble(ctx, cfg, log, o, logger)
	if err != nil {
		log.Close()
		return nil, err
	}
	return t, nil
}

func assemble(ctx context.Context, cfg config.Config, log *store.Store, o options, logger *slog.Logger) (*Terminal, error) {
	scope := cfg.Scope()

	local, err := localstore.New(ctx, log.DB(), scope, localstore.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	rem := o.remote
	if rem == nil {
		client, err := remote.NewClient(cfg.Remote.BaseURL, scope, cfg.TerminalID,
			remote.WithCallTimeout(cfg.Remote.CallTimeout),
			remote.WithClientLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		rem = client
	}

	trigger := o.trigger
	if trigger == nil && cfg.Remote.Notify && o.remote == nil {
		notifier, err := remote.NewNotifier(cfg.Remote.BaseURL, scope, remote.WithNotifierLogger(logger))
		if err != nil {
			return nil, err
		}
		trigger = notifier
	}

	sink := o.sink
	if sink == nil {
		sink, err = audit.SinkFromConfig(ctx, cfg.Audit)
		if err != nil {
			return nil, err
		}
	}
	var recorder *audit.Recorder
	if sink != nil {
		recorder, err = audit.NewRecorder(sink,
			audit.WithFlushAt(cfg.Audit.FlushAt),
			audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
			audit.WithNow(o.now),
			audit.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
	}

	bus := events.NewBus(0)
	engOpts := []engine.Option{
		engine.WithBatchLimits(cfg.Sync.BatchMaxCount, cfg.Sync.BatchMaxBytes),
		engine.WithPullLimit(cfg.Sync.PullLimit),
		engine.WithMaxResolutionDepth(cfg.Sync.MaxResolutionDepth),
		engine.WithEvents(bus),
		engine.WithNow(o.now),
		engine.WithLogger(logger),
	}
	if recorder != nil {
		engOpts = append(engOpts, engine.WithConflictSink(recorder))
	}
	eng, err := engine.New(log, local, rem, cfg.TerminalID, engOpts...)
	if err != nil {
		return nil, err
	}

	cur, err := log.ReadCursor(ctx, cfg.TerminalID, scope)
	if err != nil {
		return nil, err
	}

	schedOpts := []scheduler.Option{
		scheduler.WithInterval(cfg.Sync.Interval, cfg.Sync.MaxInterval),
		scheduler.WithSurfaceThresholds(cfg.Sync.SurfacePendingAge, cfg.Sync.SurfacePendingCount),
		scheduler.WithBacklog(func(ctx context.Context) (store.PendingStats, error) {
			return log.PendingStats(ctx, scope)
		}),
		scheduler.WithNow(o.now),
		scheduler.WithLogger(logger),
	}
	if trigger != nil {
		schedOpts = append(schedOpts, scheduler.WithTrigger(trigger))
	}
	if !cur.LastSuccessAt.IsZero() {
		schedOpts = append(schedOpts, scheduler.WithLastSuccess(cur.LastSuccessAt))
	}
	if recorder != nil {
		schedOpts = append(schedOpts, scheduler.WithAfterCycle(func(ctx context.Context) {
			// A stopped scheduler leaves the buffer to Close.
			if ctx.Err() != nil || !recorder.Due() {
				return
			}
			if _, err := recorder.Flush(ctx); err != nil {
				logger.Warn("failed to export conflict records", "error", err, "buffered", recorder.Buffered())
			}
		}))
	}

	return &Terminal{
		scope:      scope,
		terminalID: cfg.TerminalID,
		log:        log,
		local:      local,
		engine:     eng,
		scheduler:  scheduler.New(eng, schedOpts...),
		bus:        bus,
		recorder:   recorder,
		ids:        o.ids,
		now:        o.now,
		logger:     logger,
	}, nil
}

// Scope returns the tenant scope of the terminal.
func (t *Terminal) Scope() ir.Scope {
	return t.scope
}

// ID returns the terminal id.
func (t *Terminal) ID() string {
	return t.terminalID
}

// Local returns the local store for reads.
func (t *Terminal) Local() *localstore.Store {
	return t.local
}

// Log returns the operation log.
func (t *Terminal) Log() *store.Store {
	return t.log
}

// Start begins background syncing.
func (t *Terminal) Start(ctx context.Context) error {
	return t.scheduler.Start(ctx)
}

// Stop ends background syncing, cancelling a running cycle between
// batches. Safe to call when not started.
func (t *Terminal) Stop() {
	t.scheduler.Stop()
}

// Now requests a sync cycle without waiting for it.
func (t *Terminal) Now() {
	t.scheduler.Now()
}

// Sync runs one cycle and waits for it.
func (t *Terminal) Sync(ctx context.Context) (engine.CycleReport, error) {
	return t.scheduler.RunOnce(ctx)
}

// Status reports the sync state.
func (t *Terminal) Status(ctx context.Context) (scheduler.Status, error) {
	return t.scheduler.Status(ctx)
}

// Pending returns operations not yet answered by the server, in sequence
// order.
func (t *Terminal) Pending(ctx context.Context) ([]ir.Operation, error) {
	return t.log.Pending(ctx, t.scope)
}

// DeadSet returns rejected operations, in sequence order.
func (t *Terminal) DeadSet(ctx context.Context) ([]ir.Operation, error) {
	return t.log.DeadSet(ctx, t.scope)
}

// Events returns the event bus.
func (t *Terminal) Events() *events.Bus {
	return t.bus
}

// Summary counts the log by status.
func (t *Terminal) Summary(ctx context.Context) (store.LogSummary, error) {
	return t.log.Summarize(ctx, t.scope)
}

// Rebuild reconstructs the local store from the log. It waits for any
// running cycle and holds further cycles off until it finishes.
func (t *Terminal) Rebuild(ctx context.Context) error {
	return t.scheduler.Exclusive(func() error {
		return t.engine.Rebuild(ctx)
	})
}

// ExportDeadSet writes the dead set to the audit sink and returns the
// object key, or "" when the dead set is empty.
func (t *Terminal) ExportDeadSet(ctx context.Context) (string, error) {
	if t.recorder == nil {
		return "", ErrAuditDisabled
	}
	dead, err := t.DeadSet(ctx)
	if err != nil {
		return "", err
	}
	return t.recorder.ExportDeadSet(ctx, dead)
}

// Close stops syncing, flushes buffered conflict records and closes the
// database. A flush failure is logged; the records are lost.
func (t *Terminal) Close() error {
	t.Stop()
	if t.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := t.recorder.Flush(ctx); err != nil {
			t.logger.Warn("failed to flush conflict records", "error", err, "buffered", t.recorder.Buffered())
		}
		cancel()
	}
	t.bus.Close()
	return t.log.Close()
}
