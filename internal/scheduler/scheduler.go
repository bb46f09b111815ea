// Package scheduler decides when the sync engine runs.
//
// Triggers are an interval timer, a reconnect or change notification
// from the server, and explicit Now calls. Only one cycle runs at a time;
// triggers that arrive while a cycle runs collapse into a single
// follow-up run. Consecutive transport failures double the interval up
// to a ceiling; one success resets it.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/store"
)

// Defaults.
const (
	DefaultInterval            = 30 * time.Second
	DefaultMaxInterval         = 10 * time.Minute
	DefaultSurfacePendingAge   = 15 * time.Minute
	DefaultSurfacePendingCount = 200
)

// ErrAlreadyStarted is returned by Start on a running scheduler.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Cycler runs one sync cycle. Implemented by engine.Engine.
type Cycler interface {
	RunCycle(ctx context.Context) (engine.CycleReport, error)
}

// Trigger reports reachability changes. Implemented by remote.Notifier.
type Trigger interface {
	Run(ctx context.Context, onConnect func(), onRevision func(int64)) error
}

// BacklogFunc reports the unsettled outbox.
type BacklogFunc func(ctx context.Context) (store.PendingStats, error)

// State is the coarse sync state shown to the operator.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

// Status is a point-in-time view of the scheduler.
type Status struct {
	State         State
	LastSuccessAt time.Time
	PendingCount  int
	OldestPending time.Time
	// LastError is set only in StateError. Transport failures stay hidden
	// until the outbox is older or larger than the surfacing thresholds.
	LastError error
	Failures  int
	Interval  time.Duration // Delay before the next timed run
}

// Scheduler owns the single-flight flag and the retry timing for one
// engine.
type Scheduler struct {
	cycler     Cycler
	trigger    Trigger
	backlog    BacklogFunc
	afterCycle func(ctx context.Context)

	interval     time.Duration
	maxInterval  time.Duration
	surfaceAge   time.Duration
	surfaceCount int
	now          func() time.Time
	logger       *slog.Logger

	kick    chan struct{} // Buffered, size 1; coalesces Now calls
	cycleMu sync.Mutex    // Held for the duration of a cycle

	mu          sync.Mutex
	running     bool
	syncing     bool
	failures    int
	lastErr     error
	lastSuccess time.Time
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the base interval and the backoff ceiling. Zero keeps
// the default.
func WithInterval(interval, ceiling time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
		if ceiling > 0 {
			s.maxInterval = ceiling
		}
	}
}

// WithSurfaceThresholds sets when transport failures become visible:
// once the oldest pending operation is older than age, or more than
// count operations are pending.
func WithSurfaceThresholds(age time.Duration, count int) Option {
	return func(s *Scheduler) {
		if age > 0 {
			s.surfaceAge = age
		}
		if count > 0 {
			s.surfaceCount = count
		}
	}
}

// WithTrigger runs an immediate cycle on every reconnect and change
// notification from t.
func WithTrigger(t Trigger) Option {
	return func(s *Scheduler) {
		s.trigger = t
	}
}

// WithBacklog reports the outbox in Status.
func WithBacklog(fn BacklogFunc) Option {
	return func(s *Scheduler) {
		s.backlog = fn
	}
}

// WithAfterCycle runs fn after every cycle, once the cycle lock is
// released. Work that may be slow, such as exporting audit records,
// belongs here rather than inside the cycle.
func WithAfterCycle(fn func(ctx context.Context)) Option {
	return func(s *Scheduler) {
		s.afterCycle = fn
	}
}

// WithLastSuccess seeds LastSuccessAt, normally from the persisted
// cursor, so Status is right before the first cycle of this process.
func WithLastSuccess(at time.Time) Option {
	return func(s *Scheduler) {
		s.lastSuccess = at
	}
}

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// New creates a stopped scheduler for cycler.
func New(cycler Cycler, opts ...Option) *Scheduler {
	s := &Scheduler{
		cycler:       cycler,
		interval:     DefaultInterval,
		maxInterval:  DefaultMaxInterval,
		surfaceAge:   DefaultSurfacePendingAge,
		surfaceCount: DefaultSurfacePendingCount,
		now:          time.Now,
		logger:       slog.Default(),
		kick:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxInterval < s.interval {
		s.maxInterval = s.interval
	}
	return s
}

// Start runs the first cycle immediately and keeps scheduling until Stop
// or until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	if s.trigger != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := s.trigger.Run(ctx, s.Now, func(int64) { s.Now() })
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("sync trigger stopped", "error", err)
			}
		}()
	}

	s.logger.Info("scheduler started", "interval", s.interval, "max_interval", s.maxInterval)
	return nil
}

// Stop cancels a running cycle and waits for the scheduler to exit. The
// engine notices cancellation between batches, so an in-flight batch
// still has its answers recorded. Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Now requests an immediate cycle. Never blocks; requests made while a
// cycle is running collapse into one follow-up run.
func (s *Scheduler) Now() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// RunOnce runs a cycle in the caller's goroutine, waiting for any cycle
// already running to finish first.
func (s *Scheduler) RunOnce(ctx context.Context) (engine.CycleReport, error) {
	return s.runCycle(ctx)
}

// Exclusive runs fn while no cycle is running. Cycles triggered
// meanwhile wait for fn to return.
func (s *Scheduler) Exclusive(fn func() error) error {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()
	return fn()
}

func (s *Scheduler) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.kick:
		}

		s.runCycle(ctx)

		timer.Reset(s.nextInterval())
	}
}

func (s *Scheduler) runCycle(ctx context.Context) (engine.CycleReport, error) {
	report, err := s.cycle(ctx)
	if s.afterCycle != nil {
		s.afterCycle(ctx)
	}
	return report, err
}

func (s *Scheduler) cycle(ctx context.Context) (engine.CycleReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	s.mu.Lock()
	s.syncing = true
	s.mu.Unlock()

	report, err := s.cycler.RunCycle(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncing = false
	switch {
	case err == nil:
		s.failures = 0
		s.lastErr = nil
		s.lastSuccess = s.now()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// Stopped; not a failure.
	case ir.IsTransport(err):
		s.failures++
		s.lastErr = err
		s.logger.Debug("sync deferred", "failures", s.failures, "retry_in", backoff(s.interval, s.maxInterval, s.failures))
	default:
		s.lastErr = err
	}
	return report, err
}

func (s *Scheduler) nextInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return backoff(s.interval, s.maxInterval, s.failures)
}

// backoff doubles base once per consecutive failure, capped at ceiling.
func backoff(base, ceiling time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

// Status returns the current state. Pending counts come from the
// backlog when one is configured.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	var stats store.PendingStats
	if s.backlog != nil {
		var err error
		stats, err = s.backlog(ctx)
		if err != nil {
			return Status{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:         StateIdle,
		LastSuccessAt: s.lastSuccess,
		PendingCount:  stats.Count,
		OldestPending: stats.Oldest,
		Failures:      s.failures,
		Interval:      backoff(s.interval, s.maxInterval, s.failures),
	}
	switch {
	case s.syncing:
		st.State = StateSyncing
	case s.lastErr != nil && s.surfaces(s.lastErr, stats):
		st.State = StateError
		st.LastError = s.lastErr
	}
	return st, nil
}

// surfaces reports whether err should be shown to the operator.
func (s *Scheduler) surfaces(err error, stats store.PendingStats) bool {
	if !ir.IsTransport(err) {
		return true
	}
	if stats.Count > s.surfaceCount {
		return true
	}
	return stats.Count > 0 && s.now().Sub(stats.Oldest) > s.surfaceAge
}
