package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time for deterministic clocks.
var Epoch = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

// DeterministicClock is a wall-clock source for tests.
//
// Each call to Now returns the previous value plus Step, starting from the
// configured start. Timestamps are therefore unique, increasing and
// identical across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	step  time.Duration
}

// NewDeterministicClock creates a clock at start that advances by step per
// call. A zero start uses Epoch.
//
// The first call to Now() returns start+step.
func NewDeterministicClock(start time.Time, step time.Duration) *DeterministicClock {
	if start.IsZero() {
		start = Epoch
	}
	return &DeterministicClock{start: start, now: start, step: step}
}

// Now advances the clock by one step and returns the new time.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

// Current returns the clock's time without advancing.
func (c *DeterministicClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset returns the clock to its start time.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
