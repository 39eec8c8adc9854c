package clock

import (
	"sync"
	"time"
)

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// ManualClock is a settable clock for tests and demo replays.
// Params: start time, advanced explicitly by callers.
// Returns: goroutine-safe fixed clock.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates manual clock positioned at start.
// Params: initial timestamp.
// Returns: manual clock.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

// Now returns the current manual timestamp.
// Params: none.
// Returns: last set timestamp.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by delta.
// Params: duration to add.
// Returns: new timestamp.
func (c *ManualClock) Advance(delta time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
	return c.now
}
