package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start of a Clock.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced wall clock for tests.
//
// Unlike time.Now, Clock only moves when Advance is called, so messages
// dated by it encode identically on every run.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
}

// NewClock creates a clock reading start. A zero start uses Epoch.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = Epoch
	}
	return &Clock{start: start, now: start}
}

// Now returns the current reading. It has the signature of time.Now so it
// can be passed wherever a clock function is expected.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Reset returns the clock to its start.
//
// Used for test reuse.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
