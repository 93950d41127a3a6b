package testutil

import "sync"

// ManualClock is a time source for tests: it reports whatever unix time it
// was last set to, so timelock boundaries can be hit exactly.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

// NewManualClock creates a clock reading start.
func NewManualClock(start int64) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current reading.
func (c *ManualClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t. Moving backwards is allowed; tests use it to
// probe both sides of a timelock.
func (c *ManualClock) Set(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by secs and returns the new reading.
func (c *ManualClock) Advance(secs int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += secs
	return c.now
}
