package runtime

import (
	"sync/atomic"
	"time"
)

// Clock is the monotonic logical clock that numbers logged transactions.
//
// Every committed transaction receives the next seq from this clock. The
// clock is restored from the log on startup, so seq values are dense and
// strictly increasing across restarts.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// However, the Runtime's single-writer design means only one goroutine
// advances it.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used on restart to resume from the last logged transaction.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// TimeSource supplies the current time, in unix seconds, that instructions
// compare timelocks against. Callers cannot influence it.
type TimeSource interface {
	Now() int64
}

// SystemTime reads the host wall clock.
type SystemTime struct{}

// Now implements TimeSource.
func (SystemTime) Now() int64 {
	return time.Now().Unix()
}

// FixedTime always reports the same instant. Used for replay and bootstrap.
type FixedTime int64

// Now implements TimeSource.
func (t FixedTime) Now() int64 {
	return int64(t)
}
