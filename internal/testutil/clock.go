package testutil

import "sync"

// Clock hands out increasing Unix-second timestamps for card edits in tests.
//
// Unlike wall time, Clock can be reset so the same scenario produces
// identical last_modified values on every run.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu    sync.Mutex
	start int64
	step  int64
	now   int64
}

// NewClock creates a clock whose first Next() returns start+step.
// A step below 1 is treated as 1.
func NewClock(start, step int64) *Clock {
	if step < 1 {
		step = 1
	}
	return &Clock{start: start, step: step, now: start}
}

// Next advances the clock by one step and returns the new timestamp.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.step
	return c.now
}

// Current returns the latest timestamp without advancing.
func (c *Clock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Observe moves the clock forward to ts if ts is later, so explicit
// timestamps in a test are never followed by earlier generated ones.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.now {
		c.now = ts
	}
}

// Reset returns the clock to its start.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
