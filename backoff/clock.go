package backoff

import (
	"sync"
	"time"
)

// Clock abstracts time for everything that produces timestamps or waits.
// Production code uses SystemClock; tests substitute a VirtualClock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that fires after d.
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the real monotonic clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// After wraps time.After.
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// VirtualClock is a manually advanced clock for tests. Advance releases
// any waiter whose deadline has been reached.
type VirtualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewVirtualClock creates a virtual clock starting at the given time.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

// Now returns the virtual current time.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that fires once the clock has been advanced
// past d from the current virtual time.
func (c *VirtualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, &waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward by d and fires any waiter whose
// deadline has been reached.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}

// Set moves the clock to an absolute time, firing reached waiters.
func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	delta := t.Sub(c.now)
	c.mu.Unlock()
	if delta > 0 {
		c.Advance(delta)
	}
}

// Verify both clocks satisfy the interface.
var (
	_ Clock = SystemClock{}
	_ Clock = (*VirtualClock)(nil)
)
