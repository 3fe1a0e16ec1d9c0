// Package fakes provides deterministic test doubles.
package fakes

import (
	"sync"
	"time"

	"github.com/coachpo/eventwait/internal/clock"
)

// FakeClock provides deterministic time control for unit tests. Timers fire only when
// Advance moves the clock past their deadline.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*FakeTimer
	created chan struct{}
}

var _ clock.Clock = (*FakeClock)(nil)

// NewFakeClock constructs a fake clock initialized to the provided time.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return &FakeClock{now: start, created: make(chan struct{}, 64)}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTimer registers a timer due delta after the current fake time.
func (c *FakeClock) NewTimer(delta time.Duration) clock.Timer {
	c.mu.Lock()
	t := &FakeTimer{clock: c, deadline: c.now.Add(delta), ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	select {
	case c.created <- struct{}{}:
	default:
	}
	return t
}

// Advance increments the fake time and fires every timer whose deadline has passed.
func (c *FakeClock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	now := c.now
	pending := c.timers[:0]
	var due []*FakeTimer
	for _, t := range c.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
			continue
		}
		pending = append(pending, t)
	}
	c.timers = pending
	c.mu.Unlock()

	for _, t := range due {
		t.fire(now)
	}
}

// BlockUntilTimer waits until a timer has been created, or the timeout elapses.
// It reports whether a timer showed up.
func (c *FakeClock) BlockUntilTimer(timeout time.Duration) bool {
	select {
	case <-c.created:
		return true
	case <-time.After(timeout):
		return false
	}
}

// PendingTimers returns the number of armed timers.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *FakeClock) remove(target *FakeTimer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.timers {
		if t == target {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}

// FakeTimer is a timer driven by a FakeClock.
type FakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	ch       chan time.Time
}

// C returns the channel the fire time is delivered on.
func (t *FakeTimer) C() <-chan time.Time { return t.ch }

// Stop disarms the timer. It reports whether the timer was still pending.
func (t *FakeTimer) Stop() bool { return t.clock.remove(t) }

func (t *FakeTimer) fire(now time.Time) {
	select {
	case t.ch <- now:
	default:
	}
}
