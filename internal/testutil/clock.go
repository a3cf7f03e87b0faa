// Package testutil provides deterministic doubles for the engine's
// collaborators: a manually advanced clock, in-memory remote stores with
// failure injection, and capture fakes.
package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/clockin/internal/clock"
)

// FakeClock is a clock.Clock that only moves when told to.
//
// Timers fire synchronously inside Advance, in deadline order, on the
// goroutine that calls Advance.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	added  chan struct{}
}

type fakeTimer struct {
	clock *FakeClock
	at    time.Time
	fn    func()
	ch    chan time.Time
	done  bool
}

// NewFakeClock creates a FakeClock reading now.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now, added: make(chan struct{}, 64)}
}

// Now implements clock.Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements clock.Clock.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return c.schedule(d, f, nil)
}

// After implements clock.Clock.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.schedule(d, nil, ch)
	return ch
}

func (c *FakeClock) schedule(d time.Duration, f func(), ch chan time.Time) *fakeTimer {
	c.mu.Lock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f, ch: ch}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	select {
	case c.added <- struct{}{}:
	default:
	}
	return t
}

// Stop implements clock.Timer.
func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves the clock forward by d and fires every timer that became due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*fakeTimer
	var keep []*fakeTimer
	for _, t := range c.timers {
		switch {
		case t.done:
		case !t.at.After(now):
			t.done = true
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	c.timers = keep
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		if t.ch != nil {
			t.ch <- now
		}
		if t.fn != nil {
			t.fn()
		}
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// BlockUntil waits until at least n timers are pending or timeout elapses.
// It reports whether the condition was met. Tests use it to wait for a
// goroutine to reach its sleep before calling Advance.
func (c *FakeClock) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if c.Pending() >= n {
			return true
		}
		select {
		case <-c.added:
		case <-time.After(time.Millisecond):
		case <-deadline:
			return c.Pending() >= n
		}
	}
}
