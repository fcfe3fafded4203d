package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order, without the clock lock held. A callback may schedule or stop
// other timers; it must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	seq      uint64
	fn       func()
	ch       chan time.Time
	done     bool
}

// Fake returns a FakeClock starting at start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the simulated time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock has been
// advanced by at least d. Non-positive durations are ready immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&fakeTimer{clock: c, deadline: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc schedules f to run from Advance once d has elapsed.
// Non-positive durations run f in a new goroutine, as time.AfterFunc does.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	if d <= 0 {
		go f()
		return &fakeTimer{clock: c, done: true}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: f}
	c.addLocked(t)
	return t
}

func (c *FakeClock) addLocked(t *fakeTimer) {
	c.seq++
	t.seq = c.seq
	c.pending = append(c.pending, t)
	c.changed.Broadcast()
}

// Stop removes the timer from the pending set.
func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	c.removeLocked(t)
	return true
}

func (c *FakeClock) removeLocked(t *fakeTimer) {
	for i, p := range c.pending {
		if p == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.changed.Broadcast()
			return
		}
	}
}

// Advance moves the clock forward by d, firing every timer whose
// deadline falls inside the window. Timers armed by callbacks during
// the advance fire too if their deadline is still inside the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.popNext(target)
		if t == nil {
			break
		}
		if t.fn != nil {
			t.fn()
		} else {
			t.ch <- t.deadline
		}
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// popNext removes and returns the earliest timer due at or before
// target, moving the clock to its deadline.
func (c *FakeClock) popNext(target time.Time) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}
	sort.Slice(c.pending, func(i, j int) bool {
		a, b := c.pending[i], c.pending[j]
		if a.deadline.Equal(b.deadline) {
			return a.seq < b.seq
		}
		return a.deadline.Before(b.deadline)
	})
	next := c.pending[0]
	if next.deadline.After(target) {
		return nil
	}
	c.pending = c.pending[1:]
	next.done = true
	if next.deadline.After(c.now) {
		c.now = next.deadline
	}
	c.changed.Broadcast()
	return next
}

// Pending returns the number of armed timers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// WaitForTimers blocks until at least n timers are armed.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// NextDeadline returns how far in the future the earliest armed timer
// fires, and false if nothing is armed.
func (c *FakeClock) NextDeadline() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return 0, false
	}
	earliest := c.pending[0].deadline
	for _, t := range c.pending[1:] {
		if t.deadline.Before(earliest) {
			earliest = t.deadline
		}
	}
	return earliest.Sub(c.now), true
}
