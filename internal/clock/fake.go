package clock

import (
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves on Advance. It is safe for
// concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. A callback may schedule new timers, but must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	fn       func()         // AfterFunc
	ch       chan time.Time // tickers
	every    time.Duration  // > 0 for tickers
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock set to start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules fn. A non-positive d runs fn before returning.
func (c *FakeClock) AfterFunc(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		fn()
		return &Timer{stop: func() bool { return false }}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ft := &fakeTimer{deadline: c.now.Add(d), fn: fn}
	c.pending = append(c.pending, ft)
	c.changed.Broadcast()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ft.stopped || ft.fired {
			return false
		}
		ft.stopped = true
		c.changed.Broadcast()
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ft := &fakeTimer{deadline: c.now.Add(d), ch: ch, every: d}
	c.pending = append(c.pending, ft)
	c.changed.Broadcast()

	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ft.stopped = true
		c.changed.Broadcast()
	}}
}

// Advance moves time forward by d and fires everything due, earliest
// deadline first. While a timer fires, Now reports its deadline, so timers
// scheduled by fired callbacks also fire if they fall inside the advanced
// window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		ft, at := c.nextDue(target)
		if ft == nil {
			break
		}
		if ft.fn != nil {
			ft.fn()
			continue
		}
		select {
		case ft.ch <- at:
		default:
		}
	}

	c.mu.Lock()
	c.now = target
	c.changed.Broadcast()
	c.mu.Unlock()
}

// nextDue pops the earliest timer due at or before target and moves now to
// its deadline. Tickers are re-armed one interval later.
func (c *FakeClock) nextDue(target time.Time) (*fakeTimer, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keep := c.pending[:0]
	var next *fakeTimer
	for _, ft := range c.pending {
		if ft.stopped {
			continue
		}
		keep = append(keep, ft)
		if ft.deadline.After(target) {
			continue
		}
		if next == nil || ft.deadline.Before(next.deadline) {
			next = ft
		}
	}
	c.pending = keep
	if next == nil {
		return nil, time.Time{}
	}

	at := next.deadline
	c.now = at
	if next.every > 0 {
		next.deadline = at.Add(next.every)
	} else {
		next.fired = true
		for i, ft := range c.pending {
			if ft == next {
				c.pending = append(c.pending[:i], c.pending[i+1:]...)
				break
			}
		}
	}
	c.changed.Broadcast()
	return next, at
}

// WaitForTimers blocks until at least n timers or tickers are pending.
// Use it to wait for a goroutine to arm its timer before calling
// Advance.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount reports the number of armed timers and tickers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, ft := range c.pending {
		if !ft.stopped {
			n++
		}
	}
	return n
}
