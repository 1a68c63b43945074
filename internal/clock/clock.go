// Package clock lets the chat session schedule timers against an
// injectable time source.
//
// Production code uses Real(). Tests use Fake(), whose time only moves
// when Advance is called, so ack timeouts, typing debounce and reconnect
// backoff can be stepped deterministically:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	s := chat.New(url, chat.WithClock(c))
//	c.WaitForTimers(1)
//	c.Advance(10 * time.Second)
package clock

import "time"

// Clock is the subset of the time package the session depends on.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously
	// inside Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable handle for a scheduled callback.
type Timer struct {
	stop func() bool
}

// Stop prevents the callback from running. It reports whether the call
// stopped the timer; false means it already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Ticker delivers ticks on C until stopped. C has capacity 1 and drops
// ticks the reader did not collect in time.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }
