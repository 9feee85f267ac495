package clock

import (
	"context"
	"sync"
	"time"
)

// DeterministicClock is a Clock implementation whose time only advances
// when the test calls Advance() or SetNow(). Timers and tickers created
// against it fire synchronously as part of those calls, which makes
// time-dependent behavior (lease expiry, session expiry, cancellation
// grace windows) reproducible in unit tests.
type DeterministicClock struct {
	lock   sync.Mutex
	now    time.Time
	timers []*deterministicTimer
}

var _ Clock = (*DeterministicClock)(nil)

// NewDeterministicClock creates a DeterministicClock that starts at the
// provided point in time.
func NewDeterministicClock(now time.Time) *DeterministicClock {
	return &DeterministicClock{now: now}
}

func (c *DeterministicClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

// Advance moves the clock forward, firing any timers and tickers whose
// deadline is reached. A timer whose deadline is exactly the new time
// fires as well.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.lock.Lock()
	c.now = c.now.Add(d)
	c.fireLocked()
	c.lock.Unlock()
}

// SetNow moves the clock to an absolute point in time, which must not
// be earlier than the current one.
func (c *DeterministicClock) SetNow(now time.Time) {
	c.lock.Lock()
	if now.Before(c.now) {
		panic("Deterministic clock may not move backwards")
	}
	c.now = now
	c.fireLocked()
	c.lock.Unlock()
}

func (c *DeterministicClock) fireLocked() {
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if t.fire(c.now) {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
}

func (c *DeterministicClock) NewContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	t, ch := c.NewTimer(timeout)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
			t.Stop()
		}
	}()
	return ctx, cancel
}

func (c *DeterministicClock) NewTimer(d time.Duration) (Timer, <-chan time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()
	t := &deterministicTimer{
		channel:  make(chan time.Time, 1),
		deadline: c.now.Add(d),
	}
	if d <= 0 {
		t.channel <- c.now
	} else {
		c.timers = append(c.timers, t)
	}
	return t, t.channel
}

func (c *DeterministicClock) NewTicker(d time.Duration) (Ticker, <-chan time.Time) {
	if d <= 0 {
		panic("Ticker interval must be positive")
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	t := &deterministicTimer{
		channel:  make(chan time.Time, 1),
		deadline: c.now.Add(d),
		interval: d,
	}
	c.timers = append(c.timers, t)
	return deterministicTicker{timer: t}, t.channel
}

type deterministicTicker struct {
	timer *deterministicTimer
}

func (t deterministicTicker) Stop() {
	t.timer.Stop()
}

type deterministicTimer struct {
	channel  chan time.Time
	deadline time.Time
	interval time.Duration
	stopped  bool
}

// fire delivers the tick if due, returning whether the timer should
// remain registered.
func (t *deterministicTimer) fire(now time.Time) bool {
	if t.stopped {
		return false
	}
	if now.Before(t.deadline) {
		return true
	}
	select {
	case t.channel <- now:
	default:
		// Receiver has not drained the previous tick.
	}
	if t.interval == 0 {
		return false
	}
	for !t.deadline.After(now) {
		t.deadline = t.deadline.Add(t.interval)
	}
	return true
}

func (t *deterministicTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}
