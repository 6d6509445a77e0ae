// Package fakeclock provides a manually advanced Clock for tests.
package fakeclock

import (
	"sync"
	"time"

	"github.com/acolita/sshkit/internal/ports"
)

// Clock only moves when Advance or Set is called. After channels and tickers
// fire from inside Advance.
type Clock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current time.Time
	waiters []waiter
	tickers []*Ticker
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

var _ ports.Clock = (*Clock)(nil)

// New returns a clock frozen at initial.
func New(initial time.Time) *Clock {
	c := &Clock{current: initial}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sleep returns immediately; tests move time with Advance.
func (c *Clock) Sleep(time.Duration) {}

// After returns a channel that fires once Advance passes now+d.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := c.current.Add(d)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.waiters = append(c.waiters, waiter{deadline: deadline, ch: ch})
	c.cond.Broadcast()
	return ch
}

// NewTicker returns a ticker that fires each time Advance crosses a multiple of d.
func (c *Clock) NewTicker(d time.Duration) ports.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &Ticker{clock: c, interval: d, next: c.current.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	c.cond.Broadcast()
	return t
}

// Advance moves the clock forward, firing due After channels and tickers.
// A ticker whose channel is still full drops the tick, like time.Ticker.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	now := c.current

	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if now.Before(w.deadline) {
			remaining = append(remaining, w)
			continue
		}
		w.ch <- now
	}
	c.waiters = remaining

	for _, t := range c.tickers {
		if t.stopped || t.interval <= 0 || now.Before(t.next) {
			continue
		}
		for !now.Before(t.next) {
			t.next = t.next.Add(t.interval)
		}
		select {
		case t.ch <- now:
		default:
		}
	}
}

// Set jumps to t without firing anything.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// BlockUntil waits until at least n After waiters plus active tickers are
// registered. Tests use it to know a goroutine has reached its timer before
// calling Advance.
func (c *Clock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.cond.Wait()
	}
}

func (c *Clock) pendingLocked() int {
	n := len(c.waiters)
	for _, t := range c.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Ticker is the fake ports.Ticker.
type Ticker struct {
	clock    *Clock
	interval time.Duration
	next     time.Time
	stopped  bool
	ch       chan time.Time
}

// C returns the tick channel.
func (t *Ticker) C() <-chan time.Time { return t.ch }

// Stop prevents further ticks.
func (t *Ticker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}

// Tick delivers a tick immediately, independent of the clock.
func (t *Ticker) Tick() {
	t.clock.mu.Lock()
	stopped := t.stopped
	now := t.clock.current
	t.clock.mu.Unlock()
	if stopped {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
}
