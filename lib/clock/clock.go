// Package clock abstracts time so retry delays can be driven deterministically.
package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock provides the notion of time used by delayed operations.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

// Real returns a Clock backed by the runtime timer.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type timer struct {
	deadline time.Time
	ch       chan time.Time
}

// Virtual is an in-memory clock whose timers fire only when the clock is advanced.
type Virtual struct {
	mu      sync.Mutex
	current time.Time
	timers  []*timer
	changed chan struct{}
}

// NewVirtual initialises a clock starting at the provided timestamp.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{current: start, changed: make(chan struct{})}
}

// Now returns the current simulated time.
func (c *Virtual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives the simulated time once d has elapsed.
func (c *Virtual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.timers = append(c.timers, &timer{deadline: c.current.Add(d), ch: ch})
	c.notifyLocked()
	return ch
}

// Advance moves the clock forward by d and fires every timer that became due.
func (c *Virtual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.fireLocked()
	c.mu.Unlock()
}

// AdvanceTo moves the clock to ts if it is in the future.
func (c *Virtual) AdvanceTo(ts time.Time) {
	c.mu.Lock()
	if ts.After(c.current) {
		c.current = ts
		c.fireLocked()
	}
	c.mu.Unlock()
}

// Waiters reports the number of pending timers.
func (c *Virtual) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// BlockUntil waits until at least n timers are pending or ctx is done.
func (c *Virtual) BlockUntil(ctx context.Context, n int) error {
	for {
		c.mu.Lock()
		pending := len(c.timers)
		changed := c.changed
		c.mu.Unlock()
		if pending >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (c *Virtual) fireLocked() {
	sort.SliceStable(c.timers, func(i, j int) bool {
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if t.deadline.After(c.current) {
			remaining = append(remaining, t)
			continue
		}
		t.ch <- c.current
	}
	c.timers = remaining
	c.notifyLocked()
}

func (c *Virtual) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}
