// Package timeutil abstracts wall-clock time so evidence stamping and feed
// replay pacing can be driven by tests.
package timeutil

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock is the subset of the time package the pipeline needs.
type Clock interface {
	Now() time.Time
	// After sends the clock time on the returned channel once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// RealClock is backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep waits for d on clock, returning early with ctx.Err() if ctx is done.
// Non-positive durations return immediately.
func Sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

// MockClock only moves when told to. Pending After channels fire once Advance
// or Set reaches their deadline.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewMockClock returns a MockClock reading t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a buffered channel that fires when the clock reaches now+d.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := c.now.Add(d)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, waiter{deadline: deadline, ch: ch})
	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	return ch
}

// Advance moves the clock forward by d.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	t := c.now.Add(d)
	c.mu.Unlock()
	c.Set(t)
}

// Set moves the clock to t and fires every waiter whose deadline has passed.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	var due []waiter
	for len(c.waiters) > 0 && !c.waiters[0].deadline.After(t) {
		due = append(due, c.waiters[0])
		c.waiters = c.waiters[1:]
	}
	c.mu.Unlock()

	for _, w := range due {
		w.ch <- t
	}
}

// Pending returns the number of After channels that have not fired.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
