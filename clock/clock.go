// Package clock abstracts time for connect timestamps and timers so the
// engine and the simulated provider can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock provides time operations for deterministic testing
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a cancellable timer
type Timer interface {
	Stop() bool
}

// System uses real time
type System struct{}

// NewSystem creates a clock backed by real time
func NewSystem() *System {
	return &System{}
}

func (c *System) Now() time.Time {
	return time.Now()
}

func (c *System) AfterFunc(d time.Duration, f func()) Timer {
	return &systemTimer{timer: time.AfterFunc(d, f)}
}

type systemTimer struct {
	timer *time.Timer
}

func (t *systemTimer) Stop() bool {
	return t.timer.Stop()
}

// Manual provides deterministic time control: time only moves via Advance
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

// NewManual creates a clock with manual time control
func NewManual(start time.Time) *Manual {
	if start.IsZero() {
		start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Manual{now: start}
}

func (c *Manual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Manual) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	mt := &manualTimer{fireAt: c.now.Add(d), fn: f, clock: c}
	c.timers = append(c.timers, mt)
	sort.SliceStable(c.timers, func(i, j int) bool {
		return c.timers[i].fireAt.Before(c.timers[j].fireAt)
	})
	return mt
}

// Advance moves time forward and fires all timers that come due
func (c *Manual) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.fireDueLocked()
	c.mu.Unlock()
}

func (c *Manual) fireDueLocked() {
	for len(c.timers) > 0 {
		mt := c.timers[0]
		if mt.stopped {
			c.timers = c.timers[1:]
			continue
		}
		if mt.fireAt.After(c.now) {
			return
		}
		c.timers = c.timers[1:]
		// A fired timer reads as stopped, matching time.Timer's Stop contract.
		mt.stopped = true
		// Run the callback without the lock so it may schedule new timers.
		c.mu.Unlock()
		mt.fn()
		c.mu.Lock()
	}
}

type manualTimer struct {
	fireAt  time.Time
	fn      func()
	clock   *Manual
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
