package timeutil

import (
	"sort"
	"sync"
	"time"
)

// Now returns the current time in UTC
// Always use this instead of time.Now() to ensure timezone consistency
func Now() time.Time {
	return time.Now().UTC()
}

// ToUTC converts a time.Time to UTC if it isn't already
func ToUTC(t time.Time) time.Time {
	return t.UTC()
}

// UnixMilli converts a millisecond epoch timestamp to a UTC time
func UnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Timer is a scheduled callback that can be cancelled
type Timer interface {
	// Stop prevents the callback from firing. Returns false if it already fired or was stopped.
	Stop() bool
}

// Clock is the source of wall-clock time and scheduled callbacks.
// Components that schedule work (countdowns, polling, reconnect backoff) take a Clock
// so tests can drive them deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock is a Clock backed by the runtime timer wheel
type RealClock struct{}

// NewRealClock returns the production clock
func NewRealClock() RealClock {
	return RealClock{}
}

// Now returns the current UTC time
func (RealClock) Now() time.Time {
	return Now()
}

// AfterFunc runs f in its own goroutine after d
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ManualClock is a Clock whose time only moves when Advance is called.
// Timer callbacks run synchronously on the goroutine calling Advance, in due order.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	clock *ManualClock
	due   time.Time
	seq   int
	f     func()
	done  bool
}

// NewManualClock creates a ManualClock starting at start
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

// Now returns the clock's current time
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run once the clock has been advanced by d
func (c *ManualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &manualTimer{clock: c, due: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Set jumps the clock to t without firing timers in between, then fires everything due at t.
// Used to simulate process suspension.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
	c.fireDue(t.UTC())
}

// Advance moves the clock forward by d, firing every timer that comes due along the way
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.fireDue(target)
}

// Pending returns the number of timers that have not fired or been stopped
func (c *ManualClock) Pending() int {
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

func (c *ManualClock) fireDue(target time.Time) {
	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			if c.now.Before(target) {
				c.now = target
			}
			c.mu.Unlock()
			return
		}
		next.done = true
		if c.now.Before(next.due) {
			c.now = next.due
		}
		c.compactLocked()
		c.mu.Unlock()

		next.f()
	}
}

func (c *ManualClock) nextDueLocked(target time.Time) *manualTimer {
	live := make([]*manualTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if !t.done && !t.due.After(target) {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].due.Equal(live[j].due) {
			return live[i].seq < live[j].seq
		}
		return live[i].due.Before(live[j].due)
	})
	return live[0]
}

func (c *ManualClock) compactLocked() {
	kept := c.timers[:0]
	for _, t := range c.timers {
		if !t.done {
			kept = append(kept, t)
		}
	}
	c.timers = kept
}

// Stop cancels the timer
func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	return true
}
