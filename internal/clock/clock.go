// Package clock implements the per-proclet logical clock of spec.md
// §4.7: a physical-time offset plus a live timer set, rewritten on
// migration so timers never fire late (or early) because of wall-clock
// discontinuities between nodes.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimerID identifies one scheduled timer within a Clock.
type TimerID uint64

// Clock is one proclet's logical clock: physical time plus an atomic
// offset. Now() reads through this offset so that observers attached
// to the same proclet see a single,
// monotonically non-decreasing logical time even across migrations
// (spec.md §8 "Logical time monotonicity").
type Clock struct {
	offsetNanos int64 // atomic

	mu       sync.Mutex
	nextID   TimerID
	timers   map[TimerID]*timerEntry
}

type timerEntry struct {
	logicalDeadline time.Time
	physical        *time.Timer
	fn              func()
	fired           bool
}

// New creates a clock with zero offset (logical time equals physical
// time until the proclet migrates for the first time).
func New() *Clock {
	return &Clock{timers: make(map[TimerID]*timerEntry)}
}

// Now returns the proclet-local logical time: physical time plus the
// current offset (spec.md §4.7 "microtime()").
func (c *Clock) Now() time.Time {
	off := time.Duration(atomic.LoadInt64(&c.offsetNanos))
	return time.Now().Add(off)
}

// AddTimer schedules fn to run when the proclet's logical clock reaches
// logicalDeadline. It returns an id that can be used to cancel the
// timer individually (spec.md §5 "Timers may be cancelled
// individually").
func (c *Clock) AddTimer(logicalDeadline time.Time, fn func()) TimerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	delay := logicalDeadline.Sub(c.Now())
	entry := &timerEntry{logicalDeadline: logicalDeadline, fn: fn}
	entry.physical = time.AfterFunc(delay, func() {
		c.mu.Lock()
		e, ok := c.timers[id]
		if !ok || e.fired {
			c.mu.Unlock()
			return
		}
		e.fired = true
		delete(c.timers, id)
		c.mu.Unlock()
		fn()
	})
	c.timers[id] = entry
	return id
}

// CancelTimer stops a pending timer. It is a no-op if the timer already
// fired or does not exist.
func (c *Clock) CancelTimer(id TimerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.timers[id]
	if !ok {
		return
	}
	e.physical.Stop()
	delete(c.timers, id)
}

// PendingDeadlines returns the logical deadlines of every still-pending
// timer, used when building a migration snapshot.
func (c *Clock) PendingDeadlines() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, 0, len(c.timers))
	for _, e := range c.timers {
		out = append(out, e.logicalDeadline)
	}
	return out
}

// Freeze stops every pending physical timer (without firing them) and
// returns the clock's current logical time plus each pending timer's
// logical deadline, for transfer to a migration destination (spec.md
// §4.3 step 4e, §4.7). The caller is responsible for re-arming the
// returned deadlines on the destination via Resume.
func (c *Clock) Freeze() (logicalNow time.Time, deadlines []time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	logicalNow = c.Now()
	for id, e := range c.timers {
		e.physical.Stop()
		deadlines = append(deadlines, e.logicalDeadline)
		delete(c.timers, id)
	}
	return logicalNow, deadlines
}

// Resume rewrites the clock's offset so that the proclet's logical time
// is continuous across a migration: the destination's logical "now"
// immediately after Resume equals logicalNowAtFreeze (spec.md §4.7
// "destination recomputes offset so that the observed logical time is
// continuous across the jump"). Each deadline is re-armed at
// physical_now + (logical_deadline - logical_now), running fn when it
// fires.
func (c *Clock) Resume(logicalNowAtFreeze time.Time, deadlines []time.Time, fn func(time.Time)) {
	newOffset := logicalNowAtFreeze.Sub(time.Now())
	atomic.StoreInt64(&c.offsetNanos, int64(newOffset))

	for _, d := range deadlines {
		deadline := d
		c.AddTimer(deadline, func() { fn(deadline) })
	}
}
