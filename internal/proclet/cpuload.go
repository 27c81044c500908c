package proclet

import (
	"sync"
	"sync/atomic"
	"time"
)

// CPULoad is a proclet's local CPU-load estimator: an EWMA over
// wall-clock time spent executing method bodies, sampled with a
// configurable knob so hot calls can skip the timestamp cost (spec.md
// §4.1 "a sampling knob suppresses the start cost on hot calls", §9
// "must preserve the property that a freshly-idle proclet drops to
// near-zero utility within O(seconds)").
type CPULoad struct {
	mu          sync.Mutex
	ewma        float64 // fraction of wall-clock time spent executing, smoothed
	lastUpdate  time.Time
	activeSince time.Time
	active      int32 // number of currently-executing method bodies
	sampleEvery uint32
	calls       atomic.Uint32
}

const defaultEWMAWeight = 0.25
const defaultDecayWindow = 2 * time.Second // matches "near-zero within O(seconds)"

// NewCPULoad creates an estimator that samples every Nth call when
// sampleEvery > 1 (the "sampling knob" of spec.md §4.1); 0 or 1 means
// sample every call.
func NewCPULoad(sampleEvery uint32) *CPULoad {
	if sampleEvery == 0 {
		sampleEvery = 1
	}
	return &CPULoad{sampleEvery: sampleEvery, lastUpdate: time.Now()}
}

// Start marks the beginning of a method body's execution. It returns a
// function to call on return; the returned function is a no-op on
// sampled-out calls so hot paths pay only an atomic increment.
func (c *CPULoad) Start() func() {
	n := c.calls.Add(1)
	if n%c.sampleEvery != 0 {
		return func() {}
	}
	start := time.Now()
	c.mu.Lock()
	if c.active == 0 {
		c.activeSince = start
	}
	c.active++
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.active--
		now := time.Now()
		elapsed := now.Sub(c.lastUpdate)
		if elapsed <= 0 {
			return
		}
		busyFraction := 0.0
		if c.active > 0 || now.Sub(c.activeSince) > 0 {
			// Treat this sampled call's own duration as the busy signal
			// for this interval; a simple, practical approximation of
			// the per-core load accounting the source runtime performs
			// against real scheduler ticks.
			busyFraction = clamp01(float64(now.Sub(start)) / float64(elapsed))
		}
		c.ewma = defaultEWMAWeight*busyFraction + (1-defaultEWMAWeight)*c.ewma
		c.lastUpdate = now
	}
}

// Load returns the current smoothed load estimate in [0,1], decaying
// toward zero once enough wall-clock time has passed without a sampled
// call (spec.md §9).
func (c *CPULoad) Load() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	idleFor := time.Since(c.lastUpdate)
	if idleFor > defaultDecayWindow {
		decay := 1.0 - clamp01(float64(idleFor)/float64(2*defaultDecayWindow))
		return c.ewma * decay
	}
	return c.ewma
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
