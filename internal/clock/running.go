package clock

import (
	"sync"
	"time"
)

// RunningClock reports the host pipeline's running time: the time elapsed on
// the pipeline clock since the pipeline started playing.
type RunningClock interface {
	RunningTime() time.Duration
}

// SystemClock derives running time from the monotonic wall clock.
type SystemClock struct {
	base time.Time
}

// NewSystemClock starts a running clock at zero.
func NewSystemClock() *SystemClock {
	return &SystemClock{base: time.Now()}
}

// RunningTime implements RunningClock.
func (c *SystemClock) RunningTime() time.Duration {
	return time.Since(c.base)
}

// ManualClock is a RunningClock advanced explicitly, for tests and offline
// pipelines.
type ManualClock struct {
	mu  sync.Mutex
	now time.Duration
}

// RunningTime implements RunningClock.
func (c *ManualClock) RunningTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to d.
func (c *ManualClock) Set(d time.Duration) {
	c.mu.Lock()
	c.now = d
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}
