package tracking

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultInterval = time.Hour
	DefaultCooldown = 5 * time.Second
)

// Batch is one pop cycle's plan.
type Batch struct {
	// Amount is the number of keys to dequeue (always >= 1).
	Amount int
	// Delay is the wait before dequeuing (never negative).
	Delay time.Duration
	// MsPerTrack is the share of the remaining interval per scheduled key.
	// It is negative when the previous cycle overran the interval.
	MsPerTrack float64
}

// ComputeBatch derives the batch size and delay for n scheduled keys given
// the time left in the current interval and the cooldown floor.
//
// Keys are spread evenly over the remaining time. When that spacing is
// tighter than the cooldown, several keys are popped per wakeup instead of
// sleeping less than the cooldown. An overrun interval degrades to a single
// key with no delay.
func ComputeBatch(n int, remaining, cooldown time.Duration) Batch {
	if n <= 0 {
		return Batch{}
	}
	msPerTrack := float64(remaining) / float64(time.Millisecond) / float64(n)
	if msPerTrack <= 0 {
		return Batch{Amount: 1, MsPerTrack: msPerTrack}
	}

	cooldownMs := float64(cooldown) / float64(time.Millisecond)
	amount := math.Max(1, math.Ceil(cooldownMs/msPerTrack))
	if amount > math.MaxInt32 {
		amount = math.MaxInt32
	}
	delay := time.Duration(msPerTrack * amount * float64(time.Millisecond))
	if delay < 0 {
		delay = 0
	}
	return Batch{Amount: int(amount), Delay: delay, MsPerTrack: msPerTrack}
}

// Controller owns the cycle cursor: the last pop time and the cadence knobs.
type Controller struct {
	mu       sync.Mutex
	lastPop  time.Time
	interval time.Duration
	cooldown time.Duration
}

// NewController starts the cursor at now. Non-positive durations fall back to
// the defaults.
func NewController(now time.Time, interval, cooldown time.Duration) *Controller {
	c := &Controller{lastPop: now}
	c.SetCadence(interval, cooldown)
	return c
}

// SetCadence replaces the target interval and cooldown floor.
func (c *Controller) SetCadence(interval, cooldown time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if cooldown < 0 {
		cooldown = DefaultCooldown
	}
	c.mu.Lock()
	c.interval = interval
	c.cooldown = cooldown
	c.mu.Unlock()
}

// Cadence returns the current interval and cooldown.
func (c *Controller) Cadence() (interval, cooldown time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval, c.cooldown
}

// LastPop returns the cursor.
func (c *Controller) LastPop() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPop
}

// Plan computes the batch for n scheduled keys at now.
func (c *Controller) Plan(n int, now time.Time) Batch {
	c.mu.Lock()
	remaining := c.lastPop.Add(c.interval).Sub(now)
	cooldown := c.cooldown
	c.mu.Unlock()
	return ComputeBatch(n, remaining, cooldown)
}

// MarkPop advances the cursor.
func (c *Controller) MarkPop(now time.Time) {
	c.mu.Lock()
	c.lastPop = now
	c.mu.Unlock()
}
