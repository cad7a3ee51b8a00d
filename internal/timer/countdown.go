package timer

import (
	"sync"
	"time"
)

// Countdown decrements once per second and calls onExpire exactly once when it
// reaches zero, after which it stops itself.
type Countdown struct {
	clock    Clock
	onTick   func(remaining int)
	onExpire func()

	mu        sync.Mutex
	remaining int
	handle    Handle
	stopped   bool
}

// NewCountdown starts a countdown of the given number of seconds.
// Values below one are treated as one.
func NewCountdown(clock Clock, seconds int, onTick func(remaining int), onExpire func()) *Countdown {
	if seconds < 1 {
		seconds = 1
	}
	c := &Countdown{
		clock:     clock,
		onTick:    onTick,
		onExpire:  onExpire,
		remaining: seconds,
	}
	c.mu.Lock()
	c.handle = clock.AfterFunc(time.Second, c.tick)
	c.mu.Unlock()
	return c
}

func (c *Countdown) tick() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.remaining--
	remaining := c.remaining
	expired := remaining <= 0
	if expired {
		c.stopped = true
		c.handle = nil
	} else {
		c.handle = c.clock.AfterFunc(time.Second, c.tick)
	}
	c.mu.Unlock()

	if c.onTick != nil {
		c.onTick(remaining)
	}
	if expired && c.onExpire != nil {
		c.onExpire()
	}
}

// Remaining returns the seconds left.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Stop cancels the countdown without firing onExpire. Stopping twice, or
// stopping an expired countdown, is a no-op.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.handle != nil {
		c.handle.Stop()
		c.handle = nil
	}
}

// Stopped reports whether the countdown has been stopped or has expired.
func (c *Countdown) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
