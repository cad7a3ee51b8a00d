package timer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPollInterval is the reference poll cadence.
const DefaultPollInterval = 10 * time.Second

// DefaultPollSchedule fires every DefaultPollInterval.
func DefaultPollSchedule() cron.Schedule {
	return cron.Every(DefaultPollInterval)
}

// ParseSchedule parses a poll cadence. It accepts the cron descriptors
// understood by cron.ParseStandard ("@every 10s", "@hourly", "*/1 * * * *").
// An empty spec yields DefaultPollSchedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return DefaultPollSchedule(), nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing poll schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Ticker invokes a callback on every activation of a cron schedule until stopped.
// The next activation is armed before the callback runs, so a slow callback
// does not delay the cadence; callers that must not overlap guard themselves.
type Ticker struct {
	clock    Clock
	schedule cron.Schedule
	fn       func()

	mu      sync.Mutex
	handle  Handle
	stopped bool
}

// NewTicker starts a ticker on clock.
func NewTicker(clock Clock, schedule cron.Schedule, fn func()) *Ticker {
	t := &Ticker{clock: clock, schedule: schedule, fn: fn}
	t.mu.Lock()
	t.armLocked()
	t.mu.Unlock()
	return t
}

func (t *Ticker) armLocked() {
	now := t.clock.Now()
	delay := t.schedule.Next(now).Sub(now)
	if delay < 0 {
		delay = 0
	}
	t.handle = t.clock.AfterFunc(delay, t.fire)
}

func (t *Ticker) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.armLocked()
	t.mu.Unlock()

	t.fn()
}

// Stop cancels future activations. Stopping twice is a no-op.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.handle != nil {
		t.handle.Stop()
		t.handle = nil
	}
}

// Stopped reports whether Stop has been called.
func (t *Ticker) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
