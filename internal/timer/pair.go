package timer

import "github.com/robfig/cron/v3"

// PairConfig configures a poll ticker and countdown started together.
type PairConfig struct {
	Schedule cron.Schedule
	Seconds  int
	OnPoll   func()
	OnTick   func(remaining int)
	OnExpire func()
}

// Pair is a poll ticker and a countdown owned by one verification.
type Pair struct {
	Poll      *Ticker
	Countdown *Countdown
}

// StartPair starts both timers on clock.
func StartPair(clock Clock, cfg PairConfig) *Pair {
	sched := cfg.Schedule
	if sched == nil {
		sched = DefaultPollSchedule()
	}
	return &Pair{
		Poll:      NewTicker(clock, sched, cfg.OnPoll),
		Countdown: NewCountdown(clock, cfg.Seconds, cfg.OnTick, cfg.OnExpire),
	}
}

// Stop cancels both timers. Safe on a nil or already stopped pair.
func (p *Pair) Stop() {
	if p == nil {
		return
	}
	p.Poll.Stop()
	p.Countdown.Stop()
}

// Remaining returns the countdown's remaining seconds, or 0 for a nil pair.
func (p *Pair) Remaining() int {
	if p == nil {
		return 0
	}
	return p.Countdown.Remaining()
}
