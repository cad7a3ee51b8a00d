// Package session holds the single open verification and the timers that
// belong to it. Callbacks and status updates are scoped to the verification
// id they were issued for, so nothing from a closed verification can leak
// into the next one.
package session

import (
	"errors"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/wondertwin-ai/tempnum/internal/remote"
	"github.com/wondertwin-ai/tempnum/internal/timer"
)

// ErrAlreadyOpen is returned by Open while another verification is open.
var ErrAlreadyOpen = errors.New("session: a verification is already open")

// Hooks receive timer activations for the open verification. Each hook gets
// the id of the verification whose timer fired.
type Hooks struct {
	Poll   func(id string)
	Tick   func(id string, remaining int)
	Expire func(id string)
}

// Config configures a Session.
type Config struct {
	Clock        timer.Clock
	PollSchedule cron.Schedule
	Durations    timer.Durations
	Hooks        Hooks
}

// Session owns at most one open verification.
type Session struct {
	clock     timer.Clock
	schedule  cron.Schedule
	durations timer.Durations
	hooks     Hooks

	mu      sync.Mutex
	current *remote.Verification
	pair    *timer.Pair
	gen     uint64
	polling bool
}

// New creates an empty Session.
func New(cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = timer.RealClock{}
	}
	if cfg.PollSchedule == nil {
		cfg.PollSchedule = timer.DefaultPollSchedule()
	}
	return &Session{
		clock:     cfg.Clock,
		schedule:  cfg.PollSchedule,
		durations: cfg.Durations,
		hooks:     cfg.Hooks,
	}
}

// Open records v as the open verification and starts its poll ticker and
// countdown. It returns the countdown length in seconds.
func (s *Session) Open(v remote.Verification) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return 0, ErrAlreadyOpen
	}

	s.gen++
	gen := s.gen
	id := v.ID
	seconds := s.durations.Lookup(v.ServiceName)

	cp := v
	s.current = &cp
	s.polling = false
	s.pair = timer.StartPair(s.clock, timer.PairConfig{
		Schedule: s.schedule,
		Seconds:  seconds,
		OnPoll: func() {
			if s.live(gen) && s.hooks.Poll != nil {
				s.hooks.Poll(id)
			}
		},
		OnTick: func(remaining int) {
			if s.live(gen) && s.hooks.Tick != nil {
				s.hooks.Tick(id, remaining)
			}
		},
		OnExpire: func() {
			if s.live(gen) && s.hooks.Expire != nil {
				s.hooks.Expire(id)
			}
		},
	})
	return seconds, nil
}

// live reports whether gen is still the open generation.
func (s *Session) live(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.gen == gen
}

// Close stops both timers and forgets the open verification. It returns the
// verification that was open and whether there was one. Calling Close on an
// empty Session is a no-op.
func (s *Session) Close() (remote.Verification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return remote.Verification{}, false
	}
	v := *s.current
	s.pair.Stop()
	s.pair = nil
	s.current = nil
	s.polling = false
	s.gen++
	return v, true
}

// Owns reports whether id is the open verification.
func (s *Session) Owns(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.ID == id
}

// Current returns a copy of the open verification.
func (s *Session) Current() (remote.Verification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return remote.Verification{}, false
	}
	return *s.current, true
}

// Remaining returns the countdown's seconds left, or 0 when nothing is open.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pair.Remaining()
}

// UpdateStatus sets the status of the open verification. Updates for any
// other id are discarded and reported as false.
func (s *Session) UpdateStatus(id string, status remote.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ID != id {
		return false
	}
	s.current.Status = status
	return true
}

// SetPhoneNumber fills in a number the service assigned after creation.
func (s *Session) SetPhoneNumber(id, number string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ID != id || number == "" {
		return false
	}
	s.current.PhoneNumber = number
	return true
}

// BeginPoll marks a poll for id as in flight. It returns false when id is not
// open or a poll is already running, in which case the caller skips the tick.
func (s *Session) BeginPoll(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ID != id || s.polling {
		return false
	}
	s.polling = true
	return true
}

// EndPoll clears the in-flight mark set by BeginPoll.
func (s *Session) EndPoll(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.ID == id {
		s.polling = false
	}
}
