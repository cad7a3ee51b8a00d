// Package lifecycle drives a verification from creation to a terminal state:
// it opens the session, polls for the code, counts down, cancels on timeout or
// request, and reports every outcome as events and notifications.
package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/wondertwin-ai/tempnum/internal/remote"
	"github.com/wondertwin-ai/tempnum/internal/session"
	"github.com/wondertwin-ai/tempnum/internal/timer"
)

// DefaultLogoutDelay is how long a forced logout waits after the service
// rejected the credential, so the user can read the notification.
const DefaultLogoutDelay = 2 * time.Second

// DefaultCallTimeout bounds remote calls started by timers.
const DefaultCallTimeout = 30 * time.Second

var (
	// ErrBusy is returned while a create or cancel call is in flight.
	ErrBusy = errors.New("lifecycle: a request is already in flight")
	// ErrSessionActive is returned by CreateVerification while Pending.
	ErrSessionActive = errors.New("lifecycle: a verification is already pending")
	// ErrNothingToRetry is returned by Retry before any create was attempted.
	ErrNothingToRetry = errors.New("lifecycle: nothing to retry")
)

// Config configures a Controller. Only API is required.
type Config struct {
	API          remote.API
	Clock        timer.Clock
	PollSchedule cron.Schedule
	Durations    timer.Durations
	LogoutDelay  time.Duration
	CallTimeout  time.Duration

	Notifier  Notifier
	Confirmer Confirmer
	Auth      Auth
	Logger    logrus.FieldLogger
}

type request struct {
	service    string
	capability remote.Capability
}

type subscriber struct {
	id int
	fn func(Event)
}

// Controller is the verification state machine. All methods are safe for
// concurrent use. The controller mutex is never held across a remote call.
type Controller struct {
	api         remote.API
	clock       timer.Clock
	session     *session.Session
	notifier    Notifier
	confirmer   Confirmer
	auth        Auth
	logoutDelay time.Duration
	callTimeout time.Duration
	log         logrus.FieldLogger

	mu       sync.Mutex
	state    State
	busy     bool
	last     *request
	current  remote.Verification
	messages []remote.Message
	voice    *remote.VoiceRecord
	logout   timer.Handle

	subMu   sync.Mutex
	subs    []subscriber
	nextSub int

	// emitMu orders delivery: an event scoped to a verification is either
	// delivered before that verification's terminal transition or dropped.
	emitMu sync.Mutex
}

// New creates an Idle controller.
func New(cfg Config) (*Controller, error) {
	if cfg.API == nil {
		return nil, errors.New("lifecycle: API is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timer.RealClock{}
	}
	if cfg.Durations.Default == 0 && cfg.Durations.Services == nil {
		cfg.Durations = timer.DefaultDurations()
	}
	if cfg.LogoutDelay <= 0 {
		cfg.LogoutDelay = DefaultLogoutDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Confirmer == nil {
		cfg.Confirmer = alwaysConfirm{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	c := &Controller{
		api:         cfg.API,
		clock:       cfg.Clock,
		notifier:    cfg.Notifier,
		confirmer:   cfg.Confirmer,
		auth:        cfg.Auth,
		logoutDelay: cfg.LogoutDelay,
		callTimeout: cfg.CallTimeout,
		log:         cfg.Logger,
		state:       StateIdle,
	}
	c.session = session.New(session.Config{
		Clock:        cfg.Clock,
		PollSchedule: cfg.PollSchedule,
		Durations:    cfg.Durations,
		Hooks: session.Hooks{
			Poll:   c.onPoll,
			Tick:   c.onTick,
			Expire: c.onExpire,
		},
	})
	return c, nil
}

// Subscribe registers fn for every event. The returned func unsubscribes.
// Events are delivered one at a time on the goroutine that produced them;
// fn must not call CreateVerification, CancelVerification or Retry.
func (c *Controller) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *Controller) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.deliver(ev)
}

// emitFor delivers ev only while id is still the open verification.
func (c *Controller) emitFor(id string, ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if !c.session.Owns(id) {
		return
	}
	c.deliver(ev)
}

func (c *Controller) deliver(ev Event) {
	c.subMu.Lock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.subMu.Unlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	for _, s := range subs {
		s.fn(ev)
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Verification returns the open verification, or the last one that reached
// a terminal state.
func (c *Controller) Verification() (remote.Verification, bool) {
	if v, ok := c.session.Current(); ok {
		return v, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.current.ID != ""
}

// Result returns what the last completed verification received.
func (c *Controller) Result() ([]remote.Message, *remote.VoiceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages, c.voice
}

// Remaining returns the countdown's seconds left, or 0 when not Pending.
func (c *Controller) Remaining() int {
	return c.session.Remaining()
}

// CreateVerification rents a number for service. Remote failures are reported
// through notifications and events; the returned error is only ever ErrBusy or
// ErrSessionActive.
func (c *Controller) CreateVerification(ctx context.Context, service string, capability remote.Capability) error {
	c.mu.Lock()
	if err := c.checkCreateLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.busy = true
	c.last = &request{service: service, capability: capability}
	c.mu.Unlock()

	c.create(ctx, request{service: service, capability: capability})
	return nil
}

func (c *Controller) checkCreateLocked() error {
	if c.busy {
		return ErrBusy
	}
	if c.state == StatePending {
		return ErrSessionActive
	}
	return nil
}

// create runs with c.busy set and clears it.
func (c *Controller) create(ctx context.Context, req request) {
	log := c.log.WithFields(logrus.Fields{"service": req.service, "capability": req.capability})

	callCtx, cancel := c.callContext(ctx)
	v, err := c.api.Create(callCtx, remote.CreateRequest{ServiceName: req.service, Capability: req.capability})
	cancel()

	c.mu.Lock()
	c.busy = false
	if err != nil {
		c.state = StateIdle
		c.mu.Unlock()

		log.WithError(err).Error("create verification failed")
		c.report(err, req.service)
		c.emit(Event{
			Type:      EventTransition,
			State:     StateIdle,
			ErrorKind: remote.KindOf(err),
			Detail:    remote.DetailOf(err),
		})
		return
	}

	if v.Capability == "" {
		v.Capability = req.capability
	}
	if v.ServiceName == "" {
		v.ServiceName = req.service
	}
	seconds, err := c.session.Open(v)
	if err != nil {
		// Only reachable if the session was left open by a bug elsewhere.
		c.mu.Unlock()
		log.WithError(err).Error("opening session")
		return
	}
	c.state = StatePending
	c.current = v
	c.messages = nil
	c.voice = nil
	c.mu.Unlock()

	log.WithFields(logrus.Fields{
		"verification_id": v.ID,
		"phone_number":    v.DisplayNumber(),
		"seconds":         seconds,
	}).Info("verification pending")
	c.emit(Event{Type: EventTransition, State: StatePending, Verification: v, Remaining: seconds})
}

// CancelVerification asks the Confirmer, then releases the open number and
// reports the refund. It is a no-op when nothing is open, including when a
// previous cancel already closed the verification.
func (c *Controller) CancelVerification(ctx context.Context) error {
	v, ok := c.session.Current()
	if !ok {
		return nil
	}
	if !c.confirmer.Confirm(ctx, v) {
		c.log.WithField("verification_id", v.ID).Debug("cancel declined")
		return nil
	}
	c.teardown(ctx, v.ID, reasonManual)
	return nil
}

// Retry creates a new verification with the last service and capability.
// A pending verification is cancelled first.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.last == nil {
		c.mu.Unlock()
		return ErrNothingToRetry
	}
	req := *c.last
	c.mu.Unlock()

	if v, ok := c.session.Current(); ok {
		c.teardown(ctx, v.ID, reasonRetry)
	}

	c.mu.Lock()
	if err := c.checkCreateLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.busy = true
	c.mu.Unlock()

	c.create(ctx, req)
	return nil
}

// RefreshStatus re-reads the open verification from the service, filling in
// a late phone number and ending the session if the service expired it.
func (c *Controller) RefreshStatus(ctx context.Context) error {
	v, ok := c.session.Current()
	if !ok {
		return nil
	}
	c.refresh(ctx, v.ID)
	return nil
}

// Close stops all timers without contacting the service.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Close()
	if c.logout != nil {
		c.logout.Stop()
		c.logout = nil
	}
}

// teardown is the one cancel path shared by timeout, manual cancel and retry.
// Closing the session is the gate: only the caller that closes it talks to
// the service, so the refund is claimed and announced once.
func (c *Controller) teardown(ctx context.Context, id string, reason cancelReason) bool {
	c.mu.Lock()
	if !c.session.Owns(id) {
		c.mu.Unlock()
		return false
	}
	v, _ := c.session.Close()
	c.busy = true
	c.mu.Unlock()

	log := c.log.WithFields(logrus.Fields{"verification_id": id, "reason": reason.String()})

	refund, err := c.cancelRemote(ctx, id)
	if remote.KindOf(err) == remote.KindNetwork {
		log.WithError(err).Warn("cancel failed, retrying once")
		refund, err = c.cancelRemote(ctx, id)
	}

	c.mu.Lock()
	c.busy = false
	if err != nil {
		c.state = StateIdle
		c.current = v
		c.mu.Unlock()

		log.WithError(err).Error("cancel verification failed")
		c.report(err, v.ServiceName)
		c.emit(Event{
			Type:         EventTransition,
			State:        StateIdle,
			Verification: v,
			ErrorKind:    remote.KindOf(err),
			Detail:       remote.DetailOf(err),
		})
		return false
	}
	v.Status = remote.StatusCancelled
	c.state = StateCancelled
	c.current = v
	c.mu.Unlock()

	log.WithField("refunded", refund.RefundedAmount.String()).Info("verification cancelled")
	c.notifier.Notify(refundNotification(reason, v, refund))
	amount, balance := refund.RefundedAmount, refund.NewBalance
	c.emit(Event{
		Type:           EventTransition,
		State:          StateCancelled,
		Verification:   v,
		RefundedAmount: &amount,
		NewBalance:     &balance,
	})
	return true
}

func (c *Controller) cancelRemote(ctx context.Context, id string) (remote.Refund, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	return c.api.Cancel(callCtx, id)
}

func (c *Controller) onTick(id string, remaining int) {
	v, ok := c.session.Current()
	if !ok || v.ID != id {
		return
	}
	c.emitFor(id, Event{Type: EventCountdown, State: StatePending, Verification: v, Remaining: remaining})
}

func (c *Controller) onExpire(id string) {
	c.log.WithField("verification_id", id).Info("countdown expired")
	c.teardown(context.Background(), id, reasonTimeout)
}

func (c *Controller) onPoll(id string) {
	log := c.log.WithField("verification_id", id)
	if !c.session.BeginPoll(id) {
		log.Debug("poll skipped, previous poll still in flight")
		return
	}
	defer c.session.EndPoll(id)

	v, ok := c.session.Current()
	if !ok || v.ID != id {
		return
	}
	if v.PhoneNumber == "" {
		c.refresh(context.Background(), id)
		if !c.session.Owns(id) {
			return
		}
	}

	ctx, cancel := c.callContext(context.Background())
	defer cancel()

	if v.Capability == remote.CapabilityVoice {
		rec, err := c.api.PollVoice(ctx, id)
		if err != nil {
			c.pollFailed(id, err)
			return
		}
		if rec.Received() {
			c.complete(id, nil, &rec)
			return
		}
		c.waiting(id)
		return
	}

	resp, err := c.api.PollMessages(ctx, id)
	if err != nil {
		c.pollFailed(id, err)
		return
	}
	switch {
	case len(resp.Messages) > 0:
		c.complete(id, resp.Messages, nil)
	case resp.Status == remote.StatusCancelled:
		c.expiredRemotely(id)
	default:
		c.waiting(id)
	}
}

func (c *Controller) refresh(ctx context.Context, id string) {
	callCtx, cancel := c.callContext(ctx)
	v, err := c.api.Status(callCtx, id)
	cancel()
	if err != nil {
		c.pollFailed(id, err)
		return
	}
	if v.Status == remote.StatusCancelled {
		c.expiredRemotely(id)
		return
	}
	if !c.session.SetPhoneNumber(id, v.PhoneNumber) {
		return
	}
	if cur, ok := c.session.Current(); ok && cur.ID == id {
		c.emitFor(id, Event{Type: EventUpdated, State: StatePending, Verification: cur, Remaining: c.session.Remaining()})
	}
}

func (c *Controller) waiting(id string) {
	v, ok := c.session.Current()
	if !ok || v.ID != id {
		c.log.WithField("verification_id", id).Debug("discarding stale poll result")
		return
	}
	c.emitFor(id, Event{Type: EventWaiting, State: StatePending, Verification: v, Remaining: c.session.Remaining()})
}

func (c *Controller) complete(id string, msgs []remote.Message, voice *remote.VoiceRecord) {
	c.mu.Lock()
	if !c.session.Owns(id) {
		c.mu.Unlock()
		c.log.WithField("verification_id", id).Debug("discarding stale poll result")
		return
	}
	c.session.UpdateStatus(id, remote.StatusCompleted)
	v, _ := c.session.Close()
	c.state = StateCompleted
	c.current = v
	c.messages = msgs
	c.voice = voice
	c.mu.Unlock()

	c.log.WithField("verification_id", id).Info("verification completed")
	c.notifier.Notify(completedNotification(v, msgs, voice))
	c.emit(Event{Type: EventTransition, State: StateCompleted, Verification: v, Messages: msgs, Voice: voice})
}

// expiredRemotely ends a verification the service already cancelled. The
// service refunds on its own expiry, so no cancel call is made.
func (c *Controller) expiredRemotely(id string) {
	c.mu.Lock()
	if !c.session.Owns(id) {
		c.mu.Unlock()
		return
	}
	c.session.UpdateStatus(id, remote.StatusCancelled)
	v, _ := c.session.Close()
	c.state = StateCancelled
	c.current = v
	c.mu.Unlock()

	c.log.WithField("verification_id", id).Info("verification expired on the service")
	c.notifier.Notify(expiredNotification(v))
	c.emit(Event{Type: EventTransition, State: StateCancelled, Verification: v})
}

func (c *Controller) pollFailed(id string, err error) {
	log := c.log.WithField("verification_id", id).WithError(err)
	switch remote.KindOf(err) {
	case remote.KindUnauthenticated, remote.KindNotFound, remote.KindServiceUnavailable:
	default:
		// The next tick retries; the countdown bounds how long that goes on.
		log.Warn("poll failed")
		return
	}

	c.mu.Lock()
	if !c.session.Owns(id) {
		c.mu.Unlock()
		log.Debug("discarding stale poll failure")
		return
	}
	v, _ := c.session.Close()
	c.state = StateIdle
	c.current = v
	c.mu.Unlock()

	log.Error("verification ended by poll failure")
	c.report(err, v.ServiceName)
	c.emit(Event{
		Type:         EventTransition,
		State:        StateIdle,
		Verification: v,
		ErrorKind:    remote.KindOf(err),
		Detail:       remote.DetailOf(err),
	})
}

// report notifies the user of err and schedules a logout when the credential
// was rejected.
func (c *Controller) report(err error, service string) {
	c.notifier.Notify(failureNotification(err, service))
	if remote.KindOf(err) == remote.KindUnauthenticated {
		c.scheduleLogout()
	}
}

func (c *Controller) scheduleLogout() {
	if c.auth == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logout != nil {
		return
	}
	c.logout = c.clock.AfterFunc(c.logoutDelay, func() {
		c.mu.Lock()
		c.logout = nil
		c.mu.Unlock()
		c.log.Info("forcing logout")
		c.auth.Logout()
	})
}

func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.callTimeout)
}
