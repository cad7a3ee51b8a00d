package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wondertwin-ai/tempnum/internal/remote"
	"github.com/wondertwin-ai/tempnum/internal/timer"
)

var epoch = time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type pollFunc func(ctx context.Context, id string) (remote.MessagesResponse, error)

type fakeAPI struct {
	mu sync.Mutex

	nextID     int
	phone      string
	createErr  error
	cancelErr  error
	cancelErrs []error // consumed one per call before cancelErr applies
	statusResp remote.Verification
	statusErr  error
	voiceResp  remote.VoiceRecord
	poll       pollFunc

	creates  []remote.CreateRequest
	cancels  []string
	polls    []string
	statuses []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{phone: "+15550000001"}
}

func (f *fakeAPI) Create(_ context.Context, req remote.CreateRequest) (remote.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if f.createErr != nil {
		return remote.Verification{}, f.createErr
	}
	f.nextID++
	return remote.Verification{
		ID:          fmt.Sprintf("v%d", f.nextID),
		ServiceName: req.ServiceName,
		Capability:  req.Capability,
		PhoneNumber: f.phone,
		Status:      remote.StatusPending,
		Cost:        decimal.RequireFromString("0.75"),
	}, nil
}

func (f *fakeAPI) PollMessages(ctx context.Context, id string) (remote.MessagesResponse, error) {
	f.mu.Lock()
	f.polls = append(f.polls, id)
	poll := f.poll
	f.mu.Unlock()
	if poll == nil {
		return remote.MessagesResponse{Status: remote.StatusPending}, nil
	}
	return poll(ctx, id)
}

func (f *fakeAPI) PollVoice(_ context.Context, id string) (remote.VoiceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = append(f.polls, id)
	return f.voiceResp, nil
}

func (f *fakeAPI) Cancel(_ context.Context, id string) (remote.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	if len(f.cancelErrs) > 0 {
		err := f.cancelErrs[0]
		f.cancelErrs = f.cancelErrs[1:]
		return remote.Refund{}, err
	}
	if f.cancelErr != nil {
		return remote.Refund{}, f.cancelErr
	}
	return remote.Refund{
		RefundedAmount: decimal.RequireFromString("0.75"),
		NewBalance:     decimal.RequireFromString("10.00"),
	}, nil
}

func (f *fakeAPI) Status(_ context.Context, id string) (remote.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, id)
	if f.statusErr != nil {
		return remote.Verification{}, f.statusErr
	}
	v := f.statusResp
	v.ID = id
	return v, nil
}

func (f *fakeAPI) setPoll(p pollFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poll = p
}

func (f *fakeAPI) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.polls)
}

func (f *fakeAPI) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

type harness struct {
	t      *testing.T
	api    *fakeAPI
	clock  *timer.ManualClock
	ctrl   *Controller
	logs   *test.Hook
	logout int

	mu      sync.Mutex
	events  []Event
	notices []Notification
	confirm bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		api:     newFakeAPI(),
		clock:   timer.NewManualClock(epoch),
		confirm: true,
	}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	h.logs = hook

	ctrl, err := New(Config{
		API:       h.api,
		Clock:     h.clock,
		Durations: timer.DefaultDurations(),
		Notifier: NotifierFunc(func(n Notification) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.notices = append(h.notices, n)
		}),
		Confirmer: ConfirmerFunc(func(context.Context, remote.Verification) bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.confirm
		}),
		Auth:   AuthFunc(func() { h.logout++ }),
		Logger: logger,
	})
	require.NoError(t, err)
	h.ctrl = ctrl
	ctrl.Subscribe(func(ev Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev)
	})
	t.Cleanup(ctrl.Close)
	return h
}

func (h *harness) transitions() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []State
	for _, ev := range h.events {
		if ev.Type == EventTransition {
			out = append(out, ev.State)
		}
	}
	return out
}

func (h *harness) lastOf(typ EventType) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Type == typ {
			return h.events[i], true
		}
	}
	return Event{}, false
}

func (h *harness) count(typ EventType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (h *harness) notifications() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Notification(nil), h.notices...)
}

func (h *harness) create(service string) {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.CreateVerification(context.Background(), service, remote.CapabilitySMS))
}

func messagesAfter(empty int, text string) pollFunc {
	var mu sync.Mutex
	calls := 0
	return func(context.Context, string) (remote.MessagesResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= empty {
			return remote.MessagesResponse{Status: remote.StatusPending}, nil
		}
		return remote.MessagesResponse{
			Status:   remote.StatusCompleted,
			Messages: []remote.Message{{Text: text}},
		}, nil
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestCreateOpensSessionWithServiceCountdown(t *testing.T) {
	h := newHarness(t)
	h.create("whatsapp")

	assert.Equal(t, StatePending, h.ctrl.State())
	assert.Equal(t, 90, h.ctrl.Remaining())

	ev, ok := h.lastOf(EventTransition)
	require.True(t, ok)
	assert.Equal(t, StatePending, ev.State)
	assert.Equal(t, 90, ev.Remaining)
	assert.True(t, ev.Verification.Cost.Equal(decimal.RequireFromString("0.75")))
}

func TestUnknownServiceDefaultsToSixtySeconds(t *testing.T) {
	h := newHarness(t)
	h.create("some-dating-app")
	assert.Equal(t, 60, h.ctrl.Remaining())
}

func TestCompletesOnceAfterEmptyPolls(t *testing.T) {
	h := newHarness(t)
	h.api.setPoll(messagesAfter(3, "Your code is 482913"))
	h.create("whatsapp")

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, StatePending, h.ctrl.State())
	assert.Equal(t, 3, h.count(EventWaiting))

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, StateCompleted, h.ctrl.State())
	assert.Equal(t, []State{StatePending, StateCompleted}, h.transitions())

	ev, _ := h.lastOf(EventTransition)
	require.Len(t, ev.Messages, 1)
	assert.Equal(t, "482913", ev.Messages[0].Code())

	h.clock.Advance(5 * time.Minute)
	assert.Equal(t, 4, h.api.pollCount(), "no polls after completion")
	assert.Zero(t, h.api.cancelCount())
	assert.Zero(t, h.clock.Pending())

	notes := h.notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, LevelSuccess, notes[0].Level)
	assert.Contains(t, notes[0].Message, "482913")

	msgs, voice := h.ctrl.Result()
	assert.Len(t, msgs, 1)
	assert.Nil(t, voice)
}

func TestCountdownExpiryCancelsAndRefundsOnce(t *testing.T) {
	h := newHarness(t)
	h.create("whatsapp")

	h.clock.Advance(89 * time.Second)
	assert.Equal(t, StatePending, h.ctrl.State())
	ev, _ := h.lastOf(EventCountdown)
	assert.Equal(t, 1, ev.Remaining)

	h.clock.Advance(time.Second)
	assert.Equal(t, StateCancelled, h.ctrl.State())
	assert.Equal(t, 1, h.api.cancelCount())

	notes := h.notifications()
	require.Len(t, notes, 1)
	require.NotNil(t, notes[0].Refund)
	assert.True(t, notes[0].Refund.RefundedAmount.Equal(decimal.RequireFromString("0.75")))
	assert.Contains(t, notes[0].Message, "$0.75")

	ev, _ = h.lastOf(EventTransition)
	assert.Equal(t, StateCancelled, ev.State)
	require.NotNil(t, ev.RefundedAmount)
	assert.Equal(t, "10", ev.NewBalance.String())

	h.clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, h.api.cancelCount())
	assert.Len(t, h.notifications(), 1)
}

func TestCodeOnFinalTickBeatsExpiry(t *testing.T) {
	h := newHarness(t)
	// Polls at 10s..80s are empty; the one at 90s lands with the countdown's
	// last second and runs first because its timer was armed earlier.
	h.api.setPoll(messagesAfter(8, "Your code is 731904"))
	h.create("whatsapp")

	h.clock.Advance(90 * time.Second)

	assert.Equal(t, StateCompleted, h.ctrl.State())
	assert.Zero(t, h.api.cancelCount())
	notes := h.notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, LevelSuccess, notes[0].Level)
	assert.Equal(t, []State{StatePending, StateCompleted}, h.transitions())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestExpiryBeatsInFlightPoll(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.api.setPoll(func(context.Context, string) (remote.MessagesResponse, error) {
		if h.api.pollCount() < 8 {
			return remote.MessagesResponse{Status: remote.StatusPending}, nil
		}
		once.Do(func() { close(started) })
		<-release
		return remote.MessagesResponse{
			Status:   remote.StatusCompleted,
			Messages: []remote.Message{{Text: "Your code is 731904"}},
		}, nil
	})
	h.create("whatsapp")
	h.clock.Advance(79 * time.Second)

	// The poll at 80s blocks; the countdown runs out while it is in flight.
	advanced := make(chan struct{})
	go func() {
		h.clock.Advance(time.Second)
		close(advanced)
	}()
	<-started
	h.clock.Advance(10 * time.Second)
	assert.Equal(t, StateCancelled, h.ctrl.State())

	close(release)
	<-advanced

	assert.Equal(t, StateCancelled, h.ctrl.State())
	assert.Equal(t, 1, h.api.cancelCount())
	notes := h.notifications()
	require.Len(t, notes, 1)
	assert.NotNil(t, notes[0].Refund)
	assert.Equal(t, []State{StatePending, StateCancelled}, h.transitions())
	msgs, voice := h.ctrl.Result()
	assert.Empty(t, msgs)
	assert.Nil(t, voice)

	var discarded bool
	for _, e := range h.logs.AllEntries() {
		if e.Message == "discarding stale poll result" {
			discarded = true
		}
	}
	assert.True(t, discarded)
}

func TestStaleCompletionIsDiscarded(t *testing.T) {
	h := newHarness(t)

	started := make(chan struct{})
	release := make(chan struct{})
	h.api.setPoll(func(_ context.Context, id string) (remote.MessagesResponse, error) {
		if id == "v1" {
			close(started)
			<-release
			return remote.MessagesResponse{
				Status:   remote.StatusCompleted,
				Messages: []remote.Message{{Text: "code 1111"}},
			}, nil
		}
		return remote.MessagesResponse{Status: remote.StatusPending}, nil
	})
	h.create("whatsapp")

	advanced := make(chan struct{})
	go func() {
		h.clock.Advance(10 * time.Second)
		close(advanced)
	}()
	<-started

	require.NoError(t, h.ctrl.CancelVerification(context.Background()))
	assert.Equal(t, StateCancelled, h.ctrl.State())
	h.create("telegram")
	assert.Equal(t, StatePending, h.ctrl.State())

	close(release)
	<-advanced

	assert.Equal(t, StatePending, h.ctrl.State())
	v, ok := h.ctrl.Verification()
	require.True(t, ok)
	assert.Equal(t, "v2", v.ID)
	assert.Equal(t, remote.StatusPending, v.Status)
	assert.Equal(t, []State{StatePending, StateCancelled, StatePending}, h.transitions())
	for _, n := range h.notifications() {
		assert.NotEqual(t, LevelSuccess, n.Level)
	}
}

func TestRetryAfterCancelResetsCountdown(t *testing.T) {
	h := newHarness(t)
	h.create("whatsapp")
	h.clock.Advance(90 * time.Second)
	require.Equal(t, StateCancelled, h.ctrl.State())

	require.NoError(t, h.ctrl.Retry(context.Background()))
	assert.Equal(t, StatePending, h.ctrl.State())
	assert.Equal(t, 90, h.ctrl.Remaining())

	v, _ := h.ctrl.Verification()
	assert.Equal(t, "v2", v.ID)
	assert.Equal(t, "whatsapp", v.ServiceName)
	require.Len(t, h.api.creates, 2)
	assert.Equal(t, h.api.creates[0], h.api.creates[1])
}

// ---------------------------------------------------------------------------
// Cancel, retry and preconditions
// ---------------------------------------------------------------------------

func TestCancelTwiceIsNoop(t *testing.T) {
	h := newHarness(t)
	h.create("tinder")

	require.NoError(t, h.ctrl.CancelVerification(context.Background()))
	require.NoError(t, h.ctrl.CancelVerification(context.Background()))

	assert.Equal(t, 1, h.api.cancelCount())
	assert.Len(t, h.notifications(), 1)
	assert.Equal(t, StateCancelled, h.ctrl.State())
}

func TestCancelWithNothingOpen(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.CancelVerification(context.Background()))
	assert.Zero(t, h.api.cancelCount())
	assert.Equal(t, StateIdle, h.ctrl.State())
}

func TestCancelDeclinedKeepsPending(t *testing.T) {
	h := newHarness(t)
	h.create("tinder")
	h.confirm = false

	require.NoError(t, h.ctrl.CancelVerification(context.Background()))
	assert.Equal(t, StatePending, h.ctrl.State())
	assert.Zero(t, h.api.cancelCount())
}

func TestRetryWhilePendingCancelsFirst(t *testing.T) {
	h := newHarness(t)
	h.create("whatsapp")
	h.clock.Advance(30 * time.Second)

	require.NoError(t, h.ctrl.Retry(context.Background()))
	assert.Equal(t, []string{"v1"}, h.api.cancels)
	assert.Equal(t, StatePending, h.ctrl.State())
	assert.Equal(t, 90, h.ctrl.Remaining())
	assert.Equal(t, []State{StatePending, StateCancelled, StatePending}, h.transitions())
}

func TestRetryWithoutHistory(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.ctrl.Retry(context.Background()), ErrNothingToRetry)
}

func TestCreateWhilePending(t *testing.T) {
	h := newHarness(t)
	h.create("whatsapp")
	err := h.ctrl.CreateVerification(context.Background(), "telegram", remote.CapabilitySMS)
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.Len(t, h.api.creates, 1)
}

func TestCreateFailureNotifiesAndStaysIdle(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
		logout  bool
	}{
		{
			name:    "insufficient funds shows service text",
			err:     &remote.Error{Kind: remote.KindInsufficientFunds, StatusCode: 402, Detail: "Insufficient balance: need $0.75, have $0.20"},
			wantMsg: "Insufficient balance: need $0.75, have $0.20",
		},
		{
			name:    "unavailable",
			err:     &remote.Error{Kind: remote.KindServiceUnavailable, StatusCode: 503},
			wantMsg: "No numbers available for whatsapp",
		},
		{
			name:    "invalid service",
			err:     &remote.Error{Kind: remote.KindInvalidService, StatusCode: 422},
			wantMsg: `"whatsapp" cannot be verified`,
		},
		{
			name:    "unauthenticated",
			err:     &remote.Error{Kind: remote.KindUnauthenticated, StatusCode: 401},
			wantMsg: "session has expired",
			logout:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.api.createErr = tt.err
			h.create("whatsapp")

			assert.Equal(t, StateIdle, h.ctrl.State())
			notes := h.notifications()
			require.Len(t, notes, 1)
			assert.Contains(t, notes[0].Message, tt.wantMsg)
			assert.Equal(t, remote.KindOf(tt.err), notes[0].Kind)

			ev, _ := h.lastOf(EventTransition)
			assert.Equal(t, StateIdle, ev.State)
			assert.Equal(t, remote.KindOf(tt.err), ev.ErrorKind)

			h.clock.Advance(DefaultLogoutDelay)
			if tt.logout {
				assert.Equal(t, 1, h.logout)
			} else {
				assert.Zero(t, h.logout)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Poll outcomes
// ---------------------------------------------------------------------------

func TestNetworkPollFailureIsRetriedByNextTick(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.api.setPoll(func(context.Context, string) (remote.MessagesResponse, error) {
		calls++
		if calls == 1 {
			return remote.MessagesResponse{}, &remote.Error{Kind: remote.KindNetwork, Detail: "connection reset"}
		}
		return remote.MessagesResponse{Messages: []remote.Message{{Text: "123456"}}}, nil
	})
	h.create("whatsapp")

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, StatePending, h.ctrl.State())
	assert.Empty(t, h.notifications())

	var warned bool
	for _, e := range h.logs.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "poll failed" {
			warned = true
		}
	}
	assert.True(t, warned)

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, StateCompleted, h.ctrl.State())
}

func TestUnauthenticatedPollEndsSessionAndLogsOut(t *testing.T) {
	h := newHarness(t)
	h.api.setPoll(func(context.Context, string) (remote.MessagesResponse, error) {
		return remote.MessagesResponse{}, &remote.Error{Kind: remote.KindUnauthenticated, StatusCode: 401}
	})
	h.create("whatsapp")

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Zero(t, h.logout)
	assert.Len(t, h.notifications(), 1)

	h.clock.Advance(DefaultLogoutDelay)
	assert.Equal(t, 1, h.logout)

	h.clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, h.api.pollCount())
	assert.Zero(t, h.api.cancelCount())
}

func TestNotFoundPollEndsSession(t *testing.T) {
	h := newHarness(t)
	h.api.setPoll(func(context.Context, string) (remote.MessagesResponse, error) {
		return remote.MessagesResponse{}, &remote.Error{Kind: remote.KindNotFound, StatusCode: 404}
	})
	h.create("whatsapp")

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, StateIdle, h.ctrl.State())
	h.clock.Advance(DefaultLogoutDelay)
	assert.Zero(t, h.logout)
}

func TestServiceUnavailablePollEndsSession(t *testing.T) {
	h := newHarness(t)
	h.api.setPoll(func(context.Context, string) (remote.MessagesResponse, error) {
		return remote.MessagesResponse{}, &remote.Error{Kind: remote.KindServiceUnavailable, StatusCode: 503}
	})
	h.create("whatsapp")

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, StateIdle, h.ctrl.State())
	notes := h.notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, remote.KindServiceUnavailable, notes[0].Kind)
	ev, _ := h.lastOf(EventTransition)
	assert.Equal(t, remote.KindServiceUnavailable, ev.ErrorKind)

	h.clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, h.api.pollCount())
	assert.Zero(t, h.api.cancelCount())
	assert.Zero(t, h.logout)
}

func TestServerSideExpiryEndsWithoutCancelCall(t *testing.T) {
	h := newHarness(t)
	h.api.setPoll(func(context.Context, string) (remote.MessagesResponse, error) {
		return remote.MessagesResponse{Status: remote.StatusCancelled}, nil
	})
	h.create("whatsapp")

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, StateCancelled, h.ctrl.State())
	assert.Zero(t, h.api.cancelCount())
	notes := h.notifications()
	require.Len(t, notes, 1)
	assert.Nil(t, notes[0].Refund)
}

func TestCancelFailureGoesIdle(t *testing.T) {
	h := newHarness(t)
	h.api.cancelErr = &remote.Error{Kind: remote.KindNotFound, StatusCode: 404}
	h.create("tinder")

	require.NoError(t, h.ctrl.CancelVerification(context.Background()))
	assert.Equal(t, StateIdle, h.ctrl.State())
	notes := h.notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "This verification was already resolved.", notes[0].Message)
}

func TestCancelNetworkFailureIsRetriedOnce(t *testing.T) {
	h := newHarness(t)
	h.api.cancelErrs = []error{&remote.Error{Kind: remote.KindNetwork, Detail: "connection reset"}}
	h.create("whatsapp")

	require.NoError(t, h.ctrl.CancelVerification(context.Background()))
	assert.Equal(t, StateCancelled, h.ctrl.State())
	assert.Equal(t, 2, h.api.cancelCount())
	notes := h.notifications()
	require.Len(t, notes, 1)
	assert.NotNil(t, notes[0].Refund)
}

func TestCancelNetworkFailureTwiceGoesIdle(t *testing.T) {
	h := newHarness(t)
	netErr := &remote.Error{Kind: remote.KindNetwork, Detail: "connection reset"}
	h.api.cancelErrs = []error{netErr, netErr}
	h.create("whatsapp")

	h.clock.Advance(90 * time.Second)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 2, h.api.cancelCount())
	notes := h.notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "Could not reach the verification service.", notes[0].Message)
}

func TestVoiceVerificationCompletesOnCall(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.CreateVerification(context.Background(), "google", remote.CapabilityVoice))
	assert.Equal(t, 120, h.ctrl.Remaining())

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, StatePending, h.ctrl.State())

	secs := 12
	h.api.mu.Lock()
	h.api.voiceResp = remote.VoiceRecord{CallDurationSeconds: &secs, Transcription: "your code is 9 0 1 2, again 9012"}
	h.api.mu.Unlock()

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, StateCompleted, h.ctrl.State())
	ev, _ := h.lastOf(EventTransition)
	require.NotNil(t, ev.Voice)
	assert.Equal(t, "9012", ev.Voice.Code())
}

func TestLateNumberIsFilledByStatusRefresh(t *testing.T) {
	h := newHarness(t)
	h.api.phone = ""
	h.api.statusResp = remote.Verification{PhoneNumber: "+15550009999", Status: remote.StatusPending}
	h.create("whatsapp")

	v, _ := h.ctrl.Verification()
	assert.Equal(t, "loading", v.DisplayNumber())

	h.clock.Advance(10 * time.Second)
	v, _ = h.ctrl.Verification()
	assert.Equal(t, "+15550009999", v.PhoneNumber)
	assert.Equal(t, []string{"v1"}, h.api.statuses)
	assert.Equal(t, 1, h.count(EventUpdated))

	h.clock.Advance(10 * time.Second)
	assert.Len(t, h.api.statuses, 1, "no refresh once the number is known")
}

func TestRefreshStatusWithNothingOpen(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.RefreshStatus(context.Background()))
	assert.Empty(t, h.api.statuses)
}

func TestCountdownEventsEverySecond(t *testing.T) {
	h := newHarness(t)
	h.create("tinder")
	h.clock.Advance(5 * time.Second)

	assert.Equal(t, 5, h.count(EventCountdown))
	ev, _ := h.lastOf(EventCountdown)
	assert.Equal(t, 55, ev.Remaining)
}

func TestCountdownEventNeverFollowsTerminalTransition(t *testing.T) {
	h := newHarness(t)
	inTick := make(chan struct{})
	release := make(chan struct{})
	var (
		mu    sync.Mutex
		order []EventType
		once  sync.Once
	)
	h.ctrl.Subscribe(func(ev Event) {
		mu.Lock()
		order = append(order, ev.Type)
		mu.Unlock()
		if ev.Type == EventCountdown {
			once.Do(func() {
				close(inTick)
				<-release
			})
		}
	})
	h.create("whatsapp")

	ticked := make(chan struct{})
	go func() {
		h.clock.Advance(time.Second)
		close(ticked)
	}()
	<-inTick

	cancelled := make(chan struct{})
	go func() {
		h.ctrl.CancelVerification(context.Background())
		close(cancelled)
	}()
	require.Eventually(t, func() bool { return h.api.cancelCount() == 1 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return order[len(order)-1] == EventTransition
	}, 50*time.Millisecond, 5*time.Millisecond, "transition delivered while a countdown event is in flight")

	close(release)
	<-ticked
	<-cancelled

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventTransition, EventCountdown, EventTransition}, order)

	// A tick that slipped past the timer gate after teardown is dropped.
	h.ctrl.onTick("v1", 42)
	assert.Equal(t, 3, h.count(EventCountdown)+h.count(EventTransition))
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t)
	var got int
	unsub := h.ctrl.Subscribe(func(Event) { got++ })
	h.create("tinder")
	unsub()
	h.clock.Advance(3 * time.Second)
	assert.Equal(t, 1, got)
}

func TestNewRequiresAPI(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
