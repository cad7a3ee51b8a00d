package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wondertwin-ai/tempnum/internal/config"
	"github.com/wondertwin-ai/tempnum/internal/remote"
	"github.com/wondertwin-ai/tempnum/internal/timer"
	"github.com/wondertwin-ai/tempnum/internal/twin/store"
	"github.com/wondertwin-ai/tempnum/internal/twin/twintest"
)

// syncBuffer is a bytes.Buffer safe for the timer goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type rentHarness struct {
	srv   *twintest.Server
	cfg   *config.Config
	clock *timer.ManualClock
	out   *syncBuffer
	sigs  chan os.Signal
	done  chan error
}

func newRentHarness(t *testing.T, token string) *rentHarness {
	t.Helper()
	srv := twintest.Start(t)

	cfg, err := config.LoadFrom(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	cfg.APIURL = srv.URL
	cfg.Token = token
	if token == "" {
		cfg.Token = srv.Token()
	}
	require.NoError(t, cfg.Save())

	return &rentHarness{
		srv:   srv,
		cfg:   cfg,
		clock: timer.NewManualClock(time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC)),
		out:   &syncBuffer{},
		sigs:  make(chan os.Signal, 1),
		done:  make(chan error, 1),
	}
}

func (h *rentHarness) start(t *testing.T, opts rentOptions, input string) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	env := rentEnv{
		cfg:    h.cfg,
		api:    remote.New(h.cfg.APIURL, configToken(h.cfg), remote.WithLogger(logger)),
		clock:  h.clock,
		logger: logger,
		out:    h.out,
		in:     strings.NewReader(input),
		sigs:   h.sigs,
	}
	go func() { h.done <- runRent(context.Background(), env, opts) }()
}

// waitPending blocks until n rentals exist and the poll and countdown timers
// are armed.
func (h *rentHarness) waitPending(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.pendingIDs()) == n && h.clock.Pending() >= 2
	}, 5*time.Second, 5*time.Millisecond)
}

func (h *rentHarness) pendingIDs() []string {
	var ids []string
	for _, r := range h.srv.Store.Rentals.List() {
		if r.Status == store.StatusPending {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

func (h *rentHarness) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runRent did not return")
		return nil
	}
}

func TestParseRentArgs(t *testing.T) {
	tests := []struct {
		args    []string
		want    rentOptions
		wantErr bool
	}{
		{args: []string{"whatsapp"}, want: rentOptions{service: "whatsapp", capability: remote.CapabilitySMS}},
		{args: []string{"--voice", "google"}, want: rentOptions{service: "google", capability: remote.CapabilityVoice}},
		{args: []string{"tinder", "--retry"}, want: rentOptions{service: "tinder", capability: remote.CapabilitySMS, retry: true}},
		{args: nil, wantErr: true},
		{args: []string{"a", "b"}, wantErr: true},
		{args: []string{"a", "--fast"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseRentArgs(tt.args)
		if tt.wantErr {
			assert.Error(t, err, "args %v", tt.args)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "1:30", formatRemaining(90))
	assert.Equal(t, "0:05", formatRemaining(5))
	assert.Equal(t, "0:00", formatRemaining(-3))
}

func TestListServices(t *testing.T) {
	srv := twintest.Start(t)
	client := remote.New(srv.URL, remote.StaticToken(srv.Token()))

	var out bytes.Buffer
	require.NoError(t, listServices(context.Background(), client, timer.DefaultDurations(), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 10)
	assert.Contains(t, lines[0], "SERVICE")
	assert.Regexp(t, `^whatsapp\s+\$0\.75\s+sms,voice\s+1:30\s+yes$`, lines[1])
	assert.Regexp(t, `^wechat\s+\$1\.50\s+sms\s+1:30\s+no$`, lines[9])
}

func TestRunRentCompletes(t *testing.T) {
	h := newRentHarness(t, "")
	h.start(t, rentOptions{service: "whatsapp", capability: remote.CapabilitySMS}, "")
	h.waitPending(t, 1)

	id := h.pendingIDs()[0]
	h.srv.Admin().DeliverSMS(id, "Your WhatsApp code is 483921").AssertStatus(200)
	h.clock.Advance(10 * time.Second)

	require.NoError(t, h.result(t))
	out := h.out.String()
	assert.Contains(t, out, "Rented +15550000001 for whatsapp ($0.75). Waiting up to 1:30 for the sms code.")
	assert.Contains(t, out, "[ok] Code for whatsapp: 483921")
	assert.Contains(t, out, "> Your WhatsApp code is 483921")
}

func TestRunRentInterruptCancels(t *testing.T) {
	h := newRentHarness(t, "")
	h.start(t, rentOptions{service: "whatsapp", capability: remote.CapabilitySMS}, "y\n")
	h.waitPending(t, 1)

	h.sigs <- os.Interrupt

	assert.ErrorIs(t, h.result(t), errCancelled)
	assert.Equal(t, "10.00", h.srv.Store.Balance().StringFixed(2))
	assert.Contains(t, h.out.String(), "Release +15550000001 for whatsapp and get a refund? [y/N]")
	assert.Contains(t, h.out.String(), "Verification cancelled. Refunded $0.75.")
}

func TestRunRentSIGTERMLeavesNumber(t *testing.T) {
	h := newRentHarness(t, "")
	h.start(t, rentOptions{service: "whatsapp", capability: remote.CapabilitySMS}, "")
	h.waitPending(t, 1)

	h.sigs <- syscall.SIGTERM

	assert.ErrorIs(t, h.result(t), errCancelled)
	assert.Len(t, h.pendingIDs(), 1)
	assert.Equal(t, 0, h.clock.Pending(), "timers must be stopped")
}

func TestRunRentRetriesAfterTimeout(t *testing.T) {
	h := newRentHarness(t, "")
	h.start(t, rentOptions{service: "whatsapp", capability: remote.CapabilitySMS, retry: true}, "")
	h.waitPending(t, 1)

	h.clock.Advance(90 * time.Second)
	h.waitPending(t, 1)

	id := h.pendingIDs()[0]
	h.srv.Admin().DeliverSMS(id, "code 777123").AssertStatus(200)
	h.clock.Advance(10 * time.Second)

	require.NoError(t, h.result(t))
	out := h.out.String()
	assert.Contains(t, out, "No code arrived for whatsapp in time. Refunded $0.75.")
	assert.Contains(t, out, "Retrying with a new number...")
	assert.Contains(t, out, "Code for whatsapp: 777123")
	assert.Equal(t, 2, h.srv.Store.Rentals.Count())
}

func TestRunRentCreateFailure(t *testing.T) {
	h := newRentHarness(t, "")
	h.start(t, rentOptions{service: "myspace", capability: remote.CapabilitySMS}, "")

	assert.ErrorIs(t, h.result(t), errFailed)
	assert.Contains(t, h.out.String(), `"myspace" cannot be verified with a rented number.`)
}

func TestRunRentRejectedTokenSignsOut(t *testing.T) {
	h := newRentHarness(t, "not-a-jwt")
	h.start(t, rentOptions{service: "whatsapp", capability: remote.CapabilitySMS}, "")

	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)
	h.clock.Advance(2 * time.Second)

	assert.ErrorIs(t, h.result(t), errFailed)
	assert.Contains(t, h.out.String(), "Your session has expired. Please sign in again.")
	assert.Contains(t, h.out.String(), "Signed out.")

	onDisk, err := config.LoadFrom(h.cfg.File())
	require.NoError(t, err)
	assert.Empty(t, onDisk.Token)
	assert.Empty(t, h.cfg.CurrentToken())
}
