package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/wondertwin-ai/tempnum/internal/config"
	"github.com/wondertwin-ai/tempnum/internal/lifecycle"
	"github.com/wondertwin-ai/tempnum/internal/remote"
	"github.com/wondertwin-ai/tempnum/internal/timer"
)

var (
	errCancelled = errors.New("verification cancelled")
	errFailed    = errors.New("verification failed")
)

type rentOptions struct {
	service    string
	capability remote.Capability
	retry      bool
}

func parseRentArgs(args []string) (rentOptions, error) {
	opts := rentOptions{capability: remote.CapabilitySMS}
	for _, a := range args {
		switch {
		case a == "--voice":
			opts.capability = remote.CapabilityVoice
		case a == "--retry":
			opts.retry = true
		case strings.HasPrefix(a, "-"):
			return opts, fmt.Errorf("unknown flag %q", a)
		case opts.service == "":
			opts.service = a
		default:
			return opts, fmt.Errorf("unexpected argument %q", a)
		}
	}
	if opts.service == "" {
		return opts, errors.New("usage: tempnum rent <service> [--voice] [--retry]")
	}
	return opts, nil
}

// rentEnv is everything runRent touches outside the controller.
type rentEnv struct {
	cfg    *config.Config
	api    remote.API
	clock  timer.Clock
	logger logrus.FieldLogger
	out    io.Writer
	in     io.Reader
	sigs   <-chan os.Signal
}

// runRent rents a number and blocks until the verification completes, is
// cancelled or fails. SIGINT asks before cancelling; SIGTERM stops the
// timers and exits without releasing the number.
func runRent(ctx context.Context, env rentEnv, opts rentOptions) error {
	sched, err := env.cfg.Schedule()
	if err != nil {
		return err
	}
	p := &printer{out: env.out}
	loggedOut := make(chan struct{})
	var logoutOnce sync.Once

	ctrl, err := lifecycle.New(lifecycle.Config{
		API:          env.api,
		Clock:        env.clock,
		PollSchedule: sched,
		Durations:    env.cfg.Durations(),
		LogoutDelay:  env.cfg.LogoutDelay,
		CallTimeout:  env.cfg.RequestTimeout,
		Notifier:     lifecycle.NotifierFunc(p.notify),
		Confirmer:    &terminalConfirmer{p: p, in: bufio.NewReader(env.in)},
		Auth: lifecycle.AuthFunc(func() {
			defer logoutOnce.Do(func() { close(loggedOut) })
			if err := env.cfg.ClearToken(); err != nil {
				env.logger.WithError(err).Warn("failed to clear token")
				return
			}
			p.line("Signed out. Set a new token to continue.")
		}),
		Logger: env.logger,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	terminal := make(chan lifecycle.Event, 4)
	unsubscribe := ctrl.Subscribe(func(ev lifecycle.Event) {
		p.event(ev)
		if ev.Type != lifecycle.EventTransition || ev.State == lifecycle.StatePending {
			return
		}
		select {
		case terminal <- ev:
		default:
		}
	})
	defer unsubscribe()

	if err := ctrl.CreateVerification(ctx, opts.service, opts.capability); err != nil {
		return err
	}

	retried := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-terminal:
			switch ev.State {
			case lifecycle.StateCompleted:
				return nil
			case lifecycle.StateCancelled:
				if opts.retry && !retried {
					retried = true
					p.line("Retrying with a new number...")
					if err := ctrl.Retry(ctx); err != nil {
						return err
					}
					continue
				}
				return errCancelled
			default:
				if ev.ErrorKind == remote.KindUnauthenticated {
					// The token is cleared after the logout delay.
					select {
					case <-loggedOut:
					case <-ctx.Done():
					}
				}
				return errFailed
			}
		case sig := <-env.sigs:
			if sig == syscall.SIGTERM {
				return errCancelled
			}
			if ctrl.State() != lifecycle.StatePending {
				return errCancelled
			}
			// CancelVerification blocks on the confirmation prompt.
			go ctrl.CancelVerification(ctx)
		}
	}
}

// printer serializes writes from the controller's timer goroutine and the
// main loop.
type printer struct {
	mu          sync.Mutex
	out         io.Writer
	inCountdown bool
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakLocked()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) breakLocked() {
	if p.inCountdown {
		fmt.Fprintln(p.out)
		p.inCountdown = false
	}
}

func (p *printer) notify(n lifecycle.Notification) {
	p.line("%s %s", levelTag(n.Level), n.Message)
}

func (p *printer) event(ev lifecycle.Event) {
	switch ev.Type {
	case lifecycle.EventTransition:
		switch ev.State {
		case lifecycle.StatePending:
			v := ev.Verification
			p.line("Rented %s for %s ($%s). Waiting up to %s for the %s code.",
				v.DisplayNumber(), v.ServiceName, v.Cost.StringFixed(2), formatRemaining(ev.Remaining), v.Capability)
		case lifecycle.StateCompleted:
			for _, m := range ev.Messages {
				p.line("  > %s", m.Text)
			}
			if ev.Voice != nil && ev.Voice.Transcription != "" {
				p.line("  > %s", ev.Voice.Transcription)
			}
		}
	case lifecycle.EventUpdated:
		p.line("Number assigned: %s", ev.Verification.DisplayNumber())
	case lifecycle.EventCountdown:
		p.mu.Lock()
		fmt.Fprintf(p.out, "\r  %s remaining ", formatRemaining(ev.Remaining))
		p.inCountdown = true
		p.mu.Unlock()
	}
}

func levelTag(l lifecycle.Level) string {
	switch l {
	case lifecycle.LevelSuccess:
		return "[ok]"
	case lifecycle.LevelWarning:
		return "[warn]"
	case lifecycle.LevelError:
		return "[error]"
	default:
		return "[info]"
	}
}

// formatRemaining renders seconds as m:ss.
func formatRemaining(secs int) string {
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// terminalConfirmer asks on the terminal before a manual cancel.
type terminalConfirmer struct {
	p  *printer
	mu sync.Mutex
	in *bufio.Reader
}

func (c *terminalConfirmer) Confirm(ctx context.Context, v remote.Verification) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.p.mu.Lock()
	c.p.breakLocked()
	fmt.Fprintf(c.p.out, "Release %s for %s and get a refund? [y/N] ", v.DisplayNumber(), v.ServiceName)
	c.p.mu.Unlock()

	answer, err := c.in.ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
