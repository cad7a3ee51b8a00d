package lifecycle

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/wondertwin-ai/tempnum/internal/remote"
)

// State is the controller's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s ends a verification.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// EventType identifies what an Event reports.
type EventType string

const (
	// EventTransition is emitted on every state change.
	EventTransition EventType = "transition"
	// EventCountdown is emitted once per second while Pending.
	EventCountdown EventType = "countdown"
	// EventWaiting is emitted when a poll found nothing yet.
	EventWaiting EventType = "waiting"
	// EventUpdated is emitted when the open verification changed without a
	// state change, e.g. a phone number that arrived late.
	EventUpdated EventType = "updated"
)

// Event is what subscribers observe. Fields not relevant to Type are zero.
type Event struct {
	Type         EventType
	State        State
	Verification remote.Verification
	Messages     []remote.Message
	Voice        *remote.VoiceRecord

	RefundedAmount *decimal.Decimal
	NewBalance     *decimal.Decimal

	ErrorKind remote.ErrorKind
	Detail    string
	Remaining int
}

// Level is the severity of a Notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a user-facing toast.
type Notification struct {
	Level   Level
	Message string
	Kind    remote.ErrorKind
	Refund  *remote.Refund
}

// Notifier displays notifications.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify calls f.
func (f NotifierFunc) Notify(n Notification) { f(n) }

// Confirmer asks the user whether to cancel v. Returning false aborts the
// manual cancel.
type Confirmer interface {
	Confirm(ctx context.Context, v remote.Verification) bool
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, v remote.Verification) bool

// Confirm calls f.
func (f ConfirmerFunc) Confirm(ctx context.Context, v remote.Verification) bool { return f(ctx, v) }

// Auth ends the user's session when the service rejects the credential.
type Auth interface {
	Logout()
}

// AuthFunc adapts a function to Auth.
type AuthFunc func()

// Logout calls f.
func (f AuthFunc) Logout() { f() }

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}

type alwaysConfirm struct{}

func (alwaysConfirm) Confirm(context.Context, remote.Verification) bool { return true }
