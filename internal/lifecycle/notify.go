package lifecycle

import (
	"fmt"

	"github.com/wondertwin-ai/tempnum/internal/remote"
)

type cancelReason int

const (
	reasonTimeout cancelReason = iota
	reasonManual
	reasonRetry
)

func (r cancelReason) String() string {
	switch r {
	case reasonTimeout:
		return "timeout"
	case reasonManual:
		return "manual"
	case reasonRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// failureNotification renders the toast for a failed remote call.
func failureNotification(err error, service string) Notification {
	kind := remote.KindOf(err)
	detail := remote.DetailOf(err)
	n := Notification{Level: LevelError, Kind: kind}

	switch kind {
	case remote.KindInsufficientFunds:
		// The service's text carries the amounts; show it as-is.
		n.Message = detail
		if n.Message == "" {
			n.Message = "Insufficient balance to rent a number."
		}
	case remote.KindInvalidService:
		n.Message = fmt.Sprintf("%q cannot be verified with a rented number.", service)
	case remote.KindServiceUnavailable:
		n.Message = fmt.Sprintf("No numbers available for %s right now. Try again later.", service)
	case remote.KindUnauthenticated:
		n.Message = "Your session has expired. Please sign in again."
	case remote.KindNotFound:
		n.Level = LevelWarning
		n.Message = "This verification was already resolved."
	default:
		n.Message = "Could not reach the verification service."
	}
	return n
}

func refundNotification(reason cancelReason, v remote.Verification, refund remote.Refund) Notification {
	amount := "$" + refund.RefundedAmount.StringFixed(2)
	var msg string
	switch reason {
	case reasonTimeout:
		msg = fmt.Sprintf("No code arrived for %s in time. Refunded %s.", v.ServiceName, amount)
	case reasonRetry:
		msg = fmt.Sprintf("Released %s. Refunded %s.", v.DisplayNumber(), amount)
	default:
		msg = fmt.Sprintf("Verification cancelled. Refunded %s.", amount)
	}
	r := refund
	return Notification{Level: LevelInfo, Message: msg, Refund: &r}
}

func completedNotification(v remote.Verification, msgs []remote.Message, voice *remote.VoiceRecord) Notification {
	code := ""
	if voice != nil {
		code = voice.Code()
	}
	for _, m := range msgs {
		if code != "" {
			break
		}
		code = m.Code()
	}
	if code == "" {
		what := "Message"
		if voice != nil {
			what = "Call"
		}
		return Notification{Level: LevelSuccess, Message: fmt.Sprintf("%s received for %s.", what, v.ServiceName)}
	}
	return Notification{Level: LevelSuccess, Message: fmt.Sprintf("Code for %s: %s", v.ServiceName, code)}
}

func expiredNotification(v remote.Verification) Notification {
	return Notification{
		Level:   LevelWarning,
		Message: fmt.Sprintf("The number for %s expired on the service.", v.ServiceName),
	}
}
