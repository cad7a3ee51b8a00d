package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the machine-readable failure class of a remote call.
type ErrorKind string

const (
	KindInsufficientFunds  ErrorKind = "insufficient_funds"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindInvalidService     ErrorKind = "invalid_service"
	KindUnauthenticated    ErrorKind = "unauthenticated"
	KindNotFound           ErrorKind = "not_found"
	KindNetwork            ErrorKind = "network"
)

var knownKinds = map[ErrorKind]bool{
	KindInsufficientFunds:  true,
	KindServiceUnavailable: true,
	KindInvalidService:     true,
	KindUnauthenticated:    true,
	KindNotFound:           true,
	KindNetwork:            true,
}

// Error is a classified failure from the verification service.
type Error struct {
	Kind       ErrorKind
	StatusCode int    // 0 when the request never got a response
	Detail     string // human-readable text from the service, shown verbatim
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err. Unclassified non-nil errors are treated as
// network failures; nil yields "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindNetwork
}

// DetailOf returns the service-provided detail text of err, if any.
func DetailOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Detail
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

func kindForStatus(code int) ErrorKind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthenticated
	case http.StatusPaymentRequired:
		return KindInsufficientFunds
	case http.StatusNotFound, http.StatusGone:
		return KindNotFound
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return KindInvalidService
	case http.StatusServiceUnavailable:
		return KindServiceUnavailable
	default:
		return KindNetwork
	}
}
