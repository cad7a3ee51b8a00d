package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Rental status constants.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Capability constants.
const (
	CapabilitySMS   = "sms"
	CapabilityVoice = "voice"
)

// Service is a catalog entry.
type Service struct {
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Available    bool            `json:"available"`
	Capabilities []string        `json:"capabilities"`
	// DelayedNumber services report no phone number until the rental is
	// first read back, like carriers that assign numbers asynchronously.
	DelayedNumber bool `json:"delayed_number,omitempty"`
}

// Supports reports whether the service can be rented with capability.
func (s Service) Supports(capability string) bool {
	for _, c := range s.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// VoiceCall is an inbound call delivered to a voice rental.
type VoiceCall struct {
	CallDurationSeconds int    `json:"call_duration_seconds"`
	Transcription       string `json:"transcription,omitempty"`
	AudioURL            string `json:"audio_url,omitempty"`
}

// Rental is one rented number.
type Rental struct {
	ID            string          `json:"id"`
	ServiceName   string          `json:"service_name"`
	Capability    string          `json:"capability"`
	PhoneNumber   string          `json:"phone_number"`
	PendingNumber string          `json:"pending_number,omitempty"`
	Status        string          `json:"status"`
	Cost          decimal.Decimal `json:"cost"`
	Messages      []string        `json:"messages"`
	Voice         *VoiceCall      `json:"voice,omitempty"`
	Refunded      bool            `json:"refunded"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

var (
	ErrNotFound       = errors.New("verification not found")
	ErrResolved       = errors.New("verification already resolved")
	ErrUnknownService = errors.New("unknown service")
	ErrUnavailable    = errors.New("no numbers available")
	ErrCapability     = errors.New("capability not supported by service")
)

// InsufficientFundsError is returned when the balance cannot cover a rental.
type InsufficientFundsError struct {
	Need decimal.Decimal
	Have decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("Insufficient balance: need $%s, have $%s", e.Need.StringFixed(2), e.Have.StringFixed(2))
}
