package remote

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Capability is how the verification code is expected to arrive.
type Capability string

const (
	CapabilitySMS   Capability = "sms"
	CapabilityVoice Capability = "voice"
)

// ParseCapability accepts "sms" or "voice" in any case.
func ParseCapability(s string) (Capability, error) {
	switch c := Capability(strings.ToLower(strings.TrimSpace(s))); c {
	case CapabilitySMS, CapabilityVoice:
		return c, nil
	default:
		return "", fmt.Errorf("unknown capability %q (want sms or voice)", s)
	}
}

// Status is the server-authoritative state of a verification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further messages can arrive.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Verification is one number-rental attempt.
type Verification struct {
	ID          string          `json:"id"`
	ServiceName string          `json:"service_name"`
	Capability  Capability      `json:"capability"`
	PhoneNumber string          `json:"phone_number,omitempty"`
	Status      Status          `json:"status"`
	Cost        decimal.Decimal `json:"cost"`
}

// DisplayNumber returns the phone number, or "loading" while the service has
// not assigned one yet.
func (v Verification) DisplayNumber() string {
	if v.PhoneNumber == "" {
		return "loading"
	}
	return v.PhoneNumber
}

var codePattern = regexp.MustCompile(`\b\d{4,8}\b`)

// Message is an inbound SMS body.
type Message struct {
	Text string `json:"text"`
}

// Code returns the first 4-8 digit run in the message, or "".
func (m Message) Code() string {
	return codePattern.FindString(m.Text)
}

// VoiceRecord is an inbound call for a voice verification.
type VoiceRecord struct {
	PhoneNumber         string `json:"phone_number"`
	CallDurationSeconds *int   `json:"call_duration_seconds,omitempty"`
	Transcription       string `json:"transcription,omitempty"`
	AudioURL            string `json:"audio_url,omitempty"`
}

// Received reports whether a call has actually come in.
func (r VoiceRecord) Received() bool {
	if r.Transcription != "" || r.AudioURL != "" {
		return true
	}
	return r.CallDurationSeconds != nil && *r.CallDurationSeconds > 0
}

// Code returns the first 4-8 digit run in the transcription, or "".
func (r VoiceRecord) Code() string {
	return codePattern.FindString(r.Transcription)
}

// MessagesResponse is the result of an SMS poll. An empty Messages slice means
// nothing has arrived yet.
type MessagesResponse struct {
	Messages []Message
	Status   Status
}

// Refund is the result of a cancellation.
type Refund struct {
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	NewBalance     decimal.Decimal `json:"new_balance"`
}

// CreateRequest asks the service for a new number.
type CreateRequest struct {
	ServiceName string     `json:"service_name" validate:"required,max=64"`
	Capability  Capability `json:"capability" validate:"required,oneof=sms voice"`
}

// Service is a catalog entry.
type Service struct {
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Available    bool            `json:"available"`
	Capabilities []Capability    `json:"capabilities"`
}
