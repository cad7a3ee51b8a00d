package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultRentalTTL is how long the service holds a pending number before
// expiring it and refunding the cost on its own.
const DefaultRentalTTL = 20 * time.Minute

// DefaultBalance is the account balance of a fresh store.
var DefaultBalance = decimal.RequireFromString("10.00")

func defaultCatalog() []Service {
	both := []string{CapabilitySMS, CapabilityVoice}
	sms := []string{CapabilitySMS}
	return []Service{
		{Name: "whatsapp", Price: decimal.RequireFromString("0.75"), Available: true, Capabilities: both},
		{Name: "telegram", Price: decimal.RequireFromString("0.60"), Available: true, Capabilities: sms},
		{Name: "signal", Price: decimal.RequireFromString("0.50"), Available: true, Capabilities: sms},
		{Name: "google", Price: decimal.RequireFromString("0.90"), Available: true, Capabilities: both},
		{Name: "microsoft", Price: decimal.RequireFromString("0.80"), Available: true, Capabilities: both},
		{Name: "amazon", Price: decimal.RequireFromString("0.85"), Available: true, Capabilities: sms},
		{Name: "tinder", Price: decimal.RequireFromString("1.10"), Available: true, Capabilities: sms},
		{Name: "discord", Price: decimal.RequireFromString("0.40"), Available: true, Capabilities: sms, DelayedNumber: true},
		{Name: "wechat", Price: decimal.RequireFromString("1.50"), Available: false, Capabilities: sms},
	}
}

// MemoryStore holds all number twin state in memory.
type MemoryStore struct {
	Rentals   *Collection[Rental]
	Services  *Collection[Service]
	Clock     *Clock
	RentalTTL time.Duration

	mu             sync.Mutex // serializes balance and rental state changes
	balance        decimal.Decimal
	initialBalance decimal.Decimal
	numbers        int
}

// New creates a store seeded with the default catalog and the given balance.
func New(balance decimal.Decimal) *MemoryStore {
	s := &MemoryStore{
		Rentals:        NewCollection[Rental](),
		Services:       NewCollection[Service](),
		Clock:          NewClock(),
		RentalTTL:      DefaultRentalTTL,
		balance:        balance,
		initialBalance: balance,
	}
	s.seedCatalog()
	return s
}

func (s *MemoryStore) seedCatalog() {
	for _, svc := range defaultCatalog() {
		s.Services.Set(svc.Name, svc)
	}
}

// Balance returns the account balance.
func (s *MemoryStore) Balance() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// SetBalance overwrites the account balance.
func (s *MemoryStore) SetBalance(d decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = d
}

// UpsertService adds or replaces a catalog entry. Names are lower-cased.
func (s *MemoryStore) UpsertService(svc Service) Service {
	svc.Name = strings.ToLower(strings.TrimSpace(svc.Name))
	if len(svc.Capabilities) == 0 {
		svc.Capabilities = []string{CapabilitySMS}
	}
	s.Services.Set(svc.Name, svc)
	return svc
}

// Rent debits the service price and assigns a number.
func (s *MemoryStore) Rent(service, capability string) (Rental, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.Services.Get(strings.ToLower(strings.TrimSpace(service)))
	if !ok {
		return Rental{}, ErrUnknownService
	}
	if !svc.Available {
		return Rental{}, ErrUnavailable
	}
	if !svc.Supports(capability) {
		return Rental{}, ErrCapability
	}
	if s.balance.LessThan(svc.Price) {
		return Rental{}, &InsufficientFundsError{Need: svc.Price, Have: s.balance}
	}

	s.balance = s.balance.Sub(svc.Price)
	s.numbers++
	now := s.Clock.Now()
	r := Rental{
		ID:          s.Rentals.NextID(),
		ServiceName: svc.Name,
		Capability:  capability,
		PhoneNumber: fmt.Sprintf("+1555%07d", s.numbers),
		Status:      StatusPending,
		Cost:        svc.Price,
		Messages:    []string{},
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.RentalTTL),
	}
	if svc.DelayedNumber {
		r.PendingNumber, r.PhoneNumber = r.PhoneNumber, ""
	}
	s.Rentals.Set(r.ID, r)
	return r, nil
}

// Lookup returns a rental, applying server-side expiry and assigning a
// delayed number on first read.
func (s *MemoryStore) Lookup(id string) (Rental, error) {
	return s.update(id, func(r *Rental) error {
		if r.PendingNumber != "" {
			r.PhoneNumber, r.PendingNumber = r.PendingNumber, ""
		}
		return nil
	})
}

// Peek returns a rental, applying server-side expiry only.
func (s *MemoryStore) Peek(id string) (Rental, error) {
	return s.update(id, func(*Rental) error { return nil })
}

// Cancel releases a pending rental and refunds its cost.
func (s *MemoryStore) Cancel(id string) (refund, balance decimal.Decimal, err error) {
	r, err := s.update(id, func(r *Rental) error {
		if r.Status != StatusPending {
			return ErrResolved
		}
		r.Status = StatusCancelled
		r.Refunded = true
		s.balance = s.balance.Add(r.Cost)
		balance = s.balance
		return nil
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return r.Cost, balance, nil
}

// Deliver appends an SMS to a pending rental and completes it.
func (s *MemoryStore) Deliver(id, text string) (Rental, error) {
	return s.update(id, func(r *Rental) error {
		if r.Status == StatusCancelled {
			return ErrResolved
		}
		r.Messages = append(r.Messages, text)
		r.Status = StatusCompleted
		return nil
	})
}

// DeliverVoice records an inbound call on a pending voice rental.
func (s *MemoryStore) DeliverVoice(id string, call VoiceCall) (Rental, error) {
	return s.update(id, func(r *Rental) error {
		if r.Status == StatusCancelled {
			return ErrResolved
		}
		if r.Capability != CapabilityVoice {
			return ErrCapability
		}
		r.Voice = &call
		r.Status = StatusCompleted
		return nil
	})
}

// Expire forces a pending rental to expire now.
func (s *MemoryStore) Expire(id string) (Rental, error) {
	return s.update(id, func(r *Rental) error {
		if r.Status != StatusPending {
			return ErrResolved
		}
		r.ExpiresAt = s.Clock.Now()
		s.expireLocked(r, r.ExpiresAt.Add(time.Nanosecond))
		return nil
	})
}

// update runs fn on the rental under the store lock after applying expiry.
func (s *MemoryStore) update(id string, fn func(*Rental) error) (Rental, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Clock.Now()
	return s.Rentals.Update(id, func(r *Rental) error {
		s.expireLocked(r, now)
		return fn(r)
	})
}

// expireLocked cancels and refunds a pending rental whose TTL has passed.
func (s *MemoryStore) expireLocked(r *Rental, now time.Time) {
	if r.Status != StatusPending || !now.After(r.ExpiresAt) {
		return
	}
	r.Status = StatusCancelled
	if !r.Refunded {
		r.Refunded = true
		s.balance = s.balance.Add(r.Cost)
	}
}

type stateSnapshot struct {
	Balance  *decimal.Decimal   `json:"balance,omitempty"`
	Services map[string]Service `json:"services"`
	Rentals  map[string]Rental  `json:"rentals"`
}

// Snapshot returns the full state as a JSON-serializable value.
func (s *MemoryStore) Snapshot() any {
	b := s.Balance()
	return stateSnapshot{
		Balance:  &b,
		Services: s.Services.Snapshot(),
		Rentals:  s.Rentals.Snapshot(),
	}
}

// LoadState replaces the parts of the state present in data.
func (s *MemoryStore) LoadState(data []byte) error {
	var snap stateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decoding state: %w", err)
	}
	if snap.Services != nil {
		s.Services.LoadSnapshot(snap.Services)
	}
	if snap.Rentals != nil {
		s.Rentals.LoadSnapshot(snap.Rentals)
	}
	if snap.Balance != nil {
		s.SetBalance(*snap.Balance)
	}
	return nil
}

// Reset restores the seeded catalog and initial balance.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Rentals.Reset()
	s.Services.Reset()
	s.seedCatalog()
	s.Clock.Reset()
	s.balance = s.initialBalance
	s.numbers = 0
}
