package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/wondertwin-ai/tempnum/internal/twin/store"
	"github.com/wondertwin-ai/tempnum/internal/twin/twincore"
)

type createRequest struct {
	ServiceName string `json:"service_name" validate:"required,max=64"`
	Capability  string `json:"capability" validate:"omitempty,oneof=sms voice"`
}

type verificationResponse struct {
	ID          string          `json:"id"`
	ServiceName string          `json:"service_name"`
	Capability  string          `json:"capability"`
	PhoneNumber string          `json:"phone_number"`
	Status      string          `json:"status"`
	Cost        decimal.Decimal `json:"cost"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

func toVerification(r store.Rental) verificationResponse {
	return verificationResponse{
		ID:          r.ID,
		ServiceName: r.ServiceName,
		Capability:  r.Capability,
		PhoneNumber: r.PhoneNumber,
		Status:      r.Status,
		Cost:        r.Cost,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

type voiceResponse struct {
	PhoneNumber         string `json:"phone_number"`
	CallDurationSeconds *int   `json:"call_duration_seconds,omitempty"`
	Transcription       string `json:"transcription,omitempty"`
	AudioURL            string `json:"audio_url,omitempty"`
}

// ListServices handles GET /v1/services.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	twincore.JSON(w, http.StatusOK, map[string]any{"services": h.store.Services.List()})
}

// CreateVerification handles POST /v1/verifications.
func (h *Handler) CreateVerification(w http.ResponseWriter, r *http.Request) {
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		idemKey = SubjectFrom(r.Context()) + ":" + idemKey
		if status, body, ok := h.mw.Idempotent.Check(idemKey); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(status)
			w.Write(body)
			return
		}
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		twincore.Error(w, http.StatusBadRequest, "invalid_service", "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		twincore.Error(w, http.StatusUnprocessableEntity, "invalid_service", err.Error())
		return
	}
	if req.Capability == "" {
		req.Capability = store.CapabilitySMS
	}

	rental, err := h.store.Rent(req.ServiceName, req.Capability)
	if err != nil {
		h.writeRentError(w, req, err)
		return
	}
	twincore.TagVerification(r, rental.ID)
	h.log.WithFields(logrus.Fields{
		"id":         rental.ID,
		"service":    rental.ServiceName,
		"capability": rental.Capability,
		"cost":       rental.Cost.StringFixed(2),
	}).Info("number rented")

	body, err := json.Marshal(toVerification(rental))
	if err != nil {
		twincore.Error(w, http.StatusInternalServerError, "network", err.Error())
		return
	}
	if idemKey != "" {
		h.mw.Idempotent.Store(idemKey, http.StatusCreated, body)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	w.Write(body)
}

func (h *Handler) writeRentError(w http.ResponseWriter, req createRequest, err error) {
	var funds *store.InsufficientFundsError
	switch {
	case errors.As(err, &funds):
		twincore.Error(w, http.StatusPaymentRequired, "insufficient_funds", funds.Error())
	case errors.Is(err, store.ErrUnknownService):
		twincore.Error(w, http.StatusUnprocessableEntity, "invalid_service", "unknown service: "+req.ServiceName)
	case errors.Is(err, store.ErrCapability):
		twincore.Error(w, http.StatusUnprocessableEntity, "invalid_service",
			req.ServiceName+" does not support "+req.Capability+" verification")
	case errors.Is(err, store.ErrUnavailable):
		twincore.Error(w, http.StatusServiceUnavailable, "service_unavailable",
			"no numbers available for "+strings.ToLower(req.ServiceName))
	default:
		twincore.Error(w, http.StatusInternalServerError, "network", err.Error())
	}
}

// GetVerification handles GET /v1/verifications/{id}.
func (h *Handler) GetVerification(w http.ResponseWriter, r *http.Request) {
	rental, err := h.store.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		writeNotFound(w, err)
		return
	}
	twincore.JSON(w, http.StatusOK, toVerification(rental))
}

// GetMessages handles GET /v1/verifications/{id}/messages.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	rental, err := h.store.Peek(chi.URLParam(r, "id"))
	if err != nil {
		writeNotFound(w, err)
		return
	}
	messages := rental.Messages
	if messages == nil {
		messages = []string{}
	}
	twincore.JSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"status":   rental.Status,
	})
}

// GetVoice handles GET /v1/verifications/{id}/voice.
func (h *Handler) GetVoice(w http.ResponseWriter, r *http.Request) {
	rental, err := h.store.Peek(chi.URLParam(r, "id"))
	if err != nil {
		writeNotFound(w, err)
		return
	}
	if rental.Capability != store.CapabilityVoice {
		twincore.Error(w, http.StatusUnprocessableEntity, "invalid_service", "verification is not a voice verification")
		return
	}
	resp := voiceResponse{PhoneNumber: rental.PhoneNumber}
	if call := rental.Voice; call != nil {
		secs := call.CallDurationSeconds
		resp.CallDurationSeconds = &secs
		resp.Transcription = call.Transcription
		resp.AudioURL = call.AudioURL
	}
	twincore.JSON(w, http.StatusOK, resp)
}

// CancelVerification handles POST /v1/verifications/{id}/cancel.
func (h *Handler) CancelVerification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	refund, balance, err := h.store.Cancel(id)
	if err != nil {
		writeNotFound(w, err)
		return
	}
	h.log.WithFields(logrus.Fields{
		"id":       id,
		"refunded": refund.StringFixed(2),
	}).Info("number released")
	twincore.JSON(w, http.StatusOK, map[string]any{
		"refunded_amount": refund,
		"new_balance":     balance,
	})
}

// writeNotFound maps unknown and already-resolved verifications to 404.
func writeNotFound(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		twincore.Error(w, http.StatusNotFound, "not_found", "verification not found")
	case errors.Is(err, store.ErrResolved):
		twincore.Error(w, http.StatusNotFound, "not_found", "verification already resolved")
	default:
		twincore.Error(w, http.StatusInternalServerError, "network", err.Error())
	}
}
