package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/wondertwin-ai/tempnum/internal/twin/store"
	"github.com/wondertwin-ai/tempnum/internal/twin/twincore"
)

// DefaultTokenTTL is used by /admin/tokens when the request names no ttl.
const DefaultTokenTTL = 24 * time.Hour

// AdminIssueToken handles POST /admin/tokens.
func (h *Handler) AdminIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"`
		TTL     string `json:"ttl"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			twincore.Error(w, http.StatusBadRequest, "invalid_request", "invalid request: "+err.Error())
			return
		}
	}
	if req.Subject == "" {
		req.Subject = "user_test"
	}
	ttl := DefaultTokenTTL
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			twincore.Error(w, http.StatusBadRequest, "invalid_request", "ttl must be a positive duration")
			return
		}
		ttl = d
	}

	token, expires, err := h.issuer.Issue(req.Subject, ttl)
	if err != nil {
		twincore.Error(w, http.StatusInternalServerError, "network", err.Error())
		return
	}
	twincore.JSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"subject":    req.Subject,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

// AdminGetBalance handles GET /admin/balance.
func (h *Handler) AdminGetBalance(w http.ResponseWriter, r *http.Request) {
	twincore.JSON(w, http.StatusOK, map[string]any{"balance": h.store.Balance()})
}

// AdminSetBalance handles POST /admin/balance.
func (h *Handler) AdminSetBalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		twincore.Error(w, http.StatusBadRequest, "invalid_request", "invalid balance: "+err.Error())
		return
	}
	if req.Balance.IsNegative() {
		twincore.Error(w, http.StatusBadRequest, "invalid_request", "balance must not be negative")
		return
	}
	h.store.SetBalance(req.Balance)
	twincore.JSON(w, http.StatusOK, map[string]any{"balance": h.store.Balance()})
}

// AdminUpsertService handles POST /admin/services/{name}.
func (h *Handler) AdminUpsertService(w http.ResponseWriter, r *http.Request) {
	var svc store.Service
	if err := json.NewDecoder(r.Body).Decode(&svc); err != nil {
		twincore.Error(w, http.StatusBadRequest, "invalid_request", "invalid service: "+err.Error())
		return
	}
	svc.Name = chi.URLParam(r, "name")
	for _, c := range svc.Capabilities {
		if c != store.CapabilitySMS && c != store.CapabilityVoice {
			twincore.Error(w, http.StatusBadRequest, "invalid_request", "unknown capability: "+c)
			return
		}
	}
	twincore.JSON(w, http.StatusOK, h.store.UpsertService(svc))
}

// AdminListVerifications handles GET /admin/verifications.
func (h *Handler) AdminListVerifications(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	rentals := h.store.Rentals.Filter(func(_ string, rental store.Rental) bool {
		return status == "" || rental.Status == status
	})
	twincore.JSON(w, http.StatusOK, map[string]any{"verifications": rentals})
}

// AdminDeliverMessage handles POST /admin/verifications/{id}/messages.
func (h *Handler) AdminDeliverMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		twincore.Error(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	rental, err := h.store.Deliver(chi.URLParam(r, "id"), req.Text)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	twincore.JSON(w, http.StatusOK, rental)
}

// AdminDeliverVoice handles POST /admin/verifications/{id}/voice.
func (h *Handler) AdminDeliverVoice(w http.ResponseWriter, r *http.Request) {
	var call store.VoiceCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		twincore.Error(w, http.StatusBadRequest, "invalid_request", "invalid call: "+err.Error())
		return
	}
	if call.CallDurationSeconds <= 0 && call.Transcription == "" && call.AudioURL == "" {
		twincore.Error(w, http.StatusBadRequest, "invalid_request", "call needs a duration, transcription or audio_url")
		return
	}
	rental, err := h.store.DeliverVoice(chi.URLParam(r, "id"), call)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	twincore.JSON(w, http.StatusOK, rental)
}

// AdminExpireVerification handles POST /admin/verifications/{id}/expire.
func (h *Handler) AdminExpireVerification(w http.ResponseWriter, r *http.Request) {
	rental, err := h.store.Expire(chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	twincore.JSON(w, http.StatusOK, rental)
}

func writeAdminError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		twincore.Error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrResolved), errors.Is(err, store.ErrCapability):
		twincore.Error(w, http.StatusConflict, "invalid_request", err.Error())
	default:
		twincore.Error(w, http.StatusInternalServerError, "network", err.Error())
	}
}
