// Package api implements the number-rental HTTP API served by the twin and
// its domain-specific admin extras.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/wondertwin-ai/tempnum/internal/twin/store"
	"github.com/wondertwin-ai/tempnum/internal/twin/twincore"
)

// Handler holds all API handler state.
type Handler struct {
	store    *store.MemoryStore
	mw       *twincore.Middleware
	issuer   *Issuer
	validate *validator.Validate
	log      logrus.FieldLogger
}

// NewHandler creates an API handler.
func NewHandler(s *store.MemoryStore, mw *twincore.Middleware, issuer *Issuer, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		store:    s,
		mw:       mw,
		issuer:   issuer,
		validate: validator.New(),
		log:      log,
	}
}

// Routes mounts the public API (bearer auth, fault injection) and the admin
// extras (no auth, like the rest of /admin).
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(h.issuer.RequireBearer)
		r.Use(h.mw.FaultInjection)

		r.Get("/services", h.ListServices)
		r.Post("/verifications", h.CreateVerification)
		r.Get("/verifications/{id}", h.GetVerification)
		r.Get("/verifications/{id}/messages", h.GetMessages)
		r.Get("/verifications/{id}/voice", h.GetVoice)
		r.Post("/verifications/{id}/cancel", h.CancelVerification)
	})

	r.Post("/admin/tokens", h.AdminIssueToken)
	r.Get("/admin/balance", h.AdminGetBalance)
	r.Post("/admin/balance", h.AdminSetBalance)
	r.Post("/admin/services/{name}", h.AdminUpsertService)
	r.Get("/admin/verifications", h.AdminListVerifications)
	r.Post("/admin/verifications/{id}/messages", h.AdminDeliverMessage)
	r.Post("/admin/verifications/{id}/voice", h.AdminDeliverVoice)
	r.Post("/admin/verifications/{id}/expire", h.AdminExpireVerification)
}
