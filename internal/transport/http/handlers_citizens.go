package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"affiliation/internal/citizen"
	"affiliation/internal/registry"
	"affiliation/pkg/platform/httputil"
)

// CitizenService is the citizen-facing surface the handler exposes.
type CitizenService interface {
	Validate(ctx context.Context, citizenID string) (*citizen.Validation, error)
	Register(ctx context.Context, req citizen.RegisterRequest) error
	Status(ctx context.Context, citizenID string) (*citizen.StatusSnapshot, error)
	ListOperators(ctx context.Context) ([]registry.Operator, error)
}

type CitizenHandler struct {
	service CitizenService
	logger  *slog.Logger
}

func NewCitizenHandler(service CitizenService, logger *slog.Logger) *CitizenHandler {
	return &CitizenHandler{service: service, logger: logger}
}

func (h *CitizenHandler) Register(r chi.Router) {
	r.Get("/citizens/{id}/validate", h.validate)
	r.Post("/citizens/register", h.register)
	r.Get("/affiliations/{id}/status", h.status)
	r.Get("/operators", h.operators)
}

func (h *CitizenHandler) validate(w http.ResponseWriter, r *http.Request) {
	citizenID := chi.URLParam(r, "id")
	v, err := h.service.Validate(r.Context(), citizenID)
	if err != nil {
		h.logger.WarnContext(r.Context(), "validate failed", "citizen_id", citizenID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}

func (h *CitizenHandler) register(w http.ResponseWriter, r *http.Request) {
	req, err := httputil.Decode[citizen.RegisterRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.service.Register(r.Context(), req); err != nil {
		h.logger.WarnContext(r.Context(), "registration rejected", "citizen_id", req.CitizenID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"id": req.CitizenID, "status": "pending"})
}

func (h *CitizenHandler) status(w http.ResponseWriter, r *http.Request) {
	citizenID := chi.URLParam(r, "id")
	snapshot, err := h.service.Status(r.Context(), citizenID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snapshot)
}

func (h *CitizenHandler) operators(w http.ResponseWriter, r *http.Request) {
	operators, err := h.service.ListOperators(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "operator directory unavailable", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, operators)
}
