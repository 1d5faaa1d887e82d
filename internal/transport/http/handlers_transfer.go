package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"affiliation/internal/events"
	"affiliation/internal/transfer"
	dErrors "affiliation/pkg/domain-errors"
	"affiliation/pkg/platform/httputil"
)

// TransferService is the orchestration surface the handler exposes.
type TransferService interface {
	Receive(ctx context.Context, req transfer.ReceiveRequest) error
	Send(ctx context.Context, citizenID, targetOperatorID, targetOperatorName, targetOperatorURL string) error
	Confirm(ctx context.Context, citizenID string, accepted bool) error
}

type TransferHandler struct {
	service TransferService
	logger  *slog.Logger
}

func NewTransferHandler(service TransferService, logger *slog.Logger) *TransferHandler {
	return &TransferHandler{service: service, logger: logger}
}

func (h *TransferHandler) Register(r chi.Router) {
	r.Post("/citizens/transfer/receive", h.receive)
	r.Post("/citizens/{id}/transfer/send", h.send)
	r.Post("/citizens/transfer/confirm", h.confirm)
}

// receive accepts an incoming transfer from a counterpart operator. The
// outcome is asynchronous, so acceptance is a 202; the counterpart learns the
// result through its confirmation endpoint.
func (h *TransferHandler) receive(w http.ResponseWriter, r *http.Request) {
	req, err := httputil.Decode[transfer.ReceiveRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.service.Receive(r.Context(), req); err != nil {
		h.logger.WarnContext(r.Context(), "transfer receive rejected", "citizen_id", req.CitizenID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"id": req.CitizenID, "status": "accepted"})
}

type sendRequest struct {
	OperatorID     string `json:"operatorId"`
	OperatorName   string `json:"operatorName,omitempty"`
	TransferAPIURL string `json:"transferAPIURL,omitempty"`
}

func (h *TransferHandler) send(w http.ResponseWriter, r *http.Request) {
	citizenID := chi.URLParam(r, "id")
	req, err := httputil.Decode[sendRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.OperatorID == "" && req.TransferAPIURL == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "operatorId or transferAPIURL is required"))
		return
	}
	if err := h.service.Send(r.Context(), citizenID, req.OperatorID, req.OperatorName, req.TransferAPIURL); err != nil {
		h.logger.WarnContext(r.Context(), "transfer send rejected", "citizen_id", citizenID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"id": citizenID, "status": "transferring"})
}

// confirmRequest is posted by operators we sent a citizen to. Some operators
// serialize the id as a number, so the tolerant decoder is used.
type confirmRequest struct {
	CitizenID events.CitizenID `json:"id"`
	ReqStatus int              `json:"req_status"`
}

func (h *TransferHandler) confirm(w http.ResponseWriter, r *http.Request) {
	req, err := httputil.Decode[confirmRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.CitizenID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "citizen id is required"))
		return
	}
	accepted := req.ReqStatus == 1
	if err := h.service.Confirm(r.Context(), string(req.CitizenID), accepted); err != nil {
		h.logger.WarnContext(r.Context(), "transfer confirmation rejected",
			"citizen_id", string(req.CitizenID), "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"id": string(req.CitizenID), "status": "confirmed"})
}
