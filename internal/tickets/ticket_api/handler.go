package ticket_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-ordering/internal/logger"
	"ms-ordering/internal/order"
	"ms-ordering/internal/tickets"
)

type Handler struct {
	TicketService *tickets.Service
	Logger        *logger.Logger
}

func NewHandler(ticketService *tickets.Service, log *logger.Logger) *Handler {
	return &Handler{
		TicketService: ticketService,
		Logger:        log,
	}
}

func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketId")
	h.Logger.Info("API", fmt.Sprintf("GetTicket: ticketId=%s", ticketID))

	t, err := h.TicketService.GetTicket(r.Context(), ticketID)
	if err != nil {
		if errors.Is(err, tickets.ErrTicketNotFound) {
			http.Error(w, "Ticket not found", http.StatusNotFound)
			return
		}
		h.Logger.Error("API", fmt.Sprintf("GetTicket: %v", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(t); err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetTicket: failed to encode response: %v", err))
	}
}

// GetQR serves the ticket's QR image as a PNG.
func (h *Handler) GetQR(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketId")
	h.Logger.Info("API", fmt.Sprintf("GetQR: ticketId=%s", ticketID))

	png, err := h.TicketService.GetQR(r.Context(), ticketID)
	if err != nil {
		if errors.Is(err, tickets.ErrTicketNotFound) {
			http.Error(w, "Ticket not found", http.StatusNotFound)
			return
		}
		h.Logger.Error("API", fmt.Sprintf("GetQR: %v", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if _, err := w.Write(png); err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetQR: failed to write image: %v", err))
	}
}

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketId")
	h.Logger.Info("API", fmt.Sprintf("Redeem: ticketId=%s", ticketID))

	t, err := h.TicketService.Redeem(r.Context(), ticketID)
	if err != nil {
		var rErr *order.RejectedError
		switch {
		case errors.Is(err, tickets.ErrTicketNotFound):
			http.Error(w, "Ticket not found", http.StatusNotFound)
		case errors.As(err, &rErr):
			http.Error(w, rErr.Reason, http.StatusConflict)
		case errors.Is(err, order.ErrLockTimeout):
			w.Header().Set("Retry-After", "1")
			http.Error(w, "busy, please retry", http.StatusServiceUnavailable)
		default:
			h.Logger.Error("API", fmt.Sprintf("Redeem: %v", err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(t); err != nil {
		h.Logger.Error("API", fmt.Sprintf("Redeem: failed to encode response: %v", err))
	}
}
