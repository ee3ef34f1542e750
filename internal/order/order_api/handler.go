package order_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-ordering/internal/auth"
	"ms-ordering/internal/catalog"
	"ms-ordering/internal/inventory"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/order"
)

type Handler struct {
	OrderService *order.Service
	Listings     *catalog.Listings
	Logger       *logger.Logger
}

func NewHandler(orderService *order.Service, listings *catalog.Listings, log *logger.Logger) *Handler {
	return &Handler{
		OrderService: orderService,
		Listings:     listings,
		Logger:       log,
	}
}

type createOrderRequest struct {
	Lines []order.LineRequest `json:"lines"`
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	buyerID := auth.BuyerID(r.Context())
	h.Logger.Info("API", fmt.Sprintf("CreateOrder: buyer=%s", buyerID))

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("API", fmt.Sprintf("CreateOrder: failed to decode request body: %v", err))
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	ord, err := h.OrderService.CreateOrder(r.Context(), buyerID, req.Lines)
	if err != nil {
		h.writeOrderError(w, "CreateOrder", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(ord); err != nil {
		h.Logger.Error("API", fmt.Sprintf("CreateOrder: failed to encode response: %v", err))
		return
	}
	h.Logger.Info("API", fmt.Sprintf("CreateOrder: order %s created", ord.ID))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	h.Logger.Info("API", fmt.Sprintf("GetOrder: orderId=%s", orderID))

	ord, err := h.OrderService.GetOrder(r.Context(), orderID)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetOrder: order not found: %v", err))
		http.Error(w, "Order not found", http.StatusNotFound)
		return
	}
	if buyerID := auth.BuyerID(r.Context()); buyerID != "" && ord.BuyerID != buyerID {
		http.Error(w, "Order not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ord); err != nil {
		h.Logger.Error("API", fmt.Sprintf("GetOrder: failed to encode response: %v", err))
	}
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	buyerID := auth.BuyerID(r.Context())
	h.Logger.Info("API", fmt.Sprintf("CancelOrder: orderId=%s buyer=%s", orderID, buyerID))

	if err := h.OrderService.CancelOrder(r.Context(), orderID, buyerID); err != nil {
		h.writeOrderError(w, "CancelOrder", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.Logger.Info("API", fmt.Sprintf("CancelOrder: order %s cancelled", orderID))
}

func (h *Handler) ListMyOrders(w http.ResponseWriter, r *http.Request) {
	buyerID := auth.BuyerID(r.Context())
	h.Logger.Info("API", fmt.Sprintf("ListMyOrders: buyer=%s", buyerID))

	orders, err := h.OrderService.ListOrders(r.Context(), buyerID)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("ListMyOrders: failed to list orders: %v", err))
		http.Error(w, "Failed to retrieve orders: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(orders); err != nil {
		h.Logger.Error("API", fmt.Sprintf("ListMyOrders: failed to encode response: %v", err))
	}
}

func (h *Handler) ListEventTicketTypes(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	h.Logger.Info("API", fmt.Sprintf("ListEventTicketTypes: eventId=%s", eventID))

	types, err := h.Listings.ListEventTicketTypes(r.Context(), eventID)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("ListEventTicketTypes: failed to list: %v", err))
		http.Error(w, "Failed to retrieve ticket types: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(types); err != nil {
		h.Logger.Error("API", fmt.Sprintf("ListEventTicketTypes: failed to encode response: %v", err))
	}
}

// writeOrderError maps service errors onto status codes. Validation
// problems are the caller's fault, rejections are legal state conflicts,
// and lock timeouts invite a retry.
func (h *Handler) writeOrderError(w http.ResponseWriter, op string, err error) {
	h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))

	var vErr *order.ValidationError
	var rErr *order.RejectedError
	switch {
	case errors.As(err, &vErr):
		http.Error(w, vErr.Reason, http.StatusBadRequest)
	case errors.As(err, &rErr):
		http.Error(w, rErr.Reason, http.StatusConflict)
	case errors.Is(err, inventory.ErrInsufficientInventory):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, inventory.ErrUnknownTicketType):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, order.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "busy, please retry", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
