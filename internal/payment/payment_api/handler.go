package payment_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"ms-ordering/internal/auth"
	"ms-ordering/internal/gateway"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/order"
	"ms-ordering/internal/payment"
)

type Handler struct {
	Reconciler *payment.Reconciler
	Stripe     *gateway.Stripe
	Logger     *logger.Logger
}

func NewHandler(rec *payment.Reconciler, stripe *gateway.Stripe, log *logger.Logger) *Handler {
	return &Handler{
		Reconciler: rec,
		Stripe:     stripe,
		Logger:     log,
	}
}

type initiateRequest struct {
	OrderID     string `json:"order_id"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// StripeCheckout opens a hosted checkout session for a pending order and
// returns the redirect URL.
func (h *Handler) StripeCheckout(w http.ResponseWriter, r *http.Request) {
	h.initiate(w, r, gateway.StripeName)
}

// MpesaSTKPush fires an STK prompt at the buyer's phone for a pending
// order.
func (h *Handler) MpesaSTKPush(w http.ResponseWriter, r *http.Request) {
	h.initiate(w, r, gateway.MpesaName)
}

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request, gatewayName string) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("API", fmt.Sprintf("initiate %s: failed to decode request body: %v", gatewayName, err))
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.OrderID == "" {
		http.Error(w, "order_id is required", http.StatusBadRequest)
		return
	}
	h.Logger.LogPayment(gatewayName, req.OrderID, "initiation requested")

	handle, err := h.Reconciler.InitiatePayment(r.Context(), req.OrderID, auth.BuyerID(r.Context()),
		gatewayName, gateway.InitiateOptions{PhoneNumber: req.PhoneNumber})
	if err != nil {
		h.writePaymentError(w, "initiate "+gatewayName, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(handle); err != nil {
		h.Logger.Error("API", fmt.Sprintf("initiate %s: failed to encode response: %v", gatewayName, err))
	}
}

// StripeWebhook receives signed gateway events. The response is always
// 200 once the event is authenticated: rejections here mean the event is
// stale or duplicated, and Stripe must not redeliver it.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	h.webhook(w, r, h.Stripe)
}

func (h *Handler) MpesaWebhook(w http.ResponseWriter, r *http.Request) {
	mpesa, err := h.Reconciler.Gateway(gateway.MpesaName)
	if err != nil {
		http.Error(w, "gateway not configured", http.StatusNotFound)
		return
	}
	h.webhook(w, r, mpesa)
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request, client gateway.Client) {
	conf, err := client.NormalizeCallback(r)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("%s webhook: invalid callback: %v", client.Name(), err))
		http.Error(w, "invalid callback", http.StatusBadRequest)
		return
	}
	if conf == nil {
		// Authenticated event we do not act on.
		w.WriteHeader(http.StatusOK)
		return
	}

	_, err = h.Reconciler.ConfirmPayment(r.Context(), conf)
	var rErr *order.RejectedError
	switch {
	case err == nil, errors.As(err, &rErr):
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, order.ErrLockTimeout):
		// Tell the gateway to redeliver.
		http.Error(w, "busy, please retry", http.StatusServiceUnavailable)
	default:
		h.Logger.Error("API", fmt.Sprintf("%s webhook: %v", client.Name(), err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

type confirmRequest struct {
	SessionID string `json:"session_id"`
}

// Confirm is the buyer-side poll: it fetches the checkout session from
// Stripe and runs it through the same reconciliation path as the
// webhook. Whichever arrives first wins; the other is a no-op.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	conf, err := h.Stripe.ConfirmationFromSession(r.Context(), req.SessionID)
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("Confirm: session lookup failed: %v", err))
		http.Error(w, "unknown session", http.StatusBadRequest)
		return
	}

	receipt, err := h.Reconciler.ConfirmPayment(r.Context(), conf)
	if err != nil {
		h.writePaymentError(w, "Confirm", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(receipt); err != nil {
		h.Logger.Error("API", fmt.Sprintf("Confirm: failed to encode response: %v", err))
	}
}

func (h *Handler) writePaymentError(w http.ResponseWriter, op string, err error) {
	h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))

	var vErr *order.ValidationError
	var rErr *order.RejectedError
	switch {
	case errors.As(err, &vErr):
		http.Error(w, vErr.Reason, http.StatusBadRequest)
	case errors.As(err, &rErr):
		http.Error(w, rErr.Reason, http.StatusConflict)
	case errors.Is(err, order.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "busy, please retry", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
