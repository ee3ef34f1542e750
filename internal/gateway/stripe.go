package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"ms-ordering/internal/config"
	"ms-ordering/internal/models"
)

const StripeName = "stripe"

// Stripe opens a hosted checkout session per order and normalizes the
// checkout.session.completed webhook. Signature verification happens here;
// a payload that fails it never reaches the reconciler.
type Stripe struct {
	webhookSecret string
	successURL    string
	cancelURL     string
}

func NewStripe(cfg config.StripeConfig) *Stripe {
	stripe.Key = cfg.SecretKey
	return &Stripe{
		webhookSecret: cfg.WebhookSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
	}
}

func (s *Stripe) Name() string { return StripeName }

func (s *Stripe) Initiate(ctx context.Context, ord *models.Order, _ InitiateOptions) (*ProviderHandle, error) {
	// Stripe wants integer minor units.
	amountInCents := ord.TotalAmount.Mul(decimal.NewFromInt(100)).IntPart()

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:         stripe.String(s.successURL),
		CancelURL:          stripe.String(s.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String("usd"),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("Tickets for order %s", ord.ID)),
					},
					UnitAmount: stripe.Int64(amountInCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", ord.ID)

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session for order %s: %w", ord.ID, err)
	}

	raw, _ := json.Marshal(sess)
	return &ProviderHandle{
		Gateway:     StripeName,
		Ref:         sess.ID,
		CheckoutURL: sess.URL,
		Raw:         raw,
	}, nil
}

func (s *Stripe) NormalizeCallback(r *http.Request) (*Confirmation, error) {
	if s.webhookSecret == "" {
		return nil, fmt.Errorf("stripe webhook secret is not configured")
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read webhook payload: %w", err)
	}

	opts := webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true}
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), s.webhookSecret, opts)
	if err != nil {
		return nil, fmt.Errorf("verify webhook signature: %w", err)
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("unmarshal checkout session: %w", err)
		}
		orderID := sess.Metadata["order_id"]
		if orderID == "" {
			return nil, fmt.Errorf("checkout session %s has no order_id metadata", sess.ID)
		}
		return &Confirmation{
			OrderID:     orderID,
			Gateway:     StripeName,
			Amount:      decimal.New(sess.AmountTotal, -2),
			ExternalRef: sess.ID,
			RawPayload:  event.Data.Raw,
			Succeeded:   true,
		}, nil

	case "checkout.session.async_payment_failed", "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("unmarshal checkout session: %w", err)
		}
		orderID := sess.Metadata["order_id"]
		if orderID == "" {
			return nil, fmt.Errorf("checkout session %s has no order_id metadata", sess.ID)
		}
		return &Confirmation{
			OrderID:     orderID,
			Gateway:     StripeName,
			Amount:      decimal.New(sess.AmountTotal, -2),
			ExternalRef: sess.ID,
			RawPayload:  event.Data.Raw,
			Succeeded:   false,
		}, nil

	default:
		return nil, fmt.Errorf("unhandled stripe event type %q", event.Type)
	}
}

// ConfirmationFromSession supports the buyer-initiated poll: the client
// hands back a session id, we retrieve the session from Stripe and feed the
// same reconciliation path the webhook uses.
func (s *Stripe) ConfirmationFromSession(ctx context.Context, sessionID string) (*Confirmation, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := session.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve checkout session %s: %w", sessionID, err)
	}
	orderID := sess.Metadata["order_id"]
	if orderID == "" {
		return nil, fmt.Errorf("checkout session %s has no order_id metadata", sessionID)
	}
	raw, _ := json.Marshal(sess)
	return &Confirmation{
		OrderID:     orderID,
		Gateway:     StripeName,
		Amount:      decimal.New(sess.AmountTotal, -2),
		ExternalRef: sess.ID,
		RawPayload:  raw,
		Succeeded:   sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
	}, nil
}
