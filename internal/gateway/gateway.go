package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"ms-ordering/internal/models"
)

// Confirmation is the single shape the reconciler accepts, whichever
// gateway produced it. Succeeded false means the gateway reported a
// declined or aborted charge; the order stays pending.
type Confirmation struct {
	OrderID     string
	Gateway     string
	Amount      decimal.Decimal
	ExternalRef string
	RawPayload  json.RawMessage
	Succeeded   bool
}

// ProviderHandle is what a buyer needs to complete a charge the gateway
// just opened: a checkout URL for Stripe, an STK prompt reference for
// M-Pesa.
type ProviderHandle struct {
	Gateway     string          `json:"gateway"`
	Ref         string          `json:"ref"`
	CheckoutURL string          `json:"checkout_url,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// InitiateOptions carries per-gateway extras for starting a charge.
type InitiateOptions struct {
	PhoneNumber string
}

// Client is one payment gateway. NormalizeCallback verifies whatever
// integrity the gateway offers (webhook signatures for Stripe) and returns
// the normalized tuple; the reconciler never sees a payload that failed
// that check.
type Client interface {
	Name() string
	Initiate(ctx context.Context, ord *models.Order, opts InitiateOptions) (*ProviderHandle, error)
	NormalizeCallback(r *http.Request) (*Confirmation, error)
}

// Registry maps gateway name to client. Two gateways, one reconciliation
// path.
type Registry struct {
	clients map[string]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

func (r *Registry) Get(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("unknown payment gateway %q", name)
	}
	return c, nil
}
