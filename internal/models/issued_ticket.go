package models

import (
	"time"

	"github.com/uptrace/bun"
)

// IssuedTicket is a redeemable ticket minted after payment. Its ID is the
// QR payload. Rows are created only by the fulfillment engine, exactly
// quantity per order line, and never regenerated; the presence of any row
// for an order is the fulfillment idempotency marker.
type IssuedTicket struct {
	bun.BaseModel `bun:"table:issued_tickets,alias:it"`

	ID           string     `bun:"id,pk" json:"id"`
	TicketTypeID string     `bun:"ticket_type_id,notnull" json:"ticket_type_id"`
	OrderID      string     `bun:"order_id,notnull" json:"order_id"`
	QRCode       []byte     `bun:"qr_code" json:"-"`
	IsRedeemed   bool       `bun:"is_redeemed,notnull,default:false" json:"is_redeemed"`
	RedeemedAt   *time.Time `bun:"redeemed_at,nullzero" json:"redeemed_at,omitempty"`
	CreatedAt    time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
