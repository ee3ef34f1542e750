package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
	OrderRefunded  OrderStatus = "refunded"
)

// Terminal reports whether the status admits no further transition except
// the manual paid -> refunded path.
func (s OrderStatus) Terminal() bool {
	return s != OrderPending
}

// Order holds a reservation against the inventory. TotalAmount is fixed at
// creation; Status is the only field mutated afterwards, always under the
// order's row lock.
type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID          string          `bun:"id,pk" json:"id"`
	BuyerID     string          `bun:"buyer_id,notnull" json:"buyer_id"`
	Status      OrderStatus     `bun:"status,notnull" json:"status"`
	TotalAmount decimal.Decimal `bun:"total_amount,notnull" json:"total_amount"`
	CreatedAt   time.Time       `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	ExpiresAt   time.Time       `bun:"expires_at,notnull" json:"expires_at"`

	Lines []OrderLine `bun:"rel:has-many,join:id=order_id" json:"lines,omitempty"`
}

// OrderLine snapshots quantity and unit price at purchase time. Immutable
// after the creating transaction commits.
type OrderLine struct {
	bun.BaseModel `bun:"table:order_lines,alias:ol"`

	ID           string          `bun:"id,pk" json:"id"`
	OrderID      string          `bun:"order_id,notnull" json:"order_id"`
	TicketTypeID string          `bun:"ticket_type_id,notnull" json:"ticket_type_id"`
	Quantity     int             `bun:"quantity,notnull" json:"quantity"`
	UnitPrice    decimal.Decimal `bun:"unit_price,notnull" json:"unit_price"`
}

// OrderWithTickets is the order-history read shape: an order plus the
// tickets issued for it, if any.
type OrderWithTickets struct {
	Order   Order          `json:"order"`
	Tickets []IssuedTicket `json:"tickets"`
}
