package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// TicketType is a sellable ticket category for an event. Available is the
// capacity, Sold the running counter. 0 <= sold <= available is enforced
// inside the reservation transaction, never by application retry.
type TicketType struct {
	bun.BaseModel `bun:"table:ticket_types,alias:tt"`

	ID        string          `bun:"id,pk" json:"id"`
	EventID   string          `bun:"event_id,notnull" json:"event_id"`
	Name      string          `bun:"name,notnull" json:"name"`
	Price     decimal.Decimal `bun:"price,notnull" json:"price"`
	Available int             `bun:"available,notnull" json:"available"`
	Sold      int             `bun:"sold,notnull,default:0" json:"sold"`
	CreatedAt time.Time       `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time       `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

func (t *TicketType) Remaining() int {
	return t.Available - t.Sold
}

func (t *TicketType) IsSoldOut() bool {
	return t.Sold >= t.Available
}
