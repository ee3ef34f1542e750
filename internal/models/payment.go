package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type TransactionStatus string

const (
	TxnPending   TransactionStatus = "pending"
	TxnCompleted TransactionStatus = "completed"
	TxnFailed    TransactionStatus = "failed"
)

// PaymentTransaction records one confirmation attempt against an order.
// Every attempt gets its own row, written before the order lock is taken so
// the audit trail survives rejections. Only one row per order may ever
// reach completed.
type PaymentTransaction struct {
	bun.BaseModel `bun:"table:payment_transactions,alias:pt"`

	ID          string            `bun:"id,pk" json:"id"`
	OrderID     string            `bun:"order_id,notnull" json:"order_id"`
	Gateway     string            `bun:"gateway,notnull" json:"gateway"`
	Status      TransactionStatus `bun:"status,notnull" json:"status"`
	Amount      decimal.Decimal   `bun:"amount,notnull" json:"amount"`
	ExternalRef string            `bun:"external_ref,nullzero" json:"external_ref,omitempty"`
	RawPayload  json.RawMessage   `bun:"raw_payload,nullzero" json:"raw_payload,omitempty"`
	CreatedAt   time.Time         `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt   time.Time         `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}
