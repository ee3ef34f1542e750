package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-ordering/internal/models"
)

// ErrInsufficientInventory is a business rejection: the requested quantity
// would push sold past available. Surfaced to the caller, never retried
// automatically.
var ErrInsufficientInventory = errors.New("insufficient inventory")

// ErrUnknownTicketType is returned when the ticket-type row does not exist.
var ErrUnknownTicketType = errors.New("unknown ticket type")

// Ledger owns the sold counter of every ticket type. Both operations lock
// the row, re-read sold under the lock and write the new value, so no
// caller can observe a torn update. The ledger never commits; it always
// runs inside a transaction owned by the caller.
type Ledger struct {
	rowLocks bool
}

// NewLedger inspects the dialect once: SQLite has no FOR UPDATE and
// serializes writers on its own, so the locking clause is only emitted on
// Postgres.
func NewLedger(db *bun.DB) *Ledger {
	return &Ledger{rowLocks: db.Dialect().Name() == dialect.PG}
}

func (l *Ledger) lockRow(ctx context.Context, tx bun.IDB, ticketTypeID string) (*models.TicketType, error) {
	tt := new(models.TicketType)
	q := tx.NewSelect().Model(tt).Where("id = ?", ticketTypeID)
	if l.rowLocks {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownTicketType
		}
		return nil, fmt.Errorf("lock ticket type %s: %w", ticketTypeID, err)
	}
	return tt, nil
}

// Reserve adds quantity to sold after verifying capacity, holding the row
// exclusively for the whole check-and-update. Returns the locked row so the
// caller can snapshot price and event without another read.
func (l *Ledger) Reserve(ctx context.Context, tx bun.IDB, ticketTypeID string, quantity int) (*models.TicketType, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("reserve quantity must be positive, got %d", quantity)
	}

	tt, err := l.lockRow(ctx, tx, ticketTypeID)
	if err != nil {
		return nil, err
	}

	if tt.Sold+quantity > tt.Available {
		return nil, ErrInsufficientInventory
	}

	tt.Sold += quantity
	if _, err := tx.NewUpdate().
		Model(tt).
		Column("sold").
		WherePK().
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("update sold for %s: %w", ticketTypeID, err)
	}
	return tt, nil
}

// Release subtracts quantity from sold, clamped at zero. Expiry and
// cancellation can overlap on retries, so a stale release must never drive
// the counter negative.
func (l *Ledger) Release(ctx context.Context, tx bun.IDB, ticketTypeID string, quantity int) (*models.TicketType, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("release quantity must be positive, got %d", quantity)
	}

	tt, err := l.lockRow(ctx, tx, ticketTypeID)
	if err != nil {
		return nil, err
	}

	tt.Sold -= quantity
	if tt.Sold < 0 {
		tt.Sold = 0
	}
	if _, err := tx.NewUpdate().
		Model(tt).
		Column("sold").
		WherePK().
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("update sold for %s: %w", ticketTypeID, err)
	}
	return tt, nil
}
