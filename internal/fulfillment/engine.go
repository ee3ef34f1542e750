package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/monitoring"
	"ms-ordering/internal/qr"
)

// Engine mints redeemable tickets for a paid order. It always runs inside
// the reconciler's paid-transition transaction: a crash between "paid" and
// "fulfilled" rolls both back together, and a retry finds the order still
// pending-side consistent.
type Engine struct {
	qr     *qr.Generator
	logger *logger.Logger
}

func NewEngine(gen *qr.Generator, log *logger.Logger) *Engine {
	return &Engine{qr: gen, logger: log}
}

// Fulfill creates exactly quantity tickets per order line. If any issued
// ticket already exists for the order it returns those rows untouched;
// that row's existence is the idempotency marker, so a reconciliation
// retried after a crash past fulfillment mints nothing twice.
func (e *Engine) Fulfill(ctx context.Context, tx bun.IDB, ord *models.Order, lines []models.OrderLine) ([]models.IssuedTicket, error) {
	var existing []models.IssuedTicket
	if err := tx.NewSelect().
		Model(&existing).
		Where("order_id = ?", ord.ID).
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("check existing tickets for order %s: %w", ord.ID, err)
	}
	if len(existing) > 0 {
		e.logger.LogOrder("FULFILL", ord.ID, fmt.Sprintf("already fulfilled with %d ticket(s), skipping", len(existing)))
		return existing, nil
	}

	now := time.Now()
	var tickets []models.IssuedTicket
	for _, ln := range lines {
		for i := 0; i < ln.Quantity; i++ {
			id := uuid.NewString()
			png, err := e.qr.Generate(id)
			if err != nil {
				return nil, err
			}
			tickets = append(tickets, models.IssuedTicket{
				ID:           id,
				TicketTypeID: ln.TicketTypeID,
				OrderID:      ord.ID,
				QRCode:       png,
				CreatedAt:    now,
			})
		}
	}
	if len(tickets) == 0 {
		return nil, fmt.Errorf("order %s has no lines to fulfill", ord.ID)
	}

	if _, err := tx.NewInsert().Model(&tickets).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert issued tickets for order %s: %w", ord.ID, err)
	}

	e.logger.LogOrder("FULFILL", ord.ID, fmt.Sprintf("minted %d ticket(s)", len(tickets)))
	monitoring.RecordTicketsIssued(len(tickets))
	return tickets, nil
}
