package tickets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/order"
)

var ErrTicketNotFound = errors.New("ticket not found")

// Service handles issued tickets at the gate: look one up, hand out its
// QR image, and redeem it exactly once.
type Service struct {
	db       *bun.DB
	logger   *logger.Logger
	lockWait time.Duration
	rowLocks bool
}

func NewService(db *bun.DB, log *logger.Logger, lockWait time.Duration) *Service {
	return &Service{
		db:       db,
		logger:   log,
		lockWait: lockWait,
		rowLocks: db.Dialect().Name() == dialect.PG,
	}
}

func (s *Service) GetTicket(ctx context.Context, ticketID string) (*models.IssuedTicket, error) {
	t := new(models.IssuedTicket)
	err := s.db.NewSelect().Model(t).Where("it.id = ?", ticketID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	return t, nil
}

// GetQR returns the PNG minted at fulfillment time.
func (s *Service) GetQR(ctx context.Context, ticketID string) ([]byte, error) {
	t, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return t.QRCode, nil
}

// Redeem marks a ticket used. Two scanners racing on the same ticket
// serialize on the row lock; the loser sees is_redeemed already set and
// is turned away.
func (s *Service) Redeem(ctx context.Context, ticketID string) (*models.IssuedTicket, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()

	t := new(models.IssuedTicket)
	err := s.db.RunInTx(lockCtx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewSelect().Model(t).Where("id = ?", ticketID)
		if s.rowLocks {
			q = q.For("UPDATE")
		}
		if err := q.Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTicketNotFound
			}
			return fmt.Errorf("lock ticket %s: %w", ticketID, err)
		}
		if t.IsRedeemed {
			when := ""
			if t.RedeemedAt != nil {
				when = " at " + t.RedeemedAt.Format(time.RFC3339)
			}
			return order.Rejected("ticket %s already redeemed%s", ticketID, when)
		}
		now := time.Now()
		t.IsRedeemed = true
		t.RedeemedAt = &now
		if _, err := tx.NewUpdate().
			Model(t).
			Column("is_redeemed", "redeemed_at").
			WherePK().
			Exec(ctx); err != nil {
			return fmt.Errorf("redeem ticket %s: %w", ticketID, err)
		}
		return nil
	})
	if err != nil {
		return nil, order.MapLockErr(err)
	}

	s.logger.Info("TICKET", fmt.Sprintf("ticket %s redeemed for order %s", t.ID, t.OrderID))
	return t, nil
}

// ListOrderTickets returns every ticket minted for an order.
func (s *Service) ListOrderTickets(ctx context.Context, orderID string) ([]models.IssuedTicket, error) {
	var list []models.IssuedTicket
	err := s.db.NewSelect().
		Model(&list).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return list, nil
}
