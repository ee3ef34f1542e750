package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-ordering/internal/inventory"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/monitoring"
)

// EventPublisher streams order lifecycle events after commit.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, o *models.Order) error
	PublishOrderCancelled(ctx context.Context, o *models.Order) error
}

// ListingCache is invalidated explicitly after any commit that changes
// remaining inventory, so listing pages never serve stale counts for long.
type ListingCache interface {
	InvalidateEvent(ctx context.Context, eventID string) error
}

// LineRequest is one requested line of a new order.
type LineRequest struct {
	TicketTypeID string `json:"ticket_type_id"`
	Quantity     int    `json:"quantity"`
}

// Service is the reservation manager: the only writer of sold counts at
// purchase time, and the owner of the order row at creation.
type Service struct {
	db       *bun.DB
	ledger   *inventory.Ledger
	events   EventPublisher
	cache    ListingCache
	logger   *logger.Logger
	grace    time.Duration
	lockWait time.Duration
	rowLocks bool
}

func NewService(db *bun.DB, ledger *inventory.Ledger, events EventPublisher, cache ListingCache, log *logger.Logger, grace, lockWait time.Duration) *Service {
	return &Service{
		db:       db,
		ledger:   ledger,
		events:   events,
		cache:    cache,
		logger:   log,
		grace:    grace,
		lockWait: lockWait,
		rowLocks: db.Dialect().Name() == dialect.PG,
	}
}

func validateLines(lines []LineRequest) error {
	if len(lines) == 0 {
		return Invalid("order must contain at least one line")
	}
	seen := make(map[string]bool, len(lines))
	for _, ln := range lines {
		if ln.TicketTypeID == "" {
			return Invalid("ticket_type_id is required")
		}
		if ln.Quantity <= 0 {
			return Invalid("quantity for %s must be positive", ln.TicketTypeID)
		}
		if seen[ln.TicketTypeID] {
			return Invalid("duplicate ticket type %s", ln.TicketTypeID)
		}
		seen[ln.TicketTypeID] = true
	}
	return nil
}

// CreateOrder reserves inventory and writes the order and its lines as one
// atomic unit. Lines are locked in sorted ticket-type order so two orders
// over overlapping types cannot deadlock. On any failure the transaction
// rolls back and nothing stays reserved.
func (s *Service) CreateOrder(ctx context.Context, buyerID string, lines []LineRequest) (*models.Order, error) {
	if buyerID == "" {
		return nil, Invalid("buyer is required")
	}
	if err := validateLines(lines); err != nil {
		return nil, err
	}

	sorted := make([]LineRequest, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TicketTypeID < sorted[j].TicketTypeID })

	ctx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()

	now := time.Now()
	ord := &models.Order{
		ID:          uuid.NewString(),
		BuyerID:     buyerID,
		Status:      models.OrderPending,
		TotalAmount: decimal.Zero,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.grace),
	}

	var eventIDs []string
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		total := decimal.Zero
		orderLines := make([]models.OrderLine, 0, len(sorted))

		for _, ln := range sorted {
			tt, err := s.ledger.Reserve(ctx, tx, ln.TicketTypeID, ln.Quantity)
			if err != nil {
				if errors.Is(err, inventory.ErrUnknownTicketType) {
					return Invalid("ticket type %s does not exist", ln.TicketTypeID)
				}
				return err
			}
			orderLines = append(orderLines, models.OrderLine{
				ID:           uuid.NewString(),
				OrderID:      ord.ID,
				TicketTypeID: tt.ID,
				Quantity:     ln.Quantity,
				UnitPrice:    tt.Price,
			})
			total = total.Add(tt.Price.Mul(decimal.NewFromInt(int64(ln.Quantity))))
			eventIDs = append(eventIDs, tt.EventID)
		}

		ord.TotalAmount = total
		if _, err := tx.NewInsert().Model(ord).Exec(ctx); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if _, err := tx.NewInsert().Model(&orderLines).Exec(ctx); err != nil {
			return fmt.Errorf("insert order lines: %w", err)
		}
		ord.Lines = orderLines
		return nil
	})
	if err != nil {
		monitoring.RecordReservationRejected(classifyReason(err))
		return nil, MapLockErr(err)
	}

	s.logger.LogOrder("CREATE", ord.ID, fmt.Sprintf("reserved %d line(s), total %s, expires %s",
		len(ord.Lines), ord.TotalAmount.StringFixed(2), ord.ExpiresAt.Format(time.RFC3339)))
	monitoring.RecordOrderCreated()

	s.afterInventoryChange(ord.ID, eventIDs)
	if s.events != nil {
		if err := s.events.PublishOrderCreated(context.Background(), ord); err != nil {
			s.logger.Error("KAFKA", fmt.Sprintf("order created event for %s: %v", ord.ID, err))
		}
	}
	return ord, nil
}

// CancelOrder is the buyer-initiated counterpart of expiry: lock the order,
// re-check it is still pending, release every line, mark cancelled. A paid
// order is rejected outright; refunds are a manual path.
func (s *Service) CancelOrder(ctx context.Context, orderID, buyerID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()

	var (
		ord      models.Order
		eventIDs []string
	)
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if err := s.lockOrder(ctx, tx, orderID, &ord); err != nil {
			return err
		}
		if buyerID != "" && ord.BuyerID != buyerID {
			return Invalid("order %s does not belong to this buyer", orderID)
		}
		switch ord.Status {
		case models.OrderPending:
			// fall through to the release
		case models.OrderPaid:
			return Rejected("paid orders cannot be cancelled, use the refund path")
		default:
			return Rejected("order %s is already %s", orderID, ord.Status)
		}

		lines, err := orderLines(ctx, tx, orderID)
		if err != nil {
			return err
		}
		for _, ln := range lines {
			tt, err := s.ledger.Release(ctx, tx, ln.TicketTypeID, ln.Quantity)
			if err != nil {
				return err
			}
			eventIDs = append(eventIDs, tt.EventID)
		}

		ord.Status = models.OrderCancelled
		if _, err := tx.NewUpdate().Model(&ord).Column("status").WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		return nil
	})
	if err != nil {
		return MapLockErr(err)
	}

	s.logger.LogOrder("CANCEL", orderID, "inventory released")
	monitoring.RecordOrderCancelled()

	s.afterInventoryChange(orderID, eventIDs)
	if s.events != nil {
		if err := s.events.PublishOrderCancelled(context.Background(), &ord); err != nil {
			s.logger.Error("KAFKA", fmt.Sprintf("order cancelled event for %s: %v", orderID, err))
		}
	}
	return nil
}

// GetOrder fetches one order with its lines.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	ord := new(models.Order)
	err := s.db.NewSelect().
		Model(ord).
		Relation("Lines").
		Where("o.id = ?", orderID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, Invalid("order %s does not exist", orderID)
		}
		return nil, err
	}
	return ord, nil
}

// ListOrders returns a buyer's orders newest first, each with the tickets
// issued for it so far.
func (s *Service) ListOrders(ctx context.Context, buyerID string) ([]models.OrderWithTickets, error) {
	var orders []models.Order
	err := s.db.NewSelect().
		Model(&orders).
		Relation("Lines").
		Where("o.buyer_id = ?", buyerID).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return []models.OrderWithTickets{}, nil
	}

	orderIDs := make([]string, len(orders))
	for i, o := range orders {
		orderIDs[i] = o.ID
	}

	var tickets []models.IssuedTicket
	err = s.db.NewSelect().
		Model(&tickets).
		Where("order_id IN (?)", bun.In(orderIDs)).
		Order("order_id", "created_at").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	byOrder := make(map[string][]models.IssuedTicket)
	for _, t := range tickets {
		byOrder[t.OrderID] = append(byOrder[t.OrderID], t)
	}

	result := make([]models.OrderWithTickets, len(orders))
	for i, o := range orders {
		result[i] = models.OrderWithTickets{Order: o, Tickets: byOrder[o.ID]}
		if result[i].Tickets == nil {
			result[i].Tickets = []models.IssuedTicket{}
		}
	}
	return result, nil
}

func (s *Service) lockOrder(ctx context.Context, tx bun.IDB, orderID string, dest *models.Order) error {
	q := tx.NewSelect().Model(dest).Where("id = ?", orderID)
	if s.rowLocks {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Invalid("order %s does not exist", orderID)
		}
		return fmt.Errorf("lock order %s: %w", orderID, err)
	}
	return nil
}

// afterInventoryChange drops listing cache entries for every event whose
// remaining count just moved. Explicit call, not a save-time signal, so
// the side-effect ordering stays visible and testable.
func (s *Service) afterInventoryChange(orderID string, eventIDs []string) {
	if s.cache == nil {
		return
	}
	seen := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := s.cache.InvalidateEvent(context.Background(), id); err != nil {
			s.logger.Warn("CACHE", fmt.Sprintf("invalidate listing for event %s after order %s: %v", id, orderID, err))
		}
	}
}

func orderLines(ctx context.Context, tx bun.IDB, orderID string) ([]models.OrderLine, error) {
	var lines []models.OrderLine
	if err := tx.NewSelect().Model(&lines).Where("order_id = ?", orderID).Scan(ctx); err != nil {
		return nil, fmt.Errorf("load lines for order %s: %w", orderID, err)
	}
	return lines, nil
}

func classifyReason(err error) string {
	switch {
	case errors.Is(err, inventory.ErrInsufficientInventory):
		return "insufficient_inventory"
	case errors.Is(err, context.DeadlineExceeded):
		return "lock_timeout"
	default:
		var ve *ValidationError
		if errors.As(err, &ve) {
			return "validation"
		}
		return "error"
	}
}
