package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-ordering/internal/fulfillment"
	"ms-ordering/internal/gateway"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/monitoring"
	"ms-ordering/internal/notify"
	"ms-ordering/internal/order"
)

// PaidPublisher streams the paid event after the transition commits.
type PaidPublisher interface {
	PublishOrderPaid(ctx context.Context, o *models.Order) error
}

// Receipt is what a successful confirmation yields.
type Receipt struct {
	Order       *models.Order         `json:"order"`
	Tickets     []models.IssuedTicket `json:"tickets"`
	Transaction string                `json:"transaction_id"`
}

// Reconciler turns gateway confirmations into authoritative order-state
// transitions. It is safe to call concurrently from webhooks, buyer polls
// and replays: every attempt is audited, and the order's row lock plus a
// status re-check make duplicates and stale events harmless no-ops.
type Reconciler struct {
	db       *bun.DB
	registry *gateway.Registry
	engine   *fulfillment.Engine
	notifier notify.Notifier
	events   PaidPublisher
	logger   *logger.Logger
	lockWait time.Duration
	rowLocks bool
}

func NewReconciler(db *bun.DB, reg *gateway.Registry, engine *fulfillment.Engine, notifier notify.Notifier, events PaidPublisher, log *logger.Logger, lockWait time.Duration) *Reconciler {
	return &Reconciler{
		db:       db,
		registry: reg,
		engine:   engine,
		notifier: notifier,
		events:   events,
		logger:   log,
		lockWait: lockWait,
		rowLocks: db.Dialect().Name() == dialect.PG,
	}
}

// Gateway exposes a registered client by name, for callers that need to
// normalize a raw callback before handing it to ConfirmPayment.
func (r *Reconciler) Gateway(name string) (gateway.Client, error) {
	return r.registry.Get(name)
}

// InitiatePayment opens a charge with the chosen gateway and records the
// attempt. Each attempt gets its own transaction row; only one row per
// order can ever complete.
func (r *Reconciler) InitiatePayment(ctx context.Context, orderID, buyerID, gatewayName string, opts gateway.InitiateOptions) (*gateway.ProviderHandle, error) {
	client, err := r.registry.Get(gatewayName)
	if err != nil {
		return nil, order.Invalid("%v", err)
	}

	ord := new(models.Order)
	if err := r.db.NewSelect().Model(ord).Where("o.id = ?", orderID).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, order.Invalid("order %s does not exist", orderID)
		}
		return nil, err
	}
	if buyerID != "" && ord.BuyerID != buyerID {
		return nil, order.Invalid("order %s does not belong to this buyer", orderID)
	}
	if ord.Status != models.OrderPending {
		return nil, order.Rejected("order %s is %s, not pending", orderID, ord.Status)
	}

	handle, err := client.Initiate(ctx, ord, opts)
	if err != nil {
		return nil, fmt.Errorf("initiate %s payment for order %s: %w", gatewayName, orderID, err)
	}

	txn := &models.PaymentTransaction{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		Gateway:     gatewayName,
		Status:      models.TxnPending,
		Amount:      ord.TotalAmount,
		ExternalRef: handle.Ref,
		RawPayload:  handle.Raw,
		CreatedAt:   time.Now(),
	}
	if _, err := r.db.NewInsert().Model(txn).Exec(ctx); err != nil {
		return nil, fmt.Errorf("record payment attempt for order %s: %w", orderID, err)
	}

	r.logger.LogPayment(gatewayName, orderID, fmt.Sprintf("charge opened, ref %s", handle.Ref))
	return handle, nil
}

// ConfirmPayment is the single reconciliation entry point. Protocol:
// record the attempt unconditionally, lock the order, gate on status, gate
// on exact amount, then flip to paid and fulfill inside the same
// transaction. Any rejection leaves the order untouched.
func (r *Reconciler) ConfirmPayment(ctx context.Context, conf *gateway.Confirmation) (*Receipt, error) {
	txn := &models.PaymentTransaction{
		ID:          uuid.NewString(),
		OrderID:     conf.OrderID,
		Gateway:     conf.Gateway,
		Status:      models.TxnPending,
		Amount:      conf.Amount,
		ExternalRef: conf.ExternalRef,
		RawPayload:  conf.RawPayload,
		CreatedAt:   time.Now(),
	}
	if _, err := r.db.NewInsert().Model(txn).Exec(ctx); err != nil {
		return nil, fmt.Errorf("record confirmation attempt for order %s: %w", conf.OrderID, err)
	}

	if !conf.Succeeded {
		r.failTransaction(txn)
		r.logger.LogPayment(conf.Gateway, conf.OrderID, "gateway reported a failed charge")
		monitoring.RecordConfirmation(conf.Gateway, "gateway_failed")
		return nil, order.Rejected("gateway reported a failed charge")
	}

	lockCtx, cancel := context.WithTimeout(ctx, r.lockWait)
	defer cancel()

	var (
		ord     models.Order
		tickets []models.IssuedTicket
		reject  *order.RejectedError
	)
	err := r.db.RunInTx(lockCtx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewSelect().Model(&ord).Where("id = ?", conf.OrderID)
		if r.rowLocks {
			q = q.For("UPDATE")
		}
		if err := q.Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				reject = order.Rejected("order %s not found", conf.OrderID)
				return r.markTransaction(ctx, tx, txn, models.TxnFailed)
			}
			return fmt.Errorf("lock order %s: %w", conf.OrderID, err)
		}

		// The idempotency boundary: anything but pending means another
		// confirmation or the reaper got here first.
		if ord.Status != models.OrderPending {
			reject = order.Rejected("order %s is %s, not pending", conf.OrderID, ord.Status)
			return r.markTransaction(ctx, tx, txn, models.TxnFailed)
		}

		if !conf.Amount.Equal(ord.TotalAmount) {
			reject = order.Rejected("amount mismatch: paid %s, order total %s",
				conf.Amount.StringFixed(2), ord.TotalAmount.StringFixed(2))
			return r.markTransaction(ctx, tx, txn, models.TxnFailed)
		}

		if err := r.markTransaction(ctx, tx, txn, models.TxnCompleted); err != nil {
			return err
		}

		ord.Status = models.OrderPaid
		if _, err := tx.NewUpdate().Model(&ord).Column("status").WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("mark order %s paid: %w", conf.OrderID, err)
		}

		var lines []models.OrderLine
		if err := tx.NewSelect().Model(&lines).Where("order_id = ?", conf.OrderID).Scan(ctx); err != nil {
			return fmt.Errorf("load lines for order %s: %w", conf.OrderID, err)
		}

		minted, err := r.engine.Fulfill(ctx, tx, &ord, lines)
		if err != nil {
			return err
		}
		tickets = minted
		return nil
	})
	if err != nil {
		r.failTransaction(txn)
		monitoring.RecordConfirmation(conf.Gateway, "error")
		return nil, order.MapLockErr(err)
	}

	if reject != nil {
		// Duplicate or stale delivery. The original successful attempt
		// already told the buyer, so this is informational, not an alarm.
		r.logger.LogPayment(conf.Gateway, conf.OrderID, "dropped: "+reject.Reason)
		monitoring.RecordConfirmation(conf.Gateway, rejectOutcome(reject))
		return nil, reject
	}

	r.logger.LogPayment(conf.Gateway, conf.OrderID, fmt.Sprintf("confirmed %s, %d ticket(s) issued",
		conf.Amount.StringFixed(2), len(tickets)))
	monitoring.RecordConfirmation(conf.Gateway, "confirmed")

	ticketIDs := make([]string, len(tickets))
	for i, t := range tickets {
		ticketIDs[i] = t.ID
	}
	if r.notifier != nil {
		if err := r.notifier.OrderFulfilled(context.Background(), ord.ID, ticketIDs); err != nil {
			r.logger.Error("NOTIFY", fmt.Sprintf("fulfillment notice for order %s: %v", ord.ID, err))
		}
	}
	if r.events != nil {
		if err := r.events.PublishOrderPaid(context.Background(), &ord); err != nil {
			r.logger.Error("KAFKA", fmt.Sprintf("order paid event for %s: %v", ord.ID, err))
		}
	}

	return &Receipt{Order: &ord, Tickets: tickets, Transaction: txn.ID}, nil
}

func (r *Reconciler) markTransaction(ctx context.Context, tx bun.IDB, txn *models.PaymentTransaction, status models.TransactionStatus) error {
	txn.Status = status
	txn.UpdatedAt = time.Now()
	if _, err := tx.NewUpdate().
		Model(txn).
		Column("status", "updated_at").
		WherePK().
		Exec(ctx); err != nil {
		return fmt.Errorf("mark transaction %s %s: %w", txn.ID, status, err)
	}
	return nil
}

// failTransaction is the best-effort path for attempts that never reached
// the order transaction; the audit row should still record the outcome.
func (r *Reconciler) failTransaction(txn *models.PaymentTransaction) {
	if err := r.markTransaction(context.Background(), r.db, txn, models.TxnFailed); err != nil {
		r.logger.Error("PAYMENT", err.Error())
	}
}

// ListTransactions returns the audit trail for one order, newest first.
func (r *Reconciler) ListTransactions(ctx context.Context, orderID string) ([]models.PaymentTransaction, error) {
	var txns []models.PaymentTransaction
	err := r.db.NewSelect().
		Model(&txns).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return txns, nil
}

func rejectOutcome(reject *order.RejectedError) string {
	if strings.HasPrefix(reject.Reason, "amount mismatch") {
		return "rejected_amount"
	}
	return "rejected_stale"
}
