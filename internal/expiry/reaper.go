package expiry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"ms-ordering/internal/inventory"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/monitoring"
	"ms-ordering/internal/order"
)

// Reaper expires pending orders whose grace window has passed and returns
// their inventory. It keeps no state of its own: every order transitions in
// its own transaction, so a crash mid-sweep leaves nothing to repair and
// the next sweep simply picks up where this one stopped.
type Reaper struct {
	db       *bun.DB
	ledger   *inventory.Ledger
	cache    order.ListingCache
	logger   *logger.Logger
	interval time.Duration
	lockWait time.Duration
	rowLocks bool
}

func NewReaper(db *bun.DB, ledger *inventory.Ledger, cache order.ListingCache, log *logger.Logger, interval, lockWait time.Duration) *Reaper {
	return &Reaper{
		db:       db,
		ledger:   ledger,
		cache:    cache,
		logger:   log,
		interval: interval,
		lockWait: lockWait,
		rowLocks: db.Dialect().Name() == dialect.PG,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.LogReaper(fmt.Sprintf("starting, interval %s", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.LogReaper("stopping")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("REAPER", fmt.Sprintf("sweep: %v", err))
			}
		}
	}
}

// Sweep expires every timed-out pending order it can and reports how many
// it transitioned. Orders that a concurrent payment confirmation wins are
// skipped silently; that race is decided by whoever takes the order's row
// lock first.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()

	var candidateIDs []string
	err := r.db.NewSelect().
		Model((*models.Order)(nil)).
		Column("id").
		Where("status = ?", models.OrderPending).
		Where("expires_at <= ?", time.Now()).
		Scan(ctx, &candidateIDs)
	if err != nil {
		return 0, fmt.Errorf("list expired candidates: %w", err)
	}

	expired := 0
	for _, id := range candidateIDs {
		ok, err := r.expireOne(ctx, id)
		if err != nil {
			r.logger.Error("REAPER", fmt.Sprintf("expire order %s: %v", id, err))
			continue
		}
		if ok {
			expired++
		}
	}

	if len(candidateIDs) > 0 {
		r.logger.LogReaper(fmt.Sprintf("swept %d candidate(s), expired %d", len(candidateIDs), expired))
	}
	monitoring.RecordOrdersExpired(expired)
	monitoring.ObserveSweep(time.Since(start).Seconds())
	return expired, nil
}

// expireOne transitions a single order. The status re-read inside the
// transaction is the race guard: a payment confirmation that committed
// between the candidate scan and our lock leaves the order paid, and we
// must not touch it.
func (r *Reaper) expireOne(ctx context.Context, orderID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.lockWait)
	defer cancel()

	var eventIDs []string
	expired := false
	err := r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		ord := new(models.Order)
		q := tx.NewSelect().Model(ord).Where("id = ?", orderID)
		if r.rowLocks {
			q = q.For("UPDATE")
		}
		if err := q.Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if ord.Status != models.OrderPending {
			return nil
		}

		var lines []models.OrderLine
		if err := tx.NewSelect().Model(&lines).Where("order_id = ?", orderID).Scan(ctx); err != nil {
			return fmt.Errorf("load lines: %w", err)
		}
		for _, ln := range lines {
			tt, err := r.ledger.Release(ctx, tx, ln.TicketTypeID, ln.Quantity)
			if err != nil {
				return err
			}
			eventIDs = append(eventIDs, tt.EventID)
		}

		ord.Status = models.OrderExpired
		if _, err := tx.NewUpdate().Model(ord).Column("status").WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, order.MapLockErr(err)
	}

	if expired {
		r.logger.LogOrder("EXPIRE", orderID, "grace window passed, inventory released")
		r.invalidate(orderID, eventIDs)
	}
	return expired, nil
}

func (r *Reaper) invalidate(orderID string, eventIDs []string) {
	if r.cache == nil {
		return
	}
	seen := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := r.cache.InvalidateEvent(context.Background(), id); err != nil {
			r.logger.Warn("CACHE", fmt.Sprintf("invalidate listing for event %s after expiry of %s: %v", id, orderID, err))
		}
	}
}
