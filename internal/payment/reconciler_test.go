package payment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-ordering/internal/expiry"
	"ms-ordering/internal/fulfillment"
	"ms-ordering/internal/gateway"
	"ms-ordering/internal/inventory"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/order"
	"ms-ordering/internal/payment"
	"ms-ordering/internal/qr"
	"ms-ordering/internal/testdb"
)

// Mock implementations

type MockNotifier struct {
	mu     sync.Mutex
	orders []string
}

func (m *MockNotifier) OrderFulfilled(_ context.Context, orderID string, _ []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, orderID)
	return nil
}

type MockPaidPublisher struct {
	mu   sync.Mutex
	paid []string
}

func (m *MockPaidPublisher) PublishOrderPaid(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paid = append(m.paid, o.ID)
	return nil
}

// stubGateway answers Initiate with a canned handle.
type stubGateway struct {
	name string
	ref  string
}

func (g *stubGateway) Name() string { return g.name }

func (g *stubGateway) Initiate(_ context.Context, ord *models.Order, _ gateway.InitiateOptions) (*gateway.ProviderHandle, error) {
	return &gateway.ProviderHandle{
		Gateway:     g.name,
		Ref:         g.ref,
		CheckoutURL: "https://pay.example/" + ord.ID,
		Raw:         json.RawMessage(`{"stub":true}`),
	}, nil
}

func (g *stubGateway) NormalizeCallback(_ *http.Request) (*gateway.Confirmation, error) {
	return nil, nil
}

type fixture struct {
	db        *bun.DB
	orders    *order.Service
	ledger    *inventory.Ledger
	rec       *payment.Reconciler
	notifier  *MockNotifier
	publisher *MockPaidPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testdb.New(t)
	log := logger.NewNopLogger()
	ledger := inventory.NewLedger(db)
	orders := order.NewService(db, ledger, nil, nil, log, 15*time.Minute, 5*time.Second)
	engine := fulfillment.NewEngine(qr.NewGenerator(), log)
	notifier := &MockNotifier{}
	publisher := &MockPaidPublisher{}
	registry := gateway.NewRegistry(&stubGateway{name: "stripe", ref: "cs_test_123"})
	rec := payment.NewReconciler(db, registry, engine, notifier, publisher, log, 5*time.Second)
	return &fixture{db: db, orders: orders, ledger: ledger, rec: rec, notifier: notifier, publisher: publisher}
}

func (f *fixture) seedPendingOrder(t *testing.T, quantity int) *models.Order {
	t.Helper()
	ctx := context.Background()
	tt := &models.TicketType{
		ID:        "tt-1",
		EventID:   "event-1",
		Name:      "General Admission",
		Price:     decimal.NewFromInt(45),
		Available: 10,
	}
	_, err := f.db.NewInsert().Model(tt).On("CONFLICT DO NOTHING").Exec(ctx)
	require.NoError(t, err)

	ord, err := f.orders.CreateOrder(ctx, "buyer-1", []order.LineRequest{
		{TicketTypeID: "tt-1", Quantity: quantity},
	})
	require.NoError(t, err)
	return ord
}

func (f *fixture) confirmation(ord *models.Order, amount decimal.Decimal) *gateway.Confirmation {
	return &gateway.Confirmation{
		OrderID:     ord.ID,
		Gateway:     "stripe",
		Amount:      amount,
		ExternalRef: "cs_test_123",
		RawPayload:  json.RawMessage(`{"event":"checkout.session.completed"}`),
		Succeeded:   true,
	}
}

func (f *fixture) orderStatus(t *testing.T, orderID string) models.OrderStatus {
	t.Helper()
	ord := new(models.Order)
	require.NoError(t, f.db.NewSelect().Model(ord).Where("o.id = ?", orderID).Scan(context.Background()))
	return ord.Status
}

func (f *fixture) transactions(t *testing.T, orderID string) []models.PaymentTransaction {
	t.Helper()
	txns, err := f.rec.ListTransactions(context.Background(), orderID)
	require.NoError(t, err)
	return txns
}

func (f *fixture) ticketCount(t *testing.T, orderID string) int {
	t.Helper()
	count, err := f.db.NewSelect().
		Model((*models.IssuedTicket)(nil)).
		Where("order_id = ?", orderID).
		Count(context.Background())
	require.NoError(t, err)
	return count
}

func TestConfirmPayment(t *testing.T) {
	f := newFixture(t)
	ord := f.seedPendingOrder(t, 2)

	receipt, err := f.rec.ConfirmPayment(context.Background(), f.confirmation(ord, ord.TotalAmount))
	require.NoError(t, err)

	assert.Equal(t, models.OrderPaid, receipt.Order.Status)
	assert.Len(t, receipt.Tickets, 2)
	assert.Equal(t, models.OrderPaid, f.orderStatus(t, ord.ID))
	assert.Equal(t, 2, f.ticketCount(t, ord.ID))

	txns := f.transactions(t, ord.ID)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TxnCompleted, txns[0].Status)
	assert.Equal(t, "stripe", txns[0].Gateway)

	assert.Equal(t, []string{ord.ID}, f.notifier.orders)
	assert.Equal(t, []string{ord.ID}, f.publisher.paid)
}

func TestConfirmPaymentDuplicateIsNoOp(t *testing.T) {
	f := newFixture(t)
	ord := f.seedPendingOrder(t, 2)

	_, err := f.rec.ConfirmPayment(context.Background(), f.confirmation(ord, ord.TotalAmount))
	require.NoError(t, err)

	// Same confirmation delivered again: audited, rejected, harmless.
	_, err = f.rec.ConfirmPayment(context.Background(), f.confirmation(ord, ord.TotalAmount))
	var rErr *order.RejectedError
	require.ErrorAs(t, err, &rErr)

	assert.Equal(t, models.OrderPaid, f.orderStatus(t, ord.ID))
	assert.Equal(t, 2, f.ticketCount(t, ord.ID), "no extra tickets on replay")

	txns := f.transactions(t, ord.ID)
	require.Len(t, txns, 2)
	completed := 0
	for _, txn := range txns {
		if txn.Status == models.TxnCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed, "only the first attempt completes")

	// Side effects fired once.
	assert.Len(t, f.notifier.orders, 1)
	assert.Len(t, f.publisher.paid, 1)
}

func TestConfirmPaymentAmountMismatch(t *testing.T) {
	f := newFixture(t)
	ord := f.seedPendingOrder(t, 2)

	wrong := ord.TotalAmount.Sub(decimal.NewFromInt(1))
	_, err := f.rec.ConfirmPayment(context.Background(), f.confirmation(ord, wrong))
	var rErr *order.RejectedError
	require.ErrorAs(t, err, &rErr)
	assert.Contains(t, rErr.Reason, "amount mismatch")

	// The order survives the bad attempt and a corrected one still works.
	assert.Equal(t, models.OrderPending, f.orderStatus(t, ord.ID))
	assert.Zero(t, f.ticketCount(t, ord.ID))

	_, err = f.rec.ConfirmPayment(context.Background(), f.confirmation(ord, ord.TotalAmount))
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, f.orderStatus(t, ord.ID))

	txns := f.transactions(t, ord.ID)
	require.Len(t, txns, 2)
}

func TestConfirmPaymentGatewayFailure(t *testing.T) {
	f := newFixture(t)
	ord := f.seedPendingOrder(t, 1)

	conf := f.confirmation(ord, ord.TotalAmount)
	conf.Succeeded = false

	_, err := f.rec.ConfirmPayment(context.Background(), conf)
	var rErr *order.RejectedError
	require.ErrorAs(t, err, &rErr)

	// The buyer can still pay within the grace window.
	assert.Equal(t, models.OrderPending, f.orderStatus(t, ord.ID))
	assert.Zero(t, f.ticketCount(t, ord.ID))

	txns := f.transactions(t, ord.ID)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TxnFailed, txns[0].Status)
}

func TestConfirmPaymentUnknownOrder(t *testing.T) {
	f := newFixture(t)

	conf := &gateway.Confirmation{
		OrderID:   "no-such-order",
		Gateway:   "stripe",
		Amount:    decimal.NewFromInt(10),
		Succeeded: true,
	}
	_, err := f.rec.ConfirmPayment(context.Background(), conf)
	var rErr *order.RejectedError
	assert.ErrorAs(t, err, &rErr)
}

func TestConfirmPaymentAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ord := f.seedPendingOrder(t, 3)

	// The reaper won the race: the order expired and its inventory went
	// back on sale before the confirmation arrived.
	_, err := f.db.NewUpdate().
		Model((*models.Order)(nil)).
		Set("expires_at = ?", time.Now().Add(-time.Minute)).
		Where("id = ?", ord.ID).
		Exec(context.Background())
	require.NoError(t, err)

	reaper := expiry.NewReaper(f.db, f.ledger, nil, logger.NewNopLogger(), time.Minute, 5*time.Second)
	expired, err := reaper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	_, err = f.rec.ConfirmPayment(context.Background(), f.confirmation(ord, ord.TotalAmount))
	var rErr *order.RejectedError
	require.ErrorAs(t, err, &rErr)

	// The stale confirmation must not resurrect the order or mint tickets.
	assert.Equal(t, models.OrderExpired, f.orderStatus(t, ord.ID))
	assert.Zero(t, f.ticketCount(t, ord.ID))

	tt := new(models.TicketType)
	require.NoError(t, f.db.NewSelect().Model(tt).Where("id = ?", "tt-1").Scan(context.Background()))
	assert.Equal(t, 0, tt.Sold, "released inventory stays released")
}

func TestInitiatePayment(t *testing.T) {
	f := newFixture(t)
	ord := f.seedPendingOrder(t, 1)

	handle, err := f.rec.InitiatePayment(context.Background(), ord.ID, "buyer-1", "stripe", gateway.InitiateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_123", handle.Ref)
	assert.NotEmpty(t, handle.CheckoutURL)

	txns := f.transactions(t, ord.ID)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TxnPending, txns[0].Status)
	assert.Equal(t, "cs_test_123", txns[0].ExternalRef)
	assert.True(t, txns[0].Amount.Equal(ord.TotalAmount))
}

func TestInitiatePaymentRejections(t *testing.T) {
	f := newFixture(t)
	ord := f.seedPendingOrder(t, 1)

	// Unknown gateway.
	_, err := f.rec.InitiatePayment(context.Background(), ord.ID, "buyer-1", "paypal", gateway.InitiateOptions{})
	var vErr *order.ValidationError
	assert.ErrorAs(t, err, &vErr)

	// Someone else's order.
	_, err = f.rec.InitiatePayment(context.Background(), ord.ID, "buyer-2", "stripe", gateway.InitiateOptions{})
	assert.ErrorAs(t, err, &vErr)

	// Non-pending order.
	_, err = f.db.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", models.OrderCancelled).
		Where("id = ?", ord.ID).
		Exec(context.Background())
	require.NoError(t, err)

	_, err = f.rec.InitiatePayment(context.Background(), ord.ID, "buyer-1", "stripe", gateway.InitiateOptions{})
	var rErr *order.RejectedError
	assert.ErrorAs(t, err, &rErr)
}
