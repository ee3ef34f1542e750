package fulfillment_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-ordering/internal/fulfillment"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
	"ms-ordering/internal/qr"
	"ms-ordering/internal/testdb"
)

func seedPaidOrder(t *testing.T, db *bun.DB) (*models.Order, []models.OrderLine) {
	t.Helper()
	ctx := context.Background()

	tt := &models.TicketType{
		ID:        "tt-1",
		EventID:   "event-1",
		Name:      "General Admission",
		Price:     decimal.NewFromInt(30),
		Available: 10,
		Sold:      3,
	}
	_, err := db.NewInsert().Model(tt).Exec(ctx)
	require.NoError(t, err)

	ord := &models.Order{
		ID:          uuid.NewString(),
		BuyerID:     "buyer-1",
		Status:      models.OrderPaid,
		TotalAmount: decimal.NewFromInt(90),
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(15 * time.Minute),
	}
	_, err = db.NewInsert().Model(ord).Exec(ctx)
	require.NoError(t, err)

	lines := []models.OrderLine{
		{ID: uuid.NewString(), OrderID: ord.ID, TicketTypeID: "tt-1", Quantity: 2, UnitPrice: decimal.NewFromInt(30)},
		{ID: uuid.NewString(), OrderID: ord.ID, TicketTypeID: "tt-1", Quantity: 1, UnitPrice: decimal.NewFromInt(30)},
	}
	_, err = db.NewInsert().Model(&lines).Exec(ctx)
	require.NoError(t, err)

	return ord, lines
}

func fulfillInTx(t *testing.T, db *bun.DB, engine *fulfillment.Engine, ord *models.Order, lines []models.OrderLine) []models.IssuedTicket {
	t.Helper()
	var tickets []models.IssuedTicket
	err := db.RunInTx(context.Background(), &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var err error
		tickets, err = engine.Fulfill(ctx, tx, ord, lines)
		return err
	})
	require.NoError(t, err)
	return tickets
}

func TestFulfillMintsOneTicketPerUnit(t *testing.T) {
	db := testdb.New(t)
	engine := fulfillment.NewEngine(qr.NewGenerator(), logger.NewNopLogger())
	ord, lines := seedPaidOrder(t, db)

	tickets := fulfillInTx(t, db, engine, ord, lines)
	require.Len(t, tickets, 3)

	seen := make(map[string]bool)
	for _, ticket := range tickets {
		assert.Equal(t, ord.ID, ticket.OrderID)
		assert.Equal(t, "tt-1", ticket.TicketTypeID)
		assert.False(t, ticket.IsRedeemed)
		assert.NotEmpty(t, ticket.QRCode, "every ticket carries its QR image")
		assert.False(t, seen[ticket.ID], "ticket IDs must be unique")
		seen[ticket.ID] = true
	}

	count, err := db.NewSelect().Model((*models.IssuedTicket)(nil)).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestFulfillIsIdempotent(t *testing.T) {
	db := testdb.New(t)
	engine := fulfillment.NewEngine(qr.NewGenerator(), logger.NewNopLogger())
	ord, lines := seedPaidOrder(t, db)

	first := fulfillInTx(t, db, engine, ord, lines)
	second := fulfillInTx(t, db, engine, ord, lines)

	// The second call returns the original tickets untouched instead of
	// minting again.
	require.Len(t, second, len(first))
	firstIDs := make(map[string]bool, len(first))
	for _, ticket := range first {
		firstIDs[ticket.ID] = true
	}
	for _, ticket := range second {
		assert.True(t, firstIDs[ticket.ID])
	}

	count, err := db.NewSelect().Model((*models.IssuedTicket)(nil)).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(first), count)
}
