// Package testdb opens throwaway in-memory databases for tests.
package testdb

import (
	"context"
	"database/sql"
	"testing"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-ordering/internal/models"
)

// New returns a fresh in-memory SQLite database with the full schema.
// The pool is capped at one connection, so concurrent callers serialize
// the way Postgres row locks would serialize them in production.
func New(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	for _, model := range []any{
		(*models.TicketType)(nil),
		(*models.Order)(nil),
		(*models.OrderLine)(nil),
		(*models.PaymentTransaction)(nil),
		(*models.IssuedTicket)(nil),
	} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			t.Fatalf("create table for %T: %v", model, err)
		}
	}
	return db
}
