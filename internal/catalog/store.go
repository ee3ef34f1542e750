package catalog

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"

	"ms-ordering/internal/models"
)

var ErrTicketTypeNotFound = errors.New("ticket type not found")

// Store is the read side of the inventory: what is on sale and how much
// of it is left. Writes go through the reservation path, never here.
type Store struct {
	db *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetTicketType(ctx context.Context, id string) (*models.TicketType, error) {
	tt := new(models.TicketType)
	err := s.db.NewSelect().Model(tt).Where("tt.id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTicketTypeNotFound
		}
		return nil, err
	}
	return tt, nil
}

// ListEventTicketTypes returns every ticket type for an event, cheapest
// first. Remaining counts reflect committed reservations, so a listing
// can briefly lag a concurrent purchase.
func (s *Store) ListEventTicketTypes(ctx context.Context, eventID string) ([]models.TicketType, error) {
	var types []models.TicketType
	err := s.db.NewSelect().
		Model(&types).
		Where("event_id = ?", eventID).
		Order("price ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return types, nil
}

func (s *Store) CreateTicketType(ctx context.Context, tt *models.TicketType) error {
	_, err := s.db.NewInsert().Model(tt).Exec(ctx)
	return err
}
