package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
)

// Cache fronts event listings with redis. Availability changes from
// purchases, cancellations and expiry sweeps invalidate the key, so a
// cached listing is never older than the last inventory change plus TTL.
type Cache struct {
	client *redis.Client
	logger *logger.Logger
	ttl    time.Duration
}

func NewCache(client *redis.Client, log *logger.Logger, ttl time.Duration) *Cache {
	return &Cache{client: client, logger: log, ttl: ttl}
}

func listingKey(eventID string) string {
	return "listing:event:" + eventID
}

func (c *Cache) GetListing(ctx context.Context, eventID string) ([]models.TicketType, bool) {
	raw, err := c.client.Get(ctx, listingKey(eventID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Error("REDIS", fmt.Sprintf("get listing for event %s: %v", eventID, err))
		}
		return nil, false
	}
	var types []models.TicketType
	if err := json.Unmarshal(raw, &types); err != nil {
		c.logger.Error("REDIS", fmt.Sprintf("decode cached listing for event %s: %v", eventID, err))
		return nil, false
	}
	return types, true
}

func (c *Cache) SetListing(ctx context.Context, eventID string, types []models.TicketType) {
	raw, err := json.Marshal(types)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, listingKey(eventID), raw, c.ttl).Err(); err != nil {
		c.logger.Error("REDIS", fmt.Sprintf("cache listing for event %s: %v", eventID, err))
	}
}

// InvalidateEvent drops the cached listing after an inventory change.
// A miss on the next read repopulates from the database.
func (c *Cache) InvalidateEvent(ctx context.Context, eventID string) error {
	if err := c.client.Del(ctx, listingKey(eventID)).Err(); err != nil {
		return fmt.Errorf("invalidate listing for event %s: %w", eventID, err)
	}
	return nil
}

// Listings combines the store and cache behind one read path.
type Listings struct {
	store *Store
	cache *Cache
}

func NewListings(store *Store, cache *Cache) *Listings {
	return &Listings{store: store, cache: cache}
}

func (l *Listings) ListEventTicketTypes(ctx context.Context, eventID string) ([]models.TicketType, error) {
	if l.cache != nil {
		if types, ok := l.cache.GetListing(ctx, eventID); ok {
			return types, nil
		}
	}
	types, err := l.store.ListEventTicketTypes(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		l.cache.SetListing(ctx, eventID, types)
	}
	return types, nil
}
