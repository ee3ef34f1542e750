package catalog_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"ms-ordering/internal/catalog"
	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
)

// TestCacheIntegration exercises the listing cache against a real Redis
// container.
func TestCacheIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping Redis integration test in short mode")
	}

	ctx := context.Background()
	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:latest",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	defer redisContainer.Terminate(ctx)

	host, err := redisContainer.Host(ctx)
	require.NoError(t, err)
	port, err := redisContainer.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	defer client.Close()

	cache := catalog.NewCache(client, logger.NewNopLogger(), time.Minute)

	// Cold cache misses.
	_, ok := cache.GetListing(ctx, "event-1")
	assert.False(t, ok)

	types := []models.TicketType{
		{ID: "tt-1", EventID: "event-1", Name: "GA", Price: decimal.NewFromInt(40), Available: 100, Sold: 3},
		{ID: "tt-2", EventID: "event-1", Name: "VIP", Price: decimal.NewFromInt(120), Available: 20},
	}
	cache.SetListing(ctx, "event-1", types)

	got, ok := cache.GetListing(ctx, "event-1")
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "tt-1", got[0].ID)
	assert.Equal(t, 3, got[0].Sold)
	assert.True(t, got[1].Price.Equal(decimal.NewFromInt(120)))

	// Invalidation empties the key; the next read misses again.
	require.NoError(t, cache.InvalidateEvent(ctx, "event-1"))
	_, ok = cache.GetListing(ctx, "event-1")
	assert.False(t, ok)

	// Invalidating an event that was never cached is harmless.
	require.NoError(t, cache.InvalidateEvent(ctx, "event-unknown"))
}
