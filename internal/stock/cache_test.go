package stock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute)
}

func TestCacheFetchJSONPopulatesOnce(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return Availability{Status: StatusInStock, Quantity: 12}, nil
	}

	key, err := cache.BuildKey(ctx, "stock", "avail", "1", "0", "1")
	require.NoError(t, err)

	var first, second Availability
	require.NoError(t, cache.FetchJSON(ctx, key, &first, loader))
	require.NoError(t, cache.FetchJSON(ctx, key, &second, loader))
	require.Equal(t, 1, calls)
	require.Equal(t, first, second)
	require.Equal(t, StatusInStock, second.Status)
}

func TestCacheBumpRotatesKeys(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	before, err := cache.BuildKey(ctx, "stock", "avail", "1", "0", "1")
	require.NoError(t, err)
	require.NoError(t, cache.Bump(ctx))
	after, err := cache.BuildKey(ctx, "stock", "avail", "1", "0", "1")
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestAvailabilityReadsThroughCache(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, nil, newTestCache(t), ServiceConfig{LowStockThreshold: 5})
	ctx := context.Background()
	key := ItemKey{ProductID: 1, LocationID: 1}

	_, err := svc.PostReceipt(ctx, ReceiptInput{ItemKey: key, Qty: 10, UnitCost: 1})
	require.NoError(t, err)

	avail, err := svc.Availability(ctx, key)
	require.NoError(t, err)
	require.Equal(t, StatusInStock, avail.Status)

	// A posted movement bumps the version, so the next read sees fresh data.
	_, err = svc.IssueBatch(ctx, IssueBatchInput{Type: MovementSale, Lines: []IssueLine{{ItemKey: key, Qty: 8}}})
	require.NoError(t, err)

	avail, err = svc.Availability(ctx, key)
	require.NoError(t, err)
	require.Equal(t, StatusLowStock, avail.Status)
	require.InDelta(t, 2, avail.Quantity, 1e-9)
}
