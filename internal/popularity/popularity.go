// Package popularity maintains the best-effort purchase-count ranking used
// by the storefront's "popular products" listing. Every operation here may
// fail without affecting the payment that triggered it.
package popularity

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

const (
	// purchaseRankKey is a sorted set of product id -> purchase count.
	purchaseRankKey = "popularity:purchases"
	// popularListKey caches the rendered popular-products listing.
	popularListKey = "cache:products:popular"
)

// Cache tracks purchase counts in Redis.
type Cache struct {
	rdb *redis.Client
}

// New creates a Cache on the given Redis client.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// IncrementPurchaseCount bumps the product's rank by the purchased quantity.
func (c *Cache) IncrementPurchaseCount(ctx context.Context, productID string, quantity int64) error {
	if err := c.rdb.ZIncrBy(ctx, purchaseRankKey, float64(quantity), productID).Err(); err != nil {
		return errors.Wrap(err, "zincrby purchase rank")
	}
	return nil
}

// EvictPopularList drops the cached popular-products listing so the next
// read rebuilds it from the updated ranking.
func (c *Cache) EvictPopularList(ctx context.Context) error {
	if err := c.rdb.Del(ctx, popularListKey).Err(); err != nil {
		return errors.Wrap(err, "del popular list")
	}
	return nil
}

// TopProducts returns up to limit product IDs ordered by purchase count,
// highest first.
func (c *Cache) TopProducts(ctx context.Context, limit int64) ([]string, error) {
	ids, err := c.rdb.ZRevRange(ctx, purchaseRankKey, 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "zrevrange purchase rank")
	}
	return ids, nil
}

// GetPopularList returns the cached listing, or ("", nil) on a cache miss.
func (c *Cache) GetPopularList(ctx context.Context) (string, error) {
	s, err := c.rdb.Get(ctx, popularListKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "get popular list")
	}
	return s, nil
}

// SetPopularList caches the rendered listing.
func (c *Cache) SetPopularList(ctx context.Context, rendered string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, popularListKey, rendered, ttl).Err(); err != nil {
		return errors.Wrap(err, "set popular list")
	}
	return nil
}
