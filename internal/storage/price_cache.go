package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// PriceCache caches market prices per property
type PriceCache struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewPriceCache creates a new price cache
func NewPriceCache(cache *RedisCache, ttl time.Duration) *PriceCache {
	return &PriceCache{
		redis: cache,
		ttl:   ttl,
	}
}

// GenerateCacheKey generates the cache key for a property price
// Format: price:<property-id>
func (c *PriceCache) GenerateCacheKey(propertyID string) string {
	return "price:" + strings.ToLower(propertyID)
}

// Get returns the cached price. The bool is false on a cache miss.
func (c *PriceCache) Get(ctx context.Context, propertyID string) (decimal.Decimal, bool, error) {
	data, err := c.redis.get(ctx, c.GenerateCacheKey(propertyID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("failed to get price from cache: %w", err)
	}

	price, err := decimal.NewFromString(data)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to decode cached price: %w", err)
	}
	return price, true, nil
}

// Set stores a price with the configured TTL
func (c *PriceCache) Set(ctx context.Context, propertyID string, price decimal.Decimal) error {
	return c.redis.set(ctx, c.GenerateCacheKey(propertyID), price.String(), c.ttl)
}

// Invalidate removes the cached price of a property
func (c *PriceCache) Invalidate(ctx context.Context, propertyID string) error {
	return c.redis.del(ctx, c.GenerateCacheKey(propertyID))
}
