package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/portfolio-rebalancer/internal/types"
)

// Cache keys
const (
	latestPricesKey = "prices:latest"
)

// CacheService provides JSON caching on top of Redis
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a cache service with a default TTL
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CacheService{redis: redis, ttl: ttl}
}

// Set stores a value with the default TTL
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL stores a value with a custom TTL
func (c *CacheService) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.redis.Set(ctx, key, data, ttl)
}

// Get loads a value into dest. A miss returns false without error.
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, found, err := c.redis.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// Invalidate removes one or more keys
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...)
}

// CachedPrices is the last price set fetched from the feed
type CachedPrices struct {
	Prices   types.PriceSet `json:"prices"`
	CachedAt time.Time      `json:"cachedAt"`
}

// StoreLatestPrices caches a successfully fetched price set
func (c *CacheService) StoreLatestPrices(ctx context.Context, prices types.PriceSet) error {
	return c.Set(ctx, latestPricesKey, CachedPrices{Prices: prices, CachedAt: time.Now().UTC()})
}

// LatestPrices returns the cached price set, if any
func (c *CacheService) LatestPrices(ctx context.Context) (*CachedPrices, bool, error) {
	var cp CachedPrices
	found, err := c.Get(ctx, latestPricesKey, &cp)
	if err != nil || !found {
		return nil, found, err
	}
	return &cp, true, nil
}
