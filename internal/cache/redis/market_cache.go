package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketmirror/marketmirror/internal/domain"
)

// MarketCache implements domain.MarketCache using JSON-serialized Market
// values keyed by slug with a fixed TTL. Only positive lookups are cached;
// callers must never Set a market they failed to fetch.
type MarketCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewMarketCache creates a MarketCache backed by the given Client. A zero
// ttl falls back to 5 minutes.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MarketCache{rdb: c.Underlying(), ttl: ttl}
}

var _ domain.MarketCache = (*MarketCache)(nil)

func marketKey(slug string) string { return "mirror:market:" + slug }

// Set stores a Market in the cache under its slug.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.Slug, err)
	}

	if err := mc.rdb.Set(ctx, marketKey(market.Slug), data, mc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.Slug, err)
	}
	return nil
}

// Get retrieves a Market by slug. It returns domain.ErrNotFound when the
// key does not exist or has expired.
func (mc *MarketCache) Get(ctx context.Context, slug string) (domain.Market, error) {
	data, err := mc.rdb.Get(ctx, marketKey(slug)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", slug, err)
	}

	var market domain.Market
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", slug, err)
	}
	return market, nil
}

// Invalidate removes a Market from the cache.
func (mc *MarketCache) Invalidate(ctx context.Context, slug string) error {
	if err := mc.rdb.Del(ctx, marketKey(slug)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", slug, err)
	}
	return nil
}
