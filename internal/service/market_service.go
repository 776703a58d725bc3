// Package service contains the read-path use cases composed from the store,
// the cache, and the upstream API clients.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/marketmirror/marketmirror/internal/domain"
)

// CatalogLookup fetches a single market from the upstream catalog. It backs
// the miss path when a market is absent from both cache and store.
type CatalogLookup interface {
	GetMarketBySlug(ctx context.Context, slug string) (domain.Market, error)
}

// MarketService serves market lookups cache-aside: cache, then store, then
// the upstream catalog. Upstream fetches for the same slug are coalesced
// through singleflight so a burst of concurrent misses produces one API
// call, with every caller sharing its result. Failures are returned to all
// waiters and never cached, so the next request retries.
type MarketService struct {
	markets domain.MarketStore
	cache   domain.MarketCache
	catalog CatalogLookup
	group   singleflight.Group
	logger  *slog.Logger
}

// NewMarketService creates a MarketService with all required dependencies.
func NewMarketService(
	markets domain.MarketStore,
	cache domain.MarketCache,
	catalog CatalogLookup,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		markets: markets,
		cache:   cache,
		catalog: catalog,
		logger:  logger.With(slog.String("component", "market_service")),
	}
}

// GetMarket retrieves a market by slug. Cache hits return immediately;
// store hits back-fill the cache; full misses fetch from the upstream
// catalog, persist the result, and cache it.
func (s *MarketService) GetMarket(ctx context.Context, slug string) (domain.Market, error) {
	if m, err := s.cache.Get(ctx, slug); err == nil {
		return m, nil
	}

	m, err := s.markets.GetBySlug(ctx, slug)
	if err == nil {
		s.cacheSet(ctx, m)
		return m, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Market{}, fmt.Errorf("market_service: get by slug %q: %w", slug, err)
	}

	return s.fetchUpstream(ctx, slug)
}

// fetchUpstream resolves a full miss against the upstream catalog, with
// concurrent requests for the same slug collapsed into one flight.
func (s *MarketService) fetchUpstream(ctx context.Context, slug string) (domain.Market, error) {
	v, err, shared := s.group.Do(slug, func() (any, error) {
		m, err := s.catalog.GetMarketBySlug(ctx, slug)
		if err != nil {
			return nil, err
		}

		// Persist so the next miss resolves from the store, not the API.
		// A store failure surfaces to every waiter and nothing is cached,
		// so the next request retries the whole path.
		if upErr := s.markets.Upsert(ctx, m); upErr != nil {
			return nil, fmt.Errorf("persist upstream market: %w", upErr)
		}
		s.cacheSet(ctx, m)
		return m, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Market{}, fmt.Errorf("market_service: slug %q: %w", slug, domain.ErrNotFound)
		}
		return domain.Market{}, fmt.Errorf("market_service: fetch upstream %q: %w", slug, err)
	}

	if shared {
		s.logger.DebugContext(ctx, "coalesced upstream fetch", slog.String("slug", slug))
	}
	return v.(domain.Market), nil
}

// cacheSet back-fills the cache, logging instead of failing: a cache write
// error only costs the next lookup a store round-trip.
func (s *MarketService) cacheSet(ctx context.Context, m domain.Market) {
	if err := s.cache.Set(ctx, m); err != nil {
		s.logger.WarnContext(ctx, "cache set failed",
			slog.String("slug", m.Slug),
			slog.String("error", err.Error()),
		)
	}
}

// ListActive returns active markets directly from the persistent store.
func (s *MarketService) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.markets.ListActive(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list active: %w", err)
	}
	return markets, nil
}

// Count returns the total number of markets in the persistent store.
func (s *MarketService) Count(ctx context.Context) (int64, error) {
	count, err := s.markets.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("market_service: count: %w", err)
	}
	return count, nil
}
