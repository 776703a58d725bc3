package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketmirror/marketmirror/internal/domain"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type memCache struct {
	mu      sync.Mutex
	entries map[string]domain.Market
	sets    int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]domain.Market)}
}

func (c *memCache) Set(_ context.Context, m domain.Market) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[m.Slug] = m
	c.sets++
	return nil
}

func (c *memCache) Get(_ context.Context, slug string) (domain.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[slug]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (c *memCache) Invalidate(_ context.Context, slug string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, slug)
	return nil
}

type memStore struct {
	mu        sync.Mutex
	markets   map[string]domain.Market
	upsertErr error
}

func newMemStore() *memStore {
	return &memStore{markets: make(map[string]domain.Market)}
}

func (s *memStore) Upsert(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.markets[m.Slug] = m
	return nil
}

func (s *memStore) UpsertBatch(ctx context.Context, ms []domain.Market) error {
	for _, m := range ms {
		if err := s.Upsert(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) GetBySlug(_ context.Context, slug string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[slug]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *memStore) GetByConditionID(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.markets {
		if m.ConditionID == id {
			return m, nil
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

func (s *memStore) ListActive(_ context.Context, _ domain.ListOpts) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if m.Active && !m.Closed {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.markets)), nil
}

type fakeCatalog struct {
	calls   atomic.Int64
	delay   time.Duration
	markets map[string]domain.Market
	err     error
}

func (f *fakeCatalog) GetMarketBySlug(_ context.Context, slug string) (domain.Market, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return domain.Market{}, f.err
	}
	m, ok := f.markets[slug]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func market(slug string) domain.Market {
	return domain.Market{
		Slug:          slug,
		ConditionID:   "0x" + slug,
		Question:      "Will it happen?",
		Outcomes:      []string{"Yes", "No"},
		TokenIDs:      []string{slug + "-yes", slug + "-no"},
		OutcomePrices: []float64{0.6, 0.4},
		Active:        true,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestGetMarketCacheHitSkipsStore(t *testing.T) {
	cache := newMemCache()
	store := newMemStore()
	catalog := &fakeCatalog{}
	svc := NewMarketService(store, cache, catalog, slog.Default())

	want := market("fed-decision-2025")
	require.NoError(t, cache.Set(context.Background(), want))

	got, err := svc.GetMarket(context.Background(), "fed-decision-2025")
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Zero(t, catalog.calls.Load())
}

func TestGetMarketStoreHitBackfillsCache(t *testing.T) {
	cache := newMemCache()
	store := newMemStore()
	catalog := &fakeCatalog{}
	svc := NewMarketService(store, cache, catalog, slog.Default())

	want := market("fed-decision-2025")
	require.NoError(t, store.Upsert(context.Background(), want))

	got, err := svc.GetMarket(context.Background(), "fed-decision-2025")
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Zero(t, catalog.calls.Load())

	cached, err := cache.Get(context.Background(), "fed-decision-2025")
	require.NoError(t, err)
	require.Equal(t, want, cached)
}

func TestGetMarketFullMissFetchesAndPersists(t *testing.T) {
	cache := newMemCache()
	store := newMemStore()
	want := market("fed-decision-2025")
	catalog := &fakeCatalog{markets: map[string]domain.Market{want.Slug: want}}
	svc := NewMarketService(store, cache, catalog, slog.Default())

	got, err := svc.GetMarket(context.Background(), want.Slug)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.EqualValues(t, 1, catalog.calls.Load())

	// Both layers back-filled: the next lookup never leaves the process.
	stored, err := store.GetBySlug(context.Background(), want.Slug)
	require.NoError(t, err)
	require.Equal(t, want, stored)
	cached, err := cache.Get(context.Background(), want.Slug)
	require.NoError(t, err)
	require.Equal(t, want, cached)
}

func TestGetMarketConcurrentMissesCoalesce(t *testing.T) {
	cache := newMemCache()
	store := newMemStore()
	want := market("fed-decision-2025")
	catalog := &fakeCatalog{
		markets: map[string]domain.Market{want.Slug: want},
		delay:   50 * time.Millisecond,
	}
	svc := NewMarketService(store, cache, catalog, slog.Default())

	const workers = 32
	var wg sync.WaitGroup
	results := make([]domain.Market, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.GetMarket(context.Background(), want.Slug)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, want, results[i])
	}
	require.EqualValues(t, 1, catalog.calls.Load())
}

func TestGetMarketUpstreamErrorNotCached(t *testing.T) {
	cache := newMemCache()
	store := newMemStore()
	catalog := &fakeCatalog{err: errors.New("upstream down")}
	svc := NewMarketService(store, cache, catalog, slog.Default())

	_, err := svc.GetMarket(context.Background(), "flaky-market")
	require.Error(t, err)
	require.Zero(t, cache.sets)

	// Recovery: a later request retries upstream rather than serving a
	// cached failure.
	want := market("flaky-market")
	catalog.err = nil
	catalog.markets = map[string]domain.Market{want.Slug: want}

	got, err := svc.GetMarket(context.Background(), "flaky-market")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestGetMarketPersistFailureSurfaces(t *testing.T) {
	want := market("fed-decision-2025")
	cache := newMemCache()
	store := newMemStore()
	store.upsertErr = errors.New("store down")
	catalog := &fakeCatalog{markets: map[string]domain.Market{want.Slug: want}}
	svc := NewMarketService(store, cache, catalog, slog.Default())

	// A miss whose back-fill cannot be persisted is an error, and the
	// result is not cached as if it had succeeded.
	_, err := svc.GetMarket(context.Background(), want.Slug)
	require.Error(t, err)
	require.Zero(t, cache.sets)
	require.Empty(t, store.markets)

	// Once the store recovers the same lookup goes through end to end.
	store.mu.Lock()
	store.upsertErr = nil
	store.mu.Unlock()

	got, err := svc.GetMarket(context.Background(), want.Slug)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, 1, cache.sets)
}

func TestGetMarketUnknownSlugIsNotFound(t *testing.T) {
	svc := NewMarketService(newMemStore(), newMemCache(), &fakeCatalog{}, slog.Default())

	_, err := svc.GetMarket(context.Background(), "no-such-market")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
