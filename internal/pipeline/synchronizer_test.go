package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketmirror/marketmirror/internal/domain"
	"github.com/marketmirror/marketmirror/internal/platform/polymarket"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeMarketStore struct {
	mu      sync.Mutex
	markets map[string]domain.Market
	batches int
}

func newFakeMarketStore() *fakeMarketStore {
	return &fakeMarketStore{markets: make(map[string]domain.Market)}
}

func (f *fakeMarketStore) Upsert(_ context.Context, m domain.Market) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markets[m.ConditionID] = m
	return nil
}

func (f *fakeMarketStore) UpsertBatch(_ context.Context, ms []domain.Market) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range ms {
		f.markets[m.ConditionID] = m
	}
	f.batches++
	return nil
}

func (f *fakeMarketStore) GetBySlug(_ context.Context, slug string) (domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.markets {
		if m.Slug == slug {
			return m, nil
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

func (f *fakeMarketStore) GetByConditionID(_ context.Context, id string) (domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (f *fakeMarketStore) ListActive(_ context.Context, _ domain.ListOpts) ([]domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Market
	for _, m := range f.markets {
		if m.Active && !m.Closed {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMarketStore) Count(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.markets)), nil
}

type fakeCheckpointStore struct {
	mu  sync.Mutex
	cps map[domain.SyncMode]domain.SyncCheckpoint
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{cps: make(map[domain.SyncMode]domain.SyncCheckpoint)}
}

func (f *fakeCheckpointStore) Get(_ context.Context, mode domain.SyncMode) (domain.SyncCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.cps[mode]
	if !ok {
		return domain.SyncCheckpoint{}, domain.ErrNotFound
	}
	return cp, nil
}

func (f *fakeCheckpointStore) Claim(_ context.Context, mode domain.SyncMode, staleAfter time.Duration) (domain.SyncCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.cps[mode]
	if ok && cp.InProgress && time.Since(cp.UpdatedAt) < staleAfter {
		return domain.SyncCheckpoint{}, domain.ErrSyncInProgress
	}
	// The cursor resets only when the previous run completed; a released
	// or stale claim keeps it so the new run resumes.
	completed := !cp.LastCompletedAt.IsZero() && !cp.LastCompletedAt.Before(cp.StartedAt)
	if !cp.InProgress && completed {
		cp.Cursor = 0
		cp.BatchesDone = 0
	}
	cp.Mode = mode
	cp.InProgress = true
	cp.StartedAt = time.Now()
	cp.UpdatedAt = time.Now()
	f.cps[mode] = cp
	return cp, nil
}

func (f *fakeCheckpointStore) Commit(_ context.Context, mode domain.SyncMode, cursor, batchesDone int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.cps[mode]
	if !cp.InProgress {
		return errors.New("claim lost")
	}
	cp.Cursor = cursor
	cp.BatchesDone = batchesDone
	cp.UpdatedAt = time.Now()
	f.cps[mode] = cp
	return nil
}

func (f *fakeCheckpointStore) Complete(_ context.Context, mode domain.SyncMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.cps[mode]
	cp.InProgress = false
	cp.LastCompletedAt = time.Now()
	cp.UpdatedAt = time.Now()
	f.cps[mode] = cp
	return nil
}

func (f *fakeCheckpointStore) Release(_ context.Context, mode domain.SyncMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.cps[mode]
	cp.InProgress = false
	cp.UpdatedAt = time.Now()
	f.cps[mode] = cp
	return nil
}

type fakeLockManager struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLockManager() *fakeLockManager {
	return &fakeLockManager{held: make(map[string]bool)}
}

func (f *fakeLockManager) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, key)
	}, nil
}

type fakeFetcher struct {
	mu         sync.Mutex
	pages      [][]polymarket.APIMarket
	pageSize   int
	offsets    []int
	activeOnly []bool
	failOnce   map[int]bool
}

func (f *fakeFetcher) GetMarkets(_ context.Context, limit, offset int, activeOnly bool) ([]polymarket.APIMarket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	f.activeOnly = append(f.activeOnly, activeOnly)

	if f.failOnce[offset] {
		delete(f.failOnce, offset)
		return nil, errors.New("upstream unavailable")
	}

	idx := offset / f.pageSize
	if idx >= len(f.pages) {
		return nil, nil
	}
	return f.pages[idx], nil
}

func apiMarket(i int) polymarket.APIMarket {
	return polymarket.APIMarket{
		ID:            fmt.Sprintf("%d", i),
		Question:      fmt.Sprintf("Will thing %d happen?", i),
		ConditionID:   fmt.Sprintf("0xcond%d", i),
		Slug:          fmt.Sprintf("market-%d", i),
		Outcomes:      `["Yes","No"]`,
		OutcomePrices: `["0.52","0.48"]`,
		ClobTokenIDs:  fmt.Sprintf(`["tok%d-yes","tok%d-no"]`, i, i),
	}
}

func makePages(total, pageSize int) [][]polymarket.APIMarket {
	var pages [][]polymarket.APIMarket
	for start := 0; start < total; start += pageSize {
		end := start + pageSize
		if end > total {
			end = total
		}
		page := make([]polymarket.APIMarket, 0, end-start)
		for i := start; i < end; i++ {
			page = append(page, apiMarket(i))
		}
		pages = append(pages, page)
	}
	return pages
}

func newTestSynchronizer(t *testing.T, fetcher *fakeFetcher, batchSize int) (*Synchronizer, *fakeMarketStore, *fakeCheckpointStore, *fakeLockManager) {
	t.Helper()
	store := newFakeMarketStore()
	cps := newFakeCheckpointStore()
	locks := newFakeLockManager()
	s := NewSynchronizer(store, cps, locks, fetcher, nil, SynchronizerConfig{
		BatchSize:           batchSize,
		IncrementalInterval: 5 * time.Minute,
		FullInterval:        24 * time.Hour,
	}, slog.Default())
	return s, store, cps, locks
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSynchronizerFullSweep(t *testing.T) {
	fetcher := &fakeFetcher{pages: makePages(1120, 500), pageSize: 500}
	s, store, cps, _ := newTestSynchronizer(t, fetcher, 500)

	err := s.Run(context.Background(), domain.SyncModeFull)
	require.NoError(t, err)

	require.Len(t, store.markets, 1120)
	require.Equal(t, 3, store.batches)

	cp, err := cps.Get(context.Background(), domain.SyncModeFull)
	require.NoError(t, err)
	require.False(t, cp.InProgress)
	require.Equal(t, 1120, cp.Cursor)
	require.Equal(t, 3, cp.BatchesDone)
	require.False(t, cp.LastCompletedAt.IsZero())

	// Full sweeps request the unfiltered catalog.
	for _, activeOnly := range fetcher.activeOnly {
		require.False(t, activeOnly)
	}
}

func TestSynchronizerIncrementalRequestsOpenMarkets(t *testing.T) {
	fetcher := &fakeFetcher{pages: makePages(10, 500), pageSize: 500}
	s, _, _, _ := newTestSynchronizer(t, fetcher, 500)

	err := s.Run(context.Background(), domain.SyncModeIncremental)
	require.NoError(t, err)
	require.NotEmpty(t, fetcher.activeOnly)
	for _, activeOnly := range fetcher.activeOnly {
		require.True(t, activeOnly)
	}
}

func TestSynchronizerSkipsMalformedRecords(t *testing.T) {
	missingID := apiMarket(9000)
	missingID.ConditionID = ""
	misaligned := apiMarket(9001)
	misaligned.OutcomePrices = `["0.5"]`
	badEncoding := apiMarket(9002)
	badEncoding.Outcomes = `not json`

	page := []polymarket.APIMarket{apiMarket(1), missingID, misaligned, badEncoding, apiMarket(2)}
	fetcher := &fakeFetcher{pages: [][]polymarket.APIMarket{page}, pageSize: 500}
	s, store, cps, _ := newTestSynchronizer(t, fetcher, 500)

	err := s.Run(context.Background(), domain.SyncModeFull)
	require.NoError(t, err)

	// Only the well-formed records land; the cursor still covers the whole page.
	require.Len(t, store.markets, 2)
	cp, err := cps.Get(context.Background(), domain.SyncModeFull)
	require.NoError(t, err)
	require.Equal(t, 5, cp.Cursor)
}

func TestSynchronizerResumesFromCommittedCursor(t *testing.T) {
	fetcher := &fakeFetcher{
		pages:    makePages(1000, 500),
		pageSize: 500,
		failOnce: map[int]bool{500: true},
	}
	s, store, cps, _ := newTestSynchronizer(t, fetcher, 500)

	err := s.Run(context.Background(), domain.SyncModeFull)
	require.Error(t, err)

	// First page committed, claim released for the retry.
	cp, err := cps.Get(context.Background(), domain.SyncModeFull)
	require.NoError(t, err)
	require.False(t, cp.InProgress)
	require.Equal(t, 500, cp.Cursor)
	require.Len(t, store.markets, 500)

	// The checkpoint was released without completing, so the retry resumes.
	fetcher.mu.Lock()
	fetcher.offsets = nil
	fetcher.mu.Unlock()

	err = s.Run(context.Background(), domain.SyncModeFull)
	require.NoError(t, err)
	require.Len(t, store.markets, 1000)
	require.Equal(t, []int{500, 1000}, fetcher.offsets)
}

func TestCheckpointClaimCursorRule(t *testing.T) {
	ctx := context.Background()
	cps := newFakeCheckpointStore()

	// A released run keeps its committed cursor for the next claim.
	_, err := cps.Claim(ctx, domain.SyncModeFull, time.Hour)
	require.NoError(t, err)
	require.NoError(t, cps.Commit(ctx, domain.SyncModeFull, 500, 1))
	require.NoError(t, cps.Release(ctx, domain.SyncModeFull))

	cp, err := cps.Claim(ctx, domain.SyncModeFull, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 500, cp.Cursor)
	require.Equal(t, 1, cp.BatchesDone)

	// A completed run resets the cursor for the next claim.
	require.NoError(t, cps.Commit(ctx, domain.SyncModeFull, 1000, 2))
	require.NoError(t, cps.Complete(ctx, domain.SyncModeFull))

	cp, err = cps.Claim(ctx, domain.SyncModeFull, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, cp.Cursor)
	require.Equal(t, 0, cp.BatchesDone)
}

func TestSynchronizerRejectsConcurrentRun(t *testing.T) {
	fetcher := &fakeFetcher{pages: makePages(10, 500), pageSize: 500}
	s, _, _, locks := newTestSynchronizer(t, fetcher, 500)

	unlock, err := locks.Acquire(context.Background(), "sync:full", time.Minute)
	require.NoError(t, err)
	defer unlock()

	err = s.Run(context.Background(), domain.SyncModeFull)
	require.ErrorIs(t, err, domain.ErrSyncInProgress)
}

func TestSynchronizerFreshRunAfterCompleteStartsAtZero(t *testing.T) {
	fetcher := &fakeFetcher{pages: makePages(700, 500), pageSize: 500}
	s, _, _, _ := newTestSynchronizer(t, fetcher, 500)

	require.NoError(t, s.Run(context.Background(), domain.SyncModeFull))

	fetcher.mu.Lock()
	fetcher.offsets = nil
	fetcher.mu.Unlock()

	require.NoError(t, s.Run(context.Background(), domain.SyncModeFull))
	require.Equal(t, 0, fetcher.offsets[0])
}

func TestSynchronizerStaleClaimTakeover(t *testing.T) {
	fetcher := &fakeFetcher{pages: makePages(10, 500), pageSize: 500}
	s, _, cps, _ := newTestSynchronizer(t, fetcher, 500)

	// Simulate a crashed run: in-progress claim with an old heartbeat.
	cps.mu.Lock()
	cps.cps[domain.SyncModeFull] = domain.SyncCheckpoint{
		Mode:        domain.SyncModeFull,
		Cursor:      500,
		InProgress:  true,
		BatchesDone: 1,
		UpdatedAt:   time.Now().Add(-72 * time.Hour),
	}
	cps.mu.Unlock()

	err := s.Run(context.Background(), domain.SyncModeFull)
	require.NoError(t, err)

	// Takeover resumed from the stale claim's cursor.
	require.Equal(t, 500, fetcher.offsets[0])
}

func TestSynchronizerTriggerNonBlocking(t *testing.T) {
	fetcher := &fakeFetcher{pages: makePages(10, 500), pageSize: 500}
	s, _, _, _ := newTestSynchronizer(t, fetcher, 500)

	for i := 0; i < cap(s.trigger); i++ {
		require.True(t, s.Trigger(domain.SyncModeIncremental))
	}
	require.False(t, s.Trigger(domain.SyncModeIncremental))
}
