// Package pipeline contains the batch workers that move catalog data from
// the Polymarket APIs into the local store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marketmirror/marketmirror/internal/domain"
	"github.com/marketmirror/marketmirror/internal/platform/polymarket"
)

// minStaleClaim is the floor for the stale-claim takeover threshold, so a
// short mode interval cannot cause two healthy runs to fight over a claim.
const minStaleClaim = 30 * time.Minute

// CatalogFetcher retrieves one raw catalog page from the upstream API.
type CatalogFetcher interface {
	GetMarkets(ctx context.Context, limit, offset int, activeOnly bool) ([]polymarket.APIMarket, error)
}

// Notifier delivers operator notifications for sync lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// SynchronizerConfig holds the tunables for catalog synchronization.
type SynchronizerConfig struct {
	BatchSize           int
	IncrementalInterval time.Duration
	FullInterval        time.Duration
	// StaleClaimAfter overrides the derived stale-claim threshold when set.
	StaleClaimAfter time.Duration
}

// Synchronizer sweeps the upstream catalog into the market store in
// fixed-size batches, committing a durable checkpoint after every batch so
// an interrupted run resumes from the last committed page instead of
// starting over.
//
// A distributed lock plus the checkpoint claim keep concurrent runs of the
// same mode out; a second run fails fast with domain.ErrSyncInProgress.
type Synchronizer struct {
	store       domain.MarketStore
	checkpoints domain.CheckpointStore
	locks       domain.LockManager
	fetcher     CatalogFetcher
	notifier    Notifier
	cfg         SynchronizerConfig
	logger      *slog.Logger

	trigger chan domain.SyncMode
}

// NewSynchronizer creates a Synchronizer. notifier may be nil.
func NewSynchronizer(
	store domain.MarketStore,
	checkpoints domain.CheckpointStore,
	locks domain.LockManager,
	fetcher CatalogFetcher,
	notifier Notifier,
	cfg SynchronizerConfig,
	logger *slog.Logger,
) *Synchronizer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Synchronizer{
		store:       store,
		checkpoints: checkpoints,
		locks:       locks,
		fetcher:     fetcher,
		notifier:    notifier,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "synchronizer")),
		trigger:     make(chan domain.SyncMode, 4),
	}
}

// staleAfter returns how long a claim may go without a heartbeat before a
// new run takes it over: twice the mode interval, never below the floor.
func (s *Synchronizer) staleAfter(mode domain.SyncMode) time.Duration {
	if s.cfg.StaleClaimAfter > 0 {
		return s.cfg.StaleClaimAfter
	}
	interval := s.cfg.IncrementalInterval
	if mode == domain.SyncModeFull {
		interval = s.cfg.FullInterval
	}
	d := 2 * interval
	if d < minStaleClaim {
		d = minStaleClaim
	}
	return d
}

// Run executes a single sync sweep for the given mode. It returns
// domain.ErrSyncInProgress without touching the checkpoint when another run
// of the same mode is live.
func (s *Synchronizer) Run(ctx context.Context, mode domain.SyncMode) error {
	staleAfter := s.staleAfter(mode)

	unlock, err := s.locks.Acquire(ctx, "sync:"+string(mode), staleAfter)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("pipeline: sync %s: %w", mode, domain.ErrSyncInProgress)
		}
		return fmt.Errorf("pipeline: sync %s: acquire lock: %w", mode, err)
	}
	defer unlock()

	cp, err := s.checkpoints.Claim(ctx, mode, staleAfter)
	if err != nil {
		if errors.Is(err, domain.ErrSyncInProgress) {
			return fmt.Errorf("pipeline: sync %s: %w", mode, err)
		}
		return fmt.Errorf("pipeline: sync %s: claim checkpoint: %w", mode, err)
	}

	if cp.Cursor > 0 {
		s.logger.InfoContext(ctx, "resuming interrupted sync",
			slog.String("mode", string(mode)),
			slog.Int("cursor", cp.Cursor),
			slog.Int("batches_done", cp.BatchesDone),
		)
	}

	started := time.Now()
	synced, skipped, err := s.sweep(ctx, mode, cp)
	if err != nil {
		// Leave the committed cursor in place for the next run to resume.
		relCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if relErr := s.checkpoints.Release(relCtx, mode); relErr != nil {
			s.logger.ErrorContext(ctx, "release checkpoint failed",
				slog.String("mode", string(mode)),
				slog.String("error", relErr.Error()),
			)
		}
		s.notify(ctx, "sync.failed", fmt.Sprintf("Sync %s failed", mode),
			fmt.Sprintf("error after %d markets: %v", synced, err))
		return err
	}

	if err := s.checkpoints.Complete(ctx, mode); err != nil {
		return fmt.Errorf("pipeline: sync %s: complete checkpoint: %w", mode, err)
	}

	s.logger.InfoContext(ctx, "sync complete",
		slog.String("mode", string(mode)),
		slog.Int("synced", synced),
		slog.Int("skipped", skipped),
		slog.Duration("elapsed", time.Since(started)),
	)
	s.notify(ctx, "sync.completed", fmt.Sprintf("Sync %s completed", mode),
		fmt.Sprintf("%d markets in %s (%d malformed records skipped)",
			synced, time.Since(started).Round(time.Second), skipped))
	return nil
}

// sweep paginates the catalog from the checkpoint cursor to the end,
// committing after every fully-applied batch. It returns counts of upserted
// and skipped records.
func (s *Synchronizer) sweep(ctx context.Context, mode domain.SyncMode, cp domain.SyncCheckpoint) (synced, skipped int, err error) {
	offset := cp.Cursor
	batches := cp.BatchesDone
	activeOnly := mode == domain.SyncModeIncremental

	for {
		if err := ctx.Err(); err != nil {
			return synced, skipped, fmt.Errorf("pipeline: sync %s interrupted: %w", mode, err)
		}

		page, err := s.fetcher.GetMarkets(ctx, s.cfg.BatchSize, offset, activeOnly)
		if err != nil {
			return synced, skipped, fmt.Errorf("pipeline: fetch page offset=%d: %w", offset, err)
		}
		if len(page) == 0 {
			return synced, skipped, nil
		}

		markets := make([]domain.Market, 0, len(page))
		for i := range page {
			m, convErr := page[i].ToDomainMarket()
			if convErr != nil {
				skipped++
				s.logger.WarnContext(ctx, "skipping malformed market record",
					slog.String("mode", string(mode)),
					slog.String("error", convErr.Error()),
				)
				continue
			}
			markets = append(markets, m)
		}

		if err := s.store.UpsertBatch(ctx, markets); err != nil {
			return synced, skipped, fmt.Errorf("pipeline: upsert batch offset=%d: %w", offset, err)
		}

		// The cursor advances over raw records, skipped ones included, so
		// resume never re-fetches a page it already applied.
		offset += len(page)
		batches++
		synced += len(markets)

		if err := s.checkpoints.Commit(ctx, mode, offset, batches); err != nil {
			return synced, skipped, fmt.Errorf("pipeline: commit checkpoint offset=%d: %w", offset, err)
		}

		s.logger.InfoContext(ctx, "synced market batch",
			slog.String("mode", string(mode)),
			slog.Int("batch_size", len(markets)),
			slog.Int("cursor", offset),
			slog.Int("total_synced", synced),
		)

		if len(page) < s.cfg.BatchSize {
			return synced, skipped, nil
		}
	}
}

// Trigger requests an out-of-band sweep of the given mode. It never blocks;
// the request is dropped when a trigger for the loop is already pending.
func (s *Synchronizer) Trigger(mode domain.SyncMode) bool {
	select {
	case s.trigger <- mode:
		return true
	default:
		return false
	}
}

// RunLoop runs incremental sweeps on the short interval and full sweeps on
// the long one until the context is cancelled. An incremental sweep runs
// immediately on start; manual triggers interleave with the tickers.
func (s *Synchronizer) RunLoop(ctx context.Context) error {
	s.runLogged(ctx, domain.SyncModeIncremental)

	incremental := time.NewTicker(s.cfg.IncrementalInterval)
	defer incremental.Stop()
	full := time.NewTicker(s.cfg.FullInterval)
	defer full.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("synchronizer loop stopped")
			return ctx.Err()
		case <-incremental.C:
			s.runLogged(ctx, domain.SyncModeIncremental)
		case <-full.C:
			s.runLogged(ctx, domain.SyncModeFull)
		case mode := <-s.trigger:
			s.runLogged(ctx, mode)
		}
	}
}

// runLogged runs one sweep and logs failures instead of stopping the loop.
// A concurrent-run rejection is expected under multi-instance deployments
// and logs at info.
func (s *Synchronizer) runLogged(ctx context.Context, mode domain.SyncMode) {
	if err := s.Run(ctx, mode); err != nil {
		if errors.Is(err, domain.ErrSyncInProgress) {
			s.logger.InfoContext(ctx, "sync already running elsewhere",
				slog.String("mode", string(mode)))
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.ErrorContext(ctx, "sync failed",
			slog.String("mode", string(mode)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Synchronizer) notify(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
