package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// MarketStore persists mirrored market metadata. Upserts are keyed by
// condition_id and idempotent: applying the same batch twice leaves the
// store in the same state as applying it once. Markets are never deleted.
type MarketStore interface {
	Upsert(ctx context.Context, market Market) error
	UpsertBatch(ctx context.Context, markets []Market) error
	GetBySlug(ctx context.Context, slug string) (Market, error)
	GetByConditionID(ctx context.Context, conditionID string) (Market, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// CheckpointStore persists sync progress, one record per mode.
type CheckpointStore interface {
	// Get returns the checkpoint for mode, or ErrNotFound when no sync of
	// that mode has ever run.
	Get(ctx context.Context, mode SyncMode) (SyncCheckpoint, error)

	// Claim marks the mode's checkpoint in-progress and returns it. The
	// cursor resets to zero only when the previous run completed; a run
	// released after a failure keeps its committed cursor so the next
	// claim resumes. It returns ErrSyncInProgress without side effects
	// when another run already holds the claim, unless that claim is
	// older than staleAfter, in which case the stuck claim is reclaimed.
	Claim(ctx context.Context, mode SyncMode, staleAfter time.Duration) (SyncCheckpoint, error)

	// Commit durably records the cursor and completed-batch count for an
	// in-progress run. It must be called only between fully-applied batches.
	Commit(ctx context.Context, mode SyncMode, cursor, batchesDone int) error

	// Complete clears in_progress and stamps last_completed_at.
	Complete(ctx context.Context, mode SyncMode) error

	// Release clears in_progress without stamping completion, leaving the
	// committed cursor for the next run to resume from.
	Release(ctx context.Context, mode SyncMode) error
}

// PriceHistoryStore persists append-only price history points.
type PriceHistoryStore interface {
	InsertBatch(ctx context.Context, points []PricePoint) error
	ListRange(ctx context.Context, marketID, tokenID string, from, to time.Time) ([]PricePoint, error)
}
