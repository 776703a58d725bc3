package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketmirror/marketmirror/internal/domain"
)

// CheckpointStore implements domain.CheckpointStore using PostgreSQL. One
// row per sync mode carries the cursor, the in-progress claim, and the
// completion timestamps.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// NewCheckpointStore creates a new CheckpointStore backed by the given pool.
func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

var _ domain.CheckpointStore = (*CheckpointStore)(nil)

const checkpointCols = `mode, cursor_offset, in_progress, batches_done,
	started_at, last_completed_at, updated_at`

func scanCheckpoint(row pgx.Row) (domain.SyncCheckpoint, error) {
	var cp domain.SyncCheckpoint
	var startedAt, lastCompletedAt *time.Time
	err := row.Scan(
		&cp.Mode, &cp.Cursor, &cp.InProgress, &cp.BatchesDone,
		&startedAt, &lastCompletedAt, &cp.UpdatedAt,
	)
	if err != nil {
		return domain.SyncCheckpoint{}, err
	}
	if startedAt != nil {
		cp.StartedAt = *startedAt
	}
	if lastCompletedAt != nil {
		cp.LastCompletedAt = *lastCompletedAt
	}
	return cp, nil
}

// Get returns the checkpoint for mode.
func (s *CheckpointStore) Get(ctx context.Context, mode domain.SyncMode) (domain.SyncCheckpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+checkpointCols+` FROM sync_checkpoints WHERE mode = $1`, string(mode))
	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SyncCheckpoint{}, domain.ErrNotFound
		}
		return domain.SyncCheckpoint{}, fmt.Errorf("postgres: get checkpoint %s: %w", mode, err)
	}
	return cp, nil
}

// Claim atomically marks the mode's checkpoint in-progress. The cursor
// resets to zero only when the previous run actually completed; a run that
// was released after a failure, or whose stale claim is being taken over,
// keeps its committed cursor so the new run resumes instead of restarting.
// A claim over a live run fails with ErrSyncInProgress unless that run's
// last heartbeat is older than staleAfter.
//
// "Completed" is last_completed_at at or after started_at: Complete stamps
// it, Release does not, so a released checkpoint still compares as
// unfinished.
func (s *CheckpointStore) Claim(ctx context.Context, mode domain.SyncMode, staleAfter time.Duration) (domain.SyncCheckpoint, error) {
	const query = `
		INSERT INTO sync_checkpoints (mode, cursor_offset, in_progress, batches_done, started_at, updated_at)
		VALUES ($1, 0, TRUE, 0, NOW(), NOW())
		ON CONFLICT (mode) DO UPDATE SET
			cursor_offset = CASE WHEN NOT sync_checkpoints.in_progress
					AND sync_checkpoints.last_completed_at >= sync_checkpoints.started_at
				THEN 0 ELSE sync_checkpoints.cursor_offset END,
			batches_done = CASE WHEN NOT sync_checkpoints.in_progress
					AND sync_checkpoints.last_completed_at >= sync_checkpoints.started_at
				THEN 0 ELSE sync_checkpoints.batches_done END,
			in_progress = TRUE,
			started_at  = NOW(),
			updated_at  = NOW()
		WHERE NOT sync_checkpoints.in_progress
		   OR sync_checkpoints.updated_at < NOW() - make_interval(secs => $2)
		RETURNING ` + checkpointCols

	row := s.pool.QueryRow(ctx, query, string(mode), staleAfter.Seconds())
	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SyncCheckpoint{}, domain.ErrSyncInProgress
		}
		return domain.SyncCheckpoint{}, fmt.Errorf("postgres: claim checkpoint %s: %w", mode, err)
	}
	return cp, nil
}

// Commit records the cursor and completed-batch count for an in-progress
// run. The in_progress guard keeps a run that lost its claim from moving
// the cursor out from under the run that took it over.
func (s *CheckpointStore) Commit(ctx context.Context, mode domain.SyncMode, cursor, batchesDone int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_checkpoints
		SET cursor_offset = $2, batches_done = $3, updated_at = NOW()
		WHERE mode = $1 AND in_progress`,
		string(mode), cursor, batchesDone)
	if err != nil {
		return fmt.Errorf("postgres: commit checkpoint %s: %w", mode, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: commit checkpoint %s: claim lost", mode)
	}
	return nil
}

// Complete clears in_progress and stamps last_completed_at.
func (s *CheckpointStore) Complete(ctx context.Context, mode domain.SyncMode) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_checkpoints
		SET in_progress = FALSE, last_completed_at = NOW(), updated_at = NOW()
		WHERE mode = $1 AND in_progress`,
		string(mode))
	if err != nil {
		return fmt.Errorf("postgres: complete checkpoint %s: %w", mode, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: complete checkpoint %s: claim lost", mode)
	}
	return nil
}

// Release clears in_progress without stamping completion, leaving the
// committed cursor for the next run to resume from.
func (s *CheckpointStore) Release(ctx context.Context, mode domain.SyncMode) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_checkpoints
		SET in_progress = FALSE, updated_at = NOW()
		WHERE mode = $1`,
		string(mode))
	if err != nil {
		return fmt.Errorf("postgres: release checkpoint %s: %w", mode, err)
	}
	return nil
}
