package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketmirror/marketmirror/internal/domain"
)

// PriceHistoryStore implements domain.PriceHistoryStore using PostgreSQL.
// Rows are append-only; re-inserting a point that already exists is a no-op.
type PriceHistoryStore struct {
	pool *pgxpool.Pool
}

// NewPriceHistoryStore creates a new PriceHistoryStore backed by the given pool.
func NewPriceHistoryStore(pool *pgxpool.Pool) *PriceHistoryStore {
	return &PriceHistoryStore{pool: pool}
}

var _ domain.PriceHistoryStore = (*PriceHistoryStore)(nil)

// InsertBatch appends price points in a single batch round-trip.
func (s *PriceHistoryStore) InsertBatch(ctx context.Context, points []domain.PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO price_history (market_id, token_id, ts, price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (market_id, token_id, ts) DO NOTHING`

	for _, p := range points {
		batch.Queue(query, p.MarketID, p.TokenID, p.Timestamp, p.Price)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range points {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert price point %d: %w", i, err)
		}
	}
	return nil
}

// ListRange returns price points for one token ordered by timestamp.
func (s *PriceHistoryStore) ListRange(ctx context.Context, marketID, tokenID string, from, to time.Time) ([]domain.PricePoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT market_id, token_id, ts, price
		FROM price_history
		WHERE market_id = $1 AND token_id = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts ASC`,
		marketID, tokenID, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list price history %s/%s: %w", marketID, tokenID, err)
	}
	defer rows.Close()

	var points []domain.PricePoint
	for rows.Next() {
		var p domain.PricePoint
		if err := rows.Scan(&p.MarketID, &p.TokenID, &p.Timestamp, &p.Price); err != nil {
			return nil, fmt.Errorf("postgres: scan price point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list price history rows: %w", err)
	}
	return points, nil
}
