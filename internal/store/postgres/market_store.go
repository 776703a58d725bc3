package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketmirror/marketmirror/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

var _ domain.MarketStore = (*MarketStore)(nil)

const upsertMarketQuery = `
	INSERT INTO markets (
		condition_id, slug, question,
		outcomes, token_ids, outcome_prices,
		volume, liquidity, active, closed, end_date,
		created_at, updated_at
	) VALUES (
		$1, $2, $3,
		$4, $5, $6,
		$7, $8, $9, $10, $11,
		NOW(), NOW()
	)
	ON CONFLICT (condition_id) DO UPDATE SET
		slug           = EXCLUDED.slug,
		question       = EXCLUDED.question,
		outcomes       = EXCLUDED.outcomes,
		token_ids      = EXCLUDED.token_ids,
		outcome_prices = EXCLUDED.outcome_prices,
		volume         = EXCLUDED.volume,
		liquidity      = EXCLUDED.liquidity,
		active         = EXCLUDED.active,
		closed         = EXCLUDED.closed,
		end_date       = EXCLUDED.end_date,
		updated_at     = NOW()`

// Upsert inserts or updates a single market keyed by condition_id.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	_, err := s.pool.Exec(ctx, upsertMarketQuery,
		m.ConditionID, m.Slug, m.Question,
		m.Outcomes, m.TokenIDs, m.OutcomePrices,
		m.Volume, m.Liquidity, m.Active, m.Closed, m.EndDate,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ConditionID, err)
	}
	return nil
}

// UpsertBatch inserts or updates multiple markets in a single batch
// round-trip. Re-applying the same batch is a no-op beyond updated_at.
func (s *MarketStore) UpsertBatch(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range markets {
		batch.Queue(upsertMarketQuery,
			m.ConditionID, m.Slug, m.Question,
			m.Outcomes, m.TokenIDs, m.OutcomePrices,
			m.Volume, m.Liquidity, m.Active, m.Closed, m.EndDate,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range markets {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert market batch item %d (%s): %w",
				i, markets[i].ConditionID, err)
		}
	}
	return nil
}

const marketCols = `condition_id, slug, question,
	outcomes, token_ids, outcome_prices,
	volume, liquidity, active, closed, end_date,
	created_at, updated_at`

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	err := row.Scan(
		&m.ConditionID, &m.Slug, &m.Question,
		&m.Outcomes, &m.TokenIDs, &m.OutcomePrices,
		&m.Volume, &m.Liquidity, &m.Active, &m.Closed, &m.EndDate,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	return m, nil
}

// GetBySlug retrieves a market by its URL slug.
func (s *MarketStore) GetBySlug(ctx context.Context, slug string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE slug = $1`, slug)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market by slug %s: %w", slug, err)
	}
	return m, nil
}

// GetByConditionID retrieves a market by its primary key.
func (s *MarketStore) GetByConditionID(ctx context.Context, conditionID string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE condition_id = $1`, conditionID)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", conditionID, err)
	}
	return m, nil
}

// ListActive returns markets that are active and not closed, most recently
// updated first.
func (s *MarketStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets
		WHERE active AND NOT closed
		ORDER BY updated_at DESC`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan active market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active markets rows: %w", err)
	}
	return markets, nil
}

// Count returns the total number of markets in the database.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return count, nil
}
