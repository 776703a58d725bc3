package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marketmirror/marketmirror/internal/domain"
)

// PriceHistorySource fetches historical prices for one outcome token from
// the upstream API.
type PriceHistorySource interface {
	GetPriceHistory(ctx context.Context, tokenID string, from, to time.Time) ([]domain.PricePoint, error)
}

// HistoryService serves price history lazily: the store is consulted first,
// and an empty window triggers a one-time upstream fetch whose points are
// persisted before being returned. History is never fetched during catalog
// sync; only a read for a specific token pays the upstream cost.
type HistoryService struct {
	markets domain.MarketStore
	history domain.PriceHistoryStore
	source  PriceHistorySource
	logger  *slog.Logger
}

// NewHistoryService creates a HistoryService.
func NewHistoryService(
	markets domain.MarketStore,
	history domain.PriceHistoryStore,
	source PriceHistorySource,
	logger *slog.Logger,
) *HistoryService {
	return &HistoryService{
		markets: markets,
		history: history,
		source:  source,
		logger:  logger.With(slog.String("component", "history_service")),
	}
}

// GetHistory returns price points for one of a market's outcome tokens in
// [from, to]. The token must belong to the market identified by slug.
func (s *HistoryService) GetHistory(ctx context.Context, slug, tokenID string, from, to time.Time) ([]domain.PricePoint, error) {
	m, err := s.markets.GetBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("history_service: market %q: %w", slug, err)
	}

	owned := false
	for _, t := range m.TokenIDs {
		if t == tokenID {
			owned = true
			break
		}
	}
	if !owned {
		return nil, fmt.Errorf("history_service: token %q not in market %q: %w",
			tokenID, slug, domain.ErrNotFound)
	}

	points, err := s.history.ListRange(ctx, m.ConditionID, tokenID, from, to)
	if err != nil {
		return nil, fmt.Errorf("history_service: list range: %w", err)
	}
	if len(points) > 0 {
		return points, nil
	}

	fetched, err := s.source.GetPriceHistory(ctx, tokenID, from, to)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("history_service: fetch upstream: %w", err)
	}
	for i := range fetched {
		fetched[i].MarketID = m.ConditionID
	}

	if err := s.history.InsertBatch(ctx, fetched); err != nil {
		// Serve the fetched points anyway; the next read retries the insert.
		s.logger.WarnContext(ctx, "persist price history failed",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
	}

	return fetched, nil
}
