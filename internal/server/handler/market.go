package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/marketmirror/marketmirror/internal/domain"
)

// MarketService defines what the market handler needs from the service
// layer, declared locally so the handler package does not depend on the
// concrete implementation.
type MarketService interface {
	GetMarket(ctx context.Context, slug string) (domain.Market, error)
	ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	Count(ctx context.Context) (int64, error)
}

// HistoryService serves lazy-loaded price history.
type HistoryService interface {
	GetHistory(ctx context.Context, slug, tokenID string, from, to time.Time) ([]domain.PricePoint, error)
}

// MarketHandler serves market-related HTTP endpoints. markets and history
// are nil when the process has no catalog store, in which case the
// endpoints report 503.
type MarketHandler struct {
	markets MarketService
	history HistoryService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, history HistoryService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		history: history,
		logger:  logger,
	}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Total   int64           `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns active markets with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	if h.markets == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog not available in this mode")
		return
	}

	opts := parseListOpts(r)

	markets, err := h.markets.ListActive(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	total, err := h.markets.Count(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: count markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count markets")
		return
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its slug. A miss in both cache and
// store falls through to the upstream catalog.
// GET /api/markets/{slug}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	if h.markets == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog not available in this mode")
		return
	}

	slug := r.PathValue("slug")
	if slug == "" {
		writeError(w, http.StatusBadRequest, "missing market slug")
		return
	}

	market, err := h.markets.GetMarket(r.Context(), slug)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get market failed",
			slog.String("slug", slug),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market")
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// GetHistory returns price history for one of a market's outcome tokens.
// GET /api/markets/{slug}/history?token_id=...&from=RFC3339&to=RFC3339
func (h *MarketHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog not available in this mode")
		return
	}

	slug := r.PathValue("slug")
	tokenID := r.URL.Query().Get("token_id")
	if slug == "" || tokenID == "" {
		writeError(w, http.StatusBadRequest, "missing market slug or token_id")
		return
	}

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		to = t
	}

	points, err := h.history.GetHistory(r.Context(), slug, tokenID, from, to)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market or token not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get history failed",
			slog.String("slug", slug),
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"slug":     slug,
		"token_id": tokenID,
		"history":  points,
	})
}
