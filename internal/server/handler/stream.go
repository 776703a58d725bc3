package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/marketmirror/marketmirror/internal/domain"
)

// StreamState exposes the ingester's in-memory state to the read API.
type StreamState interface {
	Snapshot(marketID string) (domain.BookSnapshot, bool)
	LogSince(seq uint64, limit int) []domain.StreamEntry
	LogLen() int
}

// StreamHandler serves the live-stream read endpoints. state is nil when
// the process is not running an ingester, in which case the endpoints
// report 503.
type StreamHandler struct {
	state  StreamState
	logger *slog.Logger
}

// NewStreamHandler creates a StreamHandler.
func NewStreamHandler(state StreamState, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{state: state, logger: logger}
}

// GetSnapshot returns the latest book snapshot for a market.
// GET /api/stream/snapshot/{marketID}
func (h *StreamHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.state == nil {
		writeError(w, http.StatusServiceUnavailable, "stream ingester not running")
		return
	}

	marketID := r.PathValue("marketID")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	snap, ok := h.state.Snapshot(marketID)
	if !ok {
		writeError(w, http.StatusNotFound, "no snapshot for market")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// streamLogEntry is the wire form of one log entry; the raw payload is
// embedded unescaped.
type streamLogEntry struct {
	MarketID   string `json:"market_id"`
	Seq        uint64 `json:"seq"`
	ReceivedAt string `json:"received_at"`
	Payload    any    `json:"payload"`
}

// GetLog returns stream log entries newer than since_seq, oldest first.
// GET /api/stream/log?since_seq=0&limit=100
func (h *StreamHandler) GetLog(w http.ResponseWriter, r *http.Request) {
	if h.state == nil {
		writeError(w, http.StatusServiceUnavailable, "stream ingester not running")
		return
	}

	var sinceSeq uint64
	if v := r.URL.Query().Get("since_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since_seq")
			return
		}
		sinceSeq = n
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	entries := h.state.LogSince(sinceSeq, limit)
	out := make([]streamLogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, streamLogEntry{
			MarketID:   e.MarketID,
			Seq:        e.Seq,
			ReceivedAt: e.ReceivedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			Payload:    jsonRaw(e.Payload),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": out,
		"count":   len(out),
	})
}

// jsonRaw exposes a stored payload as raw JSON when it parses, or as a
// string when it does not.
func jsonRaw(payload []byte) any {
	raw := rawMessage(payload)
	if raw != nil {
		return raw
	}
	return string(payload)
}
