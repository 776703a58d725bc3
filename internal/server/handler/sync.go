package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/marketmirror/marketmirror/internal/domain"
)

// SyncControl exposes the synchronizer's out-of-band controls.
type SyncControl interface {
	Trigger(mode domain.SyncMode) bool
}

// CheckpointReader reads sync progress for the status endpoint.
type CheckpointReader interface {
	Get(ctx context.Context, mode domain.SyncMode) (domain.SyncCheckpoint, error)
}

// SyncHandler serves sync trigger and status endpoints. control is nil when
// the process is not running a synchronizer.
type SyncHandler struct {
	control     SyncControl
	checkpoints CheckpointReader
	logger      *slog.Logger
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(control SyncControl, checkpoints CheckpointReader, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{control: control, checkpoints: checkpoints, logger: logger}
}

// Trigger requests an out-of-band sync sweep.
// POST /api/sync/trigger?mode=incremental
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.control == nil {
		writeError(w, http.StatusServiceUnavailable, "synchronizer not running")
		return
	}

	mode := domain.SyncMode(r.URL.Query().Get("mode"))
	switch mode {
	case "":
		mode = domain.SyncModeIncremental
	case domain.SyncModeFull, domain.SyncModeIncremental:
	default:
		writeError(w, http.StatusBadRequest, "mode must be full or incremental")
		return
	}

	if !h.control.Trigger(mode) {
		writeError(w, http.StatusConflict, "a trigger is already pending")
		return
	}

	h.logger.InfoContext(r.Context(), "sync trigger accepted", slog.String("mode", string(mode)))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"mode":   string(mode),
	})
}

// Status reports checkpoint state for both sync modes.
// GET /api/sync/status
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint store not available in this mode")
		return
	}

	out := make(map[string]any, 2)
	for _, mode := range []domain.SyncMode{domain.SyncModeFull, domain.SyncModeIncremental} {
		cp, err := h.checkpoints.Get(r.Context(), mode)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				out[string(mode)] = nil
				continue
			}
			h.logger.ErrorContext(r.Context(), "handler: read checkpoint failed",
				slog.String("mode", string(mode)),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to read sync status")
			return
		}
		out[string(mode)] = cp
	}
	writeJSON(w, http.StatusOK, out)
}
