package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/job"
	"github.com/JakeFAU/bmie/internal/orchestrator"
	"github.com/JakeFAU/bmie/internal/stream"
)

const (
	defaultItemLimit = 100
	maxItemLimit     = 1000
)

// RunSource exposes the most recent run.
type RunSource interface {
	Current() *orchestrator.Run
	Snapshot() job.Snapshot
}

// ProgressHandler exposes read-only views of the current run.
type ProgressHandler struct {
	runs   RunSource
	logger *zap.Logger
}

// NewProgressHandler wires the run source and logger.
func NewProgressHandler(runs RunSource, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{runs: runs, logger: logger}
}

// Snapshot handles GET /v1/jobs/current. Before the first run it returns an
// idle snapshot.
func (h *ProgressHandler) Snapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.runs.Snapshot())
}

// ListItems handles GET /v1/jobs/current/items?state=&limit=&offset=. It
// returns {"items": [...], "total": n} where total counts the filtered set,
// and 400 for invalid filters.
func (h *ProgressHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultItemLimit, maxItemLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var state *job.ItemState
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		parsed, parseErr := parseItemState(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		state = &parsed
	}

	snap := h.runs.Snapshot()
	filtered := make([]job.ItemStatus, 0, len(snap.Items))
	for _, item := range snap.Items {
		if state == nil || item.State == *state {
			filtered = append(filtered, item)
		}
	}
	total := len(filtered)
	start := min(offset, total)
	end := min(start+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"items": filtered[start:end],
		"total": total,
	})
}

// ListArtifacts handles GET /v1/jobs/current/artifacts.
func (h *ProgressHandler) ListArtifacts(w http.ResponseWriter, _ *http.Request) {
	snap := h.runs.Snapshot()
	artifacts := snap.Artifacts
	if artifacts == nil {
		artifacts = []job.Artifact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

// Events handles GET /v1/jobs/current/events?from=N. It replays the current
// run's events from seq N and follows until the run is terminal or the client
// goes away. 404 when no run exists.
func (h *ProgressHandler) Events(w http.ResponseWriter, r *http.Request) {
	from := 0
	if raw := r.URL.Query().Get("from"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			writeError(w, http.StatusBadRequest, "invalid from")
			return
		}
		from = val
	}
	run := h.runs.Current()
	if run == nil {
		writeError(w, http.StatusNotFound, "no run")
		return
	}
	h.stream(w, r, run, from)
}

func (h *ProgressHandler) stream(w http.ResponseWriter, r *http.Request, run *orchestrator.Run, from int) {
	w.Header().Set("Content-Type", ContentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Run-ID", run.ID())
	w.WriteHeader(http.StatusOK)

	enc := stream.NewEncoder(w)
	err := run.Subscribe(r.Context(), from, enc.Encode)
	switch {
	case err == nil:
	case r.Context().Err() != nil:
		h.logger.Debug("event stream client went away", zap.String("run_id", run.ID()))
	default:
		h.logger.Warn("event stream ended", zap.String("run_id", run.ID()), zap.Error(err))
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseItemState(input string) (job.ItemState, error) {
	switch strings.ToLower(input) {
	case "queued", "pending":
		return job.ItemQueued, nil
	case "dispatched", "running":
		return job.ItemDispatched, nil
	case "retrying":
		return job.ItemRetrying, nil
	case "succeeded", "success":
		return job.ItemSucceeded, nil
	case "permanently_failed", "failed", "error":
		return job.ItemPermanentlyFailed, nil
	default:
		return "", errors.New("invalid state")
	}
}
