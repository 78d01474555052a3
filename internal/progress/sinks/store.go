package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/progress"
	"github.com/JakeFAU/bmie/internal/store"
)

// StoreSink persists run history via a store.HistoryRepository. It collapses
// attempt counters per site to reduce write amplification.
type StoreSink struct {
	repo   store.HistoryRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.HistoryRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume collapses site deltas and forwards them to the repository. Run
// starts are written before site counters and completions after them, so a
// single batch can carry a whole short run.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*store.SiteDelta)
	var completions []progress.Event

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.Note, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageRunDone, progress.StageRunAborted, progress.StageRunFailed:
			completions = append(completions, evt)
		case progress.StageAttemptDone:
			delta := siteDelta(stats, runID, evt, string(evt.StatusClass))
			delta.Attempts++
			delta.Artifacts += int64(evt.Artifacts)
		case progress.StageRetry:
			siteDelta(stats, runID, evt, "").Retries++
		}
	}

	for key, delta := range stats {
		if err := s.repo.UpsertSiteStats(ctx, key.runID, key.site, *delta); err != nil {
			return fmt.Errorf("upsert site stats: %w", err)
		}
	}
	for _, evt := range completions {
		var summary *string
		if evt.Note != "" {
			note := evt.Note
			summary = &note
		}
		if err := s.repo.CompleteRun(ctx, evt.RunUUID(), evt.TS, runStatus(evt.Stage), summary); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

func siteDelta(stats map[statsKey]*store.SiteDelta, runID uuid.UUID, evt progress.Event, class string) *store.SiteDelta {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	key := statsKey{runID: runID, site: site, statusClass: class}
	delta := stats[key]
	if delta == nil {
		delta = &store.SiteDelta{StatusClass: class}
		stats[key] = delta
	}
	if delta.At.IsZero() || evt.TS.After(delta.At) {
		delta.At = evt.TS
	}
	return delta
}

func runStatus(stage progress.Stage) store.RunStatus {
	switch stage {
	case progress.StageRunDone:
		return store.RunCompleted
	case progress.StageRunAborted:
		return store.RunAborted
	default:
		return store.RunFailed
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	runID       uuid.UUID
	site        string
	statusClass string
}
