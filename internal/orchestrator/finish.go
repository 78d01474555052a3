package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/executor"
	"github.com/JakeFAU/bmie/internal/job"
	"github.com/JakeFAU/bmie/internal/metrics"
	"github.com/JakeFAU/bmie/internal/progress"
	"github.com/JakeFAU/bmie/internal/source"
)

// finish writes the run's closing artifacts, emits the terminal events and
// moves the run into state.
func (r *Run) finish(ctx context.Context, state job.RunState, cause error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.deps.FinishTimeout)
	defer cancel()

	if state != job.RunFailed && r.cmd.Kind == job.KindSitemap {
		r.writeSitemap(writeCtx)
	}

	if err := r.transition(state); err != nil {
		r.logger.Error("run state", zap.Error(err))
	}
	r.mu.Lock()
	if cause != nil {
		r.runErr = cause.Error()
	}
	snap := r.snapshotLocked(r.endedAt)
	r.mu.Unlock()

	r.writeSummary(writeCtx, snap)
	snap = r.Snapshot()
	stats := snap.Stats
	r.emit(job.Event{Type: job.EventStats, Stats: &stats})

	message := fmt.Sprintf("Processed %d of %d URLs", stats.ProcessedURLs, stats.TotalURLs)
	if r.cmd.Kind == job.KindAnalysis {
		message = fmt.Sprintf("Analysis %s", state)
	}
	milestone := progress.Event{Dur: snap.EndedAt.Sub(snap.StartedAt), Note: message}
	switch state {
	case job.RunCompleted:
		milestone.Stage = progress.StageRunDone
	case job.RunAborted:
		milestone.Stage = progress.StageRunAborted
		r.emit(job.Event{
			Type:    job.EventAborted,
			State:   state,
			Message: fmt.Sprintf("Run canceled: %d of %d URLs processed", stats.ProcessedURLs, stats.TotalURLs),
		})
	case job.RunFailed:
		milestone.Stage = progress.StageRunFailed
		milestone.Note = snap.Err
		r.emit(job.Event{Type: job.EventError, State: state, Message: snap.Err})
	}
	r.emit(job.Event{Type: job.EventFinal, State: state, Message: message})

	metrics.ObserveRun(string(r.cmd.Kind), string(state))
	r.emitMilestone(milestone)
	r.logger.Info("run finished",
		zap.String("state", string(state)),
		zap.Int("processed", stats.ProcessedURLs),
		zap.Int("total", stats.TotalURLs),
		zap.Int("errors", stats.Errors),
		zap.Float64("success_rate", stats.SuccessRate),
		zap.Float64("total_time", stats.TotalTime),
	)
}

// writeSitemap records the resolved URL set as the run's sitemap output.
func (r *Run) writeSitemap(ctx context.Context) {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()
	if len(ids) == 0 {
		return
	}
	content, err := source.SitemapXML(ids)
	if err != nil {
		r.logger.Warn("render sitemap", zap.Error(err))
		return
	}
	r.addRunArtifact(ctx, job.Artifact{
		Name:    r.cmd.Options.SitemapOutput,
		Kind:    job.ArtifactXML,
		Content: content,
	})
}

func (r *Run) writeSummary(ctx context.Context, snap job.Snapshot) {
	summary := job.Summary{
		RunID:      snap.RunID,
		Kind:       snap.Kind,
		State:      snap.State,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.EndedAt,
		Options:    r.cmd.Options,
		Stats:      snap.Stats,
		Items:      snap.Items,
		Artifacts:  snap.Artifacts,
		Err:        snap.Err,
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		r.logger.Warn("encode summary", zap.Error(err))
		return
	}
	r.addRunArtifact(ctx, job.Artifact{
		Name:    r.cmd.Options.SummaryFile,
		Kind:    job.ArtifactJSON,
		Content: string(data),
	})

	if r.deps.Publisher == nil || r.deps.SummaryTopic == "" {
		return
	}
	msgID, err := r.deps.Publisher.Publish(ctx, r.deps.SummaryTopic, summary)
	if err != nil {
		r.logger.Warn("publish summary", zap.String("topic", r.deps.SummaryTopic), zap.Error(err))
		return
	}
	r.logger.Debug("summary published", zap.String("topic", r.deps.SummaryTopic), zap.String("message_id", msgID))
}

// addRunArtifact persists an artifact produced by the run itself. A storage
// failure is logged and the in-memory document is still reported.
func (r *Run) addRunArtifact(ctx context.Context, artifact job.Artifact) {
	stored, err := executor.Store(ctx, r.storeCfg, artifact)
	if err != nil {
		r.logger.Warn("store run artifact", zap.String("name", artifact.Name), zap.Error(err))
		stored = artifact
		stored.Path = job.ArtifactPath(r.cmd.Options.OutputDir, artifact.Name)
	}
	r.mu.Lock()
	r.artifacts = append(r.artifacts, stored)
	r.mu.Unlock()
	metrics.ObserveArtifact(string(stored.Kind))
	r.emit(job.Event{Type: job.EventFile, File: &stored})
}

func (r *Run) emit(evt job.Event) {
	if evt.At.IsZero() {
		evt.At = r.now()
	}
	if _, ok := r.log.Append(evt); !ok {
		r.logger.Debug("event dropped after close", zap.String("type", string(evt.Type)))
	}
}

func (r *Run) emitProgress() {
	r.mu.RLock()
	stats := r.agg.Snapshot(r.now())
	r.mu.RUnlock()
	r.emit(job.Event{Type: job.EventProgress, Percent: stats.Percent()})
	r.emit(job.Event{Type: job.EventStats, Stats: &stats})
}

func (r *Run) emitMilestone(evt progress.Event) {
	if r.deps.Progress == nil {
		return
	}
	evt.RunID = progress.RunKey(r.id)
	evt.TS = r.now().UTC()
	r.deps.Progress.Emit(evt)
}
