package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/bmie/internal/progress"
)

// LogSink emits structured logs for run milestones. It is the default sink
// when no metrics backend is scraped.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields. Attempt
// milestones log at debug level; run milestones at info.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Duration("dur", evt.Dur),
		}
		switch evt.Stage {
		case progress.StageAttemptDone, progress.StageRetry:
			fields = append(fields,
				zap.String("site", evt.Site),
				zap.String("item", evt.ItemID),
				zap.Int("attempt", evt.Attempt),
				zap.Int("artifacts", evt.Artifacts),
				zap.String("status_class", string(evt.StatusClass)),
				zap.String("note", evt.Note),
			)
			s.logger.Debug("progress event", fields...)
		default:
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
