package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/crawlpipe/crawlpipe/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a metrics backend is unavailable.
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

// Consume logs each event in the batch using structured fields. Failure kinds
// log at warn level so they stand out in aggregated output.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", evt.Stage),
			zap.String("kind", string(evt.Kind)),
			zap.String("run_id", evt.RunID),
			zap.String("batch_id", evt.BatchID),
			zap.String("item_id", evt.ItemID),
			zap.String("target", evt.Target),
			zap.Int64("processed", evt.Processed),
			zap.Int64("succeeded", evt.Succeeded),
			zap.Int64("failed", evt.Failed),
			zap.Int("queue_depth", evt.QueueDepth),
			zap.Int("limit", evt.Limit),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		}
		switch evt.Kind {
		case progress.KindStageFailed, progress.KindItemFailed, progress.KindBreakerOpened:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
