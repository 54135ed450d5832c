package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
	"github.com/rafaelwaynne/procwatch/internal/notify"
)

// LogSink emits one structured log line per event.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []notify.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("event", evt.Name),
			zap.Time("ts", evt.TS),
		}
		if h, ok := evt.Payload.(monitor.HistoryEvent); ok {
			fields = append(fields,
				zap.String("process_id", h.ProcessID),
				zap.String("entry_id", h.Entry.ID),
				zap.Bool("error", h.Entry.Error),
			)
		}
		s.logger.Info("event broadcast", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
