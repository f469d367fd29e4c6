// Package sinks provides Sink implementations for the event hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/sitepulse/sitepulse/internal/events"
)

// LogSink emits structured logs for scan event streams. Useful during
// development or audits where no external delivery is configured.
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
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.logger.Info("scan event",
			zap.String("scan_id", evt.ScanID),
			zap.String("stage", string(evt.Stage)),
			zap.String("task_type", string(evt.TaskType)),
			zap.String("url", evt.URL),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
