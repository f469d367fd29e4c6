package sinks

import (
	"context"

	"github.com/sitepulse/sitepulse/internal/events"
	"github.com/sitepulse/sitepulse/internal/metrics"
	"github.com/sitepulse/sitepulse/internal/scan"
)

// MetricsSink feeds terminal task and scan events into the Prometheus
// collectors.
type MetricsSink struct{}

// NewMetricsSink constructs a MetricsSink.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

// Consume updates the collectors from the batch.
func (s *MetricsSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case events.StageTaskDone:
			metrics.ObserveTask(string(evt.TaskType), string(scan.StatusComplete))
			metrics.ObserveAnalyzerDuration(string(evt.TaskType), evt.Dur)
		case events.StageTaskError:
			metrics.ObserveTask(string(evt.TaskType), string(scan.StatusFailed))
		case events.StageScanDone:
			metrics.ObserveScanCompleted()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *MetricsSink) Close(context.Context) error {
	return nil
}
