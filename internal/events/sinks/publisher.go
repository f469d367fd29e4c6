package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sitepulse/sitepulse/internal/events"
	"github.com/sitepulse/sitepulse/internal/scan"
)

// PublisherSink forwards scan completion events to an external topic so
// downstream consumers (dashboards, notifiers) learn about finished
// scans without polling.
type PublisherSink struct {
	publisher scan.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink wires a Publisher to the sink interface.
func NewPublisherSink(publisher scan.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes the terminal events in the batch. A failed publish
// fails the whole batch so the hub logs it, but delivery stays
// best-effort from the orchestrator's point of view.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	for _, evt := range batch {
		if evt.Stage != events.StageScanDone {
			continue
		}
		id, err := s.publisher.Publish(ctx, s.topic, evt)
		if err != nil {
			return fmt.Errorf("publish scan completion: %w", err)
		}
		s.logger.Debug("scan completion published",
			zap.String("scan_id", evt.ScanID), zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
