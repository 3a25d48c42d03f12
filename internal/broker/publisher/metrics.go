package publisher

import (
	"context"
	"time"

	"broker/internal/broker"
	"broker/internal/broker/metrics"
)

// MetricsPublisher wraps a broker.Publisher with metrics collection
type MetricsPublisher struct {
	broker.Publisher
	registry *metrics.Registry
}

// NewMetricsPublisher creates a new instrumented publisher. Topic management
// calls pass through unmeasured.
func NewMetricsPublisher(publisher broker.Publisher, registry *metrics.Registry) broker.Publisher {
	return &MetricsPublisher{
		Publisher: publisher,
		registry:  registry,
	}
}

// Publish implements broker.Publisher.Publish with metrics collection
func (p *MetricsPublisher) Publish(ctx context.Context, topicName string, pub broker.Publication) (broker.Event, error) {
	start := time.Now()

	event, err := p.Publisher.Publish(ctx, topicName, pub)
	p.registry.RecordPublish(topicName, len(pub.Payload), time.Since(start), err)

	return event, err
}
