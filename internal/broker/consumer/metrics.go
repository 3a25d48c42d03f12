package consumer

import (
	"context"
	"time"

	"broker/internal/broker"
	"broker/internal/broker/metrics"
)

// MetricsConsumer wraps a broker.Consumer with metrics collection
type MetricsConsumer struct {
	broker.Consumer
	registry *metrics.Registry
}

// NewMetricsConsumer creates a new instrumented consumer
func NewMetricsConsumer(consumer broker.Consumer, registry *metrics.Registry) broker.Consumer {
	return &MetricsConsumer{
		Consumer: consumer,
		registry: registry,
	}
}

// ConsumeNext implements broker.Consumer.ConsumeNext with metrics collection
func (c *MetricsConsumer) ConsumeNext(ctx context.Context, subscriptionName string, visibilityTimeout time.Duration, maxCount int) ([]broker.ConsumableEvent, error) {
	start := time.Now()

	events, err := c.Consumer.ConsumeNext(ctx, subscriptionName, visibilityTimeout, maxCount)
	c.registry.RecordConsume(subscriptionName, len(events), time.Since(start), err)

	return events, err
}

// MarkConsumed implements broker.Consumer.MarkConsumed with metrics collection
func (c *MetricsConsumer) MarkConsumed(ctx context.Context, id int64, deliveryKey string) error {
	err := c.Consumer.MarkConsumed(ctx, id, deliveryKey)
	c.registry.RecordAck(err)

	return err
}

// MarkFailed implements broker.Consumer.MarkFailed with metrics collection
func (c *MetricsConsumer) MarkFailed(ctx context.Context, id int64, deliveryKey string, reason broker.Reason) error {
	err := c.Consumer.MarkFailed(ctx, id, deliveryKey, reason)
	c.registry.RecordFail(reason.Kind, err)

	return err
}
