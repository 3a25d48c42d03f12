package consumer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"broker/internal/broker"
	"broker/internal/broker/tracing"
)

// TracedConsumer wraps a broker.Consumer with distributed tracing
// Layer order: TracedConsumer -> MetricsConsumer -> Consumer (real thing)
type TracedConsumer struct {
	consumer broker.Consumer
	tracer   *tracing.Tracer
}

// NewTracedConsumer creates a new traced consumer
func NewTracedConsumer(consumer broker.Consumer, tracer *tracing.Tracer) broker.Consumer {
	return &TracedConsumer{
		consumer: consumer,
		tracer:   tracer,
	}
}

func (c *TracedConsumer) ConsumeNext(ctx context.Context, subscriptionName string, visibilityTimeout time.Duration, maxCount int) ([]broker.ConsumableEvent, error) {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.consume_next")
	span.SetAttributes(c.tracer.ConsumeAttributes(subscriptionName, visibilityTimeout, maxCount)...)

	events, err := c.consumer.ConsumeNext(ctx, subscriptionName, visibilityTimeout, maxCount)
	span.SetAttributes(attribute.Int("broker.leased", len(events)))
	c.tracer.End(ctx, span, err)

	return events, err
}

func (c *TracedConsumer) MarkConsumed(ctx context.Context, id int64, deliveryKey string) error {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.mark_consumed")
	span.SetAttributes(c.tracer.DeliveryAttributes(id)...)

	err := c.consumer.MarkConsumed(ctx, id, deliveryKey)
	c.tracer.End(ctx, span, err)

	return err
}

func (c *TracedConsumer) MarkFailed(ctx context.Context, id int64, deliveryKey string, reason broker.Reason) error {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.mark_failed")
	span.SetAttributes(c.tracer.DeliveryAttributes(id)...)
	span.SetAttributes(attribute.String("broker.reason", string(reason.Kind)))

	err := c.consumer.MarkFailed(ctx, id, deliveryKey, reason)
	c.tracer.End(ctx, span, err)

	return err
}

func (c *TracedConsumer) GetSubscription(ctx context.Context, id int64) (broker.Subscription, error) {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.get_subscription")

	sub, err := c.consumer.GetSubscription(ctx, id)
	c.tracer.End(ctx, span, err)

	return sub, err
}

func (c *TracedConsumer) GetSubscriptionByName(ctx context.Context, name string) (broker.Subscription, error) {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.get_subscription_by_name")
	span.SetAttributes(attribute.String("broker.subscription", name))

	sub, err := c.consumer.GetSubscriptionByName(ctx, name)
	c.tracer.End(ctx, span, err)

	return sub, err
}

func (c *TracedConsumer) GetSubscriptions(ctx context.Context, topicID *int64) ([]broker.Subscription, error) {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.get_subscriptions")

	subs, err := c.consumer.GetSubscriptions(ctx, topicID)
	c.tracer.End(ctx, span, err)

	return subs, err
}

func (c *TracedConsumer) AddOrUpdateSubscription(ctx context.Context, sub broker.Subscription) (broker.Subscription, error) {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.add_or_update_subscription")
	span.SetAttributes(attribute.String("broker.subscription", sub.Name))

	saved, err := c.consumer.AddOrUpdateSubscription(ctx, sub)
	c.tracer.End(ctx, span, err)

	return saved, err
}

func (c *TracedConsumer) DeleteSubscription(ctx context.Context, id int64) error {
	ctx, span := c.tracer.StartSpan(ctx, "consumer.delete_subscription")

	err := c.consumer.DeleteSubscription(ctx, id)
	c.tracer.End(ctx, span, err)

	return err
}
