package publisher

import (
	"context"

	"broker/internal/broker"
	"broker/internal/broker/tracing"
)

// TracedPublisher wraps a broker.Publisher with distributed tracing
// Layer order: TracedPublisher -> MetricsPublisher -> Publisher (real thing)
type TracedPublisher struct {
	publisher broker.Publisher
	tracer    *tracing.Tracer
}

// NewTracedPublisher creates a new traced publisher
func NewTracedPublisher(publisher broker.Publisher, tracer *tracing.Tracer) broker.Publisher {
	return &TracedPublisher{
		publisher: publisher,
		tracer:    tracer,
	}
}

func (p *TracedPublisher) Publish(ctx context.Context, topicName string, pub broker.Publication) (broker.Event, error) {
	ctx, span := p.tracer.StartSpan(ctx, "publisher.publish")
	span.SetAttributes(p.tracer.PublishAttributes(topicName, pub.FunctionalKey, pub.Priority)...)

	event, err := p.publisher.Publish(ctx, topicName, pub)
	p.tracer.End(ctx, span, err)

	return event, err
}

func (p *TracedPublisher) AddOrUpdateTopic(ctx context.Context, topic broker.Topic) (broker.Topic, error) {
	ctx, span := p.tracer.StartSpan(ctx, "publisher.add_or_update_topic")
	span.SetAttributes(p.tracer.TopicAttributes(topic.Name)...)

	saved, err := p.publisher.AddOrUpdateTopic(ctx, topic)
	p.tracer.End(ctx, span, err)

	return saved, err
}

func (p *TracedPublisher) GetTopic(ctx context.Context, id int64) (broker.Topic, error) {
	ctx, span := p.tracer.StartSpan(ctx, "publisher.get_topic")

	topic, err := p.publisher.GetTopic(ctx, id)
	p.tracer.End(ctx, span, err)

	return topic, err
}

func (p *TracedPublisher) GetTopicByName(ctx context.Context, name string) (broker.Topic, error) {
	ctx, span := p.tracer.StartSpan(ctx, "publisher.get_topic_by_name")
	span.SetAttributes(p.tracer.TopicAttributes(name)...)

	topic, err := p.publisher.GetTopicByName(ctx, name)
	p.tracer.End(ctx, span, err)

	return topic, err
}

func (p *TracedPublisher) GetTopics(ctx context.Context, nameFilter string) ([]broker.Topic, error) {
	ctx, span := p.tracer.StartSpan(ctx, "publisher.get_topics")

	topics, err := p.publisher.GetTopics(ctx, nameFilter)
	p.tracer.End(ctx, span, err)

	return topics, err
}

func (p *TracedPublisher) DeleteTopic(ctx context.Context, id int64, cascade bool) error {
	ctx, span := p.tracer.StartSpan(ctx, "publisher.delete_topic")

	err := p.publisher.DeleteTopic(ctx, id, cascade)
	p.tracer.End(ctx, span, err)

	return err
}
