package publisher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"broker/internal/broker"
	"broker/internal/broker/retry"
	"broker/internal/validator"
)

// Notifier is told which subscriptions received new deliveries.
type Notifier interface {
	Notify(ctx context.Context, subscriptions ...string) error
}

// Publisher is the concrete implementation of broker.Publisher on top of a
// broker.Storage.
type Publisher struct {
	storage  broker.Storage
	logger   *zap.Logger
	retry    retry.Policy
	notifier Notifier
	now      func() time.Time
}

var _ broker.Publisher = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

// WithRetryPolicy bounds contention retries of storage calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(pub *Publisher) { pub.retry = p }
}

// WithNotifier signals idle workers after a publish.
func WithNotifier(n Notifier) Option {
	return func(pub *Publisher) { pub.notifier = n }
}

// WithClock replaces time.Now as the default publication date source.
func WithClock(now func() time.Time) Option {
	return func(pub *Publisher) { pub.now = now }
}

func NewPublisher(storage broker.Storage, logger *zap.Logger, opts ...Option) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := Publisher{
		storage: storage,
		logger:  logger.Named("publisher"),
		retry:   retry.DefaultPolicy(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&p)
	}

	if err := validator.Validate("publisher", p.storage, p.now); err != nil {
		return nil, fmt.Errorf("failed to validate publisher dependencies: %w", err)
	}

	return &p, nil
}

// Publish implements broker.Publisher.Publish.
func (p *Publisher) Publish(ctx context.Context, topicName string, pub broker.Publication) (broker.Event, error) {
	if err := validator.Struct(pub); err != nil {
		return broker.Event{}, fmt.Errorf("%w: publication: %v", broker.ErrValidation, err)
	}

	topic, err := retry.Do(ctx, p.retry, p.logger, "get_topic_by_name", func(ctx context.Context) (broker.Topic, error) {
		return p.storage.GetTopicByName(ctx, topicName)
	})
	if err != nil {
		return broker.Event{}, fmt.Errorf("failed to resolve topic %s: %w", topicName, err)
	}

	subs, err := retry.Do(ctx, p.retry, p.logger, "get_subscriptions", func(ctx context.Context) ([]broker.Subscription, error) {
		return p.storage.GetSubscriptions(ctx, &topic.ID)
	})
	if err != nil {
		return broker.Event{}, fmt.Errorf("failed to list subscriptions of topic %s: %w", topicName, err)
	}

	published := pub.PublicationDateUTC
	if published.IsZero() {
		published = p.now()
	}
	published = published.UTC()

	var (
		plans []broker.DeliveryPlan
		names []string
	)
	for _, sub := range subs {
		binding, ok := sub.Binding(topic.ID)
		if !ok {
			continue
		}

		accepted, err := binding.Accepts(pub.Headers)
		if err != nil {
			p.logger.Warn("skipping binding with invalid filter",
				zap.String("topic", topicName),
				zap.String("subscription", sub.Name),
				zap.Error(err),
			)
			continue
		}
		if !accepted {
			continue
		}

		plans = append(plans, broker.DeliveryPlan{
			SubscriptionID:    sub.ID,
			InvisibleUntilUTC: published.Add(sub.DeliveryDelay),
			DeliveryCountMax:  sub.MaxDeliveries,
		})
		names = append(names, sub.Name)
	}

	event := broker.Event{
		TopicID:            topic.ID,
		FunctionalKey:      pub.FunctionalKey,
		PublicationDateUTC: published,
		Priority:           pub.Priority,
		Payload:            pub.Payload,
		Headers:            pub.Headers,
	}

	stored, err := retry.Do(ctx, p.retry, p.logger, "insert_event", func(ctx context.Context) (broker.Event, error) {
		return p.storage.InsertEvent(ctx, event, plans)
	})
	if err != nil {
		return broker.Event{}, fmt.Errorf("failed to insert event on topic %s: %w", topicName, err)
	}

	p.logger.Debug("published event",
		zap.String("topic", topicName),
		zap.Int64("event_id", stored.ID),
		zap.String("functional_key", stored.FunctionalKey),
		zap.Int("deliveries", len(plans)),
	)

	if p.notifier != nil && len(names) > 0 {
		if err := p.notifier.Notify(ctx, names...); err != nil {
			p.logger.Warn("failed to notify subscriptions", zap.Strings("subscriptions", names), zap.Error(err))
		}
	}

	return stored, nil
}

// AddOrUpdateTopic implements broker.Publisher.AddOrUpdateTopic.
func (p *Publisher) AddOrUpdateTopic(ctx context.Context, topic broker.Topic) (broker.Topic, error) {
	if err := topic.Validate(); err != nil {
		return broker.Topic{}, err
	}

	saved, err := retry.Do(ctx, p.retry, p.logger, "add_or_update_topic", func(ctx context.Context) (broker.Topic, error) {
		return p.storage.AddOrUpdateTopic(ctx, topic)
	})
	if err != nil {
		return broker.Topic{}, fmt.Errorf("failed to save topic %s: %w", topic.Name, err)
	}

	return saved, nil
}

// GetTopic implements broker.Publisher.GetTopic.
func (p *Publisher) GetTopic(ctx context.Context, id int64) (broker.Topic, error) {
	return retry.Do(ctx, p.retry, p.logger, "get_topic", func(ctx context.Context) (broker.Topic, error) {
		return p.storage.GetTopic(ctx, id)
	})
}

// GetTopicByName implements broker.Publisher.GetTopicByName.
func (p *Publisher) GetTopicByName(ctx context.Context, name string) (broker.Topic, error) {
	return retry.Do(ctx, p.retry, p.logger, "get_topic_by_name", func(ctx context.Context) (broker.Topic, error) {
		return p.storage.GetTopicByName(ctx, name)
	})
}

// GetTopics implements broker.Publisher.GetTopics.
func (p *Publisher) GetTopics(ctx context.Context, nameFilter string) ([]broker.Topic, error) {
	return retry.Do(ctx, p.retry, p.logger, "get_topics", func(ctx context.Context) ([]broker.Topic, error) {
		return p.storage.GetTopics(ctx, nameFilter)
	})
}

// DeleteTopic implements broker.Publisher.DeleteTopic.
func (p *Publisher) DeleteTopic(ctx context.Context, id int64, cascade bool) error {
	err := retry.Exec(ctx, p.retry, p.logger, "delete_topic", func(ctx context.Context) error {
		return p.storage.DeleteTopic(ctx, id, cascade)
	})
	if err != nil {
		return fmt.Errorf("failed to delete topic %d: %w", id, err)
	}

	p.logger.Info("deleted topic", zap.Int64("topic_id", id), zap.Bool("cascade", cascade))
	return nil
}
