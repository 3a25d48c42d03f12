package consumer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"broker/internal/broker"
	"broker/internal/broker/retry"
	"broker/internal/validator"
)

// Consumer is the consumption engine: the concrete broker.Consumer. It holds
// no lease state of its own; every transition is a single storage call, so
// any number of Consumers may share one storage concurrently.
type Consumer struct {
	storage broker.Storage
	logger  *zap.Logger
	retry   retry.Policy
	window  time.Duration
	now     func() time.Time
}

var _ broker.Consumer = (*Consumer)(nil)

// Option configures a Consumer.
type Option func(*Consumer)

// WithClock replaces time.Now for lease and visibility computations.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.now = now }
}

// WithOrderingWindow lets higher priority events overtake peers published
// within the same window. Zero keeps priority as a tie-break for equal
// publication times. Storage buckets publication times in microseconds, so
// a non-zero window must be at least 1µs.
func WithOrderingWindow(w time.Duration) Option {
	return func(c *Consumer) { c.window = w }
}

// WithRetryPolicy bounds contention retries of storage calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Consumer) { c.retry = p }
}

func NewConsumer(storage broker.Storage, logger *zap.Logger, opts ...Option) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := Consumer{
		storage: storage,
		logger:  logger.Named("consumer"),
		retry:   retry.DefaultPolicy(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&c)
	}

	if err := validator.Validate("consumer", c.storage, c.now); err != nil {
		return nil, fmt.Errorf("failed to validate consumer deps: %w", err)
	}
	if c.window < 0 || (c.window > 0 && c.window < time.Microsecond) {
		return nil, fmt.Errorf("%w: ordering window %s must be zero or at least 1µs", broker.ErrValidation, c.window)
	}

	return &c, nil
}

// ConsumeNext implements broker.Consumer.ConsumeNext.
func (c *Consumer) ConsumeNext(ctx context.Context, subscriptionName string, visibilityTimeout time.Duration, maxCount int) ([]broker.ConsumableEvent, error) {
	if visibilityTimeout <= 0 {
		return nil, fmt.Errorf("%w: visibility timeout must be positive, got %s", broker.ErrValidation, visibilityTimeout)
	}
	if maxCount <= 0 {
		return nil, fmt.Errorf("%w: max count must be positive, got %d", broker.ErrValidation, maxCount)
	}

	sub, err := retry.Do(ctx, c.retry, c.logger, "get_subscription_by_name", func(ctx context.Context) (broker.Subscription, error) {
		return c.storage.GetSubscriptionByName(ctx, subscriptionName)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscription %s: %w", subscriptionName, err)
	}

	events, err := retry.Do(ctx, c.retry, c.logger, "lease_eligible", func(ctx context.Context) ([]broker.ConsumableEvent, error) {
		return c.storage.LeaseEligible(ctx, broker.LeaseRequest{
			SubscriptionID:    sub.ID,
			Ordered:           sub.Ordered,
			VisibilityTimeout: visibilityTimeout,
			MaxCount:          maxCount,
			OrderingWindow:    c.window,
			Now:               c.now().UTC(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lease events of subscription %s: %w", subscriptionName, err)
	}

	if len(events) > 0 {
		c.logger.Debug("leased events",
			zap.String("subscription", subscriptionName),
			zap.Int("count", len(events)),
		)
	}

	return events, nil
}

// MarkConsumed implements broker.Consumer.MarkConsumed.
func (c *Consumer) MarkConsumed(ctx context.Context, id int64, deliveryKey string) error {
	if deliveryKey == "" {
		return fmt.Errorf("%w: delivery %d: empty delivery key", broker.ErrValidation, id)
	}

	ok, err := retry.Do(ctx, c.retry, c.logger, "acknowledge", func(ctx context.Context) (bool, error) {
		return c.storage.AcknowledgeIfKeyMatches(ctx, id, deliveryKey)
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge delivery %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: delivery %d: stale delivery key", broker.ErrConflict, id)
	}

	c.logger.Debug("acknowledged delivery", zap.Int64("delivery_id", id))
	return nil
}

// MarkFailed implements broker.Consumer.MarkFailed.
func (c *Consumer) MarkFailed(ctx context.Context, id int64, deliveryKey string, reason broker.Reason) error {
	if deliveryKey == "" {
		return fmt.Errorf("%w: delivery %d: empty delivery key", broker.ErrValidation, id)
	}
	if reason.RetryAfter < 0 {
		return fmt.Errorf("%w: delivery %d: negative retry delay %s", broker.ErrValidation, id, reason.RetryAfter)
	}
	if reason.Kind == "" {
		reason.Kind = broker.ReasonTransient
	}

	ok, err := retry.Do(ctx, c.retry, c.logger, "fail", func(ctx context.Context) (bool, error) {
		return c.storage.FailIfKeyMatches(ctx, id, deliveryKey, reason, c.now().UTC())
	})
	if err != nil {
		return fmt.Errorf("failed to release delivery %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: delivery %d: stale delivery key", broker.ErrConflict, id)
	}

	c.logger.Debug("failed delivery",
		zap.Int64("delivery_id", id),
		zap.String("reason", reason.String()),
		zap.Duration("retry_after", reason.RetryAfter),
	)
	return nil
}

// GetSubscription implements broker.Consumer.GetSubscription.
func (c *Consumer) GetSubscription(ctx context.Context, id int64) (broker.Subscription, error) {
	return retry.Do(ctx, c.retry, c.logger, "get_subscription", func(ctx context.Context) (broker.Subscription, error) {
		return c.storage.GetSubscription(ctx, id)
	})
}

// GetSubscriptionByName implements broker.Consumer.GetSubscriptionByName.
func (c *Consumer) GetSubscriptionByName(ctx context.Context, name string) (broker.Subscription, error) {
	return retry.Do(ctx, c.retry, c.logger, "get_subscription_by_name", func(ctx context.Context) (broker.Subscription, error) {
		return c.storage.GetSubscriptionByName(ctx, name)
	})
}

// GetSubscriptions implements broker.Consumer.GetSubscriptions.
func (c *Consumer) GetSubscriptions(ctx context.Context, topicID *int64) ([]broker.Subscription, error) {
	return retry.Do(ctx, c.retry, c.logger, "get_subscriptions", func(ctx context.Context) ([]broker.Subscription, error) {
		return c.storage.GetSubscriptions(ctx, topicID)
	})
}

// AddOrUpdateSubscription implements broker.Consumer.AddOrUpdateSubscription.
func (c *Consumer) AddOrUpdateSubscription(ctx context.Context, sub broker.Subscription) (broker.Subscription, error) {
	if err := sub.Validate(); err != nil {
		return broker.Subscription{}, err
	}

	saved, err := retry.Do(ctx, c.retry, c.logger, "add_or_update_subscription", func(ctx context.Context) (broker.Subscription, error) {
		return c.storage.AddOrUpdateSubscription(ctx, sub)
	})
	if err != nil {
		return broker.Subscription{}, fmt.Errorf("failed to save subscription %s: %w", sub.Name, err)
	}

	return saved, nil
}

// DeleteSubscription implements broker.Consumer.DeleteSubscription.
func (c *Consumer) DeleteSubscription(ctx context.Context, id int64) error {
	err := retry.Exec(ctx, c.retry, c.logger, "delete_subscription", func(ctx context.Context) error {
		return c.storage.DeleteSubscription(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete subscription %d: %w", id, err)
	}

	c.logger.Info("deleted subscription", zap.Int64("subscription_id", id))
	return nil
}
