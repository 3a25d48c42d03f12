package broker

import (
	"context"
	"time"
)

// Consumer defines the consumer-side operations: leasing, acknowledging and
// failing deliveries, and managing subscriptions.
type Consumer interface {
	// ConsumeNext leases up to maxCount eligible deliveries of the named
	// subscription for visibilityTimeout. An empty result is not an error.
	ConsumeNext(ctx context.Context, subscriptionName string, visibilityTimeout time.Duration, maxCount int) ([]ConsumableEvent, error)

	// MarkConsumed acknowledges a delivery. A stale deliveryKey fails with
	// ErrConflict: the delivery was re-leased or handled by someone else.
	MarkConsumed(ctx context.Context, id int64, deliveryKey string) error

	// MarkFailed releases a delivery for redelivery, or ends it when its
	// delivery budget is spent. Stale keys fail with ErrConflict.
	MarkFailed(ctx context.Context, id int64, deliveryKey string, reason Reason) error

	GetSubscription(ctx context.Context, id int64) (Subscription, error)
	GetSubscriptionByName(ctx context.Context, name string) (Subscription, error)
	GetSubscriptions(ctx context.Context, topicID *int64) ([]Subscription, error)
	AddOrUpdateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) error
}
