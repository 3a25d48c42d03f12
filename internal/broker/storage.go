package broker

import (
	"context"
	"time"
)

// Storage is the transactional storage contract the publisher and the
// consumption engine are built on. It is the single source of truth and the
// only synchronization point between concurrent producers and consumers:
// every method is one atomic operation.
//
// Implementations report unknown entities with ErrNotFound, name collisions
// and blocked deletes with ErrConflict, transient lock conflicts with
// ErrContention and anything else with ErrStorageFatal.
type Storage interface {
	// AddOrUpdateTopic inserts the topic when its ID is zero and updates it
	// otherwise. Names are unique.
	AddOrUpdateTopic(ctx context.Context, topic Topic) (Topic, error)

	GetTopic(ctx context.Context, id int64) (Topic, error)
	GetTopicByName(ctx context.Context, name string) (Topic, error)

	// GetTopics lists topics whose name contains nameFilter, all when empty.
	GetTopics(ctx context.Context, nameFilter string) ([]Topic, error)

	// DeleteTopic removes a topic. Without cascade it fails with ErrConflict
	// while subscriptions are bound to it or events exist. With cascade it
	// removes, deepest first, the deliveries and events of the topic, the
	// bindings to it and every subscription left without bindings.
	DeleteTopic(ctx context.Context, id int64, cascade bool) error

	// AddOrUpdateSubscription inserts or updates a subscription together with
	// its bindings, replacing previously stored bindings.
	AddOrUpdateSubscription(ctx context.Context, sub Subscription) (Subscription, error)

	GetSubscription(ctx context.Context, id int64) (Subscription, error)
	GetSubscriptionByName(ctx context.Context, name string) (Subscription, error)

	// GetSubscriptions lists all subscriptions, or only those bound to
	// topicID when it is not nil.
	GetSubscriptions(ctx context.Context, topicID *int64) ([]Subscription, error)

	// DeleteSubscription removes a subscription, its bindings and deliveries.
	DeleteSubscription(ctx context.Context, id int64) error

	// InsertEvent stores the event and one delivery per plan atomically.
	// Plans for subscriptions that no longer exist are skipped.
	InsertEvent(ctx context.Context, event Event, plans []DeliveryPlan) (Event, error)

	// LeaseEligible selects and leases deliveries as SelectForLease does, in
	// one atomic step with respect to concurrent callers.
	LeaseEligible(ctx context.Context, req LeaseRequest) ([]ConsumableEvent, error)

	// AcknowledgeIfKeyMatches marks the delivery consumed when key is the key
	// of its latest lease. It returns false for stale keys.
	AcknowledgeIfKeyMatches(ctx context.Context, id int64, key string) (bool, error)

	// FailIfKeyMatches releases the lease identified by key as Delivery.Fail
	// does. It returns false for stale keys.
	FailIfKeyMatches(ctx context.Context, id int64, key string, reason Reason, now time.Time) (bool, error)
}
