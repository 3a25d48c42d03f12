package broker

import (
	"fmt"
	"time"

	"broker/internal/validator"
)

// Subscription is a named consumer-facing view over one or more topics.
//
// TopicSubscriptions is an owned child collection; each binding refers back
// to its topic and subscription by id only.
type Subscription struct {
	ID   int64  `json:"id"`
	Name string `json:"name" validate:"required,max=250"`

	// Ordered serializes delivery per functional key.
	Ordered bool `json:"ordered"`

	// MaxDeliveries bounds the number of leases per delivery, 0 is unlimited.
	MaxDeliveries int `json:"maxDeliveries" validate:"gte=0"`

	// DeliveryDelay postpones the first visibility of new deliveries.
	DeliveryDelay time.Duration `json:"deliveryDelay,omitempty" validate:"gte=0"`

	TopicSubscriptions []TopicSubscription `json:"topicSubscriptions" validate:"dive"`
}

// TopicSubscription binds a subscription to a topic, optionally filtered on
// event headers.
type TopicSubscription struct {
	ID             int64    `json:"id"`
	TopicID        int64    `json:"topicId" validate:"gt=0"`
	SubscriptionID int64    `json:"subscriptionId"`
	Enabled        bool     `json:"enabled"`
	Filtered       bool     `json:"filtered"`
	Filters        []Filter `json:"filters,omitempty" validate:"dive"`
}

// Validate checks the subscription, its bindings and compiles every filter.
func (s *Subscription) Validate() error {
	if err := validator.Struct(s); err != nil {
		return fmt.Errorf("%w: subscription: %v", ErrValidation, err)
	}

	seen := make(map[int64]struct{}, len(s.TopicSubscriptions))
	for _, ts := range s.TopicSubscriptions {
		if _, dup := seen[ts.TopicID]; dup {
			return fmt.Errorf("%w: subscription %q binds topic %d more than once", ErrValidation, s.Name, ts.TopicID)
		}
		seen[ts.TopicID] = struct{}{}

		if ts.Filtered && len(ts.Filters) == 0 {
			return fmt.Errorf("%w: subscription %q: filtered binding for topic %d has no filters", ErrValidation, s.Name, ts.TopicID)
		}
		for _, f := range ts.Filters {
			if _, err := f.compile(); err != nil {
				return fmt.Errorf("%w: subscription %q: %v", ErrValidation, s.Name, err)
			}
		}
	}

	return nil
}

// Binding returns the subscription's binding for a topic.
func (s *Subscription) Binding(topicID int64) (TopicSubscription, bool) {
	for _, ts := range s.TopicSubscriptions {
		if ts.TopicID == topicID {
			return ts, true
		}
	}

	return TopicSubscription{}, false
}

// BoundTo reports whether the subscription has a binding for the topic.
func (s *Subscription) BoundTo(topicID int64) bool {
	_, ok := s.Binding(topicID)
	return ok
}
