package broker

import (
	"maps"
	"time"
)

// DeliveryState is the lifecycle state of a Delivery at a given instant.
type DeliveryState string

const (
	StatePending        DeliveryState = "pending"
	StateLeased         DeliveryState = "leased"
	StateAcknowledged   DeliveryState = "acknowledged"
	StateFailedTerminal DeliveryState = "failed-terminal"
)

// Delivery is the per-subscription consumption state of one event. It is the
// unit that is leased, acknowledged or failed. Event fields used for ordering
// are copied in at publish time.
type Delivery struct {
	ID                 int64     `json:"id"`
	EventID            int64     `json:"eventId"`
	SubscriptionID     int64     `json:"subscriptionId"`
	TopicID            int64     `json:"topicId"`
	FunctionalKey      string    `json:"functionalKey,omitempty"`
	PublicationDateUTC time.Time `json:"publicationDateUtc"`
	Priority           int       `json:"priority"`
	DeliveryKey        string    `json:"deliveryKey,omitempty"`
	InvisibleUntilUTC  time.Time `json:"invisibleUntilUtc"`
	DeliveryCount      int       `json:"deliveryCount"`
	DeliveryCountMax   int       `json:"deliveryCountMax"`
	Consumed           bool      `json:"consumed"`
	LastFailReason     string    `json:"lastFailReason,omitempty"`
}

// DeliveryPlan describes one delivery to create when an event is published.
type DeliveryPlan struct {
	SubscriptionID    int64
	InvisibleUntilUTC time.Time
	DeliveryCountMax  int
}

// State reports the lifecycle state at now.
func (d *Delivery) State(now time.Time) DeliveryState {
	switch {
	case d.Consumed:
		return StateAcknowledged
	case d.Leased(now):
		return StateLeased
	case d.exhausted():
		return StateFailedTerminal
	default:
		return StatePending
	}
}

func (d *Delivery) exhausted() bool {
	return d.DeliveryCountMax > 0 && d.DeliveryCount >= d.DeliveryCountMax
}

// Leased reports whether a lease issued for the delivery is still running.
func (d *Delivery) Leased(now time.Time) bool {
	return !d.Consumed && d.DeliveryKey != "" && now.Before(d.InvisibleUntilUTC)
}

// Eligible reports whether the delivery may be leased at now.
func (d *Delivery) Eligible(now time.Time) bool {
	return !d.Consumed && !now.Before(d.InvisibleUntilUTC) && !d.exhausted()
}

// Unfinished reports whether the delivery may still be handed to a consumer,
// now or later. Unfinished deliveries hold back later deliveries sharing the
// same functional key on ordered subscriptions.
func (d *Delivery) Unfinished(now time.Time) bool {
	return !d.Consumed && (!d.exhausted() || d.Leased(now))
}

// Lease applies a new lease. The caller must have checked Eligible.
func (d *Delivery) Lease(key string, now time.Time, visibility time.Duration) {
	d.DeliveryCount++
	d.DeliveryKey = key
	d.InvisibleUntilUTC = now.Add(visibility)
}

// Acknowledge marks the delivery consumed if key is the key of its latest
// lease. It returns false for stale keys and already consumed deliveries.
func (d *Delivery) Acknowledge(key string) bool {
	if d.Consumed || d.DeliveryKey == "" || d.DeliveryKey != key {
		return false
	}

	d.Consumed = true
	return true
}

// Fail releases the lease identified by key. The delivery becomes eligible
// again at now+reason.RetryAfter, or turns terminal when its delivery budget
// is spent. It returns false for stale keys and already consumed deliveries.
func (d *Delivery) Fail(key string, reason Reason, now time.Time) bool {
	if d.Consumed || d.DeliveryKey == "" || d.DeliveryKey != key {
		return false
	}

	d.DeliveryKey = ""
	d.LastFailReason = reason.String()
	d.InvisibleUntilUTC = now
	if !d.exhausted() && reason.RetryAfter > 0 {
		d.InvisibleUntilUTC = now.Add(reason.RetryAfter)
	}

	return true
}

// ToConsumable builds the consumer view of a leased delivery.
func (d *Delivery) ToConsumable(e Event) ConsumableEvent {
	return ConsumableEvent{
		ID:                 d.ID,
		EventID:            d.EventID,
		FunctionalKey:      d.FunctionalKey,
		DeliveryKey:        d.DeliveryKey,
		InvisibleUntilUTC:  d.InvisibleUntilUTC,
		DeliveryCount:      d.DeliveryCount,
		PublicationDateUTC: d.PublicationDateUTC,
		Priority:           d.Priority,
		Payload:            e.Payload,
		Headers:            maps.Clone(e.Headers),
	}
}
