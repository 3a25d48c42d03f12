package broker

import "time"

// Event is a published fact. It is immutable once stored.
type Event struct {
	ID                 int64             `json:"id"`
	TopicID            int64             `json:"topicId"`
	FunctionalKey      string            `json:"functionalKey,omitempty"`
	PublicationDateUTC time.Time         `json:"publicationDateUtc"`
	Priority           int               `json:"priority"`
	Payload            string            `json:"payload"`
	Headers            map[string]string `json:"headers,omitempty"`
}

// Publication carries the caller-supplied fields of a new event. A zero
// PublicationDateUTC means "now".
type Publication struct {
	Payload            string            `json:"payload"`
	FunctionalKey      string            `json:"functionalKey,omitempty" validate:"max=250"`
	Priority           int               `json:"priority"`
	PublicationDateUTC time.Time         `json:"publicationDateUtc,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
}

// ConsumableEvent is a leased delivery as handed to a consumer. ID is the
// delivery id, which MarkConsumed and MarkFailed expect together with the
// DeliveryKey of this lease.
type ConsumableEvent struct {
	ID                 int64             `json:"id"`
	EventID            int64             `json:"eventId"`
	FunctionalKey      string            `json:"functionalKey,omitempty"`
	DeliveryKey        string            `json:"deliveryKey"`
	InvisibleUntilUTC  time.Time         `json:"invisibleUntilUtc"`
	DeliveryCount      int               `json:"deliveryCount"`
	PublicationDateUTC time.Time         `json:"publicationDateUtc"`
	Priority           int               `json:"priority"`
	Payload            string            `json:"payload"`
	Headers            map[string]string `json:"headers,omitempty"`
}

// ConsumableEventOf is a ConsumableEvent whose payload was decoded into T.
type ConsumableEventOf[T any] struct {
	ID                int64     `json:"id"`
	EventID           int64     `json:"eventId"`
	FunctionalKey     string    `json:"functionalKey,omitempty"`
	DeliveryKey       string    `json:"deliveryKey"`
	InvisibleUntilUTC time.Time `json:"invisibleUntilUtc"`
	DeliveryCount     int       `json:"deliveryCount"`
	Payload           T         `json:"payload"`
}
