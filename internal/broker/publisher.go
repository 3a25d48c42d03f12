package broker

import "context"

// Publisher defines the producer-side operations: publishing events and
// managing topics.
type Publisher interface {
	// Publish stores an event on the named topic and creates a delivery for
	// every enabled binding whose filters accept the event headers.
	Publish(ctx context.Context, topicName string, p Publication) (Event, error)

	AddOrUpdateTopic(ctx context.Context, topic Topic) (Topic, error)
	GetTopic(ctx context.Context, id int64) (Topic, error)
	GetTopicByName(ctx context.Context, name string) (Topic, error)
	GetTopics(ctx context.Context, nameFilter string) ([]Topic, error)
	DeleteTopic(ctx context.Context, id int64, cascade bool) error
}
