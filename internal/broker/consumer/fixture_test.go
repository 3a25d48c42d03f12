package consumer

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"broker/internal/broker"
	"broker/internal/broker/publisher"
	"broker/internal/storage/memory"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(now time.Time) *clock {
	return &clock{now: now}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store     *memory.Store
	clock     *clock
	publisher *publisher.Publisher
	consumer  *Consumer
	topic     broker.Topic
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	store := memory.New()
	clk := newClock(t0)

	pub, err := publisher.NewPublisher(store, nil, publisher.WithClock(clk.Now))
	require.NoError(t, err)

	c, err := NewConsumer(store, nil, append([]Option{WithClock(clk.Now)}, opts...)...)
	require.NoError(t, err)

	topic, err := pub.AddOrUpdateTopic(context.Background(), broker.Topic{Name: "orders"})
	require.NoError(t, err)

	return &fixture{store: store, clock: clk, publisher: pub, consumer: c, topic: topic}
}

func (f *fixture) subscribe(t *testing.T, sub broker.Subscription) broker.Subscription {
	t.Helper()

	if len(sub.TopicSubscriptions) == 0 {
		sub.TopicSubscriptions = []broker.TopicSubscription{{TopicID: f.topic.ID, Enabled: true}}
	}
	saved, err := f.consumer.AddOrUpdateSubscription(context.Background(), sub)
	require.NoError(t, err)

	return saved
}

func (f *fixture) publish(t *testing.T, payload, key string, priority int, at time.Time) broker.Event {
	t.Helper()

	e, err := f.publisher.Publish(context.Background(), f.topic.Name, broker.Publication{
		Payload:            payload,
		FunctionalKey:      key,
		Priority:           priority,
		PublicationDateUTC: at,
	})
	require.NoError(t, err)

	return e
}

func payloads(events []broker.ConsumableEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Payload)
	}
	return out
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
