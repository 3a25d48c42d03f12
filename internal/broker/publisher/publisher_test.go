package publisher

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker/internal/broker"
	"broker/internal/storage/memory"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	names []string
}

func (n *recordingNotifier) Notify(_ context.Context, subscriptions ...string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names = append(n.names, subscriptions...)
	return nil
}

func newPublisher(t *testing.T, opts ...Option) (*Publisher, *memory.Store) {
	t.Helper()

	store := memory.New()
	p, err := NewPublisher(store, nil, append([]Option{WithClock(func() time.Time { return t0 })}, opts...)...)
	require.NoError(t, err)

	return p, store
}

func TestNewPublisher_RequiresStorage(t *testing.T) {
	_, err := NewPublisher(nil, nil)
	assert.Error(t, err)
}

func TestPublish_Routing(t *testing.T) {
	notifier := &recordingNotifier{}
	p, store := newPublisher(t, WithNotifier(notifier))
	ctx := context.Background()

	topic, err := p.AddOrUpdateTopic(ctx, broker.Topic{Name: "orders"})
	require.NoError(t, err)

	subs := map[string]broker.TopicSubscription{
		"all":      {TopicID: topic.ID, Enabled: true},
		"disabled": {TopicID: topic.ID, Enabled: false},
		"eu-only": {TopicID: topic.ID, Enabled: true, Filtered: true, Filters: []broker.Filter{
			{Header: "region", MatchExpression: "eu-.*"},
		}},
		"not-test": {TopicID: topic.ID, Enabled: true, Filtered: true, Filters: []broker.Filter{
			{Header: "env", MatchExpression: "test*", Kind: broker.FilterGlob, NotMatch: true},
		}},
	}
	ids := make(map[string]int64)
	for name, ts := range subs {
		saved, err := store.AddOrUpdateSubscription(ctx, broker.Subscription{
			Name:               name,
			MaxDeliveries:      3,
			TopicSubscriptions: []broker.TopicSubscription{ts},
		})
		require.NoError(t, err)
		ids[name] = saved.ID
	}

	tests := []struct {
		name    string
		headers map[string]string
		want    []string
	}{
		{name: "no headers", want: []string{"all", "not-test"}},
		{name: "eu region", headers: map[string]string{"region": "eu-west"}, want: []string{"all", "eu-only", "not-test"}},
		{name: "us test env", headers: map[string]string{"region": "us-east", "env": "testing"}, want: []string{"all"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier.names = nil

			event, err := p.Publish(ctx, "orders", broker.Publication{Payload: "x", Headers: tt.headers})
			require.NoError(t, err)
			assert.Equal(t, t0, event.PublicationDateUTC)

			var got []string
			for name, id := range ids {
				for _, d := range store.Deliveries(id) {
					if d.EventID == event.ID {
						got = append(got, name)
						assert.Equal(t, 3, d.DeliveryCountMax)
						assert.Equal(t, t0, d.InvisibleUntilUTC)
						assert.Zero(t, d.DeliveryCount)
					}
				}
			}
			assert.ElementsMatch(t, tt.want, got)
			assert.ElementsMatch(t, tt.want, notifier.names)
		})
	}
}

func TestPublish_Errors(t *testing.T) {
	p, _ := newPublisher(t)
	ctx := context.Background()

	_, err := p.Publish(ctx, "missing", broker.Publication{Payload: "x"})
	assert.ErrorIs(t, err, broker.ErrNotFound)

	_, err = p.AddOrUpdateTopic(ctx, broker.Topic{Name: "orders"})
	require.NoError(t, err)

	_, err = p.Publish(ctx, "orders", broker.Publication{FunctionalKey: strings.Repeat("k", 251)})
	assert.ErrorIs(t, err, broker.ErrValidation)
}

func TestPublish_ExplicitDateNormalizedToUTC(t *testing.T) {
	p, _ := newPublisher(t)
	ctx := context.Background()

	_, err := p.AddOrUpdateTopic(ctx, broker.Topic{Name: "orders"})
	require.NoError(t, err)

	local := time.Date(2024, 3, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	event, err := p.Publish(ctx, "orders", broker.Publication{Payload: "x", PublicationDateUTC: local})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, event.PublicationDateUTC.Location())
	assert.True(t, event.PublicationDateUTC.Equal(t0))
}

func TestTopicCRUD(t *testing.T) {
	p, _ := newPublisher(t)
	ctx := context.Background()

	orders, err := p.AddOrUpdateTopic(ctx, broker.Topic{Name: "orders"})
	require.NoError(t, err)
	require.NotZero(t, orders.ID)

	_, err = p.AddOrUpdateTopic(ctx, broker.Topic{Name: "orders"})
	assert.ErrorIs(t, err, broker.ErrConflict)

	_, err = p.AddOrUpdateTopic(ctx, broker.Topic{})
	assert.ErrorIs(t, err, broker.ErrValidation)

	_, err = p.AddOrUpdateTopic(ctx, broker.Topic{ID: 404, Name: "ghost"})
	assert.ErrorIs(t, err, broker.ErrNotFound)

	orders.Notes = "all orders"
	updated, err := p.AddOrUpdateTopic(ctx, orders)
	require.NoError(t, err)
	assert.Equal(t, orders, updated)

	_, err = p.AddOrUpdateTopic(ctx, broker.Topic{Name: "order-lines"})
	require.NoError(t, err)
	_, err = p.AddOrUpdateTopic(ctx, broker.Topic{Name: "invoices"})
	require.NoError(t, err)

	filtered, err := p.GetTopics(ctx, "order")
	require.NoError(t, err)
	assert.Len(t, filtered, 2)

	all, err := p.GetTopics(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byName, err := p.GetTopicByName(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, updated, byName)

	byID, err := p.GetTopic(ctx, orders.ID)
	require.NoError(t, err)
	assert.Equal(t, updated, byID)
}

func TestDeleteTopic_Cascade(t *testing.T) {
	p, store := newPublisher(t)
	ctx := context.Background()

	orders, err := p.AddOrUpdateTopic(ctx, broker.Topic{Name: "orders"})
	require.NoError(t, err)
	invoices, err := p.AddOrUpdateTopic(ctx, broker.Topic{Name: "invoices"})
	require.NoError(t, err)

	only, err := store.AddOrUpdateSubscription(ctx, broker.Subscription{
		Name:               "orders-only",
		TopicSubscriptions: []broker.TopicSubscription{{TopicID: orders.ID, Enabled: true}},
	})
	require.NoError(t, err)
	both, err := store.AddOrUpdateSubscription(ctx, broker.Subscription{
		Name: "both",
		TopicSubscriptions: []broker.TopicSubscription{
			{TopicID: orders.ID, Enabled: true},
			{TopicID: invoices.ID, Enabled: true},
		},
	})
	require.NoError(t, err)

	_, err = p.Publish(ctx, "orders", broker.Publication{Payload: "o"})
	require.NoError(t, err)
	_, err = p.Publish(ctx, "invoices", broker.Publication{Payload: "i"})
	require.NoError(t, err)

	err = p.DeleteTopic(ctx, orders.ID, false)
	require.ErrorIs(t, err, broker.ErrConflict)
	_, err = p.GetTopic(ctx, orders.ID)
	require.NoError(t, err, "blocked delete leaves the topic")

	require.NoError(t, p.DeleteTopic(ctx, orders.ID, true))

	_, err = p.GetTopic(ctx, orders.ID)
	assert.ErrorIs(t, err, broker.ErrNotFound)
	_, err = store.GetSubscription(ctx, only.ID)
	assert.ErrorIs(t, err, broker.ErrNotFound, "subscription left without bindings is removed")
	assert.Empty(t, store.Deliveries(only.ID))

	remaining, err := store.GetSubscription(ctx, both.ID)
	require.NoError(t, err)
	require.Len(t, remaining.TopicSubscriptions, 1)
	assert.Equal(t, invoices.ID, remaining.TopicSubscriptions[0].TopicID)

	deliveries := store.Deliveries(both.ID)
	require.Len(t, deliveries, 1)
	assert.Equal(t, invoices.ID, deliveries[0].TopicID)

	assert.ErrorIs(t, p.DeleteTopic(ctx, orders.ID, true), broker.ErrNotFound)

	require.NoError(t, p.DeleteTopic(ctx, invoices.ID, true))
	_, err = store.GetSubscription(ctx, both.ID)
	assert.ErrorIs(t, err, broker.ErrNotFound)
}

func TestDeleteTopic_Unused(t *testing.T) {
	p, _ := newPublisher(t)
	ctx := context.Background()

	topic, err := p.AddOrUpdateTopic(ctx, broker.Topic{Name: "orders"})
	require.NoError(t, err)

	require.NoError(t, p.DeleteTopic(ctx, topic.ID, false))
	_, err = p.GetTopicByName(ctx, "orders")
	assert.ErrorIs(t, err, broker.ErrNotFound)
}
