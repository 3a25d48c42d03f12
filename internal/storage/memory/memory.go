// Package memory implements broker.Storage in process memory. A single mutex
// makes every operation atomic, which is what the contract asks of a
// transactional backend. It serves tests, demos and single-process
// deployments; nothing survives a restart.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"broker/internal/broker"
)

// Store is an in-memory broker.Storage.
type Store struct {
	mu sync.Mutex

	seq        int64
	topics     map[int64]broker.Topic
	subs       map[int64]broker.Subscription
	events     map[int64]broker.Event
	deliveries map[int64]*broker.Delivery
}

var _ broker.Storage = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		topics:     make(map[int64]broker.Topic),
		subs:       make(map[int64]broker.Subscription),
		events:     make(map[int64]broker.Event),
		deliveries: make(map[int64]*broker.Delivery),
	}
}

func (s *Store) next() int64 {
	s.seq++
	return s.seq
}

// AddOrUpdateTopic implements broker.Storage.
func (s *Store) AddOrUpdateTopic(_ context.Context, topic broker.Topic) (broker.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if topic.ID != 0 {
		if _, ok := s.topics[topic.ID]; !ok {
			return broker.Topic{}, fmt.Errorf("%w: topic %d", broker.ErrNotFound, topic.ID)
		}
	}
	for _, t := range s.topics {
		if t.Name == topic.Name && t.ID != topic.ID {
			return broker.Topic{}, fmt.Errorf("%w: topic name %q already in use", broker.ErrConflict, topic.Name)
		}
	}

	if topic.ID == 0 {
		topic.ID = s.next()
	}
	s.topics[topic.ID] = topic

	return topic, nil
}

// GetTopic implements broker.Storage.
func (s *Store) GetTopic(_ context.Context, id int64) (broker.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topics[id]
	if !ok {
		return broker.Topic{}, fmt.Errorf("%w: topic %d", broker.ErrNotFound, id)
	}

	return t, nil
}

// GetTopicByName implements broker.Storage.
func (s *Store) GetTopicByName(_ context.Context, name string) (broker.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.topics {
		if t.Name == name {
			return t, nil
		}
	}

	return broker.Topic{}, fmt.Errorf("%w: topic %q", broker.ErrNotFound, name)
}

// GetTopics implements broker.Storage.
func (s *Store) GetTopics(_ context.Context, nameFilter string) ([]broker.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make([]broker.Topic, 0, len(s.topics))
	for _, t := range s.topics {
		if strings.Contains(t.Name, nameFilter) {
			topics = append(topics, t)
		}
	}
	slices.SortFunc(topics, func(a, b broker.Topic) int { return cmp.Compare(a.ID, b.ID) })

	return topics, nil
}

// DeleteTopic implements broker.Storage.
func (s *Store) DeleteTopic(_ context.Context, id int64, cascade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[id]; !ok {
		return fmt.Errorf("%w: topic %d", broker.ErrNotFound, id)
	}

	var bound []int64
	for sid, sub := range s.subs {
		if sub.BoundTo(id) {
			bound = append(bound, sid)
		}
	}
	var events []int64
	for eid, e := range s.events {
		if e.TopicID == id {
			events = append(events, eid)
		}
	}

	if !cascade && (len(bound) > 0 || len(events) > 0) {
		return fmt.Errorf("%w: topic %d has %d subscriptions and %d events", broker.ErrConflict, id, len(bound), len(events))
	}

	for did, d := range s.deliveries {
		if d.TopicID == id {
			delete(s.deliveries, did)
		}
	}
	for _, eid := range events {
		delete(s.events, eid)
	}
	for _, sid := range bound {
		sub := s.subs[sid]
		sub.TopicSubscriptions = slices.DeleteFunc(sub.TopicSubscriptions, func(ts broker.TopicSubscription) bool {
			return ts.TopicID == id
		})
		if len(sub.TopicSubscriptions) == 0 {
			s.deleteSubscription(sid)
			continue
		}
		s.subs[sid] = sub
	}
	delete(s.topics, id)

	return nil
}

// AddOrUpdateSubscription implements broker.Storage.
func (s *Store) AddOrUpdateSubscription(_ context.Context, sub broker.Subscription) (broker.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID != 0 {
		if _, ok := s.subs[sub.ID]; !ok {
			return broker.Subscription{}, fmt.Errorf("%w: subscription %d", broker.ErrNotFound, sub.ID)
		}
	}
	for _, existing := range s.subs {
		if existing.Name == sub.Name && existing.ID != sub.ID {
			return broker.Subscription{}, fmt.Errorf("%w: subscription name %q already in use", broker.ErrConflict, sub.Name)
		}
	}
	for _, ts := range sub.TopicSubscriptions {
		if _, ok := s.topics[ts.TopicID]; !ok {
			return broker.Subscription{}, fmt.Errorf("%w: topic %d", broker.ErrNotFound, ts.TopicID)
		}
	}

	if sub.ID == 0 {
		sub.ID = s.next()
	}
	sub = cloneSubscription(sub)
	for i := range sub.TopicSubscriptions {
		ts := &sub.TopicSubscriptions[i]
		ts.SubscriptionID = sub.ID
		if ts.ID == 0 {
			ts.ID = s.next()
		}
	}
	s.subs[sub.ID] = sub

	return cloneSubscription(sub), nil
}

// GetSubscription implements broker.Storage.
func (s *Store) GetSubscription(_ context.Context, id int64) (broker.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return broker.Subscription{}, fmt.Errorf("%w: subscription %d", broker.ErrNotFound, id)
	}

	return cloneSubscription(sub), nil
}

// GetSubscriptionByName implements broker.Storage.
func (s *Store) GetSubscriptionByName(_ context.Context, name string) (broker.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		if sub.Name == name {
			return cloneSubscription(sub), nil
		}
	}

	return broker.Subscription{}, fmt.Errorf("%w: subscription %q", broker.ErrNotFound, name)
}

// GetSubscriptions implements broker.Storage.
func (s *Store) GetSubscriptions(_ context.Context, topicID *int64) ([]broker.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]broker.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if topicID != nil && !sub.BoundTo(*topicID) {
			continue
		}
		subs = append(subs, cloneSubscription(sub))
	}
	slices.SortFunc(subs, func(a, b broker.Subscription) int { return cmp.Compare(a.ID, b.ID) })

	return subs, nil
}

// DeleteSubscription implements broker.Storage.
func (s *Store) DeleteSubscription(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[id]; !ok {
		return fmt.Errorf("%w: subscription %d", broker.ErrNotFound, id)
	}
	s.deleteSubscription(id)

	return nil
}

func (s *Store) deleteSubscription(id int64) {
	for did, d := range s.deliveries {
		if d.SubscriptionID == id {
			delete(s.deliveries, did)
		}
	}
	delete(s.subs, id)
}

// InsertEvent implements broker.Storage.
func (s *Store) InsertEvent(_ context.Context, event broker.Event, plans []broker.DeliveryPlan) (broker.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[event.TopicID]; !ok {
		return broker.Event{}, fmt.Errorf("%w: topic %d", broker.ErrNotFound, event.TopicID)
	}

	event.ID = s.next()
	stored := event
	stored.Headers = maps.Clone(event.Headers)
	s.events[event.ID] = stored
	event.Headers = maps.Clone(event.Headers)

	for _, p := range plans {
		sub, ok := s.subs[p.SubscriptionID]
		if !ok || !sub.BoundTo(event.TopicID) {
			continue
		}

		d := &broker.Delivery{
			ID:                 s.next(),
			EventID:            event.ID,
			SubscriptionID:     p.SubscriptionID,
			TopicID:            event.TopicID,
			FunctionalKey:      event.FunctionalKey,
			PublicationDateUTC: event.PublicationDateUTC,
			Priority:           event.Priority,
			InvisibleUntilUTC:  p.InvisibleUntilUTC,
			DeliveryCountMax:   p.DeliveryCountMax,
		}
		s.deliveries[d.ID] = d
	}

	return event, nil
}

// LeaseEligible implements broker.Storage.
func (s *Store) LeaseEligible(_ context.Context, req broker.LeaseRequest) ([]broker.ConsumableEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]broker.Delivery, 0)
	for _, d := range s.deliveries {
		if d.SubscriptionID == req.SubscriptionID && !d.Consumed {
			candidates = append(candidates, *d)
		}
	}

	picked := broker.SelectForLease(candidates, req)
	leased := make([]broker.ConsumableEvent, 0, len(picked))
	for _, p := range picked {
		d := s.deliveries[p.ID]
		d.Lease(uuid.NewString(), req.Now, req.VisibilityTimeout)
		leased = append(leased, d.ToConsumable(s.events[d.EventID]))
	}

	return leased, nil
}

// AcknowledgeIfKeyMatches implements broker.Storage.
func (s *Store) AcknowledgeIfKeyMatches(_ context.Context, id int64, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok {
		return false, fmt.Errorf("%w: delivery %d", broker.ErrNotFound, id)
	}

	return d.Acknowledge(key), nil
}

// FailIfKeyMatches implements broker.Storage.
func (s *Store) FailIfKeyMatches(_ context.Context, id int64, key string, reason broker.Reason, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok {
		return false, fmt.Errorf("%w: delivery %d", broker.ErrNotFound, id)
	}

	return d.Fail(key, reason, now), nil
}

// Delivery returns a copy of a stored delivery, for inspection.
func (s *Store) Delivery(id int64) (broker.Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok {
		return broker.Delivery{}, false
	}
	return *d, true
}

// Deliveries returns copies of all deliveries of a subscription.
func (s *Store) Deliveries(subscriptionID int64) []broker.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]broker.Delivery, 0)
	for _, d := range s.deliveries {
		if d.SubscriptionID == subscriptionID {
			out = append(out, *d)
		}
	}
	slices.SortFunc(out, func(a, b broker.Delivery) int { return cmp.Compare(a.ID, b.ID) })

	return out
}

func cloneSubscription(sub broker.Subscription) broker.Subscription {
	sub.TopicSubscriptions = slices.Clone(sub.TopicSubscriptions)
	for i := range sub.TopicSubscriptions {
		sub.TopicSubscriptions[i].Filters = slices.Clone(sub.TopicSubscriptions[i].Filters)
	}
	return sub
}

