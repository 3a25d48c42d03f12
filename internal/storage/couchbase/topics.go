package couchbase

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchbase/gocb/v2"

	"broker/internal/broker"
	cb "broker/internal/couchbase"
)

// AddOrUpdateTopic implements broker.Storage.
func (s *Store) AddOrUpdateTopic(ctx context.Context, topic broker.Topic) (broker.Topic, error) {
	if topic.ID == 0 {
		id, err := s.nextID(ctx, "topic")
		if err != nil {
			return broker.Topic{}, err
		}

		_, err = s.transactions.Transaction(func(r cb.TransactionRunner) error {
			if err := reserveName(r, s.names, topicNameKey(topic.Name), id); err != nil {
				return err
			}
			topic.ID = id
			_, err := r.Insert(s.topics, topicKey(id), topicDoc{Topic: topic})
			return err
		})
		if err != nil {
			return broker.Topic{}, translate(fmt.Errorf("failed to insert topic %s: %w", topic.Name, err))
		}

		return topic, nil
	}

	_, err := s.transactions.Transaction(func(r cb.TransactionRunner) error {
		var current topicDoc
		res, err := getDoc(r, s.topics, topicKey(topic.ID), &current)
		if err != nil {
			return err
		}

		if current.Name != topic.Name {
			if err := reserveName(r, s.names, topicNameKey(topic.Name), topic.ID); err != nil {
				return err
			}
			if err := removeDoc(r, s.names, topicNameKey(current.Name)); err != nil {
				return err
			}
		}

		_, err = r.Replace(res, topicDoc{Topic: topic})
		return err
	})
	if err != nil {
		return broker.Topic{}, translate(fmt.Errorf("failed to update topic %d: %w", topic.ID, err))
	}

	return topic, nil
}

// GetTopic implements broker.Storage.
func (s *Store) GetTopic(ctx context.Context, id int64) (broker.Topic, error) {
	doc, err := s.topics.Get(ctx, topicKey(id), nil)
	if err != nil {
		return broker.Topic{}, translate(err)
	}

	return doc.Topic, nil
}

// GetTopicByName implements broker.Storage.
func (s *Store) GetTopicByName(ctx context.Context, name string) (broker.Topic, error) {
	ref, err := s.names.Get(ctx, topicNameKey(name), nil)
	if err != nil {
		return broker.Topic{}, translate(err)
	}

	return s.GetTopic(ctx, ref.ID)
}

// GetTopics implements broker.Storage.
func (s *Store) GetTopics(ctx context.Context, nameFilter string) ([]broker.Topic, error) {
	query := fmt.Sprintf("SELECT RAW t FROM %s t WHERE CONTAINS(t.name, $filter) ORDER BY t.id", s.topics.Keyspace())

	docs, err := s.topics.Query(ctx, query, queryOptions(map[string]any{"filter": nameFilter}))
	if err != nil {
		return nil, translate(err)
	}

	topics := make([]broker.Topic, len(docs))
	for i, d := range docs {
		topics[i] = d.Topic
	}

	return topics, nil
}

// DeleteTopic implements broker.Storage.
func (s *Store) DeleteTopic(ctx context.Context, id int64, cascade bool) error {
	boundQuery := fmt.Sprintf(
		"SELECT RAW s.id FROM %s s WHERE ANY b IN s.topicSubscriptions SATISFIES b.topicId = $topic END",
		s.subscriptions.Keyspace(),
	)
	eventsQuery := fmt.Sprintf("SELECT RAW COUNT(*) FROM %s e WHERE e.topicId = $topic", s.events.Keyspace())
	params := map[string]any{"topic": id}

	_, err := s.transactions.Transaction(func(r cb.TransactionRunner) error {
		var topic topicDoc
		res, err := getDoc(r, s.topics, topicKey(id), &topic)
		if err != nil {
			return err
		}

		bound, err := queryIDs(r, boundQuery, params)
		if err != nil {
			return err
		}

		if !cascade {
			events, err := queryIDs(r, eventsQuery, params)
			if err != nil {
				return err
			}
			if len(bound) > 0 || (len(events) == 1 && events[0] > 0) {
				return fmt.Errorf("%w: topic %d has subscriptions or events", broker.ErrConflict, id)
			}
		}

		for _, stmt := range []string{
			fmt.Sprintf("DELETE FROM %s d WHERE d.topicId = $topic", s.deliveries.Keyspace()),
			fmt.Sprintf("DELETE FROM %s e WHERE e.topicId = $topic", s.events.Keyspace()),
		} {
			if err := exec(r, stmt, params); err != nil {
				return err
			}
		}

		for _, subID := range bound {
			if err := s.unbind(r, subID, id); err != nil {
				return err
			}
		}

		if err := removeDoc(r, s.names, topicNameKey(topic.Name)); err != nil {
			return err
		}
		return r.Remove(res)
	})
	if err != nil {
		return translate(fmt.Errorf("failed to delete topic %d: %w", id, err))
	}

	return nil
}

// unbind drops the binding of subscription subID to topicID and removes the
// subscription when no binding is left.
func (s *Store) unbind(r cb.TransactionRunner, subID, topicID int64) error {
	var doc subscriptionDoc
	res, err := getDoc(r, s.subscriptions, subscriptionKey(subID), &doc)
	switch {
	case err == nil:
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return nil
	default:
		return err
	}

	kept := doc.TopicSubscriptions[:0]
	for _, ts := range doc.TopicSubscriptions {
		if ts.TopicID != topicID {
			kept = append(kept, ts)
		}
	}
	doc.TopicSubscriptions = kept

	if len(kept) > 0 {
		_, err := r.Replace(res, doc)
		return err
	}

	return s.removeSubscription(r, res, doc)
}

// queryIDs runs a query returning a RAW array of numbers.
func queryIDs(r cb.TransactionRunner, statement string, params map[string]any) ([]int64, error) {
	res, err := r.Query(statement, params)
	if err != nil {
		return nil, err
	}

	var ids []int64
	for res.Next() {
		var id int64
		if err := res.Row(&id); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}
