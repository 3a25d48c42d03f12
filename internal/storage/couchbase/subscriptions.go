package couchbase

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchbase/gocb/v2"

	"broker/internal/broker"
	cb "broker/internal/couchbase"
)

// AddOrUpdateSubscription implements broker.Storage. Bindings live inside
// the subscription document and are replaced as a whole.
func (s *Store) AddOrUpdateSubscription(ctx context.Context, sub broker.Subscription) (broker.Subscription, error) {
	isNew := sub.ID == 0
	if isNew {
		id, err := s.nextID(ctx, "subscription")
		if err != nil {
			return broker.Subscription{}, err
		}
		sub.ID = id
	}

	bindings := make([]broker.TopicSubscription, len(sub.TopicSubscriptions))
	for i, ts := range sub.TopicSubscriptions {
		id, err := s.nextID(ctx, "binding")
		if err != nil {
			return broker.Subscription{}, err
		}
		ts.ID = id
		ts.SubscriptionID = sub.ID
		ts.Filters = append([]broker.Filter(nil), ts.Filters...)
		bindings[i] = ts
	}
	sub.TopicSubscriptions = bindings

	_, err := s.transactions.Transaction(func(r cb.TransactionRunner) error {
		for _, ts := range sub.TopicSubscriptions {
			if _, err := r.Get(s.topics, topicKey(ts.TopicID)); err != nil {
				if errors.Is(err, gocb.ErrDocumentNotFound) {
					return fmt.Errorf("%w: topic %d", broker.ErrNotFound, ts.TopicID)
				}
				return err
			}
		}

		if isNew {
			if err := reserveName(r, s.names, subscriptionNameKey(sub.Name), sub.ID); err != nil {
				return err
			}
			_, err := r.Insert(s.subscriptions, subscriptionKey(sub.ID), subscriptionDoc{Subscription: sub})
			return err
		}

		var current subscriptionDoc
		res, err := getDoc(r, s.subscriptions, subscriptionKey(sub.ID), &current)
		if err != nil {
			return err
		}
		if current.Name != sub.Name {
			if err := reserveName(r, s.names, subscriptionNameKey(sub.Name), sub.ID); err != nil {
				return err
			}
			if err := removeDoc(r, s.names, subscriptionNameKey(current.Name)); err != nil {
				return err
			}
		}

		_, err = r.Replace(res, subscriptionDoc{Subscription: sub})
		return err
	})
	if err != nil {
		return broker.Subscription{}, translate(fmt.Errorf("failed to save subscription %s: %w", sub.Name, err))
	}

	return sub, nil
}

// GetSubscription implements broker.Storage.
func (s *Store) GetSubscription(ctx context.Context, id int64) (broker.Subscription, error) {
	doc, err := s.subscriptions.Get(ctx, subscriptionKey(id), nil)
	if err != nil {
		return broker.Subscription{}, translate(err)
	}

	return doc.Subscription, nil
}

// GetSubscriptionByName implements broker.Storage.
func (s *Store) GetSubscriptionByName(ctx context.Context, name string) (broker.Subscription, error) {
	ref, err := s.names.Get(ctx, subscriptionNameKey(name), nil)
	if err != nil {
		return broker.Subscription{}, translate(err)
	}

	return s.GetSubscription(ctx, ref.ID)
}

// GetSubscriptions implements broker.Storage.
func (s *Store) GetSubscriptions(ctx context.Context, topicID *int64) ([]broker.Subscription, error) {
	query, params := subscriptionsQuery(s.subscriptions.Keyspace(), topicID)

	docs, err := s.subscriptions.Query(ctx, query, queryOptions(params))
	if err != nil {
		return nil, translate(err)
	}

	subs := make([]broker.Subscription, len(docs))
	for i, d := range docs {
		subs[i] = d.Subscription
	}

	return subs, nil
}

func subscriptionsQuery(keyspace string, topicID *int64) (string, map[string]any) {
	if topicID == nil {
		return fmt.Sprintf("SELECT RAW s FROM %s s ORDER BY s.id", keyspace), nil
	}

	return fmt.Sprintf(
		"SELECT RAW s FROM %s s WHERE ANY b IN s.topicSubscriptions SATISFIES b.topicId = $topic END ORDER BY s.id",
		keyspace,
	), map[string]any{"topic": *topicID}
}

// DeleteSubscription implements broker.Storage.
func (s *Store) DeleteSubscription(_ context.Context, id int64) error {
	_, err := s.transactions.Transaction(func(r cb.TransactionRunner) error {
		var doc subscriptionDoc
		res, err := getDoc(r, s.subscriptions, subscriptionKey(id), &doc)
		if err != nil {
			return err
		}

		return s.removeSubscription(r, res, doc)
	})
	if err != nil {
		return translate(fmt.Errorf("failed to delete subscription %d: %w", id, err))
	}

	return nil
}

// removeSubscription deletes the subscription document, its name and its
// deliveries.
func (s *Store) removeSubscription(r cb.TransactionRunner, res cb.TransactionDoc, doc subscriptionDoc) error {
	if err := exec(r,
		fmt.Sprintf("DELETE FROM %s d WHERE d.subscriptionId = $subscription", s.deliveries.Keyspace()),
		map[string]any{"subscription": doc.ID},
	); err != nil {
		return err
	}
	if err := removeDoc(r, s.names, subscriptionNameKey(doc.Name)); err != nil {
		return err
	}

	return r.Remove(res)
}
