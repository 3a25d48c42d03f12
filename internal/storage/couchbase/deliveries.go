package couchbase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
	"go.uber.org/zap"

	"broker/internal/broker"
	cb "broker/internal/couchbase"
)

// InsertEvent implements broker.Storage. Plans of subscriptions that are
// gone or no longer bound to the topic are skipped.
func (s *Store) InsertEvent(ctx context.Context, event broker.Event, plans []broker.DeliveryPlan) (broker.Event, error) {
	id, err := s.nextID(ctx, "event")
	if err != nil {
		return broker.Event{}, err
	}
	event.ID = id

	ids := make([]int64, len(plans))
	for i := range plans {
		if ids[i], err = s.nextID(ctx, "delivery"); err != nil {
			return broker.Event{}, err
		}
	}

	_, err = s.transactions.Transaction(func(r cb.TransactionRunner) error {
		if _, err := r.Insert(s.events, eventKey(event.ID), eventDoc{Event: event}); err != nil {
			return err
		}

		for i, p := range plans {
			var sub subscriptionDoc
			_, err := getDoc(r, s.subscriptions, subscriptionKey(p.SubscriptionID), &sub)
			switch {
			case err == nil:
			case errors.Is(err, gocb.ErrDocumentNotFound):
				continue
			default:
				return err
			}
			if !sub.BoundTo(event.TopicID) {
				continue
			}

			d := newDelivery(ids[i], event, p)
			if _, err := r.Insert(s.deliveries, deliveryKey(d.ID), deliveryDoc{Delivery: d}); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return broker.Event{}, translate(fmt.Errorf("failed to insert event on topic %d: %w", event.TopicID, err))
	}

	return event, nil
}

func newDelivery(id int64, e broker.Event, p broker.DeliveryPlan) broker.Delivery {
	return broker.Delivery{
		ID:                 id,
		EventID:            e.ID,
		SubscriptionID:     p.SubscriptionID,
		TopicID:            e.TopicID,
		FunctionalKey:      e.FunctionalKey,
		PublicationDateUTC: e.PublicationDateUTC,
		Priority:           e.Priority,
		InvisibleUntilUTC:  p.InvisibleUntilUTC,
		DeliveryCountMax:   p.DeliveryCountMax,
	}
}

// LeaseEligible implements broker.Storage.
//
// Candidates are read and leased in one transaction. Each pick is re-read
// and dropped when it stopped being eligible, and two callers leasing the
// same delivery conflict, so one of them retries. For ordered subscriptions
// the subscription document is rewritten before the candidate query, which
// serializes lessees of one subscription: the later one retries and its
// query sees the earlier one's leases, so a key never has two deliveries
// out at once.
func (s *Store) LeaseEligible(ctx context.Context, req broker.LeaseRequest) ([]broker.ConsumableEvent, error) {
	if req.MaxCount <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf("SELECT RAW d FROM %s d WHERE d.subscriptionId = $subscription AND d.consumed = false", s.deliveries.Keyspace())
	params := map[string]any{"subscription": req.SubscriptionID}

	var leased []broker.Delivery
	_, err := s.transactions.Transaction(func(r cb.TransactionRunner) error {
		leased = leased[:0]

		if req.Ordered {
			if err := s.guard(r, req.SubscriptionID); err != nil {
				return err
			}
		}

		candidates, err := queryDeliveries(r, query, params)
		if err != nil {
			return err
		}

		for _, p := range broker.SelectForLease(candidates, req) {
			var doc deliveryDoc
			res, err := getDoc(r, s.deliveries, deliveryKey(p.ID), &doc)
			switch {
			case err == nil:
			case errors.Is(err, gocb.ErrDocumentNotFound):
				continue
			default:
				return err
			}
			if !doc.Eligible(req.Now) {
				continue
			}

			doc.Lease(s.newKey(), req.Now, req.VisibilityTimeout)
			if _, err := r.Replace(res, doc); err != nil {
				return err
			}
			leased = append(leased, doc.Delivery)
		}

		return nil
	})
	if err != nil {
		return nil, translate(fmt.Errorf("failed to lease deliveries of subscription %d: %w", req.SubscriptionID, err))
	}

	events := make([]broker.ConsumableEvent, 0, len(leased))
	for _, d := range leased {
		e, err := s.events.Get(ctx, eventKey(d.EventID), nil)
		if err != nil {
			// the lease stands and expires on its own
			s.logger.Error("failed to load leased event", zap.Int64("deliveryId", d.ID), zap.Error(err))
			return events, translate(err)
		}
		events = append(events, d.ToConsumable(e.Event))
	}

	return events, nil
}

// guard rewrites the subscription document unchanged so that concurrent
// transactions touching it conflict.
func (s *Store) guard(r cb.TransactionRunner, subscriptionID int64) error {
	var doc subscriptionDoc
	res, err := getDoc(r, s.subscriptions, subscriptionKey(subscriptionID), &doc)
	if err != nil {
		if errors.Is(err, gocb.ErrDocumentNotFound) {
			return fmt.Errorf("%w: subscription %d", broker.ErrNotFound, subscriptionID)
		}
		return err
	}

	_, err = r.Replace(res, doc)
	return err
}

// queryDeliveries runs a query returning RAW delivery documents.
func queryDeliveries(r cb.TransactionRunner, statement string, params map[string]any) ([]broker.Delivery, error) {
	res, err := r.Query(statement, params)
	if err != nil {
		return nil, err
	}

	var deliveries []broker.Delivery
	for res.Next() {
		var doc deliveryDoc
		if err := res.Row(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode delivery: %w", err)
		}
		deliveries = append(deliveries, doc.Delivery)
	}

	return deliveries, nil
}

// AcknowledgeIfKeyMatches implements broker.Storage.
func (s *Store) AcknowledgeIfKeyMatches(ctx context.Context, id int64, key string) (bool, error) {
	return s.settle(ctx, id, func(d *broker.Delivery) bool {
		return d.Acknowledge(key)
	})
}

// FailIfKeyMatches implements broker.Storage.
func (s *Store) FailIfKeyMatches(ctx context.Context, id int64, key string, reason broker.Reason, now time.Time) (bool, error) {
	return s.settle(ctx, id, func(d *broker.Delivery) bool {
		return d.Fail(key, reason, now)
	})
}

// settle applies change to the delivery and writes it back with the CAS it
// was read with. A concurrent writer makes the replace fail with
// ErrContention.
func (s *Store) settle(ctx context.Context, id int64, change func(d *broker.Delivery) bool) (bool, error) {
	doc, err := s.deliveries.Get(ctx, deliveryKey(id), nil)
	if err != nil {
		return false, translate(err)
	}

	if !change(&doc.Delivery) {
		return false, nil
	}

	if err := s.deliveries.Replace(ctx, deliveryKey(id), doc, nil); err != nil {
		return false, translate(err)
	}

	return true, nil
}
