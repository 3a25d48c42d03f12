package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"broker/internal/broker"
)

const subscriptionColumns = "id, name, ordered, max_deliveries, delivery_delay_ms"

// AddOrUpdateSubscription implements broker.Storage. Bindings and filters are
// replaced as a whole.
func (s *Store) AddOrUpdateSubscription(ctx context.Context, sub broker.Subscription) (broker.Subscription, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		delay := sub.DeliveryDelay.Milliseconds()

		if sub.ID == 0 {
			res, err := tx.ExecContext(ctx,
				"INSERT INTO subscription (name, ordered, max_deliveries, delivery_delay_ms) VALUES (?, ?, ?, ?)",
				sub.Name, sub.Ordered, sub.MaxDeliveries, delay,
			)
			if err != nil {
				return fmt.Errorf("failed to insert subscription %s: %w", sub.Name, err)
			}
			if sub.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		} else {
			if err := lockRow(ctx, tx, "subscription", sub.ID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE subscription SET name = ?, ordered = ?, max_deliveries = ?, delivery_delay_ms = ? WHERE id = ?",
				sub.Name, sub.Ordered, sub.MaxDeliveries, delay, sub.ID,
			); err != nil {
				return fmt.Errorf("failed to update subscription %d: %w", sub.ID, err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM topic_subscription WHERE subscription_id = ?", sub.ID); err != nil {
				return fmt.Errorf("failed to clear bindings of subscription %d: %w", sub.ID, err)
			}
		}

		bindings := make([]broker.TopicSubscription, len(sub.TopicSubscriptions))
		for i, ts := range sub.TopicSubscriptions {
			ts.SubscriptionID = sub.ID
			res, err := tx.ExecContext(ctx,
				"INSERT INTO topic_subscription (topic_id, subscription_id, enabled, filtered) VALUES (?, ?, ?, ?)",
				ts.TopicID, ts.SubscriptionID, ts.Enabled, ts.Filtered,
			)
			if err != nil {
				return fmt.Errorf("failed to bind subscription %s to topic %d: %w", sub.Name, ts.TopicID, err)
			}
			if ts.ID, err = res.LastInsertId(); err != nil {
				return err
			}

			for pos, f := range ts.Filters {
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO topic_subscription_filter (topic_subscription_id, position, header, match_expression, kind, not_match) VALUES (?, ?, ?, ?, ?, ?)",
					ts.ID, pos, f.Header, f.MatchExpression, filterKind(f.Kind), f.NotMatch,
				); err != nil {
					return fmt.Errorf("failed to insert filter of subscription %s: %w", sub.Name, err)
				}
			}
			bindings[i] = ts
		}
		sub.TopicSubscriptions = bindings

		return nil
	})
	if err != nil {
		return broker.Subscription{}, err
	}

	return sub, nil
}

// GetSubscription implements broker.Storage.
func (s *Store) GetSubscription(ctx context.Context, id int64) (broker.Subscription, error) {
	return s.getSubscription(ctx, "id = ?", id)
}

// GetSubscriptionByName implements broker.Storage.
func (s *Store) GetSubscriptionByName(ctx context.Context, name string) (broker.Subscription, error) {
	return s.getSubscription(ctx, "name = ?", name)
}

func (s *Store) getSubscription(ctx context.Context, where string, arg any) (broker.Subscription, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+subscriptionColumns+" FROM subscription WHERE "+where, arg)

	sub, err := scanSubscription(row)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return broker.Subscription{}, fmt.Errorf("%w: subscription %v", broker.ErrNotFound, arg)
	default:
		return broker.Subscription{}, translate(fmt.Errorf("failed to get subscription %v: %w", arg, err))
	}

	if sub.TopicSubscriptions, err = loadBindings(ctx, s.db, sub.ID); err != nil {
		return broker.Subscription{}, translate(err)
	}

	return sub, nil
}

// GetSubscriptions implements broker.Storage.
func (s *Store) GetSubscriptions(ctx context.Context, topicID *int64) ([]broker.Subscription, error) {
	query := "SELECT " + subscriptionColumns + " FROM subscription"
	var args []any
	if topicID != nil {
		query += " WHERE id IN (SELECT subscription_id FROM topic_subscription WHERE topic_id = ?)"
		args = append(args, *topicID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(fmt.Errorf("failed to list subscriptions: %w", err))
	}

	subs := make([]broker.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			_ = rows.Close()
			return nil, translate(fmt.Errorf("failed to scan subscription: %w", err))
		}
		subs = append(subs, sub)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, translate(fmt.Errorf("failed to list subscriptions: %w", err))
	}

	for i := range subs {
		if subs[i].TopicSubscriptions, err = loadBindings(ctx, s.db, subs[i].ID); err != nil {
			return nil, translate(err)
		}
	}

	return subs, nil
}

// DeleteSubscription implements broker.Storage.
func (s *Store) DeleteSubscription(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockRow(ctx, tx, "subscription", id); err != nil {
			return err
		}
		return deleteSubscription(ctx, tx, id)
	})
}

func deleteSubscription(ctx context.Context, tx *sql.Tx, id int64) error {
	for _, stmt := range []string{
		"DELETE FROM subscription_event WHERE subscription_id = ?",
		"DELETE FROM topic_subscription WHERE subscription_id = ?",
		"DELETE FROM subscription WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete subscription %d: %w", id, err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (broker.Subscription, error) {
	var (
		sub     broker.Subscription
		delayMs int64
	)
	if err := row.Scan(&sub.ID, &sub.Name, &sub.Ordered, &sub.MaxDeliveries, &delayMs); err != nil {
		return broker.Subscription{}, err
	}
	sub.DeliveryDelay = time.Duration(delayMs) * time.Millisecond

	return sub, nil
}

func loadBindings(ctx context.Context, q querier, subID int64) ([]broker.TopicSubscription, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, topic_id, subscription_id, enabled, filtered FROM topic_subscription WHERE subscription_id = ? ORDER BY id",
		subID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load bindings of subscription %d: %w", subID, err)
	}

	var (
		bindings []broker.TopicSubscription
		index    = make(map[int64]int)
	)
	for rows.Next() {
		var ts broker.TopicSubscription
		if err := rows.Scan(&ts.ID, &ts.TopicID, &ts.SubscriptionID, &ts.Enabled, &ts.Filtered); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		index[ts.ID] = len(bindings)
		bindings = append(bindings, ts)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to load bindings of subscription %d: %w", subID, err)
	}
	if len(bindings) == 0 {
		return bindings, nil
	}

	rows, err = q.QueryContext(ctx,
		`SELECT f.topic_subscription_id, f.header, f.match_expression, f.kind, f.not_match
		FROM topic_subscription_filter f
		JOIN topic_subscription ts ON ts.id = f.topic_subscription_id
		WHERE ts.subscription_id = ?
		ORDER BY f.topic_subscription_id, f.position`,
		subID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load filters of subscription %d: %w", subID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tsID int64
			f    broker.Filter
			kind string
		)
		if err := rows.Scan(&tsID, &f.Header, &f.MatchExpression, &kind, &f.NotMatch); err != nil {
			return nil, fmt.Errorf("failed to scan filter: %w", err)
		}
		f.Kind = broker.FilterKind(kind)
		if i, ok := index[tsID]; ok {
			bindings[i].Filters = append(bindings[i].Filters, f)
		}
	}

	return bindings, rows.Err()
}

func filterKind(k broker.FilterKind) string {
	if k == "" {
		return string(broker.FilterRegex)
	}
	return string(k)
}
