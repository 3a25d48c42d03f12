package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"broker/internal/broker"
)

// InsertEvent implements broker.Storage. A plan whose subscription is no
// longer bound to the topic inserts nothing.
func (s *Store) InsertEvent(ctx context.Context, event broker.Event, plans []broker.DeliveryPlan) (broker.Event, error) {
	var headers []byte
	if len(event.Headers) > 0 {
		var err error
		if headers, err = json.Marshal(event.Headers); err != nil {
			return broker.Event{}, fmt.Errorf("%w: failed to encode headers: %v", broker.ErrValidation, err)
		}
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO topic_event (topic_id, functional_key, publication_date_utc, priority, payload, headers) VALUES (?, ?, ?, ?, ?, ?)",
			event.TopicID, event.FunctionalKey, event.PublicationDateUTC, event.Priority, event.Payload, headers,
		)
		if err != nil {
			return fmt.Errorf("failed to insert event on topic %d: %w", event.TopicID, err)
		}
		if event.ID, err = res.LastInsertId(); err != nil {
			return err
		}

		for _, p := range plans {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO subscription_event
				(event_id, subscription_id, topic_id, functional_key, publication_date_utc, priority, invisible_until_utc, delivery_count_max)
				SELECT ?, ?, ?, ?, ?, ?, ?, ? FROM topic_subscription WHERE subscription_id = ? AND topic_id = ?`,
				event.ID, p.SubscriptionID, event.TopicID, event.FunctionalKey, event.PublicationDateUTC, event.Priority,
				p.InvisibleUntilUTC, p.DeliveryCountMax,
				p.SubscriptionID, event.TopicID,
			); err != nil {
				return fmt.Errorf("failed to insert delivery for subscription %d: %w", p.SubscriptionID, err)
			}
		}

		return nil
	})
	if err != nil {
		return broker.Event{}, err
	}

	return event, nil
}

// unfinished matches deliveries of alias that may still be handed out.
func unfinished(alias string) string {
	return fmt.Sprintf(
		"%[1]s.consumed = FALSE AND (%[1]s.delivery_count_max = 0 OR %[1]s.delivery_count < %[1]s.delivery_count_max OR (%[1]s.delivery_key <> '' AND %[1]s.invisible_until_utc > ?))",
		alias,
	)
}

// leaseQuery builds the candidate selection for req. Rows come back in lease
// order and locked; rows locked by a concurrent lease are skipped.
func leaseQuery(req broker.LeaseRequest) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)

	b.WriteString(`SELECT se.id, se.event_id, se.functional_key, se.delivery_count, se.publication_date_utc, se.priority, e.payload, e.headers
	FROM subscription_event se
	JOIN topic_event e ON e.id = se.event_id
	WHERE se.subscription_id = ? AND se.consumed = FALSE AND se.invisible_until_utc <= ?
	AND (se.delivery_count_max = 0 OR se.delivery_count < se.delivery_count_max)`)
	args = append(args, req.SubscriptionID, req.Now)

	if req.Ordered {
		b.WriteString(`
	AND (se.functional_key = '' OR (
		NOT EXISTS (SELECT 1 FROM subscription_event l
			WHERE l.subscription_id = se.subscription_id AND l.functional_key = se.functional_key
			AND l.consumed = FALSE AND l.delivery_key <> '' AND l.invisible_until_utc > ?)
		AND NOT EXISTS (SELECT 1 FROM subscription_event p
			WHERE p.subscription_id = se.subscription_id AND p.functional_key = se.functional_key AND p.id <> se.id
			AND ` + unfinished("p") + `
			AND (p.publication_date_utc < se.publication_date_utc
				OR (p.publication_date_utc = se.publication_date_utc AND (p.priority > se.priority
					OR (p.priority = se.priority AND p.id < se.id)))))))`)
		args = append(args, req.Now, req.Now)
	}

	b.WriteString("\n\tORDER BY ")
	if req.OrderingWindow > 0 {
		b.WriteString("TIMESTAMPDIFF(MICROSECOND, '1970-01-01 00:00:00', se.publication_date_utc) DIV ?, se.priority DESC, ")
		args = append(args, req.OrderingWindow.Microseconds())
	}
	b.WriteString("se.publication_date_utc, se.priority DESC, se.id\n\tLIMIT ?\n\tFOR UPDATE OF se SKIP LOCKED")
	args = append(args, req.MaxCount)

	return b.String(), args
}

// LeaseEligible implements broker.Storage.
func (s *Store) LeaseEligible(ctx context.Context, req broker.LeaseRequest) ([]broker.ConsumableEvent, error) {
	if req.MaxCount <= 0 {
		return nil, nil
	}

	var leased []broker.ConsumableEvent
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if req.Ordered {
			// ordered leases of one subscription run one at a time so the
			// per-key checks below see each other's leases
			if err := lockRow(ctx, tx, "subscription", req.SubscriptionID); err != nil {
				return err
			}
		}

		query, args := leaseQuery(req)
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to select eligible deliveries: %w", err)
		}

		invisibleUntil := req.Now.Add(req.VisibilityTimeout)
		for rows.Next() {
			var (
				e       broker.ConsumableEvent
				headers []byte
			)
			if err := rows.Scan(&e.ID, &e.EventID, &e.FunctionalKey, &e.DeliveryCount, &e.PublicationDateUTC, &e.Priority, &e.Payload, &headers); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan delivery: %w", err)
			}
			if len(headers) > 0 {
				if err := json.Unmarshal(headers, &e.Headers); err != nil {
					_ = rows.Close()
					return fmt.Errorf("failed to decode headers of event %d: %w", e.EventID, err)
				}
			}
			e.DeliveryCount++
			e.DeliveryKey = s.newKey()
			e.InvisibleUntilUTC = invisibleUntil
			leased = append(leased, e)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return fmt.Errorf("failed to select eligible deliveries: %w", err)
		}

		for _, e := range leased {
			if _, err := tx.ExecContext(ctx,
				"UPDATE subscription_event SET delivery_count = delivery_count + 1, delivery_key = ?, invisible_until_utc = ? WHERE id = ?",
				e.DeliveryKey, e.InvisibleUntilUTC, e.ID,
			); err != nil {
				return fmt.Errorf("failed to lease delivery %d: %w", e.ID, err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return leased, nil
}

// AcknowledgeIfKeyMatches implements broker.Storage.
func (s *Store) AcknowledgeIfKeyMatches(ctx context.Context, id int64, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE subscription_event SET consumed = TRUE WHERE id = ? AND delivery_key = ? AND delivery_key <> '' AND consumed = FALSE",
		id, key,
	)
	if err != nil {
		return false, translate(fmt.Errorf("failed to acknowledge delivery %d: %w", id, err))
	}

	return s.matched(ctx, res, id)
}

// FailIfKeyMatches implements broker.Storage.
func (s *Store) FailIfKeyMatches(ctx context.Context, id int64, key string, reason broker.Reason, now time.Time) (bool, error) {
	message := truncate(reason.String(), maxFailReasonLength)

	res, err := s.db.ExecContext(ctx,
		`UPDATE subscription_event
		SET delivery_key = '',
			last_fail_reason = ?,
			invisible_until_utc = CASE WHEN delivery_count_max > 0 AND delivery_count >= delivery_count_max THEN ? ELSE ? END
		WHERE id = ? AND delivery_key = ? AND delivery_key <> '' AND consumed = FALSE`,
		message, now, now.Add(reason.RetryAfter), id, key,
	)
	if err != nil {
		return false, translate(fmt.Errorf("failed to fail delivery %d: %w", id, err))
	}

	return s.matched(ctx, res, id)
}

// matched turns the result of a key-guarded update into the contract's
// answer: true when the row changed, false for a stale key, ErrNotFound
// for an unknown delivery.
func (s *Store) matched(ctx context.Context, res sql.Result, id int64) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, translate(fmt.Errorf("failed to read affected rows: %w", err))
	}
	if n > 0 {
		return true, nil
	}

	var found int64
	err = s.db.QueryRowContext(ctx, "SELECT id FROM subscription_event WHERE id = ?", id).Scan(&found)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("%w: delivery %d", broker.ErrNotFound, id)
	default:
		return false, translate(fmt.Errorf("failed to look up delivery %d: %w", id, err))
	}
}

// truncate cuts s to at most n runes; last_fail_reason counts characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	runes := []rune(s)
	return string(runes[:n])
}
