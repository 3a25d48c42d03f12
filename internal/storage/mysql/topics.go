package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"broker/internal/broker"
)

const topicColumns = "id, name, notes"

// AddOrUpdateTopic implements broker.Storage.
func (s *Store) AddOrUpdateTopic(ctx context.Context, topic broker.Topic) (broker.Topic, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if topic.ID == 0 {
			res, err := tx.ExecContext(ctx, "INSERT INTO topic (name, notes) VALUES (?, ?)", topic.Name, topic.Notes)
			if err != nil {
				return fmt.Errorf("failed to insert topic %s: %w", topic.Name, err)
			}
			topic.ID, err = res.LastInsertId()
			return err
		}

		if err := lockRow(ctx, tx, "topic", topic.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE topic SET name = ?, notes = ? WHERE id = ?", topic.Name, topic.Notes, topic.ID); err != nil {
			return fmt.Errorf("failed to update topic %d: %w", topic.ID, err)
		}
		return nil
	})
	if err != nil {
		return broker.Topic{}, err
	}

	return topic, nil
}

// GetTopic implements broker.Storage.
func (s *Store) GetTopic(ctx context.Context, id int64) (broker.Topic, error) {
	return s.getTopic(ctx, "id = ?", id)
}

// GetTopicByName implements broker.Storage.
func (s *Store) GetTopicByName(ctx context.Context, name string) (broker.Topic, error) {
	return s.getTopic(ctx, "name = ?", name)
}

func (s *Store) getTopic(ctx context.Context, where string, arg any) (broker.Topic, error) {
	var t broker.Topic
	err := s.db.QueryRowContext(ctx, "SELECT "+topicColumns+" FROM topic WHERE "+where, arg).Scan(&t.ID, &t.Name, &t.Notes)
	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, sql.ErrNoRows):
		return broker.Topic{}, fmt.Errorf("%w: topic %v", broker.ErrNotFound, arg)
	default:
		return broker.Topic{}, translate(fmt.Errorf("failed to get topic %v: %w", arg, err))
	}
}

// GetTopics implements broker.Storage.
func (s *Store) GetTopics(ctx context.Context, nameFilter string) ([]broker.Topic, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+topicColumns+" FROM topic WHERE name LIKE ? ORDER BY id",
		"%"+escapeLike(nameFilter)+"%",
	)
	if err != nil {
		return nil, translate(fmt.Errorf("failed to list topics: %w", err))
	}
	defer rows.Close()

	topics := make([]broker.Topic, 0)
	for rows.Next() {
		var t broker.Topic
		if err := rows.Scan(&t.ID, &t.Name, &t.Notes); err != nil {
			return nil, translate(fmt.Errorf("failed to scan topic: %w", err))
		}
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(fmt.Errorf("failed to list topics: %w", err))
	}

	return topics, nil
}

// DeleteTopic implements broker.Storage.
func (s *Store) DeleteTopic(ctx context.Context, id int64, cascade bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockRow(ctx, tx, "topic", id); err != nil {
			return err
		}

		if !cascade {
			var bindings, events int
			err := tx.QueryRowContext(ctx,
				"SELECT (SELECT COUNT(*) FROM topic_subscription WHERE topic_id = ?), (SELECT COUNT(*) FROM topic_event WHERE topic_id = ?)",
				id, id,
			).Scan(&bindings, &events)
			if err != nil {
				return fmt.Errorf("failed to count dependents of topic %d: %w", id, err)
			}
			if bindings > 0 || events > 0 {
				return fmt.Errorf("%w: topic %d has %d subscriptions and %d events", broker.ErrConflict, id, bindings, events)
			}
		}

		bound, err := boundSubscriptions(ctx, tx, id)
		if err != nil {
			return err
		}

		for _, stmt := range []string{
			"DELETE FROM subscription_event WHERE topic_id = ?",
			"DELETE FROM topic_event WHERE topic_id = ?",
			"DELETE FROM topic_subscription WHERE topic_id = ?",
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("failed to delete dependents of topic %d: %w", id, err)
			}
		}

		for _, subID := range bound {
			var remaining int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM topic_subscription WHERE subscription_id = ?", subID).Scan(&remaining); err != nil {
				return fmt.Errorf("failed to count bindings of subscription %d: %w", subID, err)
			}
			if remaining > 0 {
				continue
			}
			if err := deleteSubscription(ctx, tx, subID); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM topic WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete topic %d: %w", id, err)
		}
		return nil
	})
}

func boundSubscriptions(ctx context.Context, q querier, topicID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, "SELECT subscription_id FROM topic_subscription WHERE topic_id = ?", topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions of topic %d: %w", topicID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan subscription id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
