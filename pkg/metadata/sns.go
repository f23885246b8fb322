package metadata

import (
	"context"
	"database/sql"
	"errors"

	"cloudemu/pkg/awserr"
	"cloudemu/pkg/models"
)

func topicNotFound(arn string) error {
	return awserr.NotFound("Topic", arn).WithCode("NotFound").WithResource(arn)
}

// CreateTopic records a topic. Creating an existing name returns the stored topic.
func (s *Store) CreateTopic(ctx context.Context, topic *models.Topic) (*models.Topic, error) {
	var stored *models.Topic
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var arn string
		err := tx.QueryRowContext(ctx, `SELECT arn FROM sns_topics WHERE name = ?`, topic.Name).Scan(&arn)
		if err == nil {
			stored, err = getTopicTx(ctx, tx, arn)
			return err
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return dbErr(err)
		}

		attrs, err := encodeStringMap(topic.Attributes)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO sns_topics (arn, name, attributes, created_at) VALUES (?, ?, ?, ?)`,
			topic.ARN, topic.Name, attrs, formatTime(topic.CreatedAt))
		if err != nil {
			return insertErr(err, topic.Name)
		}
		stored = topic
		return nil
	})
	return stored, err
}

// GetTopic returns a topic by ARN.
func (s *Store) GetTopic(ctx context.Context, arn string) (*models.Topic, error) {
	var topic *models.Topic
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		topic, err = getTopicTx(ctx, tx, arn)
		return err
	})
	return topic, err
}

func getTopicTx(ctx context.Context, tx *sql.Tx, arn string) (*models.Topic, error) {
	var (
		topic     models.Topic
		attrs     sql.NullString
		createdAt string
	)
	err := tx.QueryRowContext(ctx, `SELECT arn, name, attributes, created_at FROM sns_topics WHERE arn = ?`, arn).
		Scan(&topic.ARN, &topic.Name, &attrs, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, topicNotFound(arn)
	}
	if err != nil {
		return nil, dbErr(err)
	}
	topic.CreatedAt = parseTime(createdAt)
	if topic.Attributes, err = decodeStringMap(attrs); err != nil {
		return nil, err
	}
	return &topic, nil
}

// ListTopics returns every topic ordered by name.
func (s *Store) ListTopics(ctx context.Context) ([]models.Topic, error) {
	var topics []models.Topic
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT arn, name, attributes, created_at FROM sns_topics ORDER BY name`)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				topic     models.Topic
				attrs     sql.NullString
				createdAt string
			)
			if err := rows.Scan(&topic.ARN, &topic.Name, &attrs, &createdAt); err != nil {
				return dbErr(err)
			}
			topic.CreatedAt = parseTime(createdAt)
			if topic.Attributes, err = decodeStringMap(attrs); err != nil {
				return err
			}
			topics = append(topics, topic)
		}
		return dbErr(rows.Err())
	})
	return topics, err
}

// DeleteTopic removes a topic and its subscriptions. Deleting a missing topic succeeds.
func (s *Store) DeleteTopic(ctx context.Context, arn string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM sns_topics WHERE arn = ?`, arn)
		return dbErr(err)
	})
}

// CreateSubscription records a subscription on an existing topic.
func (s *Store) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getTopicTx(ctx, tx, sub.TopicARN); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sns_subscriptions (arn, topic_arn, protocol, endpoint, created_at) VALUES (?, ?, ?, ?, ?)`,
			sub.ARN, sub.TopicARN, sub.Protocol, sub.Endpoint, formatTime(sub.CreatedAt))
		return insertErr(err, sub.ARN)
	})
}

// FindSubscription returns the subscription of endpoint on a topic, or nil.
func (s *Store) FindSubscription(ctx context.Context, topicARN, protocol, endpoint string) (*models.Subscription, error) {
	var sub *models.Subscription
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var (
			found     models.Subscription
			createdAt string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT arn, topic_arn, protocol, endpoint, created_at FROM sns_subscriptions
			 WHERE topic_arn = ? AND protocol = ? AND endpoint = ?`, topicARN, protocol, endpoint).
			Scan(&found.ARN, &found.TopicARN, &found.Protocol, &found.Endpoint, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return dbErr(err)
		}
		found.CreatedAt = parseTime(createdAt)
		sub = &found
		return nil
	})
	return sub, err
}

// DeleteSubscription removes a subscription. Unknown ARNs are a no-op.
func (s *Store) DeleteSubscription(ctx context.Context, arn string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM sns_subscriptions WHERE arn = ?`, arn)
		return dbErr(err)
	})
}

// ListSubscriptions returns subscriptions, limited to one topic when topicARN is set.
func (s *Store) ListSubscriptions(ctx context.Context, topicARN string) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.tx(ctx, func(tx *sql.Tx) error {
		query := `SELECT arn, topic_arn, protocol, endpoint, created_at FROM sns_subscriptions`
		var args []any
		if topicARN != "" {
			if _, err := getTopicTx(ctx, tx, topicARN); err != nil {
				return err
			}
			query += ` WHERE topic_arn = ?`
			args = append(args, topicARN)
		}
		rows, err := tx.QueryContext(ctx, query+` ORDER BY created_at, arn`, args...)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				sub       models.Subscription
				createdAt string
			)
			if err := rows.Scan(&sub.ARN, &sub.TopicARN, &sub.Protocol, &sub.Endpoint, &createdAt); err != nil {
				return dbErr(err)
			}
			sub.CreatedAt = parseTime(createdAt)
			subs = append(subs, sub)
		}
		return dbErr(rows.Err())
	})
	return subs, err
}

// RecordEvent appends a publish or event to the event log.
func (s *Store) RecordEvent(ctx context.Context, event models.EventRecord) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO event_log (id, service, target, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
			event.ID, event.Service, event.Target, string(event.Payload), formatTime(event.CreatedAt))
		return insertErr(err, event.ID)
	})
}

// ListEvents returns recorded events for a service and target in insertion order.
func (s *Store) ListEvents(ctx context.Context, service, target string) ([]models.EventRecord, error) {
	var events []models.EventRecord
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, service, target, payload, created_at FROM event_log
			 WHERE service = ? AND target = ? ORDER BY rowid`, service, target)
		if err != nil {
			return dbErr(err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				event     models.EventRecord
				payload   string
				createdAt string
			)
			if err := rows.Scan(&event.ID, &event.Service, &event.Target, &payload, &createdAt); err != nil {
				return dbErr(err)
			}
			event.Payload = []byte(payload)
			event.CreatedAt = parseTime(createdAt)
			events = append(events, event)
		}
		return dbErr(rows.Err())
	})
	return events, err
}
