package metadata

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/models"
)

const messageColumns = `id, queue, body, md5, attributes, receipt_handle, visible_after, sent_at,
	receive_count, first_received_at`

func queueNotFound(name string) error {
	return awserr.NotFound("Queue", name).
		WithCode("AWS.SimpleQueueService.NonExistentQueue").
		WithResource(name)
}

// CreateQueue records a queue. Creating an existing queue returns the stored one.
func (s *Store) CreateQueue(ctx context.Context, queue *models.Queue) (*models.Queue, error) {
	var stored *models.Queue
	err := s.tx(ctx, func(tx *sql.Tx) error {
		existing, err := getQueueTx(ctx, tx, queue.Name)
		if err == nil {
			stored = existing
			return nil
		}
		if !awserr.IsKind(err, awserr.KindNotFound) {
			return err
		}

		attrs, err := encodeStringMap(queue.Attributes)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sqs_queues (name, url, arn, attributes, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			queue.Name, queue.URL, queue.ARN, attrs, formatTime(queue.CreatedAt), formatTime(queue.CreatedAt))
		if err != nil {
			return insertErr(err, queue.Name)
		}
		stored = queue
		return nil
	})
	return stored, err
}

// GetQueue returns a queue by name.
func (s *Store) GetQueue(ctx context.Context, name string) (*models.Queue, error) {
	var queue *models.Queue
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		queue, err = getQueueTx(ctx, tx, name)
		return err
	})
	return queue, err
}

func getQueueTx(ctx context.Context, tx *sql.Tx, name string) (*models.Queue, error) {
	var (
		queue                models.Queue
		attrs                sql.NullString
		createdAt, updatedAt string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT name, url, arn, attributes, created_at, updated_at FROM sqs_queues WHERE name = ?`, name).
		Scan(&queue.Name, &queue.URL, &queue.ARN, &attrs, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queueNotFound(name)
	}
	if err != nil {
		return nil, dbErr(err)
	}
	queue.CreatedAt = parseTime(createdAt)
	queue.UpdatedAt = parseTime(updatedAt)
	if queue.Attributes, err = decodeStringMap(attrs); err != nil {
		return nil, err
	}
	return &queue, nil
}

// ListQueues returns the queues whose name starts with prefix.
func (s *Store) ListQueues(ctx context.Context, prefix string) ([]models.Queue, error) {
	var queues []models.Queue
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT name FROM sqs_queues WHERE substr(name, 1, length(?)) = ? ORDER BY name`, prefix, prefix)
		if err != nil {
			return dbErr(err)
		}
		var names []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				_ = rows.Close()
				return dbErr(err)
			}
			names = append(names, name)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return dbErr(err)
		}

		for _, name := range names {
			queue, err := getQueueTx(ctx, tx, name)
			if err != nil {
				return err
			}
			queues = append(queues, *queue)
		}
		return nil
	})
	return queues, err
}

// DeleteQueue removes a queue and its messages.
func (s *Store) DeleteQueue(ctx context.Context, name string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sqs_queues WHERE name = ?`, name)
		if err != nil {
			return dbErr(err)
		}
		if n, err := rowsAffected(res); err != nil {
			return err
		} else if n == 0 {
			return queueNotFound(name)
		}
		return nil
	})
}

// SetQueueAttributes merges attrs into the queue attributes.
func (s *Store) SetQueueAttributes(ctx context.Context, name string, attrs map[string]string, now time.Time) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		queue, err := getQueueTx(ctx, tx, name)
		if err != nil {
			return err
		}
		if queue.Attributes == nil {
			queue.Attributes = map[string]string{}
		}
		for k, v := range attrs {
			queue.Attributes[k] = v
		}
		encoded, err := encodeStringMap(queue.Attributes)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE sqs_queues SET attributes = ?, updated_at = ? WHERE name = ?`,
			encoded, formatTime(now), name)
		return dbErr(err)
	})
}

// SendMessages enqueues messages in one transaction.
func (s *Store) SendMessages(ctx context.Context, queue string, messages []*models.Message) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getQueueTx(ctx, tx, queue); err != nil {
			return err
		}
		for _, msg := range messages {
			attrs, err := encodeStringMap(msg.Attributes)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO sqs_messages (id, queue, body, md5, attributes, visible_after, sent_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				msg.ID, queue, msg.Body, msg.MD5, attrs, msg.VisibleAfter.UnixNano(), msg.SentAt.UnixNano())
			if err != nil {
				return insertErr(err, msg.ID)
			}
		}
		return nil
	})
}

// ReceiveMessages selects up to limit messages visible at now, hands each a fresh receipt
// handle and hides it until now+visibility. Selection and update share one transaction, so a
// message is never handed to two receivers within its visibility timeout.
func (s *Store) ReceiveMessages(ctx context.Context, queue string, limit int, now time.Time, visibility time.Duration) ([]models.Message, error) {
	var messages []models.Message
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getQueueTx(ctx, tx, queue); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM sqs_messages
			 WHERE queue = ? AND visible_after <= ?
			 ORDER BY sent_at, rowid LIMIT ?`, queue, now.UnixNano(), limit)
		if err != nil {
			return dbErr(err)
		}
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			messages = append(messages, *msg)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return dbErr(err)
		}

		hiddenUntil := now.Add(visibility)
		for i := range messages {
			msg := &messages[i]
			msg.ReceiptHandle = awsid.Token(48)
			msg.VisibleAfter = hiddenUntil
			msg.ReceiveCount++
			if msg.FirstReceivedAt.IsZero() {
				msg.FirstReceivedAt = now
			}
			_, err := tx.ExecContext(ctx,
				`UPDATE sqs_messages SET receipt_handle = ?, visible_after = ?, receive_count = ?, first_received_at = ?
				 WHERE id = ?`,
				msg.ReceiptHandle, hiddenUntil.UnixNano(), msg.ReceiveCount, msg.FirstReceivedAt.UnixNano(), msg.ID)
			if err != nil {
				return dbErr(err)
			}
		}
		return nil
	})
	return messages, err
}

// DeleteMessage removes the message holding handle. Unknown handles are a no-op.
func (s *Store) DeleteMessage(ctx context.Context, queue, handle string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getQueueTx(ctx, tx, queue); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM sqs_messages WHERE queue = ? AND receipt_handle = ?`, queue, handle)
		return dbErr(err)
	})
}

// ChangeMessageVisibility moves the visibility deadline of the message holding handle.
func (s *Store) ChangeMessageVisibility(ctx context.Context, queue, handle string, visibleAfter time.Time) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getQueueTx(ctx, tx, queue); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE sqs_messages SET visible_after = ? WHERE queue = ? AND receipt_handle = ?`,
			visibleAfter.UnixNano(), queue, handle)
		if err != nil {
			return dbErr(err)
		}
		if n, err := rowsAffected(res); err != nil {
			return err
		} else if n == 0 {
			return awserr.InvalidArgument("The receipt handle is not valid.").WithCode("ReceiptHandleIsInvalid")
		}
		return nil
	})
}

// PurgeQueue removes every message of a queue.
func (s *Store) PurgeQueue(ctx context.Context, queue string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getQueueTx(ctx, tx, queue); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM sqs_messages WHERE queue = ?`, queue)
		return dbErr(err)
	})
}

// CountMessages reports visible, in-flight and delayed message counts at now.
func (s *Store) CountMessages(ctx context.Context, queue string, now time.Time) (models.QueueCounts, error) {
	var counts models.QueueCounts
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := getQueueTx(ctx, tx, queue); err != nil {
			return err
		}
		return dbErr(tx.QueryRowContext(ctx,
			`SELECT
			     COALESCE(SUM(CASE WHEN visible_after <= ? THEN 1 ELSE 0 END), 0),
			     COALESCE(SUM(CASE WHEN visible_after > ? AND receipt_handle IS NOT NULL THEN 1 ELSE 0 END), 0),
			     COALESCE(SUM(CASE WHEN visible_after > ? AND receipt_handle IS NULL THEN 1 ELSE 0 END), 0)
			 FROM sqs_messages WHERE queue = ?`,
			now.UnixNano(), now.UnixNano(), now.UnixNano(), queue).
			Scan(&counts.Visible, &counts.InFlight, &counts.Delayed))
	})
	return counts, err
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg           models.Message
		attrs         sql.NullString
		handle        sql.NullString
		visibleAfter  int64
		sentAt        int64
		firstReceived int64
	)
	if err := row.Scan(&msg.ID, &msg.Queue, &msg.Body, &msg.MD5, &attrs, &handle, &visibleAfter, &sentAt,
		&msg.ReceiveCount, &firstReceived); err != nil {
		return nil, dbErr(err)
	}
	msg.ReceiptHandle = handle.String
	msg.VisibleAfter = time.Unix(0, visibleAfter).UTC()
	msg.SentAt = time.Unix(0, sentAt).UTC()
	if firstReceived > 0 {
		msg.FirstReceivedAt = time.Unix(0, firstReceived).UTC()
	}
	var err error
	if msg.Attributes, err = decodeStringMap(attrs); err != nil {
		return nil, err
	}
	return &msg, nil
}
