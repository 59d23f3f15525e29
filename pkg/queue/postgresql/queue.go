// Package postgresql implements the queue on two tables: queues holds every message
// in offset order and queue_offsets holds one cursor per message type and consumer
// group. Consumers sharing a group serialize on the cursor row.
package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dukex/flowd/pkg/metrics"
	"github.com/dukex/flowd/pkg/persistence/sqlbase"
	"github.com/dukex/flowd/pkg/queue"
	"github.com/lib/pq"
)

// Queue is the PostgreSQL queue.
type Queue struct {
	db      *sql.DB
	retry   sqlbase.RetryOptions
	poller  *queue.Poller
	closed  atomic.Bool
	logger  *slog.Logger
	metrics *metrics.Collector
}

var _ queue.Queue = (*Queue)(nil)

// New runs the queue migrations on db and returns the queue. The connection pool is
// not owned by the queue and is left open by Close.
func New(ctx context.Context, db *sql.DB, opts queue.PollOptions, logger *slog.Logger, collector *metrics.Collector) (*Queue, error) {
	migrationManager := sqlbase.NewMigrationManager(logger, db, migrationComponent, migrations())

	err := migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run queue migrations: %w", err)
	}

	retry := sqlbase.DefaultRetryOptions()
	retry.MaxTries = 3

	return &Queue{
		db:      db,
		retry:   retry,
		poller:  queue.NewPoller(opts, logger, collector),
		logger:  logger,
		metrics: collector,
	}, nil
}

// Emit appends msg. The advisory lock on the message type makes commit order match
// offset order, so a consumer never skips a row that commits late.
func (q *Queue) Emit(ctx context.Context, consumerGroup string, msg queue.Message) error {
	if q.closed.Load() {
		return queue.ErrQueueClosed
	}

	var group sql.NullString
	if consumerGroup != "" {
		group = sql.NullString{String: consumerGroup, Valid: true}
	}

	return sqlbase.RetryTx(ctx, q.db, q.logger, q.retry, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", string(msg.Type))
		if err != nil {
			return fmt.Errorf("failed to lock queue %s: %w", msg.Type, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO queues (type, key, consumer_group, value) VALUES ($1, $2, $3, $4)`,
			string(msg.Type), msg.Key, group, msg.Value)
		if err != nil {
			return fmt.Errorf("failed to insert %s message: %w", msg.Type, err)
		}

		return nil
	})
}

func (q *Queue) EmitAsync(ctx context.Context, consumerGroup string, msg queue.Message) {
	queue.EmitAsync(ctx, q.logger, q.metrics, msg, func(ctx context.Context) error {
		return q.Emit(ctx, consumerGroup, msg)
	})
}

func (q *Queue) Receive(ctx context.Context, consumerGroup string, messageType queue.MessageType, handler queue.Handler, forUpdate bool) queue.CancelFunc {
	return q.poller.Start(ctx, messageType, func(ctx context.Context, limit int) ([]queue.Message, error) {
		if q.closed.Load() {
			return nil, queue.ErrQueueClosed
		}

		return q.fetch(ctx, messageType, consumerGroup, limit, forUpdate)
	}, handler)
}

// fetch claims the next batch and moves the cursor in one transaction. With forUpdate
// a cursor held by another consumer yields an empty batch instead of waiting.
func (q *Queue) fetch(ctx context.Context, messageType queue.MessageType, consumerGroup string, limit int, forUpdate bool) ([]queue.Message, error) {
	var messages []queue.Message

	err := sqlbase.RetryTx(ctx, q.db, q.logger, q.retry, func(tx *sql.Tx) error {
		messages = nil

		_, err := tx.ExecContext(ctx,
			`INSERT INTO queue_offsets (type, consumer_group) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			string(messageType), consumerGroup)
		if err != nil {
			return fmt.Errorf("failed to create cursor: %w", err)
		}

		lock := "FOR UPDATE"
		if forUpdate {
			lock = "FOR UPDATE SKIP LOCKED"
		}

		var cursor int64

		err = tx.QueryRowContext(ctx,
			`SELECT "offset" FROM queue_offsets WHERE type = $1 AND consumer_group = $2 `+lock,
			string(messageType), consumerGroup).Scan(&cursor)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to lock cursor: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT "offset", key, COALESCE(consumer_group, ''), value, created_at
			FROM queues
			WHERE type = $1 AND "offset" > $2 AND (consumer_group IS NULL OR consumer_group = $3)
			ORDER BY "offset"
			LIMIT $4`,
			string(messageType), cursor, consumerGroup, limit)
		if err != nil {
			return fmt.Errorf("failed to select messages: %w", err)
		}

		for rows.Next() {
			msg := queue.Message{Type: messageType}

			err = rows.Scan(&msg.Offset, &msg.Key, &msg.ConsumerGroup, &msg.Value, &msg.CreatedAt)
			if err != nil {
				_ = rows.Close()

				return fmt.Errorf("failed to scan message: %w", err)
			}

			messages = append(messages, msg)
		}

		err = rows.Err()
		_ = rows.Close()

		if err != nil {
			return fmt.Errorf("failed to iterate messages: %w", err)
		}

		if len(messages) == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE queue_offsets SET "offset" = $3, updated_at = NOW() WHERE type = $1 AND consumer_group = $2`,
			string(messageType), consumerGroup, messages[len(messages)-1].Offset)
		if err != nil {
			return fmt.Errorf("failed to move cursor: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return messages, nil
}

func (q *Queue) Pause()         { q.poller.Pause() }
func (q *Queue) Resume()        { q.poller.Resume() }
func (q *Queue) IsPaused() bool { return q.poller.IsPaused() }

func (q *Queue) DeleteByKey(ctx context.Context, messageType queue.MessageType, key string) error {
	return q.DeleteByKeys(ctx, messageType, []string{key})
}

func (q *Queue) DeleteByKeys(ctx context.Context, messageType queue.MessageType, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	_, err := q.db.ExecContext(ctx, `DELETE FROM queues WHERE type = $1 AND key = ANY($2)`, string(messageType), pq.Array(keys))
	if err != nil {
		return fmt.Errorf("failed to delete %s messages: %w", messageType, err)
	}

	return nil
}

// Close stops new emissions. Running consumers stop when their CancelFunc is called.
func (q *Queue) Close() error {
	q.closed.Store(true)

	return nil
}
