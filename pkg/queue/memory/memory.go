// Package memory implements the queue in process with the same cursor semantics as the
// PostgreSQL queue. It backs the standalone mode and the tests.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dukex/flowd/pkg/metrics"
	"github.com/dukex/flowd/pkg/queue"
)

type cursorKey struct {
	messageType   queue.MessageType
	consumerGroup string
}

// Queue keeps every log in a slice.
type Queue struct {
	mu      sync.Mutex
	offset  int64
	logs    map[queue.MessageType][]queue.Message
	cursors map[cursorKey]int64
	// claims serializes consumers sharing a cursor.
	claims  map[cursorKey]*sync.Mutex
	closed  bool
	poller  *queue.Poller
	logger  *slog.Logger
	metrics *metrics.Collector
}

var _ queue.Queue = (*Queue)(nil)

func New(opts queue.PollOptions, logger *slog.Logger, collector *metrics.Collector) *Queue {
	return &Queue{
		logs:    map[queue.MessageType][]queue.Message{},
		cursors: map[cursorKey]int64{},
		claims:  map[cursorKey]*sync.Mutex{},
		poller:  queue.NewPoller(opts, logger, collector),
		logger:  logger,
		metrics: collector,
	}
}

func (q *Queue) Emit(_ context.Context, consumerGroup string, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrQueueClosed
	}

	q.offset++
	msg.Offset = q.offset
	msg.ConsumerGroup = consumerGroup
	msg.CreatedAt = time.Now().UTC()
	msg.Value = slices.Clone(msg.Value)

	q.logs[msg.Type] = append(q.logs[msg.Type], msg)

	return nil
}

func (q *Queue) EmitAsync(ctx context.Context, consumerGroup string, msg queue.Message) {
	queue.EmitAsync(ctx, q.logger, q.metrics, msg, func(ctx context.Context) error {
		return q.Emit(ctx, consumerGroup, msg)
	})
}

func (q *Queue) claim(key cursorKey) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()

	claim, ok := q.claims[key]
	if !ok {
		claim = &sync.Mutex{}
		q.claims[key] = claim
	}

	return claim
}

func (q *Queue) fetch(key cursorKey, limit int, forUpdate bool) []queue.Message {
	claim := q.claim(key)

	if forUpdate {
		if !claim.TryLock() {
			return nil
		}
	} else {
		claim.Lock()
	}
	defer claim.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	cursor := q.cursors[key]
	messages := make([]queue.Message, 0)

	for _, msg := range q.logs[key.messageType] {
		if len(messages) >= limit {
			break
		}

		if msg.Offset <= cursor {
			continue
		}

		if msg.ConsumerGroup != "" && msg.ConsumerGroup != key.consumerGroup {
			continue
		}

		messages = append(messages, msg)
	}

	if len(messages) > 0 {
		q.cursors[key] = messages[len(messages)-1].Offset
	}

	return messages
}

func (q *Queue) Receive(ctx context.Context, consumerGroup string, messageType queue.MessageType, handler queue.Handler, forUpdate bool) queue.CancelFunc {
	key := cursorKey{messageType: messageType, consumerGroup: consumerGroup}

	return q.poller.Start(ctx, messageType, func(_ context.Context, limit int) ([]queue.Message, error) {
		return q.fetch(key, limit, forUpdate), nil
	}, handler)
}

func (q *Queue) Pause()         { q.poller.Pause() }
func (q *Queue) Resume()        { q.poller.Resume() }
func (q *Queue) IsPaused() bool { return q.poller.IsPaused() }

func (q *Queue) DeleteByKey(ctx context.Context, messageType queue.MessageType, key string) error {
	return q.DeleteByKeys(ctx, messageType, []string{key})
}

func (q *Queue) DeleteByKeys(_ context.Context, messageType queue.MessageType, keys []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.logs[messageType] = slices.DeleteFunc(q.logs[messageType], func(msg queue.Message) bool {
		return slices.Contains(keys, msg.Key)
	})

	return nil
}

// Len returns the number of stored messages of a type.
func (q *Queue) Len(messageType queue.MessageType) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.logs[messageType])
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	return nil
}
