package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/flowd/pkg/metrics"
)

// Topic encodes and decodes the values of one message type as JSON.
type Topic[T any] struct {
	queue       Queue
	messageType MessageType
	maxSize     int
	exempt      func(T) bool
	logger      *slog.Logger
	metrics     *metrics.Collector
}

// TopicOption configures a Topic.
type TopicOption[T any] func(*Topic[T])

// WithMaxSize rejects encoded values above size bytes.
func WithMaxSize[T any](size int) TopicOption[T] {
	return func(t *Topic[T]) { t.maxSize = size }
}

// WithSizeExemption lets values matching fn through the size guard.
func WithSizeExemption[T any](fn func(T) bool) TopicOption[T] {
	return func(t *Topic[T]) { t.exempt = fn }
}

func NewTopic[T any](q Queue, messageType MessageType, logger *slog.Logger, collector *metrics.Collector, opts ...TopicOption[T]) *Topic[T] {
	topic := &Topic[T]{
		queue:       q,
		messageType: messageType,
		logger:      logger,
		metrics:     collector,
	}

	for _, opt := range opts {
		opt(topic)
	}

	return topic
}

func (t *Topic[T]) Type() MessageType {
	return t.messageType
}

func (t *Topic[T]) encode(key string, value T) (Message, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s message: %w", t.messageType, err)
	}

	if t.maxSize > 0 && len(payload) > t.maxSize && (t.exempt == nil || !t.exempt(value)) {
		return Message{}, &MessageTooBigError{Type: t.messageType, Key: key, Size: len(payload), Max: t.maxSize}
	}

	return Message{Type: t.messageType, Key: key, Value: payload}, nil
}

// Emit broadcasts value to every consumer group.
func (t *Topic[T]) Emit(ctx context.Context, key string, value T) error {
	return t.EmitTo(ctx, "", key, value)
}

// EmitTo sends value to one consumer group only.
func (t *Topic[T]) EmitTo(ctx context.Context, consumerGroup, key string, value T) error {
	msg, err := t.encode(key, value)
	if err != nil {
		return err
	}

	err = t.queue.Emit(ctx, consumerGroup, msg)
	if err != nil {
		return fmt.Errorf("failed to emit %s message %s: %w", t.messageType, key, err)
	}

	t.metrics.QueueEmitted(string(t.messageType))

	return nil
}

// EmitAsync emits in the background.
func (t *Topic[T]) EmitAsync(ctx context.Context, key string, value T) {
	msg, err := t.encode(key, value)
	if err != nil {
		t.metrics.QueueDropped(string(t.messageType), "encode")
		t.logger.ErrorContext(ctx, "Failed to encode message", "type", t.messageType, "key", key, "error", err)

		return
	}

	t.queue.EmitAsync(ctx, "", msg)
	t.metrics.QueueEmitted(string(t.messageType))
}

// Receive decodes every message before calling handler. Messages that fail to decode
// are logged, counted and skipped.
func (t *Topic[T]) Receive(ctx context.Context, consumerGroup string, handler func(ctx context.Context, key string, value T) error, forUpdate bool) CancelFunc {
	return t.queue.Receive(ctx, consumerGroup, t.messageType, func(ctx context.Context, msg Message) error {
		var value T

		err := json.Unmarshal(msg.Value, &value)
		if err != nil {
			t.metrics.QueueDropped(string(t.messageType), "deserialization")
			t.logger.WarnContext(ctx, "Skipping undecodable message", "type", t.messageType, "key", msg.Key, "offset", msg.Offset, "error", err)

			return nil
		}

		return handler(ctx, msg.Key, value)
	}, forUpdate)
}

func (t *Topic[T]) DeleteByKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	return t.queue.DeleteByKeys(ctx, t.messageType, keys)
}
