// Package workerbridge connects the queue to workers running outside the engine
// process. Worker tasks, worker triggers and executed kills are forwarded to message
// broker topics; task results, trigger results and logs published by the workers are
// emitted back into the queue.
package workerbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/flowd/pkg/channels/kafka"
	"github.com/dukex/flowd/pkg/metrics"
	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/queue"
)

// ConsumerGroup is the queue consumer group of the bridge.
const ConsumerGroup = "worker-bridge"

// Broker topics. Tasks and triggers bound to a worker group go to the topic suffixed
// with the group key.
const (
	TopicWorkerTasks          = "flowd.worker-tasks"
	TopicWorkerTriggers       = "flowd.worker-triggers"
	TopicKills                = "flowd.kills"
	TopicWorkerTaskResults    = "flowd.worker-task-results"
	TopicWorkerTriggerResults = "flowd.worker-trigger-results"
	TopicLogs                 = "flowd.logs"

	TypeMetadata = "type"
)

var ErrClosed = errors.New("worker bridge closed")

// TaskTopic is the broker topic of the tasks of a worker group.
func TaskTopic(group *models.WorkerGroup) string {
	return groupTopic(TopicWorkerTasks, group)
}

// TriggerTopic is the broker topic of the polling triggers of a worker group.
func TriggerTopic(group *models.WorkerGroup) string {
	return groupTopic(TopicWorkerTriggers, group)
}

func groupTopic(topic string, group *models.WorkerGroup) string {
	if group == nil || group.Key == "" {
		return topic
	}

	return topic + "." + group.Key
}

type Bridge struct {
	topics     *queue.Topics
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger
	metrics    *metrics.Collector

	closeOnce sync.Once
}

// New creates a bridge. collector may be nil.
func New(topics *queue.Topics, publisher message.Publisher, subscriber message.Subscriber, logger *slog.Logger, collector *metrics.Collector) *Bridge {
	return &Bridge{
		topics:     topics,
		publisher:  publisher,
		subscriber: subscriber,
		logger:     logger.With("module", "worker-bridge"),
		metrics:    collector,
	}
}

// Start forwards messages both ways until ctx is done.
func (b *Bridge) Start(ctx context.Context) error {
	b.logger.InfoContext(ctx, "Starting worker bridge")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	handlers := map[string]handler{
		TopicWorkerTaskResults:    emitter(b, b.topics.WorkerTaskResults, func(r models.WorkerTaskResult) string { return r.TaskRun.ID }),
		TopicWorkerTriggerResults: emitter(b, b.topics.WorkerTriggerResults, func(r models.WorkerTriggerResult) string { return r.Trigger.UID() }),
		TopicLogs:                 emitter(b, b.topics.Logs, func(e models.LogEntry) string { return e.ExecutionID }),
	}

	for topic, handle := range handlers {
		messages, err := b.subscriber.Subscribe(ctx, topic)
		if err != nil {
			cancel()
			wg.Wait()

			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			b.drain(ctx, messages, handle)
		}()
	}

	cancels := []queue.CancelFunc{
		b.topics.WorkerTasks.Receive(ctx, ConsumerGroup, b.forwardTask, false),
		b.topics.WorkerTriggers.Receive(ctx, ConsumerGroup, b.forwardTrigger, false),
		b.topics.Kills.Receive(ctx, ConsumerGroup, b.forwardKill, false),
	}

	<-ctx.Done()

	for _, cancel := range cancels {
		cancel()
	}

	wg.Wait()

	b.logger.Info("Worker bridge stopped")

	return nil
}

// forwardTask publishes a worker task. A task that cannot reach the broker is
// reported FAILED so its execution does not wait on it forever.
func (b *Bridge) forwardTask(ctx context.Context, key string, task models.WorkerTask) error {
	err := b.publish(TaskTopic(task.WorkerGroup), key, queue.TypeWorkerTask, task)
	if err == nil {
		return nil
	}

	b.logger.ErrorContext(ctx, "Failing unpublished worker task", "taskRunId", task.TaskRun.ID, "error", err)

	result := models.WorkerTaskResult{TaskRun: task.TaskRun.WithState(models.StateFailed)}

	return errors.Join(err, b.topics.WorkerTaskResults.Emit(ctx, result.TaskRun.ID, result))
}

func (b *Bridge) forwardTrigger(_ context.Context, key string, trigger models.WorkerTrigger) error {
	return b.publish(TriggerTopic(trigger.WorkerGroup), key, queue.TypeWorkerTrigger, trigger)
}

// forwardKill passes on the kills the coordinator executed. Requests stay in the queue.
func (b *Bridge) forwardKill(_ context.Context, key string, kill models.ExecutionKilled) error {
	if kill.State != models.KillExecuted {
		return nil
	}

	return b.publish(TopicKills, key, queue.TypeKill, kill)
}

func (b *Bridge) publish(topic, key string, messageType queue.MessageType, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s message %s: %w", messageType, key, err)
	}

	msg := message.NewMessage("msg-"+watermill.NewULID(), payload)
	msg.Metadata.Set(kafka.KeyMetadata, key)
	msg.Metadata.Set(TypeMetadata, string(messageType))

	err = b.publisher.Publish(topic, msg)
	if err != nil {
		b.metrics.QueueDropped(string(messageType), "transport")

		return fmt.Errorf("failed to publish %s message %s to %s: %w", messageType, key, topic, err)
	}

	return nil
}

type handler func(ctx context.Context, msg *message.Message) error

// emitter decodes broker messages into T and emits them to the queue topic.
func emitter[T any](b *Bridge, target *queue.Topic[T], key func(T) string) handler {
	return func(ctx context.Context, msg *message.Message) error {
		var value T

		err := json.Unmarshal(msg.Payload, &value)
		if err != nil {
			b.metrics.QueueDropped(string(target.Type()), "deserialization")
			b.logger.WarnContext(ctx, "Skipping undecodable message", "type", target.Type(), "uuid", msg.UUID, "error", err)

			return nil
		}

		return target.Emit(ctx, key(value), value)
	}
}

// drain acks every handled message. A message whose emit fails is nacked and
// redelivered by the broker.
func (b *Bridge) drain(ctx context.Context, messages <-chan *message.Message, handle handler) {
	for msg := range messages {
		err := handle(ctx, msg)
		if err != nil {
			b.logger.ErrorContext(ctx, "Failed to emit worker message", "uuid", msg.UUID, "error", err)
			msg.Nack()

			continue
		}

		msg.Ack()
	}
}

func (b *Bridge) Close() error {
	err := ErrClosed

	b.closeOnce.Do(func() {
		err = errors.Join(b.publisher.Close(), b.subscriber.Close())
	})

	return err
}
