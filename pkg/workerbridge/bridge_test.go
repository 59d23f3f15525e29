package workerbridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	channel "github.com/dukex/flowd/pkg/channels/gochannel"
	"github.com/dukex/flowd/pkg/channels/kafka"
	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/queue"
	memqueue "github.com/dukex/flowd/pkg/queue/memory"
	"github.com/dukex/flowd/pkg/workerbridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type env struct {
	topics *queue.Topics
	pubSub *gochannel.GoChannel
}

// failingPublisher rejects every message.
type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error {
	return errors.New("broker unavailable")
}

func (failingPublisher) Close() error { return nil }

func newEnv(t *testing.T) *env {
	t.Helper()

	return newEnvWith(t, nil)
}

// newEnvWith starts a bridge over a test channel. publisher replaces the channel
// on the outbound side when set.
func newEnvWith(t *testing.T, publisher message.Publisher) *env {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	q := memqueue.New(queue.PollOptions{
		MinInterval:    time.Millisecond,
		MaxInterval:    5 * time.Millisecond,
		SwitchInterval: 50 * time.Millisecond,
		BatchSize:      50,
	}, logger, nil)
	t.Cleanup(func() { _ = q.Close() })

	topics := queue.NewTopics(q, 1<<20, logger, nil)

	pubSub, _, err := channel.CreateTestChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	if publisher == nil {
		publisher = pubSub
	}

	bridge := workerbridge.New(topics, publisher, pubSub, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- bridge.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, bridge.Close())
		assert.ErrorIs(t, bridge.Close(), workerbridge.ErrClosed)
	})

	return &env{topics: topics, pubSub: pubSub}
}

func (e *env) subscribe(t *testing.T, topic string) <-chan *message.Message {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	messages, err := e.pubSub.Subscribe(ctx, topic)
	require.NoError(t, err)

	return messages
}

func (e *env) publish(t *testing.T, topic string, payload []byte) {
	t.Helper()

	require.NoError(t, e.pubSub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload)))
}

func next[T any](t *testing.T, messages <-chan *message.Message) (T, *message.Message) {
	t.Helper()

	var value T

	select {
	case msg := <-messages:
		require.NoError(t, json.Unmarshal(msg.Payload, &value))
		msg.Ack()

		return value, msg
	case <-time.After(waitFor):
		t.Fatal("no message received")

		return value, nil
	}
}

func received[T any](t *testing.T, topic *queue.Topic[T]) <-chan T {
	t.Helper()

	ch := make(chan T, 10)

	cancel := topic.Receive(context.Background(), "test", func(_ context.Context, _ string, v T) error {
		ch <- v

		return nil
	}, false)
	t.Cleanup(cancel)

	return ch
}

func TestTopics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		group *models.WorkerGroup
		tasks string
		trig  string
	}{
		{"no group", nil, "flowd.worker-tasks", "flowd.worker-triggers"},
		{"empty key", &models.WorkerGroup{}, "flowd.worker-tasks", "flowd.worker-triggers"},
		{"group", &models.WorkerGroup{Key: "edge"}, "flowd.worker-tasks.edge", "flowd.worker-triggers.edge"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.tasks, workerbridge.TaskTopic(tt.group))
			assert.Equal(t, tt.trig, workerbridge.TriggerTopic(tt.group))
		})
	}
}

func TestBridge_ForwardsWorkerTasksByGroup(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	edge := &models.WorkerGroup{Key: "edge"}

	defaults := e.subscribe(t, workerbridge.TaskTopic(nil))
	grouped := e.subscribe(t, workerbridge.TaskTopic(edge))

	ctx := context.Background()
	require.NoError(t, e.topics.WorkerTasks.Emit(ctx, "run-1", models.WorkerTask{TaskRun: models.TaskRun{ID: "run-1", ExecutionID: "exec-1"}}))
	require.NoError(t, e.topics.WorkerTasks.Emit(ctx, "run-2", models.WorkerTask{TaskRun: models.TaskRun{ID: "run-2", ExecutionID: "exec-1"}, WorkerGroup: edge}))

	task, msg := next[models.WorkerTask](t, defaults)
	assert.Equal(t, "run-1", task.TaskRun.ID)
	assert.Equal(t, "run-1", msg.Metadata.Get(kafka.KeyMetadata))
	assert.Equal(t, string(queue.TypeWorkerTask), msg.Metadata.Get(workerbridge.TypeMetadata))

	task, _ = next[models.WorkerTask](t, grouped)
	assert.Equal(t, "run-2", task.TaskRun.ID)
	assert.Equal(t, "edge", task.WorkerGroup.Key)
}

func TestBridge_ForwardsWorkerTriggers(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	triggers := e.subscribe(t, workerbridge.TriggerTopic(nil))

	trigger := models.Trigger{Namespace: "tests", FlowID: "poll", TriggerID: "http"}
	require.NoError(t, e.topics.WorkerTriggers.Emit(context.Background(), trigger.UID(), models.WorkerTrigger{Trigger: trigger}))

	got, msg := next[models.WorkerTrigger](t, triggers)
	assert.Equal(t, trigger.UID(), got.Trigger.UID())
	assert.Equal(t, trigger.UID(), msg.Metadata.Get(kafka.KeyMetadata))
}

func TestBridge_ForwardsOnlyExecutedKills(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	kills := e.subscribe(t, workerbridge.TopicKills)

	ctx := context.Background()
	require.NoError(t, e.topics.Kills.Emit(ctx, "requested", models.ExecutionKilled{ExecutionID: "requested", State: models.KillRequested}))
	require.NoError(t, e.topics.Kills.Emit(ctx, "executed", models.ExecutionKilled{ExecutionID: "executed", State: models.KillExecuted}))

	kill, _ := next[models.ExecutionKilled](t, kills)
	assert.Equal(t, "executed", kill.ExecutionID)
	assert.Equal(t, models.KillExecuted, kill.State)
}

func TestBridge_EmitsWorkerResults(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	taskResults := received(t, e.topics.WorkerTaskResults)
	triggerResults := received(t, e.topics.WorkerTriggerResults)
	logs := received(t, e.topics.Logs)

	run := models.TaskRun{ID: "run-1", ExecutionID: "exec-1"}.WithState(models.StateSuccess)
	payload, err := json.Marshal(models.WorkerTaskResult{TaskRun: run})
	require.NoError(t, err)

	e.publish(t, workerbridge.TopicWorkerTaskResults, []byte("{not json"))
	e.publish(t, workerbridge.TopicWorkerTaskResults, payload)

	trigger := models.Trigger{Namespace: "tests", FlowID: "poll", TriggerID: "http"}
	payload, err = json.Marshal(models.WorkerTriggerResult{Trigger: trigger, Success: true})
	require.NoError(t, err)
	e.publish(t, workerbridge.TopicWorkerTriggerResults, payload)

	payload, err = json.Marshal(models.LogEntry{ExecutionID: "exec-1", Level: models.LogLevelInfo, Message: "hello"})
	require.NoError(t, err)
	e.publish(t, workerbridge.TopicLogs, payload)

	select {
	case result := <-taskResults:
		assert.Equal(t, "run-1", result.TaskRun.ID)
		assert.Equal(t, models.StateSuccess, result.TaskRun.State.Current)
	case <-time.After(waitFor):
		t.Fatal("task result not emitted")
	}

	select {
	case result := <-triggerResults:
		assert.True(t, result.Success)
		assert.Equal(t, trigger.UID(), result.Trigger.UID())
	case <-time.After(waitFor):
		t.Fatal("trigger result not emitted")
	}

	select {
	case entry := <-logs:
		assert.Equal(t, "hello", entry.Message)
	case <-time.After(waitFor):
		t.Fatal("log not emitted")
	}

	assert.Empty(t, taskResults, "undecodable payloads are skipped")
}

func TestBridge_FailsUnpublishedWorkerTasks(t *testing.T) {
	t.Parallel()

	e := newEnvWith(t, failingPublisher{})
	taskResults := received(t, e.topics.WorkerTaskResults)

	task := models.WorkerTask{TaskRun: models.TaskRun{ID: "run-1", ExecutionID: "exec-1", State: models.NewState()}}
	require.NoError(t, e.topics.WorkerTasks.Emit(context.Background(), "run-1", task))

	select {
	case result := <-taskResults:
		assert.Equal(t, "run-1", result.TaskRun.ID)
		assert.Equal(t, models.StateFailed, result.TaskRun.State.Current)
	case <-time.After(waitFor):
		t.Fatal("failed task result not emitted")
	}
}
