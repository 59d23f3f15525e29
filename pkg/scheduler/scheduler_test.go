package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/flowd/pkg/config"
	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
	"github.com/dukex/flowd/pkg/persistence/memory"
	"github.com/dukex/flowd/pkg/queue"
	memqueue "github.com/dukex/flowd/pkg/queue/memory"
	"github.com/dukex/flowd/pkg/scheduler"
	"github.com/dukex/flowd/pkg/template"
	"github.com/dukex/flowd/pkg/workergroup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = now
}

// base is the start of the next hour, so cursor dates stay after the wall clock
// dates the models stamp on updates.
func base() time.Time {
	return time.Now().UTC().Truncate(time.Hour).Add(time.Hour)
}

func duration(d time.Duration) *models.Duration {
	value := models.Duration(d)

	return &value
}

func scheduleFlow(id string, definitions ...models.TriggerDefinition) *models.Flow {
	return &models.Flow{
		ID:        id,
		Namespace: "tests",
		Revision:  1,
		Tasks:     []models.Task{{ID: "a", Type: "io.flowd.test.Echo"}},
		Triggers:  definitions,
	}
}

func hourly(id string) models.TriggerDefinition {
	return models.TriggerDefinition{ID: id, Type: models.TriggerSchedule, Cron: "0 * * * *"}
}

type env struct {
	store     *memory.Persistence
	queue     *memqueue.Queue
	topics    *queue.Topics
	clock     *clock
	scheduler *scheduler.Scheduler
}

func newEnv(t *testing.T, groups workergroup.Resolver, flows ...*models.Flow) *env {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewPersistence()

	for _, flow := range flows {
		require.NoError(t, store.Flows().SaveFlow(context.Background(), flow))
	}

	q := memqueue.New(queue.PollOptions{
		MinInterval:    time.Millisecond,
		MaxInterval:    5 * time.Millisecond,
		SwitchInterval: 50 * time.Millisecond,
		BatchSize:      50,
	}, logger, nil)
	t.Cleanup(func() { _ = q.Close() })

	topics := queue.NewTopics(q, 1<<20, logger, nil)
	c := &clock{now: base()}

	s := scheduler.New(store, store.Flows(), topics, template.NewRenderer(), groups, config.SchedulerConfig{
		TickInterval:    time.Hour,
		StaleEvaluation: time.Minute,
		MaxTickFailures: 2,
	}, logger, nil, scheduler.WithClock(c.Now))

	return &env{store: store, queue: q, topics: topics, clock: c, scheduler: s}
}

func (e *env) tick(t *testing.T) {
	t.Helper()

	require.NoError(t, e.scheduler.Tick(context.Background()))
}

func (e *env) trigger(t *testing.T, flow *models.Flow, triggerID string) models.Trigger {
	t.Helper()

	trigger, err := e.store.Triggers().FindByUID(context.Background(), models.TriggerUID(flow.TenantID, flow.Namespace, flow.ID, triggerID))
	require.NoError(t, err)

	return *trigger
}

type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func record[T any](t *testing.T, topic *queue.Topic[T]) *recorder[T] {
	t.Helper()

	r := &recorder[T]{}

	cancel := topic.Receive(context.Background(), "test", func(_ context.Context, _ string, v T) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.items = append(r.items, v)

		return nil
	}, false)
	t.Cleanup(cancel)

	return r
}

func (r *recorder[T]) wait(t *testing.T, n int) []T {
	t.Helper()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()

		return len(r.items) >= n
	}, waitFor, 5*time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]T(nil), r.items...)
}

func TestScheduler_CreatesCursors(t *testing.T) {
	t.Parallel()

	disabled := hourly("off")
	disabled.Disabled = true

	flow := scheduleFlow("cursors",
		models.TriggerDefinition{ID: "every-5", Type: models.TriggerSchedule, Cron: "*/5 * * * *"},
		models.TriggerDefinition{ID: "poll", Type: models.TriggerPolling, Interval: duration(time.Minute)},
		disabled,
	)

	e := newEnv(t, nil, flow)
	b := e.clock.Now()
	now := b.Add(2 * time.Minute)
	e.clock.Set(now)

	e.tick(t)

	schedule := e.trigger(t, flow, "every-5")
	require.NotNil(t, schedule.NextExecutionDate)
	assert.Equal(t, b.Add(5*time.Minute), *schedule.NextExecutionDate)

	poll := e.trigger(t, flow, "poll")
	require.NotNil(t, poll.NextExecutionDate)
	assert.Equal(t, now, *poll.NextExecutionDate)

	assert.True(t, e.trigger(t, flow, "off").Disabled)
	assert.Equal(t, 0, e.queue.Len(queue.TypeExecution))
}

func TestScheduler_FiresDueScheduleAndAdvances(t *testing.T) {
	t.Parallel()

	definition := hourly("hourly")
	definition.Inputs = map[string]any{"day": `{{ .date.Format "2006-01-02" }}`}
	flow := scheduleFlow("fire", definition)

	e := newEnv(t, nil, flow)
	b := e.clock.Now()
	executions := record(t, e.topics.Executions)

	e.clock.Set(b.Add(-time.Minute))
	e.tick(t)
	assert.Equal(t, 0, e.queue.Len(queue.TypeExecution))

	e.clock.Set(b)
	e.tick(t)

	fired := executions.wait(t, 1)[0]
	require.NotNil(t, fired.Trigger)
	assert.Equal(t, "hourly", fired.Trigger.ID)
	assert.Equal(t, b.Format(time.RFC3339), fired.Trigger.Variables["date"])
	assert.Equal(t, b.Format("2006-01-02"), fired.Inputs["day"])

	trigger := e.trigger(t, flow, "hourly")
	assert.Equal(t, b.Add(time.Hour), *trigger.NextExecutionDate)
	assert.Equal(t, b, *trigger.Date)
	assert.Equal(t, fired.ID, trigger.ExecutionID)

	// the same date never fires twice
	e.tick(t)
	assert.Equal(t, 1, e.queue.Len(queue.TypeExecution))
}

func TestScheduler_SkipsWhileExecutionRunning(t *testing.T) {
	t.Parallel()

	flow := scheduleFlow("running", hourly("hourly"))

	e := newEnv(t, nil, flow)
	b := e.clock.Now()
	executions := record(t, e.topics.Executions)
	ctx := context.Background()

	e.clock.Set(b.Add(-time.Minute))
	e.tick(t)
	e.clock.Set(b)
	e.tick(t)

	first := executions.wait(t, 1)[0]
	require.NoError(t, e.store.Executions().Save(ctx, first.WithState(models.StateRunning)))

	e.clock.Set(b.Add(time.Hour))
	e.tick(t)

	assert.Equal(t, 1, e.queue.Len(queue.TypeExecution))
	assert.Equal(t, b.Add(time.Hour), *e.trigger(t, flow, "hourly").NextExecutionDate)

	stored, err := e.store.Executions().FindByID(ctx, first.ID)
	require.NoError(t, err)
	require.NoError(t, e.store.Executions().Save(ctx, stored.WithState(models.StateSuccess)))

	e.tick(t)

	assert.Equal(t, 2, e.queue.Len(queue.TypeExecution))
	assert.Equal(t, b.Add(2*time.Hour), *e.trigger(t, flow, "hourly").NextExecutionDate)
}

func TestScheduler_ConditionMissAdvancesWithoutExecution(t *testing.T) {
	t.Parallel()

	definition := hourly("hourly")
	definition.Conditions = []string{`{{ eq .flow.id "another" }}`}
	flow := scheduleFlow("miss", definition)

	e := newEnv(t, nil, flow)
	b := e.clock.Now()

	e.clock.Set(b.Add(-time.Minute))
	e.tick(t)
	e.clock.Set(b)
	e.tick(t)

	trigger := e.trigger(t, flow, "hourly")
	assert.Equal(t, b.Add(time.Hour), *trigger.NextExecutionDate)
	assert.Empty(t, trigger.ExecutionID)
	assert.Equal(t, 0, e.queue.Len(queue.TypeExecution))
}

func TestScheduler_BrokenConditionFailsExecutionAndAdvances(t *testing.T) {
	t.Parallel()

	definition := hourly("hourly")
	definition.Conditions = []string{`{{ if }}`}
	flow := scheduleFlow("broken", definition)

	e := newEnv(t, nil, flow)
	b := e.clock.Now()
	executions := record(t, e.topics.Executions)
	logs := record(t, e.topics.Logs)

	e.clock.Set(b.Add(-time.Minute))
	e.tick(t)

	// the cursor keeps moving on every tick
	for i := range 3 {
		e.clock.Set(b.Add(time.Duration(i) * time.Hour))
		e.tick(t)

		assert.Equal(t, b.Add(time.Duration(i+1)*time.Hour), *e.trigger(t, flow, "hourly").NextExecutionDate)
	}

	failed := executions.wait(t, 3)
	for _, execution := range failed {
		assert.Equal(t, models.StateFailed, execution.State.Current)
	}

	entries := logs.wait(t, 3)
	assert.Equal(t, models.LogLevelError, entries[0].Level)
	assert.Equal(t, "hourly", entries[0].TriggerID)
	assert.Contains(t, entries[0].Message, "failed to evaluate trigger hourly")
}

func TestScheduler_RecoverMissedSchedules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		policy models.RecoverMissedSchedules
		want   time.Duration
	}{
		{models.RecoverAll, -3 * time.Hour},
		{models.RecoverNone, time.Hour},
		{models.RecoverLast, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			t.Parallel()

			definition := hourly("hourly")
			definition.RecoverMissedSchedules = tt.policy
			flow := scheduleFlow("recover", definition)

			e := newEnv(t, nil, flow)
			b := e.clock.Now()

			missed := b.Add(-3 * time.Hour)
			require.NoError(t, e.store.Triggers().Save(context.Background(), models.NewTrigger(flow, definition, missed)))

			e.clock.Set(b.Add(30 * time.Minute))
			require.NoError(t, e.scheduler.Recover(context.Background()))

			assert.Equal(t, b.Add(tt.want), *e.trigger(t, flow, "hourly").NextExecutionDate)
		})
	}
}

func TestScheduler_RecoverAllCatchesUpOnePerTick(t *testing.T) {
	t.Parallel()

	definition := hourly("hourly")
	flow := scheduleFlow("catch-up", definition)

	e := newEnv(t, nil, flow)
	b := e.clock.Now()
	executions := record(t, e.topics.Executions)

	require.NoError(t, e.store.Triggers().Save(context.Background(), models.NewTrigger(flow, definition, b.Add(-2*time.Hour))))

	e.clock.Set(b.Add(30 * time.Minute))
	require.NoError(t, e.scheduler.Recover(context.Background()))

	for range 3 {
		e.tick(t)

		// every catch-up fire ends before the next one
		for _, execution := range executions.wait(t, e.queue.Len(queue.TypeExecution)) {
			require.NoError(t, e.store.Executions().Save(context.Background(), execution.WithState(models.StateSuccess)))
		}
	}

	fired := executions.wait(t, 3)
	dates := make([]any, 0, len(fired))

	for _, execution := range fired {
		dates = append(dates, execution.Trigger.Variables["date"])
	}

	assert.Equal(t, []any{
		b.Add(-2 * time.Hour).Format(time.RFC3339),
		b.Add(-time.Hour).Format(time.RFC3339),
		b.Format(time.RFC3339),
	}, dates)
	assert.Equal(t, b.Add(time.Hour), *e.trigger(t, flow, "hourly").NextExecutionDate)
}

func TestScheduler_PollingTriggerRoundTrip(t *testing.T) {
	t.Parallel()

	flow := scheduleFlow("polling", models.TriggerDefinition{
		ID: "poll", Type: models.TriggerPolling, Interval: duration(time.Minute),
		WorkerGroup: &models.WorkerGroup{Key: "edge"},
	})

	e := newEnv(t, workergroup.NewStatic("edge"), flow)
	_ = e.clock.Now()
	workerTriggers := record(t, e.topics.WorkerTriggers)
	executions := record(t, e.topics.Executions)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- e.scheduler.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		_, err := e.store.Triggers().FindByUID(ctx, models.TriggerUID("", "tests", "polling", "poll"))

		return err == nil
	}, waitFor, 5*time.Millisecond)

	e.tick(t)
	e.tick(t)

	dispatched := workerTriggers.wait(t, 1)
	assert.Equal(t, 1, e.queue.Len(queue.TypeWorkerTrigger))
	assert.Equal(t, "edge", dispatched[0].WorkerGroup.Key)
	assert.Equal(t, "poll", dispatched[0].Definition.ID)
	require.NotNil(t, dispatched[0].Trigger.EvaluateRunningDate)

	execution := models.NewExecution(flow, map[string]any{"polled": true}, nil)
	require.NoError(t, e.topics.WorkerTriggerResults.Emit(ctx, dispatched[0].Trigger.UID(), models.WorkerTriggerResult{
		Trigger:   dispatched[0].Trigger,
		Execution: &execution,
		Success:   true,
	}))

	fired := executions.wait(t, 1)[0]
	assert.Equal(t, execution.ID, fired.ID)
	assert.Equal(t, "poll", fired.Trigger.ID)

	require.Eventually(t, func() bool {
		trigger := e.trigger(t, flow, "poll")

		return trigger.EvaluateRunningDate == nil && trigger.ExecutionID == execution.ID
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, e.clock.Now().Add(time.Minute), *e.trigger(t, flow, "poll").NextExecutionDate)
}

func TestScheduler_WorkerGroupFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fallback   models.WorkerGroupFallback
		advanced   bool
		executions int
	}{
		{models.WorkerGroupFallbackWait, false, 0},
		{models.WorkerGroupFallbackCancel, true, 0},
		{models.WorkerGroupFallbackFail, true, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.fallback), func(t *testing.T) {
			t.Parallel()

			flow := scheduleFlow("fallback", models.TriggerDefinition{
				ID: "poll", Type: models.TriggerPolling, Interval: duration(time.Minute),
				WorkerGroup: &models.WorkerGroup{Key: "edge", Fallback: tt.fallback},
			})

			groups := workergroup.NewStatic()
			groups.Set("edge", false)

			e := newEnv(t, groups, flow)
			_ = e.clock.Now()

			now := e.clock.Now()
			e.tick(t)

			assert.Equal(t, 0, e.queue.Len(queue.TypeWorkerTrigger))
			assert.Equal(t, tt.executions, e.queue.Len(queue.TypeExecution))

			next := *e.trigger(t, flow, "poll").NextExecutionDate
			assert.Equal(t, tt.advanced, next.After(now))
		})
	}
}

func TestScheduler_RemovedTriggerKillsItsExecution(t *testing.T) {
	t.Parallel()

	flow := scheduleFlow("removed", hourly("hourly"))

	e := newEnv(t, nil, flow)
	_ = e.clock.Now()
	kills := record(t, e.topics.Kills)
	ctx := context.Background()

	e.tick(t)

	uid := models.TriggerUID("", "tests", "removed", "hourly")
	require.NoError(t, e.store.Triggers().Lock(ctx, uid, func(trigger models.Trigger) (*models.Trigger, error) {
		trigger.ExecutionID = "running-execution"

		return &trigger, nil
	}))

	require.NoError(t, e.store.Flows().DeleteFlow(ctx, "", "tests", "removed"))
	e.tick(t)

	_, err := e.store.Triggers().FindByUID(ctx, uid)
	assert.True(t, persistence.IsTriggerNotFound(err))

	kill := kills.wait(t, 1)[0]
	assert.Equal(t, "running-execution", kill.ExecutionID)
	assert.Equal(t, models.KillRequested, kill.State)
}

func TestScheduler_Backfill(t *testing.T) {
	t.Parallel()

	definition := hourly("hourly")
	flow := scheduleFlow("backfill", definition)

	e := newEnv(t, nil, flow)
	b := e.clock.Now()
	executions := record(t, e.topics.Executions)
	ctx := context.Background()

	e.clock.Set(b.Add(10 * time.Minute))
	e.tick(t)

	end := b.Add(-time.Hour)
	require.NoError(t, e.scheduler.Backfill(ctx, "", "tests", "backfill", "hourly",
		b.Add(-3*time.Hour).Add(-30*time.Minute), &end, map[string]any{"replay": true}, nil))

	for range 4 {
		e.tick(t)
	}

	fired := executions.wait(t, 3)
	require.Len(t, fired, 3)

	for i, execution := range fired {
		assert.Equal(t, b.Add(time.Duration(i-3)*time.Hour).Format(time.RFC3339), execution.Trigger.Variables["date"])
		assert.Equal(t, true, execution.Trigger.Variables["backfill"])
		assert.Equal(t, true, execution.Inputs["replay"])
	}

	trigger := e.trigger(t, flow, "hourly")
	assert.Nil(t, trigger.Backfill)
	assert.Equal(t, b.Add(time.Hour), *trigger.NextExecutionDate)

	err := e.scheduler.PauseBackfill(ctx, trigger.UID(), true)
	assert.ErrorIs(t, err, scheduler.ErrNoBackfill)
}

func TestScheduler_BackfillRejectsPollingTriggers(t *testing.T) {
	t.Parallel()

	flow := scheduleFlow("no-backfill", models.TriggerDefinition{ID: "poll", Type: models.TriggerPolling, Interval: duration(time.Minute)})

	e := newEnv(t, nil, flow)
	b := e.clock.Now()
	e.tick(t)

	err := e.scheduler.Backfill(context.Background(), "", "tests", "no-backfill", "poll", b.Add(-time.Hour), nil, nil, nil)
	assert.ErrorIs(t, err, scheduler.ErrBackfillNotSupported)
}

var errDatabaseDown = errors.New("database down")

type brokenTriggers struct {
	persistence.TriggerStore
}

func (brokenTriggers) FindDue(context.Context, time.Time) ([]models.Trigger, error) {
	return nil, errDatabaseDown
}

type brokenPersistence struct {
	*memory.Persistence
}

func (p brokenPersistence) Triggers() persistence.TriggerStore {
	return brokenTriggers{p.Persistence.Triggers()}
}

func TestScheduler_RepeatedTickFailureIsFatal(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewPersistence()
	q := memqueue.New(queue.PollOptions{MinInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, BatchSize: 10}, logger, nil)
	t.Cleanup(func() { _ = q.Close() })

	s := scheduler.New(brokenPersistence{store}, store.Flows(), queue.NewTopics(q, 1<<20, logger, nil), template.NewRenderer(), nil,
		config.SchedulerConfig{TickInterval: 5 * time.Millisecond, StaleEvaluation: time.Minute, MaxTickFailures: 2}, logger, nil)

	done := make(chan error, 1)

	go func() { done <- s.Start(context.Background()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, scheduler.ErrTickFailed)
		assert.ErrorIs(t, err, errDatabaseDown)
	case <-time.After(waitFor):
		t.Fatal("scheduler did not stop")
	}
}
