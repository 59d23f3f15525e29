package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
	"github.com/dukex/flowd/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlow() *models.Flow {
	return &models.Flow{
		ID:        "hello",
		Namespace: "company.team",
		Tasks:     []models.Task{{ID: "a", Type: "log"}},
	}
}

func TestExecutionStore_Lock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewExecutionStore()
	execution := models.NewExecution(testFlow(), nil, nil)

	err := store.Lock(ctx, execution.ID, func(_ context.Context, current *models.Execution, state models.ExecutorState) (*models.Execution, models.ExecutorState, error) {
		assert.Nil(t, current)
		state.ChildDeduplication["key"] = "value"

		return &execution, state, nil
	})
	require.NoError(t, err)

	state, ok := store.State(execution.ID)
	require.True(t, ok)
	assert.Equal(t, "value", state.ChildDeduplication["key"])

	t.Run("failed lock keeps the previous ledger", func(t *testing.T) {
		boom := errors.New("boom")

		err := store.Lock(ctx, execution.ID, func(_ context.Context, current *models.Execution, state models.ExecutorState) (*models.Execution, models.ExecutorState, error) {
			state.ChildDeduplication["other"] = "value"

			return nil, state, boom
		})
		require.ErrorIs(t, err, boom)

		state, _ := store.State(execution.ID)
		assert.NotContains(t, state.ChildDeduplication, "other")
	})

	t.Run("purge drops the ledger", func(t *testing.T) {
		require.NoError(t, store.Purge(ctx, execution.ID))

		_, ok := store.State(execution.ID)
		assert.False(t, ok)

		_, err := store.FindByID(ctx, execution.ID)
		assert.NoError(t, err)
	})
}

func TestExecutionStore_LockSerializes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewExecutionStore()
	execution := models.NewExecution(testFlow(), nil, nil)
	require.NoError(t, store.Save(ctx, execution))

	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := store.Lock(ctx, execution.ID, func(_ context.Context, current *models.Execution, state models.ExecutorState) (*models.Execution, models.ExecutorState, error) {
				next := current.WithTaskRun(models.NewTaskRun(*current, "a", "", "", nil))

				return &next, state, nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	stored, err := store.FindByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Len(t, stored.TaskRunList, 50)
}

func TestExecutionStore_FindChildren(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewExecutionStore()

	parent := models.NewExecution(testFlow(), nil, nil)
	child := models.NewExecution(testFlow(), nil, nil)
	child.Parent = &models.ParentLink{ExecutionID: parent.ID}

	require.NoError(t, store.Save(ctx, parent))
	require.NoError(t, store.Save(ctx, child))

	children, err := store.FindChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)

	_, err = store.FindByID(ctx, "missing")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestDelayStore_ProcessDue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewDelayStore()
	now := time.Now()

	require.NoError(t, store.Save(ctx, models.ExecutionDelay{ExecutionID: "late", Date: now.Add(-2 * time.Second), DelayType: models.DelayResumeFlow}))
	require.NoError(t, store.Save(ctx, models.ExecutionDelay{ExecutionID: "early", Date: now.Add(-time.Second), DelayType: models.DelayResumeFlow}))
	require.NoError(t, store.Save(ctx, models.ExecutionDelay{ExecutionID: "future", Date: now.Add(time.Hour), DelayType: models.DelayResumeFlow}))

	t.Run("failure puts the remaining delays back", func(t *testing.T) {
		boom := errors.New("boom")

		err := store.ProcessDue(ctx, now, func(context.Context, models.ExecutionDelay) error { return boom })
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 3, store.Len())
	})

	t.Run("due delays are consumed in date order", func(t *testing.T) {
		var seen []string

		err := store.ProcessDue(ctx, now, func(_ context.Context, delay models.ExecutionDelay) error {
			seen = append(seen, delay.ExecutionID)

			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"late", "early"}, seen)
		assert.Equal(t, 1, store.Len())
	})

	require.NoError(t, store.DeleteByExecution(ctx, "future"))
	assert.Equal(t, 0, store.Len())
}

func TestSLAMonitorStore_ProcessExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewSLAMonitorStore()
	now := time.Now()

	require.NoError(t, store.Save(ctx, models.SLAMonitor{ExecutionID: "e1", SLAID: "a", Deadline: now.Add(-time.Second)}))
	require.NoError(t, store.Save(ctx, models.SLAMonitor{ExecutionID: "e2", SLAID: "a", Deadline: now.Add(-time.Second)}))
	require.NoError(t, store.DeleteByExecution(ctx, "e2"))

	var seen []string

	err := store.ProcessExpired(ctx, now, func(_ context.Context, monitor models.SLAMonitor) error {
		seen = append(seen, monitor.ExecutionID)

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, seen)
}

func TestConcurrencyStore_ExactlyLimitAdmitted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewConcurrencyStore()
	flow := testFlow()

	const limit = 3

	executions := make([]models.Execution, 10)

	var wg sync.WaitGroup

	for i := range executions {
		executions[i] = models.NewExecution(flow, nil, nil)

		wg.Add(1)

		go func(execution models.Execution) {
			defer wg.Done()

			err := store.CountThenProcess(ctx, flow.UID(), func(running int) (*models.ExecutionRunning, error) {
				state := models.ConcurrencyStateRunning
				if running >= limit {
					state = models.ConcurrencyStateQueued
				}

				marker := models.NewExecutionRunning(execution, state)

				return &marker, nil
			})
			assert.NoError(t, err)
		}(executions[i])
	}

	wg.Wait()

	running, queued := store.Counts(flow.UID())
	assert.Equal(t, limit, running)
	assert.Equal(t, len(executions)-limit, queued)
}

func TestConcurrencyStore_ReleasePromotesOldest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewConcurrencyStore()
	flow := testFlow()

	admit := func(execution models.Execution, state models.ConcurrencyState) {
		err := store.CountThenProcess(ctx, flow.UID(), func(int) (*models.ExecutionRunning, error) {
			marker := models.NewExecutionRunning(execution, state)

			return &marker, nil
		})
		require.NoError(t, err)
	}

	first := models.NewExecution(flow, nil, nil)
	second := models.NewExecution(flow, nil, nil)
	third := models.NewExecution(flow, nil, nil)

	admit(first, models.ConcurrencyStateRunning)
	admit(second, models.ConcurrencyStateQueued)
	admit(third, models.ConcurrencyStateQueued)

	promoted, err := store.Release(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, second.ID, promoted.Execution.ID)

	promoted, err = store.Release(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, third.ID, promoted.Execution.ID)

	promoted, err = store.Release(ctx, third)
	require.NoError(t, err)
	assert.Nil(t, promoted)

	running, queued := store.Counts(flow.UID())
	assert.Zero(t, running)
	assert.Zero(t, queued)
}

func TestConcurrencyStore_ReleaseQueuedDoesNotPromote(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewConcurrencyStore()
	flow := testFlow()

	running := models.NewExecution(flow, nil, nil)
	first := models.NewExecution(flow, nil, nil)
	second := models.NewExecution(flow, nil, nil)

	for _, marker := range []models.ExecutionRunning{
		models.NewExecutionRunning(running, models.ConcurrencyStateRunning),
		models.NewExecutionRunning(first, models.ConcurrencyStateQueued),
		models.NewExecutionRunning(first, models.ConcurrencyStateQueued),
		models.NewExecutionRunning(second, models.ConcurrencyStateQueued),
	} {
		err := store.CountThenProcess(ctx, flow.UID(), func(int) (*models.ExecutionRunning, error) {
			return &marker, nil
		})
		require.NoError(t, err)
	}

	r, q := store.Counts(flow.UID())
	assert.Equal(t, 1, r)
	assert.Equal(t, 2, q)

	promoted, err := store.Release(ctx, first)
	require.NoError(t, err)
	assert.Nil(t, promoted)

	r, q = store.Counts(flow.UID())
	assert.Equal(t, 1, r)
	assert.Equal(t, 1, q)
}

func TestTriggerStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewTriggerStore()
	flow := testFlow()
	now := time.Now()

	due := models.NewTrigger(flow, models.TriggerDefinition{ID: "due"}, now.Add(-time.Minute))
	later := models.NewTrigger(flow, models.TriggerDefinition{ID: "later"}, now.Add(time.Hour))
	disabled := models.NewTrigger(flow, models.TriggerDefinition{ID: "disabled"}, now.Add(-time.Minute))
	disabled.Disabled = true

	for _, trigger := range []models.Trigger{due, later, disabled} {
		require.NoError(t, store.Save(ctx, trigger))
	}

	found, err := store.FindDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "due", found[0].TriggerID)

	err = store.Lock(ctx, due.UID(), func(trigger models.Trigger) (*models.Trigger, error) {
		next := trigger.WithNextExecution(now, now.Add(time.Hour), "exec")

		return &next, nil
	})
	require.NoError(t, err)

	found, err = store.FindDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, found)

	err = store.Lock(ctx, "missing", func(trigger models.Trigger) (*models.Trigger, error) { return &trigger, nil })
	assert.True(t, persistence.IsTriggerNotFound(err))

	require.NoError(t, store.Delete(ctx, due.UID()))

	all, err := store.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFlowStore_Revisions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewFlowStore(testFlow())

	second := testFlow()
	second.Description = "second"
	require.NoError(t, store.SaveFlow(ctx, second))
	assert.Equal(t, 2, second.Revision)

	last, err := store.FlowByID(ctx, "", "company.team", "hello", 0)
	require.NoError(t, err)
	assert.Equal(t, "second", last.Description)

	first, err := store.FlowByID(ctx, "", "company.team", "hello", 1)
	require.NoError(t, err)
	assert.Empty(t, first.Description)

	require.NoError(t, store.DeleteFlow(ctx, "", "company.team", "hello"))

	flows, err := store.Flows(ctx)
	require.NoError(t, err)
	assert.Empty(t, flows)

	_, err = store.FlowByID(ctx, "", "company.team", "hello", 0)
	assert.True(t, persistence.IsFlowNotFound(err))

	_, err = store.FlowByID(ctx, "", "company.team", "hello", 1)
	assert.NoError(t, err)
}

func TestLogStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewLogStore()
	execution := models.NewExecution(testFlow(), nil, nil)

	require.NoError(t, store.Save(ctx, models.NewExecutionLog(execution, models.LogLevelInfo, "hello")))

	entries, err := store.FindByExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Message)
}
