package executor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/flowd/pkg/executor"
	"github.com/dukex/flowd/pkg/graph"
	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestrator_SequentialFlow(t *testing.T) {
	t.Parallel()

	flow := newFlow(runnable("a"), runnable("b"))
	flow.Outputs = []models.Output{{ID: "last", Value: "{{ .outputs.b.value }}"}}

	h := newHarness(t, newOrchestrator(nil, nil), flow, succeed)
	execution := h.run(models.NewExecution(flow, nil, nil))

	assert.Equal(t, models.StateSuccess, execution.State.Current)
	assert.Equal(t, []string{"a", "b"}, h.dispatchedTaskIDs())
	assert.Equal(t, map[string]any{"last": "b"}, execution.Outputs)
	assert.True(t, execution.State.HasHistory(models.StateRunning))
}

func TestOrchestrator_WorkerTaskContext(t *testing.T) {
	t.Parallel()

	task := runnable("greet")
	task.Properties = map[string]any{"message": "hello {{ .inputs.name }}"}
	flow := newFlow(task)

	o := newOrchestrator(nil, nil)

	ex := o.Process(context.Background(),
		executor.NewExecutor(models.NewExecution(flow, map[string]any{"name": "ada"}, nil), flow))
	require.NoError(t, ex.Err)
	require.Len(t, ex.Nexts, 1)
	require.Len(t, ex.WorkerTasks, 1)
	assert.True(t, ex.IsExecutionUpdated())

	workerTask := ex.WorkerTasks[0]
	assert.Equal(t, "hello ada", workerTask.Task.Properties["message"])
	assert.Equal(t, "hello {{ .inputs.name }}", flow.Tasks[0].Properties["message"])
	assert.Equal(t, "tests/flow/executions/"+ex.Execution.ID, workerTask.RunContext.StoragePrefix)

	// until the worker answers, every pass dispatches the task run again
	again := o.Process(context.Background(), executor.NewExecutor(ex.Execution, flow))
	require.Len(t, again.WorkerTasks, 1)
	assert.Equal(t, workerTask.TaskRun.ID, again.WorkerTasks[0].TaskRun.ID)
	assert.False(t, again.IsExecutionUpdated())
}

func TestOrchestrator_Branches(t *testing.T) {
	t.Parallel()

	failing := func(ids ...string) workerFunc {
		return func(task models.WorkerTask) (models.StateType, map[string]any) {
			for _, id := range ids {
				if task.TaskRun.TaskID == id {
					return models.StateFailed, nil
				}
			}

			return succeed(task)
		}
	}

	allowed := runnable("flaky")
	allowed.AllowFailure = true

	skipped := runnable("optional")
	skipped.RunIf = "{{ .inputs.enabled }}"

	disabled := runnable("off")
	disabled.Disabled = true

	tests := []struct {
		name       string
		flow       *models.Flow
		worker     workerFunc
		state      models.StateType
		dispatched []string
	}{
		{
			name: "errors branch and finally run after a failure",
			flow: &models.Flow{
				ID: "flow", Namespace: "tests",
				Tasks:   []models.Task{runnable("main"), runnable("never")},
				Errors:  []models.Task{runnable("handler")},
				Finally: []models.Task{runnable("cleanup")},
			},
			worker:     failing("main"),
			state:      models.StateFailed,
			dispatched: []string{"main", "handler", "cleanup"},
		},
		{
			name: "errors branch is skipped on success",
			flow: &models.Flow{
				ID: "flow", Namespace: "tests",
				Tasks:   []models.Task{runnable("main")},
				Errors:  []models.Task{runnable("handler")},
				Finally: []models.Task{runnable("cleanup")},
			},
			worker:     succeed,
			state:      models.StateSuccess,
			dispatched: []string{"main", "cleanup"},
		},
		{
			name:       "allowed failure ends in warning",
			flow:       newFlow(allowed, runnable("next")),
			worker:     failing("flaky"),
			state:      models.StateWarning,
			dispatched: []string{"flaky", "next"},
		},
		{
			name:       "falsy runIf skips the task",
			flow:       newFlow(skipped, runnable("next")),
			worker:     succeed,
			state:      models.StateSuccess,
			dispatched: []string{"next"},
		},
		{
			name:       "disabled tasks are ignored",
			flow:       newFlow(disabled, runnable("next")),
			worker:     succeed,
			state:      models.StateSuccess,
			dispatched: []string{"next"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, newOrchestrator(nil, nil), tt.flow, tt.worker)
			execution := h.run(models.NewExecution(tt.flow, map[string]any{"enabled": false}, nil))

			assert.Equal(t, tt.state, execution.State.Current)
			assert.Equal(t, tt.dispatched, h.dispatchedTaskIDs())
		})
	}
}

func TestOrchestrator_SkippedTaskRun(t *testing.T) {
	t.Parallel()

	task := runnable("optional")
	task.RunIf = "false"
	flow := newFlow(task)

	h := newHarness(t, newOrchestrator(nil, nil), flow, succeed)
	execution := h.run(models.NewExecution(flow, nil, nil))

	assert.Equal(t, models.StateSuccess, execution.State.Current)
	assert.Equal(t, models.StateSkipped, taskRunState(t, execution, "optional"))
}

func TestOrchestrator_Parallel(t *testing.T) {
	t.Parallel()

	flow := newFlow(models.Task{
		ID: "fanout", Type: "io.flowd.core.Parallel", Kind: models.TaskKindParallel, Concurrent: 2,
		Tasks: []models.Task{runnable("p1"), runnable("p2"), runnable("p3")},
	})

	h := newHarness(t, newOrchestrator(nil, nil), flow, nil)
	execution := h.run(models.NewExecution(flow, nil, nil))

	assert.Equal(t, models.StateRunning, execution.State.Current)
	assert.Equal(t, []string{"p1", "p2"}, h.dispatchedTaskIDs())

	h.worker = succeed
	for _, task := range h.dispatched {
		run := task.TaskRun.WithState(models.StateRunning).WithState(models.StateSuccess)

		ex, err := h.o.AddWorkerTaskResult(context.Background(), executor.NewExecutor(execution, flow), models.WorkerTaskResult{TaskRun: run})
		require.NoError(t, err)

		execution = ex.Execution
	}

	execution = h.run(execution)

	assert.Equal(t, models.StateSuccess, execution.State.Current)
	assert.Equal(t, []string{"p1", "p2", "p3"}, h.dispatchedTaskIDs())
	assert.Equal(t, models.StateSuccess, taskRunState(t, execution, "fanout"))
}

func TestOrchestrator_Dag(t *testing.T) {
	t.Parallel()

	b := runnable("b")
	b.DependsOn = []string{"a"}
	c := runnable("c")
	c.DependsOn = []string{"a"}
	d := runnable("d")
	d.DependsOn = []string{"b", "c"}

	flow := newFlow(models.Task{
		ID: "graph", Type: "io.flowd.core.Dag", Kind: models.TaskKindDag,
		Tasks: []models.Task{d, c, b, runnable("a")},
	})

	h := newHarness(t, newOrchestrator(nil, nil), flow, succeed)
	execution := h.run(models.NewExecution(flow, nil, nil))

	require.Equal(t, models.StateSuccess, execution.State.Current)

	order := h.dispatchedTaskIDs()
	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0])
	assert.ElementsMatch(t, []string{"b", "c"}, order[1:3])
	assert.Equal(t, "d", order[3])
}

func TestOrchestrator_ForEach(t *testing.T) {
	t.Parallel()

	flow := newFlow(models.Task{
		ID: "each", Type: "io.flowd.core.ForEach", Kind: models.TaskKindForEach, Concurrent: 1,
		Values: `["a", "b", "c"]`,
		Tasks:  []models.Task{runnable("item")},
	})

	h := newHarness(t, newOrchestrator(nil, nil), flow, func(task models.WorkerTask) (models.StateType, map[string]any) {
		return models.StateSuccess, map[string]any{"value": task.TaskRun.Value}
	})
	execution := h.run(models.NewExecution(flow, nil, nil))

	require.Equal(t, models.StateSuccess, execution.State.Current)

	values := make([]string, 0, len(h.dispatched))
	for _, task := range h.dispatched {
		values = append(values, task.TaskRun.Value)
	}

	assert.Equal(t, []string{"a", "b", "c"}, values)
	assert.Len(t, execution.FindTaskRunsByTaskID("item"), 3)
}

func TestOrchestrator_ForEachFailureStopsValues(t *testing.T) {
	t.Parallel()

	flow := newFlow(models.Task{
		ID: "each", Type: "io.flowd.core.ForEach", Kind: models.TaskKindForEach, Concurrent: 1,
		Values: `["a", "b"]`,
		Tasks:  []models.Task{runnable("item")},
	})

	h := newHarness(t, newOrchestrator(nil, nil), flow, func(models.WorkerTask) (models.StateType, map[string]any) {
		return models.StateFailed, nil
	})
	execution := h.run(models.NewExecution(flow, nil, nil))

	assert.Equal(t, models.StateFailed, execution.State.Current)
	assert.Equal(t, models.StateFailed, taskRunState(t, execution, "each"))
	assert.Len(t, h.dispatched, 1)
}

func TestOrchestrator_Loop(t *testing.T) {
	t.Parallel()

	flow := newFlow(models.Task{
		ID: "loop", Type: "io.flowd.core.Loop", Kind: models.TaskKindLoop,
		Until: "false", MaxIteration: 3,
		Tasks: []models.Task{runnable("step")},
	})

	h := newHarness(t, newOrchestrator(nil, nil), flow, succeed)
	execution := h.run(models.NewExecution(flow, nil, nil))

	require.Equal(t, models.StateSuccess, execution.State.Current)

	iterations := make([]int, 0, len(h.dispatched))
	for _, task := range h.dispatched {
		iterations = append(iterations, task.TaskRun.IterationValue())
	}

	assert.Equal(t, []int{0, 1, 2}, iterations)
}

func TestOrchestrator_LoopInterval(t *testing.T) {
	t.Parallel()

	flow := newFlow(models.Task{
		ID: "loop", Type: "io.flowd.core.Loop", Kind: models.TaskKindLoop,
		Until: "false", MaxIteration: 2, Interval: duration(time.Minute),
		Tasks: []models.Task{runnable("step")},
	})

	h := newHarness(t, newOrchestrator(nil, nil), flow, succeed)
	execution := h.run(models.NewExecution(flow, nil, nil))

	require.Equal(t, models.StateRunning, execution.State.Current)
	require.Len(t, h.dispatched, 1)

	delay, ok := h.popDelay(models.DelayContinueFlowable)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), delay.Date, 5*time.Second)

	execution = h.run(h.resume(execution, delay))

	assert.Equal(t, models.StateSuccess, execution.State.Current)
	assert.Len(t, h.dispatched, 2)
}

func TestOrchestrator_RetryFailedTask(t *testing.T) {
	t.Parallel()

	task := runnable("flaky")
	task.Retry = &models.RetryPolicy{Type: models.RetryExponential, Interval: models.Duration(time.Second), MaxAttempts: 3}
	flow := newFlow(task)

	h := newHarness(t, newOrchestrator(nil, nil), flow, func(models.WorkerTask) (models.StateType, map[string]any) {
		return models.StateFailed, nil
	})
	execution := h.run(models.NewExecution(flow, nil, nil))

	var dates []time.Time

	for {
		delay, ok := h.popDelay(models.DelayRestartFailedTask)
		if !ok {
			break
		}

		assert.Equal(t, models.StateRetrying, execution.State.Current)

		dates = append(dates, delay.Date)
		execution = h.run(h.resume(execution, delay))
	}

	assert.Equal(t, models.StateFailed, execution.State.Current)
	assert.Len(t, h.dispatched, 3)
	require.Len(t, dates, 2)
	assert.True(t, dates[1].After(dates[0]))

	runs := execution.FindTaskRunsByTaskID("flaky")
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].AttemptCount())
	assert.Equal(t, models.StateFailed, runs[0].State.Current)
}

func TestOrchestrator_WarningOnRetry(t *testing.T) {
	t.Parallel()

	task := runnable("flaky")
	task.Retry = &models.RetryPolicy{Type: models.RetryConstant, Interval: models.Duration(time.Second), MaxAttempts: 2, WarningOnRetry: true}
	flow := newFlow(task)

	attempts := 0
	h := newHarness(t, newOrchestrator(nil, nil), flow, func(models.WorkerTask) (models.StateType, map[string]any) {
		attempts++
		if attempts == 1 {
			return models.StateFailed, nil
		}

		return models.StateSuccess, nil
	})
	execution := h.run(models.NewExecution(flow, nil, nil))

	delay, ok := h.popDelay(models.DelayRestartFailedTask)
	require.True(t, ok)

	execution = h.run(h.resume(execution, delay))

	assert.Equal(t, models.StateWarning, execution.State.Current)
	assert.Equal(t, models.StateWarning, taskRunState(t, execution, "flaky"))
}

func TestOrchestrator_RetryNewExecution(t *testing.T) {
	t.Parallel()

	flow := newFlow(runnable("flaky"))
	flow.Retry = &models.RetryPolicy{
		Type: models.RetryConstant, Behavior: models.RetryCreateNewExecution,
		Interval: models.Duration(time.Second), MaxAttempts: 2,
	}

	o := newOrchestrator(nil, nil)
	h := newHarness(t, o, flow, func(models.WorkerTask) (models.StateType, map[string]any) {
		return models.StateFailed, nil
	})

	execution := h.run(models.NewExecution(flow, nil, nil))

	assert.Equal(t, models.StateFailed, execution.State.Current)
	assert.Equal(t, models.StateRetried, taskRunState(t, execution, "flaky"))

	delay, ok := h.popDelay(models.DelayRestartFailedFlow)
	require.True(t, ok)
	assert.Empty(t, delay.TaskRunID)

	// the restart is the coordinator's job, resuming leaves the execution alone
	ex, err := o.ResumeFromDelay(context.Background(), executor.NewExecutor(execution, flow), delay)
	require.NoError(t, err)
	assert.False(t, ex.IsUpdated())

	replay := o.RestartFailedFlow(execution)
	assert.NotEqual(t, execution.ID, replay.ID)
	assert.Equal(t, 2, replay.Metadata.Attempt)
	assert.Equal(t, models.StateCreated, replay.State.Current)
	assert.Equal(t, execution.ID, models.LabelsMap(replay.Labels)[models.LabelRetryOf])

	replayed := h.run(replay)

	assert.Equal(t, models.StateFailed, replayed.State.Current)
	assert.Equal(t, models.StateFailed, taskRunState(t, replayed, "flaky"))

	_, ok = h.popDelay(models.DelayRestartFailedFlow)
	assert.False(t, ok)
}

func TestOrchestrator_StaleWorkerResult(t *testing.T) {
	t.Parallel()

	flow := newFlow(runnable("a"))
	h := newHarness(t, newOrchestrator(nil, nil), flow, succeed)
	execution := h.run(models.NewExecution(flow, nil, nil))
	require.Equal(t, models.StateSuccess, execution.State.Current)

	late := h.dispatched[0].TaskRun.WithState(models.StateRunning)

	ex, err := h.o.AddWorkerTaskResult(context.Background(), executor.NewExecutor(execution, flow), models.WorkerTaskResult{TaskRun: late})
	require.NoError(t, err)
	assert.False(t, ex.IsExecutionUpdated())
	assert.Equal(t, models.StateSuccess, taskRunState(t, ex.Execution, "a"))
}

func TestOrchestrator_Kill(t *testing.T) {
	t.Parallel()

	flow := newFlow(runnable("a"), runnable("b"))
	o := newOrchestrator(nil, nil)
	h := newHarness(t, o, flow, nil)

	execution := h.run(models.NewExecution(flow, nil, nil))
	require.Len(t, h.dispatched, 1)

	killing := o.Kill(execution)
	require.Equal(t, models.StateKilling, killing.State.Current)
	assert.Equal(t, killing, o.Kill(killing))

	execution = h.run(killing)

	assert.Equal(t, models.StateKilled, execution.State.Current)
	assert.Equal(t, models.StateKilled, taskRunState(t, execution, "a"))
	assert.Empty(t, execution.FindTaskRunsByTaskID("b"))
	assert.Len(t, h.dispatched, 1)

	assert.Equal(t, execution, o.Kill(execution))
}

func TestOrchestrator_KillCascadesToAncestors(t *testing.T) {
	t.Parallel()

	flow := newFlow(models.Task{
		ID: "group", Type: "io.flowd.core.Sequential", Kind: models.TaskKindSequential,
		Tasks: []models.Task{runnable("a"), runnable("b")},
	})

	h := newHarness(t, newOrchestrator(nil, nil), flow, func(models.WorkerTask) (models.StateType, map[string]any) {
		return models.StateKilled, nil
	})
	execution := h.run(models.NewExecution(flow, nil, nil))

	assert.Equal(t, models.StateKilled, execution.State.Current)
	assert.Equal(t, models.StateKilled, taskRunState(t, execution, "group"))
	assert.Equal(t, []string{"a"}, h.dispatchedTaskIDs())
}

func TestOrchestrator_Pause(t *testing.T) {
	t.Parallel()

	wait := models.Task{ID: "wait", Type: "io.flowd.core.Pause", Kind: models.TaskKindPause, Delay: duration(time.Minute)}
	flow := newFlow(wait, runnable("after"))

	h := newHarness(t, newOrchestrator(nil, nil), flow, succeed)
	execution := h.run(models.NewExecution(flow, nil, nil))

	require.Equal(t, models.StatePaused, execution.State.Current)
	assert.Empty(t, h.dispatched)

	delay, ok := h.popDelay(models.DelayResumeFlow)
	require.True(t, ok)
	assert.Equal(t, models.StateSuccess, delay.State)
	assert.WithinDuration(t, time.Now().Add(time.Minute), delay.Date, 5*time.Second)

	execution = h.run(h.resume(execution, delay))

	assert.Equal(t, models.StateSuccess, execution.State.Current)
	assert.Equal(t, []string{"after"}, h.dispatchedTaskIDs())

	// a second delivery of the same delay changes nothing
	ex, err := h.o.ResumeFromDelay(context.Background(), executor.NewExecutor(execution, flow), delay)
	require.NoError(t, err)
	assert.False(t, ex.IsUpdated())
}

func TestOrchestrator_PauseTimeoutAndManualResume(t *testing.T) {
	t.Parallel()

	timeout := models.Task{ID: "approval", Type: "io.flowd.core.Pause", Kind: models.TaskKindPause, Timeout: duration(time.Hour)}
	manual := models.Task{ID: "manual", Type: "io.flowd.core.Pause", Kind: models.TaskKindPause}

	t.Run("timeout fails the pause", func(t *testing.T) {
		t.Parallel()

		flow := newFlow(timeout)
		h := newHarness(t, newOrchestrator(nil, nil), flow, succeed)
		execution := h.run(models.NewExecution(flow, nil, nil))

		delay, ok := h.popDelay(models.DelayResumeFlow)
		require.True(t, ok)
		assert.Equal(t, models.StateFailed, delay.State)

		execution = h.run(h.resume(execution, delay))
		assert.Equal(t, models.StateFailed, execution.State.Current)
	})

	t.Run("manual resume", func(t *testing.T) {
		t.Parallel()

		flow := newFlow(manual)
		h := newHarness(t, newOrchestrator(nil, nil), flow, succeed)
		execution := h.run(models.NewExecution(flow, nil, nil))

		require.Equal(t, models.StatePaused, execution.State.Current)
		assert.Empty(t, h.delays)

		runs := execution.FindTaskRunsByTaskID("manual")
		require.Len(t, runs, 1)

		_, err := h.o.Resume(context.Background(), executor.NewExecutor(execution, flow), "unknown")
		require.ErrorIs(t, err, models.ErrTaskRunNotFound)

		ex, err := h.o.Resume(context.Background(), executor.NewExecutor(execution, flow), runs[0].ID)
		require.NoError(t, err)

		execution = h.run(ex.Execution)
		assert.Equal(t, models.StateSuccess, execution.State.Current)

		// the task run is no longer paused
		_, err = h.o.Resume(context.Background(), executor.NewExecutor(execution, flow), runs[0].ID)
		assert.ErrorIs(t, err, executor.ErrTaskRunNotPaused)
	})
}

func TestOrchestrator_Listeners(t *testing.T) {
	t.Parallel()

	flow := newFlow(runnable("main"))
	flow.Listeners = []models.Listener{
		{Conditions: []string{`{{ eq .execution.state "FAILED" }}`}, Tasks: []models.Task{runnable("alert")}},
		{Conditions: []string{`{{ eq .execution.state "SUCCESS" }}`}, Tasks: []models.Task{runnable("celebrate")}},
	}
	flow.AfterExecution = []models.Task{runnable("report")}

	h := newHarness(t, newOrchestrator(nil, nil), flow, func(task models.WorkerTask) (models.StateType, map[string]any) {
		if task.TaskRun.TaskID == "main" {
			return models.StateFailed, nil
		}

		return models.StateSuccess, nil
	})
	execution := h.run(models.NewExecution(flow, nil, nil))

	assert.Equal(t, models.StateFailed, execution.State.Current)
	assert.Equal(t, []string{"main", "alert", "report"}, h.dispatchedTaskIDs())
}

func TestOrchestrator_KilledExecutionSkipsListeners(t *testing.T) {
	t.Parallel()

	flow := newFlow(runnable("main"))
	flow.Listeners = []models.Listener{{Tasks: []models.Task{runnable("alert")}}}
	flow.AfterExecution = []models.Task{runnable("report")}

	o := newOrchestrator(nil, nil)
	h := newHarness(t, o, flow, nil)

	execution := h.run(models.NewExecution(flow, nil, nil))
	require.Equal(t, []string{"main"}, h.dispatchedTaskIDs())

	execution = h.run(o.Kill(execution))

	assert.Equal(t, models.StateKilled, execution.State.Current)
	assert.Len(t, execution.TaskRunList, 1)
	assert.Equal(t, []string{"main"}, h.dispatchedTaskIDs())

	for _, run := range execution.TaskRunList {
		assert.True(t, run.State.IsFinished(), "task run %s is %s", run.TaskID, run.State.Current)
	}
}

type panickingRenderer struct {
	template.Renderer
}

func (panickingRenderer) IsTrue(string, map[string]any) (bool, error) {
	panic("boom")
}

func TestOrchestrator_FailuresEndTheExecution(t *testing.T) {
	t.Parallel()

	badRunIf := runnable("a")
	badRunIf.RunIf = "{{ .inputs.missing.value }}"

	guarded := runnable("b")
	guarded.RunIf = "true"

	tests := []struct {
		name     string
		flow     *models.Flow
		renderer template.Renderer
		message  string
	}{
		{
			name:     "template error",
			flow:     newFlow(badRunIf),
			renderer: template.NewRenderer(),
			message:  "runIf",
		},
		{
			name:     "panic",
			flow:     newFlow(guarded),
			renderer: panickingRenderer{Renderer: template.NewRenderer()},
			message:  "boom",
		},
		{
			name:     "missing flow",
			renderer: template.NewRenderer(),
			message:  "unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			o := executor.New(graph.NewCache(), tt.renderer, nil, nil, discardLogger())
			execution := models.NewExecution(newFlow(runnable("x")), nil, nil)

			ex := o.Process(context.Background(), executor.NewExecutor(execution, tt.flow))

			require.Error(t, ex.Err)
			assert.Contains(t, ex.Err.Error(), tt.message)
			assert.Equal(t, models.StateFailed, ex.Execution.State.Current)
			assert.True(t, ex.IsExecutionUpdated())
			require.Len(t, ex.Logs, 1)
			assert.Equal(t, models.LogLevelError, ex.Logs[0].Level)
		})
	}
}

func TestOrchestrator_UnknownTaskRun(t *testing.T) {
	t.Parallel()

	flow := newFlow(runnable("a"))
	execution := models.NewExecution(flow, nil, nil)

	_, err := newOrchestrator(nil, nil).AddWorkerTaskResult(context.Background(), executor.NewExecutor(execution, flow),
		models.WorkerTaskResult{TaskRun: models.NewTaskRun(execution, "a", "", "", nil)})

	assert.True(t, errors.Is(err, models.ErrTaskRunNotFound))
}
