package executor_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/flowd/pkg/executor"
	"github.com/dukex/flowd/pkg/graph"
	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/storage"
	"github.com/dukex/flowd/pkg/template"
	"github.com/dukex/flowd/pkg/workergroup"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newOrchestrator(groups workergroup.Resolver, store storage.Storage) *executor.Orchestrator {
	return executor.New(graph.NewCache(), template.NewRenderer(), groups, store, discardLogger())
}

func duration(d time.Duration) *models.Duration {
	value := models.Duration(d)

	return &value
}

func runnable(id string) models.Task {
	return models.Task{ID: id, Type: "io.flowd.test.Echo"}
}

func newFlow(tasks ...models.Task) *models.Flow {
	return &models.Flow{ID: "flow", Namespace: "tests", Revision: 1, Tasks: tasks}
}

type workerFunc func(task models.WorkerTask) (models.StateType, map[string]any)

func succeed(task models.WorkerTask) (models.StateType, map[string]any) {
	return models.StateSuccess, map[string]any{"value": task.TaskRun.TaskID}
}

// harness drives executions the way the coordinator does, playing the worker with fn.
type harness struct {
	t          *testing.T
	o          *executor.Orchestrator
	flow       *models.Flow
	worker     workerFunc
	ledger     models.ExecutorState
	dispatched []models.WorkerTask
	delays     []models.ExecutionDelay
	subflows   []models.SubflowExecution
	logs       []models.LogEntry
	results    []models.WorkerTaskResult
}

func newHarness(t *testing.T, o *executor.Orchestrator, flow *models.Flow, worker workerFunc) *harness {
	t.Helper()

	return &harness{t: t, o: o, flow: flow, worker: worker, ledger: models.NewExecutorState("")}
}

func (h *harness) dispatchedTaskIDs() []string {
	ids := make([]string, 0, len(h.dispatched))
	for _, task := range h.dispatched {
		ids = append(ids, task.TaskRun.TaskID)
	}

	return ids
}

// run processes the execution until it stops changing.
func (h *harness) run(execution models.Execution) models.Execution {
	h.t.Helper()

	ctx := context.Background()

	for range 500 {
		ex := h.o.Process(ctx, executor.NewExecutor(execution, h.flow))
		require.NoError(h.t, ex.Err)

		execution = ex.Execution
		progressed := ex.IsExecutionUpdated()

		h.delays = append(h.delays, ex.ExecutionDelays...)
		h.subflows = append(h.subflows, ex.SubflowExecutions...)
		h.logs = append(h.logs, ex.Logs...)
		h.results = append(h.results, ex.WorkerTaskResults...)

		for _, result := range ex.WorkerTaskResults {
			next, err := h.o.AddWorkerTaskResult(ctx, executor.NewExecutor(execution, h.flow), result)
			require.NoError(h.t, err)

			execution = next.Execution
			progressed = true
		}

		for _, task := range ex.WorkerTasks {
			if !h.ledger.DeduplicateWorkerTask(task.TaskRun) {
				continue
			}

			h.dispatched = append(h.dispatched, task)

			if h.worker == nil {
				continue
			}

			state, outputs := h.worker(task)
			run := task.TaskRun.WithState(models.StateRunning).WithOutputs(outputs).WithState(state)

			next, err := h.o.AddWorkerTaskResult(ctx, executor.NewExecutor(execution, h.flow), models.WorkerTaskResult{TaskRun: run})
			require.NoError(h.t, err)

			execution = next.Execution
			h.delays = append(h.delays, next.ExecutionDelays...)
			progressed = true
		}

		if !progressed {
			return execution
		}
	}

	h.t.Fatal("execution never settled")

	return execution
}

// popDelay removes and returns the first pending delay of a type.
func (h *harness) popDelay(delayType models.DelayType) (models.ExecutionDelay, bool) {
	for i, delay := range h.delays {
		if delay.DelayType == delayType {
			h.delays = append(h.delays[:i:i], h.delays[i+1:]...)

			return delay, true
		}
	}

	return models.ExecutionDelay{}, false
}

func (h *harness) resume(execution models.Execution, delay models.ExecutionDelay) models.Execution {
	h.t.Helper()

	ex, err := h.o.ResumeFromDelay(context.Background(), executor.NewExecutor(execution, h.flow), delay)
	require.NoError(h.t, err)

	return ex.Execution
}

func taskRunState(t *testing.T, execution models.Execution, taskID string) models.StateType {
	t.Helper()

	runs := execution.FindTaskRunsByTaskID(taskID)
	require.Len(t, runs, 1, "task runs of %s", taskID)

	return runs[0].State.Current
}
