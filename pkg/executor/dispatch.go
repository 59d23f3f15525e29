package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/storage"
	"github.com/dukex/flowd/pkg/workergroup"
)

var (
	ErrStorageUnavailable = errors.New("no storage configured")
	ErrTaskRunNotPaused   = errors.New("task run is not paused")
)

// handleWorkerTasks turns every created task run into work: flowables start in
// process, pauses wait, runnables are sent to workers.
func (o *Orchestrator) handleWorkerTasks(ctx context.Context, ex Executor) (Executor, error) {
	switch ex.Execution.State.Current {
	case models.StateKilling, models.StateKilled, models.StateQueued:
		return ex, nil
	}

	execution := ex.Execution

	var (
		tasks  []models.WorkerTask
		delays []models.ExecutionDelay
		logs   []models.LogEntry
	)

	changed := false

	for _, run := range execution.TaskRunList {
		if run.State.Current != models.StateCreated {
			continue
		}

		task, err := ex.graph.FindTaskByTaskID(run.TaskID)
		if err != nil {
			return ex, err
		}

		kind := task.EffectiveKind()

		switch {
		case kind.IsFlowable():
			started, err := o.startFlowable(ex, task, run)
			if err != nil {
				return ex, err
			}

			execution = execution.WithTaskRun(started)
			changed = true
		case kind == models.TaskKindPause:
			execution = execution.WithTaskRun(run.WithState(models.StatePaused))
			delays = append(delays, pauseDelays(execution, task, run)...)
			changed = true
		case kind == models.TaskKindRunnable:
			workerTask, fallback, err := o.workerTask(ctx, ex, task, run)
			if err != nil {
				return ex, err
			}

			if fallback != nil {
				execution = execution.WithTaskRun(*fallback)
				logs = append(logs, taskRunLog(execution, *fallback, models.LogLevelError,
					fmt.Sprintf("worker group %s is unavailable", task.WorkerGroup.Key)))
				changed = true

				continue
			}

			tasks = append(tasks, workerTask)
		}
	}

	if changed {
		if execution.State.Current != models.StatePaused && hasPausedTaskRun(execution) && !execution.IsTerminated() {
			execution = execution.WithState(models.StatePaused)
		}

		ex = ex.WithExecution(execution, "handleWorkerTasks")
	}

	return ex.WithWorkerTasks(tasks, "handleWorkerTasks").
		WithExecutionDelays(delays, "handleWorkerTasks").
		WithLogs(logs...), nil
}

func hasPausedTaskRun(execution models.Execution) bool {
	for _, run := range execution.TaskRunList {
		if run.State.Current == models.StatePaused {
			return true
		}
	}

	return false
}

// pauseDelays schedules the end of a pause: a delay resumes it successfully, a timeout
// fails it. A pause with neither waits for a manual resume.
func pauseDelays(execution models.Execution, task models.Task, run models.TaskRun) []models.ExecutionDelay {
	switch {
	case task.Delay != nil:
		return []models.ExecutionDelay{{
			ExecutionID: execution.ID,
			TaskRunID:   run.ID,
			Date:        now().Add(task.Delay.Std()),
			State:       models.StateSuccess,
			DelayType:   models.DelayResumeFlow,
		}}
	case task.Timeout != nil:
		return []models.ExecutionDelay{{
			ExecutionID: execution.ID,
			TaskRunID:   run.ID,
			Date:        now().Add(task.Timeout.Std()),
			State:       models.StateFailed,
			DelayType:   models.DelayResumeFlow,
		}}
	default:
		return nil
	}
}

// workerTask builds the worker task of a runnable task run. When its worker group
// cannot take it, the fallback task run is returned instead.
func (o *Orchestrator) workerTask(ctx context.Context, ex Executor, task models.Task, run models.TaskRun) (models.WorkerTask, *models.TaskRun, error) {
	if task.WorkerGroup != nil && o.groups != nil {
		availability, err := o.groups.Check(ctx, task.WorkerGroup.Key)
		if err != nil {
			return models.WorkerTask{}, nil, fmt.Errorf("failed to check worker group %s: %w", task.WorkerGroup.Key, err)
		}

		if availability != workergroup.Available {
			switch task.WorkerGroup.Fallback {
			case models.WorkerGroupFallbackFail:
				failed := run.WithState(models.StateFailed)

				return models.WorkerTask{}, &failed, nil
			case models.WorkerGroupFallbackCancel:
				cancelled := run.WithState(models.StateCancelled)

				return models.WorkerTask{}, &cancelled, nil
			}

			o.logger.WarnContext(ctx, "Worker group unavailable, task waits in its queue",
				"executionId", ex.Execution.ID, "taskRunId", run.ID, "workerGroup", task.WorkerGroup.Key, "availability", availability.String())
		}
	}

	vars := variables(ex.Flow, ex.Execution, &run)

	properties, err := o.renderer.RenderMap(task.Properties, vars)
	if err != nil {
		return models.WorkerTask{}, nil, fmt.Errorf("failed to render properties of task %s: %w", task.ID, err)
	}

	rendered := task
	rendered.Properties = properties

	return models.WorkerTask{
		TaskRun: run,
		Task:    rendered,
		RunContext: models.RunContext{
			Variables:     vars,
			StoragePrefix: storage.ExecutionPrefix(ex.Execution),
		},
		WorkerGroup: task.WorkerGroup,
	}, nil, nil
}

// handleSubflows starts the child executions of created subflow and foreach-item task runs.
func (o *Orchestrator) handleSubflows(ctx context.Context, ex Executor) (Executor, error) {
	switch ex.Execution.State.Current {
	case models.StateKilling, models.StateKilled, models.StateQueued:
		return ex, nil
	}

	execution := ex.Execution

	var (
		subflows []models.SubflowExecution
		results  []models.WorkerTaskResult
	)

	changed := false

	for _, run := range execution.TaskRunList {
		if run.State.Current != models.StateCreated {
			continue
		}

		task, err := ex.graph.FindTaskByTaskID(run.TaskID)
		if err != nil {
			return ex, err
		}

		if !task.EffectiveKind().IsExecutable() {
			continue
		}

		var (
			children []models.SubflowExecution
			started  models.TaskRun
		)

		if task.EffectiveKind() == models.TaskKindForEachItem {
			children, started, err = o.foreachItem(ctx, ex, task, run)
		} else {
			children, started, err = o.subflow(ex, task, run)
		}

		if err != nil {
			return ex, err
		}

		execution = execution.WithTaskRun(started)
		subflows = append(subflows, children...)
		changed = true

		// a task that does not wait for its children ends once they are sent
		if !task.Subflow.Wait && started.State.Current == models.StateRunning {
			results = append(results, models.WorkerTaskResult{TaskRun: started.WithState(models.StateSuccess)})
		}
	}

	if !changed {
		return ex, nil
	}

	return ex.WithExecution(execution, "handleSubflows").
		WithSubflowExecutions(subflows, "handleSubflows").
		WithWorkerTaskResults(results, "handleSubflows"), nil
}

func (o *Orchestrator) childInputs(ex Executor, spec *models.SubflowSpec, run models.TaskRun) (map[string]any, error) {
	inputs, err := o.renderer.RenderMap(spec.Inputs, variables(ex.Flow, ex.Execution, &run))
	if err != nil {
		return nil, fmt.Errorf("failed to render inputs of subflow %s.%s: %w", spec.Namespace, spec.FlowID, err)
	}

	return inputs, nil
}

func newChildExecution(parent models.Execution, task models.Task, run models.TaskRun, inputs map[string]any) models.Execution {
	spec := task.Subflow

	labels := spec.Labels
	if spec.InheritLabels {
		labels = models.MergeLabels(parent.Labels, spec.Labels...)
	}

	if correlation, ok := models.LabelsMap(parent.Labels)[models.LabelCorrelationID]; ok {
		labels = models.MergeLabels(labels, models.Label{Key: models.LabelCorrelationID, Value: correlation})
	} else {
		labels = models.MergeLabels(labels, models.Label{Key: models.LabelCorrelationID, Value: parent.ID})
	}

	child := models.NewExecution(&models.Flow{
		ID:        spec.FlowID,
		Namespace: spec.Namespace,
		TenantID:  parent.TenantID,
		Revision:  spec.Revision,
	}, inputs, labels)

	child.Parent = &models.ParentLink{
		ExecutionID: parent.ID,
		TaskRunID:   run.ID,
		TaskID:      task.ID,
		Namespace:   parent.Namespace,
		FlowID:      parent.FlowID,
	}
	child.Trigger = &models.ExecutionTrigger{
		ID:   task.ID,
		Type: string(task.EffectiveKind()),
		Variables: map[string]any{
			"executionId": parent.ID,
			"namespace":   parent.Namespace,
			"flowId":      parent.FlowID,
			"taskRunId":   run.ID,
		},
	}

	return child
}

func (o *Orchestrator) subflow(ex Executor, task models.Task, run models.TaskRun) ([]models.SubflowExecution, models.TaskRun, error) {
	inputs, err := o.childInputs(ex, task.Subflow, run)
	if err != nil {
		return nil, run, err
	}

	child := newChildExecution(ex.Execution, task, run, inputs)
	started := run.MergeOutputs(map[string]any{"executionId": child.ID}).WithState(models.StateRunning)

	return []models.SubflowExecution{{ParentTaskRun: run, Execution: child}}, started, nil
}

// foreachItem splits the items file into batches, stores each batch and starts one
// child execution per batch with the batch URI as its items input.
func (o *Orchestrator) foreachItem(ctx context.Context, ex Executor, task models.Task, run models.TaskRun) ([]models.SubflowExecution, models.TaskRun, error) {
	if o.storage == nil {
		return nil, run, ErrStorageUnavailable
	}

	vars := variables(ex.Flow, ex.Execution, &run)

	uri, err := o.renderer.Render(task.Subflow.Items, vars)
	if err != nil {
		return nil, run, fmt.Errorf("failed to render items of task %s: %w", task.ID, err)
	}

	data, err := o.storage.Get(ctx, uri)
	if err != nil {
		return nil, run, fmt.Errorf("failed to read items of task %s: %w", task.ID, err)
	}

	batches := splitBatches(data, task.Subflow.BatchSize)

	inputs, err := o.childInputs(ex, task.Subflow, run)
	if err != nil {
		return nil, run, err
	}

	children := make([]models.SubflowExecution, 0, len(batches))
	prefix := storage.ExecutionPrefix(ex.Execution) + "/" + run.ID

	for i, batch := range batches {
		batchURI, err := o.storage.Put(ctx, prefix+"/batch-"+strconv.Itoa(i)+".txt", batch)
		if err != nil {
			return nil, run, fmt.Errorf("failed to store batch %d of task %s: %w", i, task.ID, err)
		}

		childInputs := maps.Clone(inputs)
		if childInputs == nil {
			childInputs = map[string]any{}
		}

		childInputs["items"] = batchURI

		parent := run.WithIteration(i)
		children = append(children, models.SubflowExecution{
			ParentTaskRun: parent,
			Execution:     newChildExecution(ex.Execution, task, parent, childInputs),
		})
	}

	started := run.MergeOutputs(map[string]any{
		outputBatches:  len(batches),
		outputChildren: map[string]any{},
	})

	if len(batches) > 0 {
		started = started.WithState(models.StateRunning)
	} else {
		started = started.WithState(models.StateSuccess)
	}

	return children, started, nil
}

// splitBatches groups the non empty lines of data by size, one line per batch when
// size is not positive.
func splitBatches(data []byte, size int) [][]byte {
	if size <= 0 {
		size = 1
	}

	var (
		batches [][]byte
		current [][]byte
	)

	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		current = append(current, line)
		if len(current) == size {
			batches = append(batches, append(bytes.Join(current, []byte("\n")), '\n'))
			current = nil
		}
	}

	if len(current) > 0 {
		batches = append(batches, append(bytes.Join(current, []byte("\n")), '\n'))
	}

	return batches
}

func taskRunLog(execution models.Execution, run models.TaskRun, level models.LogLevel, message string) models.LogEntry {
	entry := models.NewExecutionLog(execution, level, message)
	entry.TaskRunID = run.ID
	entry.TaskID = run.TaskID

	return entry
}
