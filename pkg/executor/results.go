package executor

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/dukex/flowd/pkg/models"
)

const (
	outputBatches    = "numberOfBatches"
	outputChildren   = "children"
	outputIterations = "iterations"
)

// AddWorkerTaskResult merges a task run update into the execution. Stale updates are
// ignored. A failed task run is retried when a retry policy applies; a killed one
// kills its ancestors.
func (o *Orchestrator) AddWorkerTaskResult(ctx context.Context, ex Executor, result models.WorkerTaskResult) (Executor, error) {
	ex, err := o.withGraph(ex)
	if err != nil {
		return ex, err
	}

	execution := ex.Execution

	current, err := execution.FindTaskRunByID(result.TaskRun.ID)
	if err != nil {
		return ex, err
	}

	if !execution.HasTaskRunJoinable(result.TaskRun) {
		o.logger.DebugContext(ctx, "Ignoring stale task run update",
			"executionId", execution.ID, "taskRunId", current.ID, "state", result.TaskRun.State.Current)

		return ex, nil
	}

	taskRun := result.TaskRun
	taskRun.ParentTaskRunID = current.ParentTaskRunID
	taskRun.Value = current.Value
	taskRun.Iteration = current.Iteration

	var delays []models.ExecutionDelay

	policy, err := ex.graph.RetryPolicy(taskRun.TaskID)
	if err != nil {
		return ex, err
	}

	switch {
	case taskRun.State.Current == models.StateFailed && policy != nil:
		taskRun, delays = retry(execution, taskRun, policy)
	case taskRun.State.Current == models.StateSuccess && policy != nil && policy.WarningOnRetry && taskRun.AttemptCount() > 1:
		taskRun = replaceFinalState(taskRun, models.StateWarning)
	}

	execution = execution.WithTaskRun(taskRun)

	switch taskRun.State.Current {
	case models.StateKilled:
		execution = killAncestors(execution, taskRun)
	case models.StateRetrying:
		if !execution.IsTerminated() {
			execution = execution.WithState(models.StateRetrying)
		}
	}

	return ex.WithExecution(execution, "addWorkerTaskResult").
		WithExecutionDelays(delays, "addWorkerTaskResult"), nil
}

// retry applies a retry policy to a failed task run. It returns the task run unchanged
// once the policy is exhausted.
func retry(execution models.Execution, taskRun models.TaskRun, policy *models.RetryPolicy) (models.TaskRun, []models.ExecutionDelay) {
	failedAt := now()

	if policy.EffectiveBehavior() == models.RetryCreateNewExecution {
		next, ok := policy.NextRetryDate(execution.Metadata.Attempt, failedAt, execution.Metadata.OriginalCreatedDate)
		if !ok {
			return taskRun, nil
		}

		return replaceFinalState(taskRun, models.StateRetried), []models.ExecutionDelay{{
			ExecutionID: execution.ID,
			Date:        next,
			DelayType:   models.DelayRestartFailedFlow,
		}}
	}

	firstAttempt := failedAt
	if len(taskRun.Attempts) > 0 {
		firstAttempt = taskRun.Attempts[0].State.StartDate()
	}

	next, ok := policy.NextRetryDate(taskRun.AttemptCount(), failedAt, firstAttempt)
	if !ok {
		return taskRun, nil
	}

	return replaceFinalState(taskRun, models.StateRetrying), []models.ExecutionDelay{{
		ExecutionID: execution.ID,
		TaskRunID:   taskRun.ID,
		Date:        next,
		DelayType:   models.DelayRestartFailedTask,
	}}
}

// replaceFinalState swaps the final state reported by a worker for another one.
func replaceFinalState(taskRun models.TaskRun, stateType models.StateType) models.TaskRun {
	taskRun.State = rewind(taskRun.State).WithState(stateType)

	if n := len(taskRun.Attempts); n > 0 {
		attempts := slices.Clone(taskRun.Attempts)
		attempts[n-1] = models.TaskRunAttempt{State: rewind(attempts[n-1].State).WithState(stateType)}
		taskRun.Attempts = attempts
	}

	return taskRun
}

func rewind(state models.State) models.State {
	n := len(state.Histories)
	if !state.IsFinished() || n < 2 {
		return state
	}

	return models.State{
		Current:   state.Histories[n-2].State,
		Histories: slices.Clone(state.Histories[:n-1]),
	}
}

func killAncestors(execution models.Execution, taskRun models.TaskRun) models.Execution {
	parentID := taskRun.ParentTaskRunID

	for parentID != "" {
		parent, err := execution.FindTaskRunByID(parentID)
		if err != nil {
			break
		}

		if !parent.State.IsFinished() && parent.State.Current != models.StateKilling {
			execution = execution.WithTaskRun(parent.WithState(models.StateKilled))
		}

		parentID = parent.ParentTaskRunID
	}

	return execution
}

// SubflowResult applies the state of a child execution to the task run that started
// it. foreach-item task runs accumulate the states of all their children and end once
// every batch ended. A finished task run never changes.
func (o *Orchestrator) SubflowResult(_ context.Context, ex Executor, result models.SubflowExecutionResult, outputs map[string]any) (Executor, error) {
	ex, err := o.withGraph(ex)
	if err != nil {
		return ex, err
	}

	run, err := ex.Execution.FindTaskRunByID(result.TaskRunID)
	if err != nil {
		return ex, err
	}

	if run.State.IsFinished() {
		return ex, nil
	}

	task, err := ex.graph.FindTaskByTaskID(run.TaskID)
	if err != nil {
		return ex, err
	}

	if task.Subflow == nil {
		return ex, fmt.Errorf("task %s does not start executions", task.ID)
	}

	// detached children never report to the parent
	if !task.Subflow.Wait {
		return ex, nil
	}

	var updated models.TaskRun

	switch task.EffectiveKind() {
	case models.TaskKindForEachItem:
		var changed bool

		updated, changed = mergeIteration(run, task, result)
		if !changed {
			return ex, nil
		}
	default:
		if !result.State.IsTerminated() {
			return ex, nil
		}

		merged := maps.Clone(outputs)
		if merged == nil {
			merged = map[string]any{}
		}

		merged["executionId"] = result.ExecutionID
		updated = run.MergeOutputs(merged).WithState(transmitted(task, result.State))
	}

	return ex.WithExecution(ex.Execution.WithTaskRun(updated), "subflowResult"), nil
}

// transmitted is the state a parent task run takes from a terminated child.
func transmitted(task models.Task, state models.StateType) models.StateType {
	if isFailure(state) && !task.Subflow.TransmitFailed {
		return models.StateSuccess
	}

	return state
}

func mergeIteration(run models.TaskRun, task models.Task, result models.SubflowExecutionResult) (models.TaskRun, bool) {
	children := map[string]any{}
	if previous, ok := run.Outputs[outputChildren].(map[string]any); ok {
		maps.Copy(children, previous)
	}

	if previous, ok := children[result.ExecutionID].(string); ok {
		if previous == string(result.State) || models.StateType(previous).IsTerminated() {
			return run, false
		}
	}

	children[result.ExecutionID] = string(result.State)

	counts := map[string]any{}
	terminated := 0

	var states []models.StateType

	for _, state := range children {
		stateType := models.StateType(fmt.Sprint(state))

		count, _ := counts[string(stateType)].(int)
		counts[string(stateType)] = count + 1

		if stateType.IsTerminated() {
			terminated++
			states = append(states, transmitted(task, stateType))
		}
	}

	updated := run.MergeOutputs(map[string]any{outputChildren: children, outputIterations: counts})

	if terminated >= intOutput(run, outputBatches) {
		updated = updated.WithState(models.WorstState(states...))
	}

	return updated, true
}

func intOutput(run models.TaskRun, key string) int {
	switch v := run.Outputs[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
