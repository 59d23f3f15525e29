package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dukex/flowd/pkg/models"
)

const (
	outputValues    = "values"
	outputIteration = "iteration"
	outputWaiting   = "waiting"
)

func flowableScope(run models.TaskRun) scope {
	return scope{parentID: run.ID, value: run.Value, iteration: run.Iteration}
}

// childrenStatus computes the progress of the children of a running flowable task run,
// including its errors branch.
func childrenStatus(execution models.Execution, task models.Task, run models.TaskRun) listStatus {
	var main listStatus

	switch task.EffectiveKind() {
	case models.TaskKindForEach:
		main = foreachStatus(execution, task, run)
	case models.TaskKindLoop:
		iteration := loopIteration(run)
		main = statusOf(execution, task.Tasks, modeSequential, 0, scope{parentID: run.ID, value: run.Value, iteration: &iteration})

		if boolOutput(run, outputWaiting) {
			main.eligible = nil
		}
	default:
		main = statusOf(execution, task.Tasks, modeOf(task.EffectiveKind()), task.Concurrent, flowableScope(run))
	}

	if !main.done || !main.failed || len(activeTasks(task.Errors)) == 0 {
		return main
	}

	errs := statusOf(execution, task.Errors, modeSequential, 0, flowableScope(run))
	if !errs.done {
		return errs
	}

	state := models.WorstState(main.state, errs.state)

	return listStatus{started: true, done: true, failed: isFailure(state), state: state}
}

// foreachStatus runs the children once per value, up to Concurrent values at a time.
func foreachStatus(execution models.Execution, task models.Task, run models.TaskRun) listStatus {
	var (
		status     listStatus
		states     []models.StateType
		notStarted []listStatus
		active     int
	)

	for _, value := range foreachValues(run) {
		sc := scope{parentID: run.ID, value: value, iteration: run.Iteration}
		valueStatus := statusOf(execution, task.Tasks, modeSequential, 0, sc)

		switch {
		case valueStatus.done:
			states = append(states, valueStatus.state)
			if valueStatus.failed {
				status.failed = true
			}
		case valueStatus.started:
			active++
			status.started = true
			status.running += valueStatus.running
			status.eligible = append(status.eligible, valueStatus.eligible...)
		default:
			notStarted = append(notStarted, valueStatus)
		}
	}

	status.done = active == 0 && (status.failed || len(notStarted) == 0)
	if status.done {
		status.state = models.WorstState(states...)
		status.eligible = nil

		return status
	}

	if status.failed {
		status.eligible = nil

		return status
	}

	for _, valueStatus := range notStarted {
		if task.Concurrent > 0 && active >= task.Concurrent {
			break
		}

		active++
		status.eligible = append(status.eligible, valueStatus.eligible...)
	}

	return status
}

// resolveFlowables ends the flowable task runs whose children are done, innermost
// first, and moves loops to their next iteration.
func (o *Orchestrator) resolveFlowables(ctx context.Context, ex Executor) (Executor, error) {
	for changed := true; changed; {
		changed = false

		for _, run := range ex.Execution.TaskRunList {
			if run.State.Current != models.StateRunning {
				continue
			}

			task, err := ex.graph.FindTaskByTaskID(run.TaskID)
			if err != nil {
				return ex, err
			}

			if !task.EffectiveKind().IsFlowable() {
				continue
			}

			status := childrenStatus(ex.Execution, task, run)
			if !status.done {
				continue
			}

			if task.EffectiveKind() == models.TaskKindLoop && !status.failed {
				iterated, done, err := o.nextIteration(ctx, ex, task, run)
				if err != nil {
					return ex, err
				}

				if !done {
					if iterated == nil {
						continue
					}

					ex = ex.WithExecution(ex.Execution.WithTaskRun(*iterated), "resolveFlowables")
					changed = true

					if boolOutput(*iterated, outputWaiting) {
						ex = ex.WithExecutionDelays([]models.ExecutionDelay{{
							ExecutionID: ex.Execution.ID,
							TaskRunID:   run.ID,
							Date:        now().Add(task.Interval.Std()),
							DelayType:   models.DelayContinueFlowable,
						}}, "resolveFlowables")
					}

					break
				}
			}

			ex = ex.WithExecution(ex.Execution.WithTaskRun(run.WithState(status.state)), "resolveFlowables")
			changed = true

			break
		}
	}

	return ex, nil
}

// nextIteration decides what follows a successful loop iteration. done is true when
// the loop ends. Otherwise the returned task run either starts the next iteration or
// waits for its interval; nil means the loop already waits.
func (o *Orchestrator) nextIteration(_ context.Context, ex Executor, task models.Task, run models.TaskRun) (*models.TaskRun, bool, error) {
	if boolOutput(run, outputWaiting) {
		return nil, false, nil
	}

	iteration := loopIteration(run)

	until, err := o.renderer.IsTrue(task.Until, variables(ex.Flow, ex.Execution, &run))
	if err != nil {
		return nil, false, fmt.Errorf("failed to evaluate until of loop %s: %w", task.ID, err)
	}

	if until || (task.MaxIteration > 0 && iteration+1 >= task.MaxIteration) {
		return nil, true, nil
	}

	if task.Interval != nil && task.Interval.Std() > 0 {
		waiting := run.MergeOutputs(map[string]any{outputWaiting: true})

		return &waiting, false, nil
	}

	iterated := run.MergeOutputs(map[string]any{outputIteration: iteration + 1})

	return &iterated, false, nil
}

// continueFlowable starts the iteration a loop waited for.
func continueFlowable(run models.TaskRun) models.TaskRun {
	return run.MergeOutputs(map[string]any{
		outputIteration: loopIteration(run) + 1,
		outputWaiting:   false,
	})
}

// startFlowable moves a created flowable task run to RUNNING, rendering foreach values.
func (o *Orchestrator) startFlowable(ex Executor, task models.Task, run models.TaskRun) (models.TaskRun, error) {
	switch task.EffectiveKind() {
	case models.TaskKindForEach:
		rendered, err := o.renderer.RenderValue(task.Values, variables(ex.Flow, ex.Execution, &run))
		if err != nil {
			return run, fmt.Errorf("failed to render values of task %s: %w", task.ID, err)
		}

		values, err := valueList(rendered)
		if err != nil {
			return run, fmt.Errorf("invalid values of task %s: %w", task.ID, err)
		}

		run = run.MergeOutputs(map[string]any{outputValues: values})
	case models.TaskKindLoop:
		run = run.MergeOutputs(map[string]any{outputIteration: 0, outputWaiting: false})
	}

	return run.WithState(models.StateRunning), nil
}

func valueList(rendered any) ([]any, error) {
	switch v := rendered.(type) {
	case []any:
		return v, nil
	case string:
		var list []any

		err := json.Unmarshal([]byte(v), &list)
		if err != nil {
			return nil, fmt.Errorf("%q is not a list: %w", v, err)
		}

		return list, nil
	default:
		return nil, fmt.Errorf("%v is not a list", rendered)
	}
}

func foreachValues(run models.TaskRun) []string {
	list, _ := run.Outputs[outputValues].([]any)

	values := make([]string, 0, len(list))
	for _, v := range list {
		values = append(values, valueString(v))
	}

	return values
}

func valueString(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}

		return string(b)
	}
}

func loopIteration(run models.TaskRun) int {
	return intOutput(run, outputIteration)
}

func boolOutput(run models.TaskRun, key string) bool {
	b, _ := run.Outputs[key].(bool)

	return b
}
