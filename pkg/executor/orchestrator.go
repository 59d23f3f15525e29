package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowd/pkg/graph"
	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/storage"
	"github.com/dukex/flowd/pkg/template"
	"github.com/dukex/flowd/pkg/workergroup"
)

// FlowGraphLookup returns the task graph of a flow revision. *graph.Cache implements it.
type FlowGraphLookup interface {
	Get(flow *models.Flow) (*graph.FlowGraph, error)
}

// Orchestrator decides what happens next to an execution.
type Orchestrator struct {
	graphs   FlowGraphLookup
	renderer template.Renderer
	groups   workergroup.Resolver
	storage  storage.Storage
	logger   *slog.Logger
}

// New builds an orchestrator. groups and store may be nil: worker groups are then
// never checked and foreach-item tasks fail.
func New(graphs FlowGraphLookup, renderer template.Renderer, groups workergroup.Resolver, store storage.Storage, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		graphs:   graphs,
		renderer: renderer,
		groups:   groups,
		storage:  store,
		logger:   logger.With("module", "executor"),
	}
}

type step func(ctx context.Context, ex Executor) (Executor, error)

// Process runs one orchestration pass. It never returns an error: a failure, even a
// panic, ends the execution FAILED with a log entry and is recorded in Err.
func (o *Orchestrator) Process(ctx context.Context, ex Executor) (result Executor) {
	defer func() {
		if r := recover(); r != nil {
			result = o.handleFailure(ctx, ex, fmt.Errorf("panic while processing execution: %v", r))
		}
	}()

	ex, err := o.withGraph(ex)
	if err != nil {
		return o.handleFailure(ctx, ex, err)
	}

	start := ex.Execution.State.Current

	steps := []step{
		o.handleRestart,
		o.syncState,
		o.resolveFlowables,
		o.handleEnd,
		o.handleKilling,
		o.handleNexts,
		o.handleListeners,
		o.handleWorkerTasks,
		o.handleSubflows,
		o.handleAssertions,
	}

	next := ex

	for _, s := range steps {
		next, err = s(ctx, next)
		if err != nil {
			return o.handleFailure(ctx, ex, err)
		}
	}

	return o.handleSubflowProgress(next, start)
}

func (o *Orchestrator) withGraph(ex Executor) (Executor, error) {
	if ex.graph != nil {
		return ex, nil
	}

	if ex.Flow == nil {
		return ex, fmt.Errorf("flow %s.%s revision %d is unavailable", ex.Execution.Namespace, ex.Execution.FlowID, ex.Execution.FlowRevision)
	}

	g, err := o.graphs.Get(ex.Flow)
	if err != nil {
		return ex, fmt.Errorf("failed to index flow %s: %w", ex.Flow.UID(), err)
	}

	ex.graph = g

	return ex, nil
}

func (o *Orchestrator) handleFailure(ctx context.Context, ex Executor, err error) Executor {
	o.logger.ErrorContext(ctx, "Execution processing failed", "executionId", ex.Execution.ID, "error", err)

	failed, entry := ex.Execution.FailedExecutionFromError(err)

	return ex.WithExecution(failed, "handleFailure").WithError(err, "handleFailure").WithLogs(entry)
}

func (o *Orchestrator) handleRestart(_ context.Context, ex Executor) (Executor, error) {
	if ex.Execution.State.Current != models.StateRestarted {
		return ex, nil
	}

	return ex.WithExecution(ex.Execution.WithState(models.StateRunning), "handleRestart"), nil
}

// syncState keeps the execution state in line with its task runs: CREATED becomes
// RUNNING, a paused task run pauses the execution and a retrying one marks it RETRYING.
func (o *Orchestrator) syncState(_ context.Context, ex Executor) (Executor, error) {
	current := ex.Execution.State.Current

	switch current {
	case models.StateCreated, models.StateRunning, models.StatePaused, models.StateRetrying:
	default:
		return ex, nil
	}

	target := models.StateRunning

	for _, run := range ex.Execution.TaskRunList {
		if run.State.Current == models.StatePaused {
			target = models.StatePaused

			break
		}

		if run.State.Current == models.StateRetrying {
			target = models.StateRetrying
		}
	}

	if target == current {
		return ex, nil
	}

	return ex.WithExecution(ex.Execution.WithState(target), "syncState"), nil
}

// handleEnd moves the execution to its final state once every branch is done.
func (o *Orchestrator) handleEnd(_ context.Context, ex Executor) (Executor, error) {
	execution := ex.Execution
	if execution.State.Current != models.StateRunning {
		return ex, nil
	}

	status := flowStatus(ex.Flow, execution)
	if !status.done {
		return ex, nil
	}

	execution = execution.WithState(status.state)

	if status.state == models.StateSuccess || status.state == models.StateWarning {
		outputs, err := o.renderOutputs(ex.Flow, execution)
		if err != nil {
			return ex, err
		}

		execution = execution.WithOutputs(outputs)
	}

	return ex.WithExecution(execution, "handleEnd"), nil
}

func (o *Orchestrator) renderOutputs(flow *models.Flow, execution models.Execution) (map[string]any, error) {
	if len(flow.Outputs) == 0 {
		return nil, nil
	}

	vars := variables(flow, execution, nil)
	outputs := make(map[string]any, len(flow.Outputs))

	for _, output := range flow.Outputs {
		value, err := o.renderer.RenderValue(output.Value, vars)
		if err != nil {
			return nil, fmt.Errorf("failed to render flow output %s: %w", output.ID, err)
		}

		outputs[output.ID] = value
	}

	return outputs, nil
}

// handleKilling kills every task run no worker holds, then the execution.
func (o *Orchestrator) handleKilling(_ context.Context, ex Executor) (Executor, error) {
	execution := ex.Execution
	if execution.State.Current != models.StateKilling {
		return ex, nil
	}

	for _, run := range execution.TaskRunList {
		if run.State.IsFinished() {
			continue
		}

		switch run.State.Current {
		case models.StateCreated, models.StatePaused, models.StateRetrying:
			execution = execution.WithTaskRun(run.WithState(models.StateKilled))
		case models.StateRunning:
			task, err := ex.graph.FindTaskByTaskID(run.TaskID)
			if err == nil && task.EffectiveKind() != models.TaskKindRunnable {
				execution = execution.WithTaskRun(run.WithState(models.StateKilled))
			}
		}
	}

	return ex.WithExecution(execution.WithState(models.StateKilled), "handleKilling"), nil
}

// OnNexts adds new task runs to the execution and starts it if needed.
func (o *Orchestrator) OnNexts(_ *models.Flow, execution models.Execution, nexts []models.TaskRun) models.Execution {
	if len(nexts) == 0 {
		return execution
	}

	execution = execution.WithTaskRuns(nexts...)
	if execution.State.Current == models.StateCreated {
		execution = execution.WithState(models.StateRunning)
	}

	return execution
}

func (o *Orchestrator) handleNexts(ctx context.Context, ex Executor) (Executor, error) {
	switch ex.Execution.State.Current {
	case models.StateKilling, models.StateKilled, models.StateQueued:
		return ex, nil
	}

	if ex.Execution.IsTerminated() {
		return ex, nil
	}

	eligible := flowStatus(ex.Flow, ex.Execution).eligible

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

		eligible = append(eligible, childrenStatus(ex.Execution, task, run).eligible...)
	}

	return o.createNexts(ctx, ex, eligible, "handleNexts")
}

func (o *Orchestrator) createNexts(_ context.Context, ex Executor, eligible []pendingTask, from string) (Executor, error) {
	if len(eligible) == 0 {
		return ex, nil
	}

	nexts := make([]models.TaskRun, 0, len(eligible))

	for _, n := range eligible {
		run := models.NewTaskRun(ex.Execution, n.task.ID, n.sc.parentID, n.sc.value, n.sc.iteration)

		if n.task.RunIf != "" {
			ok, err := o.renderer.IsTrue(n.task.RunIf, variables(ex.Flow, ex.Execution, &run))
			if err != nil {
				return ex, fmt.Errorf("failed to evaluate runIf of task %s: %w", n.task.ID, err)
			}

			if !ok {
				run = run.WithState(models.StateSkipped)
			}
		}

		nexts = append(nexts, run)
	}

	execution := o.OnNexts(ex.Flow, ex.Execution, nexts)

	return ex.WithExecution(execution, from).WithNexts(nexts, from), nil
}

// handleListeners starts the listeners whose conditions hold once the execution is
// terminated, then the after-execution tasks.
func (o *Orchestrator) handleListeners(ctx context.Context, ex Executor) (Executor, error) {
	// killed executions dispatch nothing, listeners included
	if !ex.Execution.IsTerminated() || ex.Execution.State.Current == models.StateKilled {
		return ex, nil
	}

	var (
		eligible []pendingTask
		pending  bool
	)

	vars := variables(ex.Flow, ex.Execution, nil)

	for i, listener := range ex.Flow.Listeners {
		status := statusOf(ex.Execution, listener.Tasks, modeSequential, 0, scope{})

		if !status.started && !o.listenerMatches(ctx, ex, i, listener, vars) {
			continue
		}

		if !status.done {
			pending = true
			eligible = append(eligible, status.eligible...)
		}
	}

	if !pending {
		status := statusOf(ex.Execution, ex.Flow.AfterExecution, modeSequential, 0, scope{})
		eligible = append(eligible, status.eligible...)
	}

	return o.createNexts(ctx, ex, eligible, "handleListeners")
}

func (o *Orchestrator) listenerMatches(ctx context.Context, ex Executor, index int, listener models.Listener, vars map[string]any) bool {
	for _, condition := range listener.Conditions {
		ok, err := o.renderer.IsTrue(condition, vars)
		if err != nil {
			o.logger.WarnContext(ctx, "Failed to evaluate listener condition",
				"executionId", ex.Execution.ID, "listener", index, "error", err)

			return false
		}

		if !ok {
			return false
		}
	}

	return true
}

// handleSubflowProgress reports a child execution that started to its parent.
func (o *Orchestrator) handleSubflowProgress(ex Executor, start models.StateType) Executor {
	execution := ex.Execution
	if execution.Parent == nil || start == execution.State.Current || execution.State.Current != models.StateRunning {
		return ex
	}

	return ex.WithSubflowExecutionResults([]models.SubflowExecutionResult{{
		ExecutionID:       execution.ID,
		ParentExecutionID: execution.Parent.ExecutionID,
		TaskRunID:         execution.Parent.TaskRunID,
		State:             models.StateRunning,
	}}, "handleSubflowProgress")
}

func now() time.Time {
	return time.Now().UTC()
}
