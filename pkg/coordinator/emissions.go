package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/flowd/pkg/executor"
	"github.com/dukex/flowd/pkg/models"
)

// emissions is what a committed pass still has to publish.
type emissions struct {
	// execution is set when the pass changed the execution.
	execution   *models.Execution
	executionID string
	flow        *models.Flow
	ended       bool
	purge       bool
	workerTasks []models.WorkerTask
	results     []models.WorkerTaskResult
	subflows    []models.Execution
	progress    []models.SubflowExecutionResult
	delays      []models.ExecutionDelay
	kills       []models.ExecutionKilled
	logs        []models.LogEntry
}

// collect records the follow-ups of a pass in the ledger and keeps those never
// emitted before.
func (c *Coordinator) collect(ctx context.Context, ex executor.Executor, previous *models.Execution, state models.ExecutorState) *emissions {
	out := &emissions{
		executionID: ex.Execution.ID,
		flow:        ex.Flow,
		results:     ex.WorkerTaskResults,
		progress:    ex.SubflowExecutionResults,
		delays:      ex.ExecutionDelays,
		kills:       ex.ExecutionKilled,
		logs:        ex.Logs,
	}

	if ex.IsExecutionUpdated() {
		execution := ex.Execution
		out.execution = &execution
	}

	for _, next := range ex.Nexts {
		if !state.DeduplicateNext(next) {
			c.metrics.Deduplicated("next")
		}
	}

	for _, task := range ex.WorkerTasks {
		if !state.DeduplicateWorkerTask(task.TaskRun) {
			c.metrics.Deduplicated("worker_task")

			continue
		}

		out.workerTasks = append(out.workerTasks, task)
	}

	for _, subflow := range ex.SubflowExecutions {
		if !state.DeduplicateSubflow(subflow.ParentTaskRun, subflow.Execution.ID) {
			c.metrics.Deduplicated("subflow")

			continue
		}

		out.subflows = append(out.subflows, subflow.Execution)
	}

	for _, violation := range ex.SLAViolations {
		c.metrics.SLAViolated(string(violation.Behavior))
	}

	if ex.Err != nil {
		c.logger.WarnContext(ctx, "Execution failed during processing", "executionId", ex.Execution.ID, "error", ex.Err)
	}

	out.ended = ex.Execution.IsTerminated() && (previous == nil || !previous.IsTerminated())
	out.purge = ex.Execution.IsTerminated() && allFinished(ex.Execution) &&
		len(out.workerTasks) == 0 && len(out.subflows) == 0

	return out
}

func allFinished(execution models.Execution) bool {
	for _, run := range execution.TaskRunList {
		if !run.State.IsFinished() {
			return false
		}
	}

	return true
}

// publish emits the follow-ups of a committed pass. The end of an execution is
// cleaned up before anything else goes out.
func (c *Coordinator) publish(ctx context.Context, out *emissions) {
	if len(out.logs) > 0 {
		err := c.store.Logs().Save(ctx, out.logs...)
		if err != nil {
			c.logger.ErrorContext(ctx, "Failed to save execution logs", "count", len(out.logs), "error", err)
		}
	}

	if out.ended && out.execution != nil {
		c.cleanup(ctx, out.flow, *out.execution)
	}

	for _, delay := range out.delays {
		err := c.store.Delays().Save(ctx, delay)
		if err != nil {
			c.logger.ErrorContext(ctx, "Failed to save delay",
				"executionId", delay.ExecutionID, "taskRunId", delay.TaskRunID, "delayType", delay.DelayType, "error", err)
		}
	}

	var errs []error

	for _, child := range out.subflows {
		errs = append(errs, c.topics.Executions.Emit(ctx, child.ID, child))
	}

	for _, task := range out.workerTasks {
		err := c.topics.WorkerTasks.Emit(ctx, task.TaskRun.ID, task)
		if err == nil {
			c.metrics.WorkerTaskDispatched(workerGroupKey(task.WorkerGroup))
		}

		errs = append(errs, err)
	}

	for _, result := range out.results {
		errs = append(errs, c.topics.WorkerTaskResults.Emit(ctx, result.TaskRun.ID, result))
	}

	for _, progress := range out.progress {
		errs = append(errs, c.topics.SubflowExecutionResults.Emit(ctx, progress.ParentExecutionID, progress))
	}

	for _, kill := range out.kills {
		errs = append(errs, c.topics.Kills.Emit(ctx, kill.ExecutionID, kill))
	}

	if out.execution != nil {
		errs = append(errs, c.topics.Executions.Emit(ctx, out.execution.ID, *out.execution))
	}

	err := errors.Join(errs...)
	if err != nil {
		c.failOnTransport(ctx, out.executionID, err)
	}

	if out.purge {
		err := c.store.Executions().Purge(ctx, out.executionID)
		if err != nil {
			c.logger.WarnContext(ctx, "Failed to purge executor state", "executionId", out.executionID, "error", err)
		}
	}
}

func workerGroupKey(group *models.WorkerGroup) string {
	if group == nil {
		return ""
	}

	return group.Key
}

// failOnTransport fails an execution whose messages could not be emitted. When even
// the failed execution cannot go out, the loss is logged and counted.
func (c *Coordinator) failOnTransport(ctx context.Context, executionID string, cause error) {
	c.logger.ErrorContext(ctx, "Failed to emit execution messages", "executionId", executionID, "error", cause)

	if ctx.Err() != nil {
		return
	}

	var (
		failed models.Execution
		entry  models.LogEntry
	)

	err := c.lock(ctx, executionID, func(_ context.Context, current *models.Execution, state models.ExecutorState) (*models.Execution, models.ExecutorState, error) {
		failed = models.Execution{}

		if current == nil || current.IsTerminated() {
			return nil, state, nil
		}

		failed, entry = current.FailedExecutionFromError(fmt.Errorf("failed to emit messages: %w", cause))

		return &failed, state, nil
	})
	if err == nil && failed.ID != "" {
		var flow *models.Flow

		flow, err = c.flowOf(ctx, failed)
		if err == nil {
			err = c.store.Logs().Save(ctx, entry)
		}

		if err == nil {
			c.cleanup(ctx, flow, failed)
			err = c.topics.Executions.Emit(ctx, failed.ID, failed)
		}
	}

	if err != nil {
		c.metrics.QueueDropped("execution", "unrecoverable")
		c.logger.ErrorContext(ctx, "Unrecoverable emission failure", "executionId", executionID, "error", err)
	}
}
