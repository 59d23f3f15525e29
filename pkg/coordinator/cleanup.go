package coordinator

import (
	"context"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
)

// cleanup releases everything a terminated execution holds and tells its parent.
// Failures are logged: the execution already ended.
func (c *Coordinator) cleanup(ctx context.Context, flow *models.Flow, execution models.Execution) {
	logger := c.logger.With("executionId", execution.ID, "state", execution.State.Current)

	keys := finishedTaskRunKeys(execution)

	for _, err := range []error{
		c.topics.Executions.DeleteByKeys(ctx, execution.ID),
		c.topics.WorkerTasks.DeleteByKeys(ctx, keys...),
		c.topics.WorkerTaskResults.DeleteByKeys(ctx, keys...),
	} {
		if err != nil {
			logger.WarnContext(ctx, "Failed to purge queued messages", "error", err)
		}
	}

	err := c.store.SLAMonitors().DeleteByExecution(ctx, execution.ID)
	if err != nil {
		logger.WarnContext(ctx, "Failed to delete SLA monitors", "error", err)
	}

	// a retried execution still waits for the delay that replays it
	if !hasTaskRunIn(execution, models.StateRetried) {
		err = c.store.Delays().DeleteByExecution(ctx, execution.ID)
		if err != nil {
			logger.WarnContext(ctx, "Failed to delete delays", "error", err)
		}
	}

	c.release(ctx, flow, execution)
	c.resetTrigger(ctx, execution)

	if execution.Parent != nil {
		err = c.topics.SubflowExecutionEnds.Emit(ctx, execution.Parent.ExecutionID, models.SubflowExecutionEnd{
			ParentExecutionID: execution.Parent.ExecutionID,
			TaskRunID:         execution.Parent.TaskRunID,
			TaskID:            execution.Parent.TaskID,
			ChildExecution:    execution,
			Outputs:           execution.Outputs,
		})
		if err != nil {
			logger.ErrorContext(ctx, "Failed to notify parent execution", "parentExecutionId", execution.Parent.ExecutionID, "error", err)
		}
	}

	c.metrics.ExecutionEnded(execution.Namespace, execution.FlowID, string(execution.State.Current))
	logger.InfoContext(ctx, "Execution ended", "namespace", execution.Namespace, "flowId", execution.FlowID,
		"duration", execution.State.Duration())
}

func finishedTaskRunKeys(execution models.Execution) []string {
	keys := make([]string, 0, len(execution.TaskRunList))

	for _, run := range execution.TaskRunList {
		if run.State.IsFinished() {
			keys = append(keys, run.ID)
		}
	}

	return keys
}

func hasTaskRunIn(execution models.Execution, state models.StateType) bool {
	for _, run := range execution.TaskRunList {
		if run.State.Current == state {
			return true
		}
	}

	return false
}

// release frees the concurrency slot of an execution that held or waited for one and
// starts the execution promoted in its place.
func (c *Coordinator) release(ctx context.Context, flow *models.Flow, execution models.Execution) {
	if flow != nil && (flow.Concurrency == nil || flow.Concurrency.Limit <= 0) {
		return
	}

	if !execution.State.HasHistory(models.StateRunning) && !execution.State.HasHistory(models.StateQueued) {
		return
	}

	c.releaseSlot(ctx, execution)
}

// releaseSlot frees the slot or queue entry of an execution and starts the execution
// promoted in its place.
func (c *Coordinator) releaseSlot(ctx context.Context, execution models.Execution) {
	promoted, err := c.store.Concurrency().Release(ctx, execution)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to release concurrency slot", "executionId", execution.ID, "error", err)

		return
	}

	if promoted == nil {
		return
	}

	next := promoted.Execution.WithState(models.StateRunning)

	err = c.topics.Executions.Emit(ctx, next.ID, next)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to start queued execution", "executionId", next.ID, "error", err)

		return
	}

	c.logger.InfoContext(ctx, "Queued execution promoted", "executionId", next.ID, "releasedBy", execution.ID)
}

// resetTrigger frees the trigger that started the execution so it can fire again.
func (c *Coordinator) resetTrigger(ctx context.Context, execution models.Execution) {
	if execution.Trigger == nil || execution.Parent != nil {
		return
	}

	uid := models.TriggerUID(execution.TenantID, execution.Namespace, execution.FlowID, execution.Trigger.ID)

	err := c.store.Triggers().Lock(ctx, uid, func(trigger models.Trigger) (*models.Trigger, error) {
		if trigger.ExecutionID != execution.ID {
			return nil, nil
		}

		reset := trigger.ResetExecution(execution.ID)

		return &reset, nil
	})
	if err != nil && !persistence.IsTriggerNotFound(err) {
		c.logger.WarnContext(ctx, "Failed to reset trigger execution", "executionId", execution.ID, "trigger", uid, "error", err)
	}
}
