package executor

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/flowd/pkg/models"
)

// Kill moves a running execution to KILLING. Terminated executions are returned as is.
func (o *Orchestrator) Kill(execution models.Execution) models.Execution {
	if execution.IsTerminated() || execution.State.Current == models.StateKilling {
		return execution
	}

	return execution.WithState(models.StateKilling)
}

// ResumeFromDelay applies a due delay. RESTART_FAILED_FLOW delays are handled by
// RestartFailedFlow and leave the executor untouched, as do delays of task runs that
// moved on.
func (o *Orchestrator) ResumeFromDelay(ctx context.Context, ex Executor, delay models.ExecutionDelay) (Executor, error) {
	if delay.TaskRunID == "" || delay.DelayType == models.DelayRestartFailedFlow {
		return ex, nil
	}

	if ex.Execution.IsTerminated() {
		return ex, nil
	}

	run, err := ex.Execution.FindTaskRunByID(delay.TaskRunID)
	if err != nil {
		return ex, err
	}

	var updated models.TaskRun

	switch delay.DelayType {
	case models.DelayResumeFlow:
		if run.State.Current != models.StatePaused {
			return ex, nil
		}

		state := delay.State
		if state == "" {
			state = models.StateSuccess
		}

		updated = run.WithState(models.StateRunning).WithState(state)
	case models.DelayRestartFailedTask:
		if run.State.Current != models.StateRetrying {
			return ex, nil
		}

		updated = run.NextAttempt()
	case models.DelayContinueFlowable:
		if run.State.Current != models.StateRunning || !boolOutput(run, outputWaiting) {
			return ex, nil
		}

		updated = continueFlowable(run)
	default:
		return ex, fmt.Errorf("unknown delay type %s", delay.DelayType)
	}

	o.logger.DebugContext(ctx, "Resuming from delay",
		"executionId", ex.Execution.ID, "taskRunId", run.ID, "delayType", delay.DelayType)

	return ex.WithExecution(ex.Execution.WithTaskRun(updated), "resumeFromDelay"), nil
}

// Resume ends a paused task run waiting for a manual resume.
func (o *Orchestrator) Resume(ctx context.Context, ex Executor, taskRunID string) (Executor, error) {
	run, err := ex.Execution.FindTaskRunByID(taskRunID)
	if err != nil {
		return ex, err
	}

	if run.State.Current != models.StatePaused || ex.Execution.IsTerminated() {
		return ex, fmt.Errorf("%w: %s is %s", ErrTaskRunNotPaused, taskRunID, run.State.Current)
	}

	return o.ResumeFromDelay(ctx, ex, models.ExecutionDelay{
		ExecutionID: ex.Execution.ID,
		TaskRunID:   taskRunID,
		State:       models.StateSuccess,
		DelayType:   models.DelayResumeFlow,
	})
}

// RestartFailedFlow replays an execution as a new one with the next attempt number.
func (o *Orchestrator) RestartFailedFlow(execution models.Execution) models.Execution {
	return execution.Replay()
}

// CheckConcurrencyLimit admits an execution against the concurrency limit of its flow
// given the number of running executions. Admitted and queued executions get a
// concurrency marker.
func (o *Orchestrator) CheckConcurrencyLimit(ex Executor, flow *models.Flow, execution models.Execution, running int) Executor {
	if flow.Concurrency == nil || flow.Concurrency.Limit <= 0 {
		return ex
	}

	if running < flow.Concurrency.Limit {
		return ex.WithExecutionRunning(models.NewExecutionRunning(execution, models.ConcurrencyStateRunning), "checkConcurrencyLimit")
	}

	switch flow.Concurrency.Behavior {
	case models.ConcurrencyCancel:
		return ex.WithExecution(execution.WithState(models.StateCancelled), "checkConcurrencyLimit")
	case models.ConcurrencyFail:
		failed := execution.WithState(models.StateFailed)

		return ex.WithExecution(failed, "checkConcurrencyLimit").WithLogs(models.NewExecutionLog(failed, models.LogLevelError,
			fmt.Sprintf("flow is limited to %d concurrent executions", flow.Concurrency.Limit)))
	default:
		queued := execution.WithState(models.StateQueued)

		return ex.WithExecution(queued, "checkConcurrencyLimit").
			WithExecutionRunning(models.NewExecutionRunning(queued, models.ConcurrencyStateQueued), "checkConcurrencyLimit")
	}
}

// ProcessViolation acts on a broken SLA. FAIL and CANCEL end the execution and its
// last task run in progress and ask workers to stop; NONE only labels the execution.
func (o *Orchestrator) ProcessViolation(ex Executor, violation models.Violation) Executor {
	execution := ex.Execution
	if execution.IsTerminated() {
		return ex
	}

	labels := models.MergeLabels(violation.Labels, violationLabel(execution, violation.SLAID))

	var target models.StateType

	switch violation.Behavior {
	case models.SLABehaviorFail:
		target = models.StateFailed
	case models.SLABehaviorCancel:
		target = models.StateCancelled
	default:
		labeled := execution.WithLabels(labels...)

		ex = ex.WithSLAViolation(violation, "processViolation")
		if slices.Equal(labeled.Labels, execution.Labels) {
			return ex
		}

		return ex.WithExecution(labeled, "processViolation")
	}

	if run, ok := execution.FindLastNotTerminated(); ok {
		execution = execution.WithTaskRun(run.WithState(target))
	}

	execution = execution.WithState(target).WithLabels(labels...)

	return ex.WithExecution(execution, "processViolation").
		WithSLAViolation(violation, "processViolation").
		WithExecutionKilled([]models.ExecutionKilled{{
			ExecutionID: execution.ID,
			TenantID:    execution.TenantID,
			State:       models.KillRequested,
		}}, "processViolation").
		WithLogs(models.NewExecutionLog(execution, models.LogLevelWarn,
			fmt.Sprintf("SLA %s violated: %s", violation.SLAID, violation.Reason)))
}

// violationLabel lists the SLAs an execution violated, comma separated.
func violationLabel(execution models.Execution, slaID string) models.Label {
	reported := violatedSLAs(execution)
	if !slices.Contains(reported, slaID) {
		reported = append(reported, slaID)
	}

	return models.Label{Key: models.LabelSLAViolation, Value: strings.Join(reported, ",")}
}

func violatedSLAs(execution models.Execution) []string {
	value := models.LabelsMap(execution.Labels)[models.LabelSLAViolation]
	if value == "" {
		return nil
	}

	return strings.Split(value, ",")
}

// handleAssertions evaluates the assertion SLAs of a running execution and acts on
// the first one broken. An SLA already reported is not evaluated again.
func (o *Orchestrator) handleAssertions(ctx context.Context, ex Executor) (Executor, error) {
	if ex.Execution.IsTerminated() || len(ex.Flow.SLAs) == 0 {
		return ex, nil
	}

	reported := violatedSLAs(ex.Execution)
	vars := variables(ex.Flow, ex.Execution, nil)

	for _, sla := range ex.Flow.SLAs {
		if sla.Type != models.SLAExecutionAssertion || slices.Contains(reported, sla.ID) {
			continue
		}

		ok, err := o.renderer.IsTrue(sla.Assert, vars)
		if err != nil {
			o.logger.WarnContext(ctx, "Failed to evaluate SLA assertion",
				"executionId", ex.Execution.ID, "sla", sla.ID, "error", err)

			continue
		}

		if ok {
			continue
		}

		return o.ProcessViolation(ex, models.Violation{
			SLAID:    sla.ID,
			Behavior: sla.Behavior,
			Labels:   sla.Labels,
			Reason:   fmt.Sprintf("assertion %q is false", sla.Assert),
		}), nil
	}

	return ex, nil
}
