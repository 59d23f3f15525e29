package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/otelhelper"
	"github.com/dukex/flowd/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
)

var ErrWorkerTrigger = errors.New("worker trigger evaluation failed")

// handleWorkerTriggerResult releases a polling trigger evaluated by a worker, moves
// its cursor to the next interval and emits the execution the worker built.
func (s *Scheduler) handleWorkerTriggerResult(ctx context.Context, _ string, result models.WorkerTriggerResult) error {
	uid := result.Trigger.UID()

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.worker_trigger_result",
		attribute.String(otelhelper.TriggerIDKey, uid))
	defer span.End()

	t, err := s.definition(ctx, result.Trigger.TenantID, result.Trigger.Namespace, result.Trigger.FlowID, result.Trigger.TriggerID)
	if persistence.IsFlowNotFound(err) || persistence.IsTriggerNotFound(err) {
		s.logger.WarnContext(ctx, "Dropping result of a removed trigger", "trigger", uid)

		return nil
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	execution := result.Execution
	if !result.Success && execution == nil {
		failed, entry := models.NewExecution(t.flow, nil, t.definition.Labels).
			FailedExecutionFromError(fmt.Errorf("%w: %s", ErrWorkerTrigger, result.Error))
		entry.TriggerID = t.definition.ID
		execution = &failed

		err = s.topics.Logs.Emit(ctx, failed.ID, entry)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to emit trigger log", "trigger", uid, "error", err)
		}
	}

	executionID := ""
	if execution != nil {
		executionID = execution.ID

		if execution.Trigger == nil {
			execution.Trigger = &models.ExecutionTrigger{ID: t.definition.ID, Type: string(t.definition.Type)}
		}
	}

	now := s.now()

	next, err := t.definition.NextEvaluationDate(now)
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	err = s.store.Triggers().Lock(ctx, uid, func(current models.Trigger) (*models.Trigger, error) {
		advanced := current.WithNextExecution(now, next, executionID)

		return &advanced, nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to release trigger %s: %w", uid, err)
	}

	if execution == nil {
		s.metrics.TriggerEvaluated("no_execution")

		return nil
	}

	err = s.topics.Executions.Emit(ctx, execution.ID, *execution)
	if err != nil {
		s.metrics.QueueDropped("execution", "trigger")
		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to emit execution of trigger %s: %w", uid, err)
	}

	s.metrics.TriggerEvaluated("fired")
	s.logger.InfoContext(ctx, "Polling trigger fired", "trigger", uid, "executionId", execution.ID, "success", result.Success)

	return nil
}
