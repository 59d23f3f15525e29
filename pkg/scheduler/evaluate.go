package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/otelhelper"
	"github.com/dukex/flowd/pkg/persistence"
	"github.com/dukex/flowd/pkg/persistence/sqlbase"
	"github.com/dukex/flowd/pkg/workergroup"
	"go.opentelemetry.io/otel/attribute"
)

var ErrWorkerGroupUnavailable = errors.New("worker group unavailable")

// keep returns the transient errors of an evaluation so the tick counts them. The
// others are logged: the cursor already moved past them.
func (s *Scheduler) keep(ctx context.Context, trigger models.Trigger, err error) error {
	if err == nil {
		return nil
	}

	if sqlbase.IsRetryable(err) {
		return err
	}

	s.logger.ErrorContext(ctx, "Trigger evaluation failed", "trigger", trigger.UID(), "error", err)

	return nil
}

// evaluate runs one due trigger.
func (s *Scheduler) evaluate(ctx context.Context, t flowTrigger, trigger models.Trigger, now time.Time) error {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.evaluate",
		attribute.String(otelhelper.TriggerIDKey, trigger.UID()),
		attribute.String(otelhelper.NamespaceKey, trigger.Namespace),
		attribute.String(otelhelper.FlowIDKey, trigger.FlowID),
	)
	defer span.End()

	err := s.evaluateTrigger(ctx, t, trigger, now)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return err
}

func (s *Scheduler) evaluateTrigger(ctx context.Context, t flowTrigger, trigger models.Trigger, now time.Time) error {
	if s.evaluating(trigger, now) {
		s.metrics.TriggerEvaluated("evaluating")

		return nil
	}

	capabilities, err := t.definition.Capabilities()
	if err != nil {
		return err
	}

	if trigger.Backfill != nil && !trigger.Backfill.Paused && capabilities.SupportsBackfill {
		return s.backfill(ctx, t, trigger, now)
	}

	if trigger.NextExecutionDate == nil || trigger.NextExecutionDate.After(now) {
		return nil
	}

	running, err := s.running(ctx, trigger, now)
	if err != nil {
		return err
	}

	if running {
		s.metrics.TriggerEvaluated("running")
		s.logger.DebugContext(ctx, "Trigger execution still running", "trigger", trigger.UID(), "executionId", trigger.ExecutionID)

		return nil
	}

	date := *trigger.NextExecutionDate
	condition := models.ConditionContext{
		Flow:      t.flow,
		Trigger:   trigger,
		Date:      date,
		Variables: variables(t, trigger, date),
	}

	matched, err := s.conditions(t.definition, condition.Variables)
	if err != nil {
		return s.failEvaluation(ctx, t, trigger, date, err)
	}

	if !matched {
		s.metrics.TriggerEvaluated("condition_miss")

		_, err = s.advance(ctx, t, trigger, date, "")

		return err
	}

	if capabilities.IsWorkerDispatched {
		return s.dispatch(ctx, t, trigger, condition, now)
	}

	return s.fire(ctx, t, trigger, condition)
}

// evaluating reports whether another evaluation of the trigger holds its claim.
func (s *Scheduler) evaluating(trigger models.Trigger, now time.Time) bool {
	return trigger.EvaluateRunningDate != nil && now.Sub(*trigger.EvaluateRunningDate) < s.cfg.StaleEvaluation
}

// running reports whether the last execution of the trigger is still going. An
// execution not stored yet counts as running until the claim gets stale.
func (s *Scheduler) running(ctx context.Context, trigger models.Trigger, now time.Time) (bool, error) {
	if trigger.ExecutionID == "" {
		return false, nil
	}

	execution, err := s.store.Executions().FindByID(ctx, trigger.ExecutionID)

	switch {
	case persistence.IsExecutionNotFound(err):
		return now.Sub(trigger.UpdatedDate) < s.cfg.StaleEvaluation, nil
	case err != nil:
		return false, err
	default:
		return !execution.IsTerminated(), nil
	}
}

func variables(t flowTrigger, trigger models.Trigger, date time.Time) map[string]any {
	vars := map[string]any{
		"flow": map[string]any{
			"id":        t.flow.ID,
			"namespace": t.flow.Namespace,
			"revision":  t.flow.Revision,
			"tenantId":  t.flow.TenantID,
		},
		"trigger": map[string]any{
			"id":           t.definition.ID,
			"type":         string(t.definition.Type),
			"date":         date,
			"previousDate": trigger.Date,
		},
		"date": date,
		"vars": maps.Clone(t.flow.Variables),
	}

	if vars["vars"] == nil {
		vars["vars"] = map[string]any{}
	}

	return vars
}

func (s *Scheduler) conditions(definition models.TriggerDefinition, vars map[string]any) (bool, error) {
	for _, condition := range definition.Conditions {
		ok, err := s.renderer.IsTrue(condition, vars)
		if err != nil {
			return false, fmt.Errorf("failed to evaluate condition %q: %w", condition, err)
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// advance moves the cursor past date, recording executionID as its running execution
// when set. It reports false when another scheduler moved the cursor first. A cursor
// that cannot compute its next date is disabled.
func (s *Scheduler) advance(ctx context.Context, t flowTrigger, trigger models.Trigger, date time.Time, executionID string) (bool, error) {
	reference := date
	if t.definition.Type != models.TriggerSchedule {
		reference = s.now()
	}

	next, nextErr := t.definition.NextEvaluationDate(reference)
	claimed := false

	err := s.store.Triggers().Lock(ctx, trigger.UID(), func(current models.Trigger) (*models.Trigger, error) {
		if !sameDate(current.NextExecutionDate, trigger.NextExecutionDate) {
			return nil, nil
		}

		claimed = true

		if nextErr != nil {
			current.Disabled = true
			current.EvaluateRunningDate = nil
			current.UpdatedDate = s.now()

			return &current, nil
		}

		advanced := current.WithNextExecution(date, next, executionID)

		return &advanced, nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to advance trigger %s: %w", trigger.UID(), err)
	}

	if claimed && nextErr != nil {
		s.logger.ErrorContext(ctx, "Trigger disabled, its next date cannot be computed", "trigger", trigger.UID(), "error", nextErr)
	}

	return claimed, nil
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Equal(*b)
}

// newExecution creates the execution of a trigger fire.
func (s *Scheduler) newExecution(t flowTrigger, condition models.ConditionContext, inputs map[string]any, labels []models.Label) (models.Execution, error) {
	rendered, err := s.renderer.RenderMap(inputs, condition.Variables)
	if err != nil {
		return models.Execution{}, fmt.Errorf("failed to render trigger inputs: %w", err)
	}

	execution := models.NewExecution(t.flow, rendered, labels)
	execution.Trigger = &models.ExecutionTrigger{
		ID:   t.definition.ID,
		Type: string(t.definition.Type),
		Variables: map[string]any{
			"date": condition.Date.Format(time.RFC3339),
		},
	}

	if condition.Trigger.Date != nil {
		execution.Trigger.Variables["previousDate"] = condition.Trigger.Date.Format(time.RFC3339)
	}

	return execution, nil
}

// fire evaluates a schedule trigger in process.
func (s *Scheduler) fire(ctx context.Context, t flowTrigger, trigger models.Trigger, condition models.ConditionContext) error {
	execution, err := s.newExecution(t, condition, t.definition.Inputs, t.definition.Labels)
	if err != nil {
		return s.failEvaluation(ctx, t, trigger, condition.Date, err)
	}

	claimed, err := s.advance(ctx, t, trigger, condition.Date, execution.ID)
	if err != nil || !claimed {
		return err
	}

	err = s.topics.Executions.Emit(ctx, execution.ID, execution)
	if err != nil {
		s.metrics.QueueDropped("execution", "trigger")

		return fmt.Errorf("failed to emit execution of trigger %s: %w", trigger.UID(), err)
	}

	s.metrics.TriggerEvaluated("fired")
	s.logger.InfoContext(ctx, "Trigger fired", "trigger", trigger.UID(), "date", condition.Date, "executionId", execution.ID)

	return nil
}

// failEvaluation emits a failed execution for a trigger whose evaluation broke and
// moves its cursor so it does not fail again on every tick.
func (s *Scheduler) failEvaluation(ctx context.Context, t flowTrigger, trigger models.Trigger, date time.Time, cause error) error {
	execution := models.NewExecution(t.flow, nil, t.definition.Labels)
	execution.Trigger = &models.ExecutionTrigger{
		ID:        t.definition.ID,
		Type:      string(t.definition.Type),
		Variables: map[string]any{"date": date.Format(time.RFC3339)},
	}

	failed, entry := execution.FailedExecutionFromError(fmt.Errorf("failed to evaluate trigger %s: %w", t.definition.ID, cause))
	entry.TriggerID = t.definition.ID

	claimed, err := s.advance(ctx, t, trigger, date, "")
	if err != nil || !claimed {
		return err
	}

	s.metrics.TriggerEvaluated("failed")
	s.logger.WarnContext(ctx, "Trigger evaluation failed", "trigger", trigger.UID(), "executionId", failed.ID, "error", cause)

	return errors.Join(
		s.topics.Logs.Emit(ctx, failed.ID, entry),
		s.topics.Executions.Emit(ctx, failed.ID, failed),
	)
}

// dispatch hands a polling trigger to a worker. The trigger stays claimed until its
// result comes back or the claim gets stale.
func (s *Scheduler) dispatch(ctx context.Context, t flowTrigger, trigger models.Trigger, condition models.ConditionContext, now time.Time) error {
	group := t.definition.WorkerGroup

	if group != nil && s.groups != nil {
		availability, err := s.groups.Check(ctx, group.Key)
		if err != nil {
			return fmt.Errorf("failed to check worker group %s: %w", group.Key, err)
		}

		if availability != workergroup.Available {
			switch group.Fallback {
			case models.WorkerGroupFallbackFail:
				return s.failEvaluation(ctx, t, trigger, condition.Date, fmt.Errorf("%w: %s", ErrWorkerGroupUnavailable, group.Key))
			case models.WorkerGroupFallbackCancel:
				s.metrics.TriggerEvaluated("cancelled")

				_, err = s.advance(ctx, t, trigger, condition.Date, "")

				return err
			}

			s.metrics.TriggerEvaluated("waiting")
			s.logger.WarnContext(ctx, "Worker group unavailable, trigger waits",
				"trigger", trigger.UID(), "workerGroup", group.Key, "availability", availability.String())

			return nil
		}
	}

	var claimed *models.Trigger

	err := s.store.Triggers().Lock(ctx, trigger.UID(), func(current models.Trigger) (*models.Trigger, error) {
		if s.evaluating(current, now) || !sameDate(current.NextExecutionDate, trigger.NextExecutionDate) {
			return nil, nil
		}

		locked := current.WithEvaluateRunningDate(&now)
		claimed = &locked

		return claimed, nil
	})
	if err != nil || claimed == nil {
		return err
	}

	condition.Trigger = *claimed

	err = s.topics.WorkerTriggers.Emit(ctx, claimed.UID(), models.WorkerTrigger{
		Trigger:          *claimed,
		Definition:       t.definition,
		ConditionContext: condition,
		WorkerGroup:      group,
	})
	if err != nil {
		s.release(ctx, claimed.UID())

		return fmt.Errorf("failed to dispatch trigger %s: %w", claimed.UID(), err)
	}

	s.metrics.TriggerEvaluated("dispatched")
	s.logger.DebugContext(ctx, "Trigger dispatched to worker", "trigger", claimed.UID(), "workerGroup", workerGroupKey(group))

	return nil
}

// release drops the evaluation claim of a trigger.
func (s *Scheduler) release(ctx context.Context, uid string) {
	err := s.store.Triggers().Lock(ctx, uid, func(current models.Trigger) (*models.Trigger, error) {
		unlocked := current.WithEvaluateRunningDate(nil)

		return &unlocked, nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to release trigger", "trigger", uid, "error", err)
	}
}

func workerGroupKey(group *models.WorkerGroup) string {
	if group == nil {
		return ""
	}

	return group.Key
}
