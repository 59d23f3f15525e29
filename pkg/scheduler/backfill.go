package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
)

var (
	ErrBackfillNotSupported = errors.New("trigger does not support backfill")
	ErrInvalidBackfill      = errors.New("invalid backfill")
	ErrNoBackfill           = errors.New("trigger has no backfill")
)

// Backfill replays the schedule of a trigger from start to end, or up to now when end
// is nil. One date fires per tick; the regular schedule waits until the backfill ends.
func (s *Scheduler) Backfill(ctx context.Context, tenantID, namespace, flowID, triggerID string, start time.Time, end *time.Time, inputs map[string]any, labels []models.Label) error {
	t, err := s.definition(ctx, tenantID, namespace, flowID, triggerID)
	if err != nil {
		return err
	}

	capabilities, err := t.definition.Capabilities()
	if err != nil {
		return err
	}

	if !capabilities.SupportsBackfill {
		return fmt.Errorf("%w: %s", ErrBackfillNotSupported, t.uid())
	}

	if start.IsZero() || (end != nil && end.Before(start)) {
		return fmt.Errorf("%w: start must be set and before end", ErrInvalidBackfill)
	}

	schedule, err := t.definition.Schedule()
	if err != nil {
		return err
	}

	// the first fire date not before start
	first := schedule.Next(start.Add(-time.Second))

	return s.store.Triggers().Lock(ctx, t.uid(), func(trigger models.Trigger) (*models.Trigger, error) {
		trigger.Backfill = &models.Backfill{
			Start:       start,
			End:         end,
			CurrentDate: first,
			Inputs:      maps.Clone(inputs),
			Labels:      labels,
		}
		trigger.UpdatedDate = s.now()

		s.logger.InfoContext(ctx, "Backfill started", "trigger", trigger.UID(), "start", start, "end", end)

		return &trigger, nil
	})
}

// PauseBackfill pauses or resumes the backfill of a trigger.
func (s *Scheduler) PauseBackfill(ctx context.Context, uid string, paused bool) error {
	return s.store.Triggers().Lock(ctx, uid, func(trigger models.Trigger) (*models.Trigger, error) {
		if trigger.Backfill == nil {
			return nil, ErrNoBackfill
		}

		backfill := *trigger.Backfill
		backfill.Paused = paused
		trigger.Backfill = &backfill
		trigger.UpdatedDate = s.now()

		return &trigger, nil
	})
}

// definition finds the flow trigger definition of a cursor.
func (s *Scheduler) definition(ctx context.Context, tenantID, namespace, flowID, triggerID string) (flowTrigger, error) {
	flow, err := s.flows.FlowByID(ctx, tenantID, namespace, flowID, 0)
	if err != nil {
		return flowTrigger{}, err
	}

	for _, definition := range flow.Triggers {
		if definition.ID == triggerID {
			return flowTrigger{flow: flow, definition: definition}, nil
		}
	}

	uid := models.TriggerUID(tenantID, namespace, flowID, triggerID)

	return flowTrigger{}, persistence.NewTriggerError("definition", uid, persistence.ErrTriggerNotFound)
}

// backfill fires the current date of a running backfill and moves it to the next
// schedule date. The backfill ends past its end date or now.
func (s *Scheduler) backfill(ctx context.Context, t flowTrigger, trigger models.Trigger, now time.Time) error {
	current := trigger.Backfill.CurrentDate

	schedule, err := t.definition.Schedule()
	if err != nil {
		return err
	}

	done := current.After(now) || (trigger.Backfill.End != nil && current.After(*trigger.Backfill.End))
	if done {
		return s.store.Triggers().Lock(ctx, trigger.UID(), func(locked models.Trigger) (*models.Trigger, error) {
			if locked.Backfill == nil || !locked.Backfill.CurrentDate.Equal(current) {
				return nil, nil
			}

			locked.Backfill = nil
			locked.UpdatedDate = now

			s.logger.InfoContext(ctx, "Backfill completed", "trigger", locked.UID())

			return &locked, nil
		})
	}

	inputs := maps.Clone(t.definition.Inputs)
	if inputs == nil {
		inputs = map[string]any{}
	}

	maps.Copy(inputs, trigger.Backfill.Inputs)

	condition := models.ConditionContext{
		Flow:      t.flow,
		Trigger:   trigger,
		Date:      current,
		Variables: variables(t, trigger, current),
	}

	execution, err := s.newExecution(t, condition, inputs, models.MergeLabels(t.definition.Labels, trigger.Backfill.Labels...))
	if err != nil {
		return err
	}

	execution.Trigger.Variables["backfill"] = true

	claimed := false

	err = s.store.Triggers().Lock(ctx, trigger.UID(), func(locked models.Trigger) (*models.Trigger, error) {
		if locked.Backfill == nil || locked.Backfill.Paused || !locked.Backfill.CurrentDate.Equal(current) {
			return nil, nil
		}

		claimed = true

		backfill := *locked.Backfill
		backfill.CurrentDate = schedule.Next(current)
		locked.Backfill = &backfill
		locked.UpdatedDate = now

		return &locked, nil
	})
	if err != nil || !claimed {
		return err
	}

	err = s.topics.Executions.Emit(ctx, execution.ID, execution)
	if err != nil {
		s.metrics.QueueDropped("execution", "trigger")

		return fmt.Errorf("failed to emit backfill execution of trigger %s: %w", trigger.UID(), err)
	}

	s.metrics.TriggerEvaluated("backfill")
	s.logger.InfoContext(ctx, "Backfill fired", "trigger", trigger.UID(), "date", current, "executionId", execution.ID)

	return nil
}
