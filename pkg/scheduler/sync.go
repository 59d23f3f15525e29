package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence/sqlbase"
)

// sync creates the cursors of new trigger definitions, disables or enables the
// cursors of toggled ones and deletes the cursors of removed ones. It returns the
// definitions keyed by trigger uid.
func (s *Scheduler) sync(ctx context.Context) (map[string]flowTrigger, error) {
	flows, err := s.flows.Flows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load flows: %w", err)
	}

	definitions := map[string]flowTrigger{}

	for _, flow := range flows {
		for _, definition := range flow.Triggers {
			t := flowTrigger{flow: flow, definition: definition}
			definitions[t.uid()] = t
		}
	}

	existing, err := s.store.Triggers().FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load triggers: %w", err)
	}

	stored := make(map[string]models.Trigger, len(existing))
	for _, trigger := range existing {
		stored[trigger.UID()] = trigger
	}

	now := s.now()

	for uid, t := range definitions {
		trigger, ok := stored[uid]

		switch {
		case !ok:
			err = s.create(ctx, t, now)
		case trigger.Disabled == t.enabled():
			err = s.toggle(ctx, t, now)
		default:
			continue
		}

		if err != nil {
			if sqlbase.IsRetryable(err) {
				return nil, err
			}

			s.logger.ErrorContext(ctx, "Failed to sync trigger", "trigger", uid, "error", err)
			delete(definitions, uid)
		}
	}

	for uid, trigger := range stored {
		if _, ok := definitions[uid]; ok {
			continue
		}

		err = s.remove(ctx, trigger)
		if err != nil {
			return nil, err
		}
	}

	return definitions, nil
}

// firstDate is when a new or re-enabled trigger is first evaluated: the next cron
// fire of a schedule, right away for anything else.
func firstDate(definition models.TriggerDefinition, now time.Time) (time.Time, error) {
	if definition.Type != models.TriggerSchedule {
		return now, nil
	}

	return definition.NextEvaluationDate(now)
}

func (s *Scheduler) create(ctx context.Context, t flowTrigger, now time.Time) error {
	next, err := firstDate(t.definition, now)
	if err != nil {
		return err
	}

	trigger := models.NewTrigger(t.flow, t.definition, next)
	trigger.Disabled = !t.enabled()

	err = s.store.Triggers().Save(ctx, trigger)
	if err != nil {
		return fmt.Errorf("failed to save trigger %s: %w", trigger.UID(), err)
	}

	s.logger.InfoContext(ctx, "Trigger created", "trigger", trigger.UID(), "type", t.definition.Type, "nextExecutionDate", next)

	return nil
}

func (s *Scheduler) toggle(ctx context.Context, t flowTrigger, now time.Time) error {
	next, err := firstDate(t.definition, now)
	if err != nil {
		return err
	}

	return s.store.Triggers().Lock(ctx, t.uid(), func(trigger models.Trigger) (*models.Trigger, error) {
		trigger.Disabled = !t.enabled()
		trigger.UpdatedDate = now

		if !trigger.Disabled {
			trigger.NextExecutionDate = &next
			trigger.EvaluateRunningDate = nil
		}

		s.logger.InfoContext(ctx, "Trigger toggled", "trigger", trigger.UID(), "disabled", trigger.Disabled)

		return &trigger, nil
	})
}

// remove deletes the cursor of a removed definition and kills the execution it
// still runs.
func (s *Scheduler) remove(ctx context.Context, trigger models.Trigger) error {
	err := s.store.Triggers().Delete(ctx, trigger.UID())
	if err != nil {
		return fmt.Errorf("failed to delete trigger %s: %w", trigger.UID(), err)
	}

	s.logger.InfoContext(ctx, "Trigger deleted", "trigger", trigger.UID())

	if trigger.ExecutionID == "" {
		return nil
	}

	err = s.topics.Kills.Emit(ctx, trigger.ExecutionID, models.ExecutionKilled{
		ExecutionID: trigger.ExecutionID,
		TenantID:    trigger.TenantID,
		State:       models.KillRequested,
	})
	if err != nil {
		return fmt.Errorf("failed to kill execution %s of deleted trigger %s: %w", trigger.ExecutionID, trigger.UID(), err)
	}

	s.logger.InfoContext(ctx, "Killing execution of deleted trigger", "trigger", trigger.UID(), "executionId", trigger.ExecutionID)

	return nil
}

// Recover applies the missed schedule policy of every schedule trigger whose next
// date passed while no scheduler was running. ALL leaves the cursor, so every missed
// date fires one per tick. NONE skips to the next date after now. LAST fires the most
// recent missed date only.
func (s *Scheduler) Recover(ctx context.Context) error {
	definitions, err := s.sync(ctx)
	if err != nil {
		return err
	}

	triggers, err := s.store.Triggers().FindAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load triggers: %w", err)
	}

	now := s.now()

	for _, trigger := range triggers {
		t, ok := definitions[trigger.UID()]
		if !ok || t.definition.Type != models.TriggerSchedule || trigger.Disabled ||
			trigger.NextExecutionDate == nil || !trigger.NextExecutionDate.Before(now) {
			continue
		}

		policy := t.definition.EffectiveRecoverMissedSchedules()
		if policy == models.RecoverAll {
			continue
		}

		schedule, err := t.definition.Schedule()
		if err != nil {
			s.logger.ErrorContext(ctx, "Invalid schedule", "trigger", trigger.UID(), "error", err)

			continue
		}

		err = s.store.Triggers().Lock(ctx, trigger.UID(), func(current models.Trigger) (*models.Trigger, error) {
			if current.NextExecutionDate == nil {
				return nil, nil
			}

			var next time.Time

			switch policy {
			case models.RecoverLast:
				last, found := schedule.LastBefore(*current.NextExecutionDate, now)
				if !found {
					return nil, nil
				}

				next = last
			default:
				next = schedule.Next(now)
			}

			s.logger.InfoContext(ctx, "Recovering missed schedules",
				"trigger", current.UID(), "policy", policy, "missedFrom", current.NextExecutionDate, "nextExecutionDate", next)

			current.NextExecutionDate = &next
			current.UpdatedDate = now

			return &current, nil
		})
		if err != nil {
			return fmt.Errorf("failed to recover trigger %s: %w", trigger.UID(), err)
		}
	}

	return nil
}
