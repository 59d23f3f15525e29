// Package file provides a flow repository backed by a directory of YAML or JSON
// flow definitions.
package file

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dukex/flowd/pkg/graph"
	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})

	return validate
}

// ValidateFlow checks struct constraints, task id uniqueness, dag edges, retry
// policies and trigger schedules. Errors wrap persistence.ErrInvalidFlow.
func ValidateFlow(flow *models.Flow) error {
	err := validatorInstance().Struct(flow)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			fields := make([]string, 0, len(validationErrors))
			for _, fieldErr := range validationErrors {
				fields = append(fields, fieldErr.Namespace()+" "+fieldErr.Tag())
			}

			return fmt.Errorf("%w: %s", persistence.ErrInvalidFlow, strings.Join(fields, ", "))
		}

		return fmt.Errorf("%w: %w", persistence.ErrInvalidFlow, err)
	}

	_, err = graph.New(flow)
	if err != nil {
		return fmt.Errorf("%w: %w", persistence.ErrInvalidFlow, err)
	}

	err = validateTasks(flow.Tasks)
	if err != nil {
		return err
	}

	if flow.Retry != nil {
		err = flow.Retry.Validate()
		if err != nil {
			return fmt.Errorf("%w: flow retry: %w", persistence.ErrInvalidFlow, err)
		}
	}

	for _, definition := range flow.Triggers {
		if definition.Type == models.TriggerSchedule {
			_, err = definition.Schedule()
			if err != nil {
				return fmt.Errorf("%w: trigger %s: %w", persistence.ErrInvalidFlow, definition.ID, err)
			}
		}
	}

	return nil
}

func validateTasks(tasks []models.Task) error {
	for _, task := range tasks {
		if task.Retry != nil {
			err := task.Retry.Validate()
			if err != nil {
				return fmt.Errorf("%w: task %s retry: %w", persistence.ErrInvalidFlow, task.ID, err)
			}
		}

		switch task.EffectiveKind() {
		case models.TaskKindDag:
			children := make(map[string]struct{}, len(task.Tasks))
			for _, child := range task.Tasks {
				children[child.ID] = struct{}{}
			}

			for _, child := range task.Tasks {
				for _, dependency := range child.DependsOn {
					if _, ok := children[dependency]; !ok {
						return fmt.Errorf("%w: task %s depends on unknown task %s", persistence.ErrInvalidFlow, child.ID, dependency)
					}
				}
			}
		case models.TaskKindForEach:
			if task.Values == "" {
				return fmt.Errorf("%w: foreach task %s has no values", persistence.ErrInvalidFlow, task.ID)
			}
		case models.TaskKindLoop:
			if task.Until == "" {
				return fmt.Errorf("%w: loop task %s has no until condition", persistence.ErrInvalidFlow, task.ID)
			}
		case models.TaskKindSubflow, models.TaskKindForEachItem:
			if task.Subflow == nil {
				return fmt.Errorf("%w: task %s has no subflow", persistence.ErrInvalidFlow, task.ID)
			}
		}

		if task.EffectiveKind().IsFlowable() && len(task.Tasks) == 0 {
			return fmt.Errorf("%w: flowable task %s has no children", persistence.ErrInvalidFlow, task.ID)
		}

		err := validateTasks(task.Tasks)
		if err != nil {
			return err
		}

		err = validateTasks(task.Errors)
		if err != nil {
			return err
		}
	}

	return nil
}
