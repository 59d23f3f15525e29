package models

import (
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// TaskRunAttempt is one try of a task run.
type TaskRunAttempt struct {
	State State `json:"state"`
}

// TaskRun is the execution of one task (for one value or iteration) inside an execution.
type TaskRun struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id,omitempty"`
	ExecutionID     string           `json:"execution_id"`
	Namespace       string           `json:"namespace"`
	FlowID          string           `json:"flow_id"`
	TaskID          string           `json:"task_id"`
	ParentTaskRunID string           `json:"parent_task_run_id,omitempty"`
	Value           string           `json:"value,omitempty"`
	Iteration       *int             `json:"iteration,omitempty"`
	Attempts        []TaskRunAttempt `json:"attempts,omitempty"`
	Outputs         map[string]any   `json:"outputs,omitempty"`
	State           State            `json:"state"`
}

// NewTaskRun creates a task run in CREATED state for the given task.
func NewTaskRun(execution Execution, taskID, parentTaskRunID, value string, iteration *int) TaskRun {
	return TaskRun{
		ID:              uuid.NewString(),
		TenantID:        execution.TenantID,
		ExecutionID:     execution.ID,
		Namespace:       execution.Namespace,
		FlowID:          execution.FlowID,
		TaskID:          taskID,
		ParentTaskRunID: parentTaskRunID,
		Value:           value,
		Iteration:       iteration,
		State:           NewState(),
	}
}

// WithState returns a copy moved to the given state. The current attempt follows the
// task run state; a task run without attempts gets its first one.
func (t TaskRun) WithState(stateType StateType) TaskRun {
	if t.State.Current == stateType {
		return t
	}

	t.State = t.State.WithState(stateType)

	attempts := make([]TaskRunAttempt, len(t.Attempts))
	copy(attempts, t.Attempts)

	if len(attempts) == 0 {
		attempts = append(attempts, TaskRunAttempt{State: NewState().WithState(stateType)})
	} else {
		last := len(attempts) - 1
		attempts[last] = TaskRunAttempt{State: attempts[last].State.WithState(stateType)}
	}

	t.Attempts = attempts

	return t
}

// WithOutputs returns a copy with the given outputs.
func (t TaskRun) WithOutputs(outputs map[string]any) TaskRun {
	t.Outputs = maps.Clone(outputs)

	return t
}

// MergeOutputs returns a copy with the given outputs merged over the existing ones.
func (t TaskRun) MergeOutputs(outputs map[string]any) TaskRun {
	merged := maps.Clone(t.Outputs)
	if merged == nil {
		merged = make(map[string]any, len(outputs))
	}

	maps.Copy(merged, outputs)
	t.Outputs = merged

	return t
}

// WithIteration returns a copy for the given loop iteration.
func (t TaskRun) WithIteration(iteration int) TaskRun {
	t.Iteration = &iteration

	return t
}

// AttemptCount is the number of attempts made so far.
func (t TaskRun) AttemptCount() int {
	return len(t.Attempts)
}

// LastAttempt returns the latest attempt, if any.
func (t TaskRun) LastAttempt() (TaskRunAttempt, bool) {
	if len(t.Attempts) == 0 {
		return TaskRunAttempt{}, false
	}

	return t.Attempts[len(t.Attempts)-1], true
}

// NextAttempt appends a new CREATED attempt and moves the task run back to CREATED.
func (t TaskRun) NextAttempt() TaskRun {
	now := time.Now().UTC()

	attempts := make([]TaskRunAttempt, len(t.Attempts), len(t.Attempts)+1)
	copy(attempts, t.Attempts)
	t.Attempts = append(attempts, TaskRunAttempt{State: NewStateAt(StateCreated, now)})

	// RETRYING allows CREATED; the task run state is not terminal here.
	t.State = t.State.WithStateAt(StateCreated, now)

	return t
}

// IterationValue is the iteration as an int, 0 when unset.
func (t TaskRun) IterationValue() int {
	if t.Iteration == nil {
		return 0
	}

	return *t.Iteration
}

// IsSameIteration reports whether both pointers denote the same iteration.
func IsSameIteration(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return *a == *b
}

func iterationKey(iteration *int) string {
	if iteration == nil {
		return ""
	}

	return strconv.Itoa(*iteration)
}
