package models

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

var ErrTaskRunNotFound = errors.New("task run not found")

// ExecutionTrigger records what started an execution.
type ExecutionTrigger struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Variables map[string]any `json:"variables,omitempty"`
}

// ExecutionMetadata tracks replays of the same execution.
type ExecutionMetadata struct {
	Attempt             int       `json:"attempt"`
	OriginalCreatedDate time.Time `json:"original_created_date"`
}

// ParentLink points a subflow execution at the task run that started it.
type ParentLink struct {
	ExecutionID string `json:"execution_id"`
	TaskRunID   string `json:"task_run_id"`
	TaskID      string `json:"task_id"`
	Namespace   string `json:"namespace"`
	FlowID      string `json:"flow_id"`
}

// Execution is one run of a flow. Values are immutable: every With method returns a copy.
type Execution struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"tenant_id,omitempty"`
	Namespace    string             `json:"namespace"`
	FlowID       string             `json:"flow_id"`
	FlowRevision int                `json:"flow_revision"`
	TaskRunList  []TaskRun          `json:"task_run_list,omitempty"`
	State        State              `json:"state"`
	Labels       []Label            `json:"labels,omitempty"`
	Inputs       map[string]any     `json:"inputs,omitempty"`
	Outputs      map[string]any     `json:"outputs,omitempty"`
	Variables    map[string]any     `json:"variables,omitempty"`
	OriginalID   string             `json:"original_id,omitempty"`
	Trigger      *ExecutionTrigger  `json:"trigger,omitempty"`
	ScheduleDate *time.Time         `json:"schedule_date,omitempty"`
	Metadata     ExecutionMetadata  `json:"metadata"`
	Parent       *ParentLink        `json:"parent,omitempty"`
	KillCascade  bool               `json:"kill_cascade,omitempty"`
}

// NewExecution creates a CREATED execution for a flow revision.
func NewExecution(flow *Flow, inputs map[string]any, labels []Label) Execution {
	id := uuid.NewString()
	now := time.Now().UTC()

	return Execution{
		ID:           id,
		TenantID:     flow.TenantID,
		Namespace:    flow.Namespace,
		FlowID:       flow.ID,
		FlowRevision: flow.Revision,
		State:        NewStateAt(StateCreated, now),
		Labels:       MergeLabels(flow.Labels, labels...),
		Inputs:       maps.Clone(inputs),
		OriginalID:   id,
		Metadata:     ExecutionMetadata{Attempt: 1, OriginalCreatedDate: now},
	}
}

// FlowUID identifies the flow of this execution.
func (e Execution) FlowUID() string {
	return FlowUID(e.TenantID, e.Namespace, e.FlowID)
}

func (e Execution) IsTerminated() bool {
	return e.State.IsTerminated()
}

// WithState returns a copy moved to the given state.
func (e Execution) WithState(stateType StateType) Execution {
	e.State = e.State.WithState(stateType)

	return e
}

// WithTaskRun returns a copy where the task run with the same id is replaced,
// or appended when absent.
func (e Execution) WithTaskRun(taskRun TaskRun) Execution {
	list := make([]TaskRun, len(e.TaskRunList), len(e.TaskRunList)+1)
	copy(list, e.TaskRunList)

	idx := slices.IndexFunc(list, func(t TaskRun) bool { return t.ID == taskRun.ID })
	if idx >= 0 {
		list[idx] = taskRun
	} else {
		list = append(list, taskRun)
	}

	e.TaskRunList = list

	return e
}

// WithTaskRuns applies WithTaskRun for each task run.
func (e Execution) WithTaskRuns(taskRuns ...TaskRun) Execution {
	for _, taskRun := range taskRuns {
		e = e.WithTaskRun(taskRun)
	}

	return e
}

// WithLabels returns a copy with labels merged.
func (e Execution) WithLabels(labels ...Label) Execution {
	e.Labels = MergeLabels(e.Labels, labels...)

	return e
}

// WithOutputs returns a copy with flow outputs.
func (e Execution) WithOutputs(outputs map[string]any) Execution {
	e.Outputs = maps.Clone(outputs)

	return e
}

// WithInputs returns a copy with the given inputs.
func (e Execution) WithInputs(inputs map[string]any) Execution {
	e.Inputs = maps.Clone(inputs)

	return e
}

// FindTaskRunByID returns the task run with the given id.
func (e Execution) FindTaskRunByID(id string) (TaskRun, error) {
	for _, taskRun := range e.TaskRunList {
		if taskRun.ID == id {
			return taskRun, nil
		}
	}

	return TaskRun{}, fmt.Errorf("%w: %s in execution %s", ErrTaskRunNotFound, id, e.ID)
}

// FindTaskRunsByTaskID returns every task run of a task, across values and iterations.
func (e Execution) FindTaskRunsByTaskID(taskID string) []TaskRun {
	var found []TaskRun

	for _, taskRun := range e.TaskRunList {
		if taskRun.TaskID == taskID {
			found = append(found, taskRun)
		}
	}

	return found
}

// FindTaskRun returns the task run of a task under a parent for a value and iteration.
func (e Execution) FindTaskRun(taskID, parentTaskRunID, value string, iteration *int) (TaskRun, bool) {
	for _, taskRun := range e.TaskRunList {
		if taskRun.TaskID == taskID &&
			taskRun.ParentTaskRunID == parentTaskRunID &&
			taskRun.Value == value &&
			IsSameIteration(taskRun.Iteration, iteration) {
			return taskRun, true
		}
	}

	return TaskRun{}, false
}

// FindChildren returns the direct children of a task run.
func (e Execution) FindChildren(parentTaskRunID string) []TaskRun {
	var children []TaskRun

	for _, taskRun := range e.TaskRunList {
		if taskRun.ParentTaskRunID == parentTaskRunID {
			children = append(children, taskRun)
		}
	}

	return children
}

// FindLastNotTerminated returns the most recently created task run still in progress.
func (e Execution) FindLastNotTerminated() (TaskRun, bool) {
	for i := len(e.TaskRunList) - 1; i >= 0; i-- {
		if !e.TaskRunList[i].State.IsFinished() {
			return e.TaskRunList[i], true
		}
	}

	return TaskRun{}, false
}

// HasTaskRunJoinable reports whether a task run update received from a worker may
// be merged into the stored one. Updates from an older attempt, updates repeating
// the stored state, and updates to a finished or retrying task run are rejected.
func (e Execution) HasTaskRunJoinable(taskRun TaskRun) bool {
	current, err := e.FindTaskRunByID(taskRun.ID)
	if err != nil {
		return true
	}

	if taskRun.AttemptCount() < current.AttemptCount() {
		return false
	}

	if taskRun.AttemptCount() > current.AttemptCount() {
		return true
	}

	if current.State.Current == taskRun.State.Current {
		return false
	}

	if current.State.IsFinished() || current.State.Current.IsRetrying() {
		return false
	}

	return true
}

// FailedExecutionFromError marks the last running task run and the execution FAILED.
func (e Execution) FailedExecutionFromError(err error) (Execution, LogEntry) {
	entry := LogEntry{
		TenantID:    e.TenantID,
		Namespace:   e.Namespace,
		FlowID:      e.FlowID,
		ExecutionID: e.ID,
		Level:       LogLevelError,
		Message:     err.Error(),
		Timestamp:   time.Now().UTC(),
	}

	if taskRun, ok := e.FindLastNotTerminated(); ok {
		e = e.WithTaskRun(taskRun.WithState(StateFailed))
		entry.TaskRunID = taskRun.ID
		entry.TaskID = taskRun.TaskID
	}

	return e.WithState(StateFailed), entry
}

// Replay returns a new CREATED execution replaying this one as its next attempt.
func (e Execution) Replay() Execution {
	now := time.Now().UTC()

	replay := e
	replay.ID = uuid.NewString()
	replay.TaskRunList = nil
	replay.Outputs = nil
	replay.State = NewStateAt(StateCreated, now)
	replay.Metadata = ExecutionMetadata{
		Attempt:             e.Metadata.Attempt + 1,
		OriginalCreatedDate: e.Metadata.OriginalCreatedDate,
	}

	if replay.OriginalID == "" {
		replay.OriginalID = e.ID
	}

	return replay.WithLabels(Label{Key: LabelRetryOf, Value: e.ID})
}

// TaskRunKeys lists the ids of every task run, used to purge queued messages.
func (e Execution) TaskRunKeys() []string {
	keys := make([]string, 0, len(e.TaskRunList))
	for _, taskRun := range e.TaskRunList {
		keys = append(keys, taskRun.ID)
	}

	return keys
}
