package models

import (
	"maps"
	"strconv"
)

// ExecutorState is the per-execution deduplication ledger. An entry is written before
// the message it guards is emitted, so a replayed signal never emits twice.
type ExecutorState struct {
	ExecutionID                   string               `json:"execution_id"`
	WorkerTaskDeduplication       map[string]StateType `json:"worker_task_deduplication,omitempty"`
	ChildDeduplication            map[string]string    `json:"child_deduplication,omitempty"`
	SubflowExecutionDeduplication map[string]string    `json:"subflow_execution_deduplication,omitempty"`
}

// NewExecutorState returns an empty ledger.
func NewExecutorState(executionID string) ExecutorState {
	return ExecutorState{
		ExecutionID:                   executionID,
		WorkerTaskDeduplication:       map[string]StateType{},
		ChildDeduplication:            map[string]string{},
		SubflowExecutionDeduplication: map[string]string{},
	}
}

// Clone returns a deep copy of the ledger.
func (s ExecutorState) Clone() ExecutorState {
	clone := NewExecutorState(s.ExecutionID)
	maps.Copy(clone.WorkerTaskDeduplication, s.WorkerTaskDeduplication)
	maps.Copy(clone.ChildDeduplication, s.ChildDeduplication)
	maps.Copy(clone.SubflowExecutionDeduplication, s.SubflowExecutionDeduplication)

	return clone
}

// NextDeduplicationKey identifies a next task run: parentId-taskId-value-attemptCount-iteration.
func NextDeduplicationKey(taskRun TaskRun) string {
	return taskRun.ParentTaskRunID + "-" + taskRun.TaskID + "-" + taskRun.Value + "-" +
		strconv.Itoa(taskRun.AttemptCount()) + "-" + iterationKey(taskRun.Iteration)
}

// WorkerTaskDeduplicationKey identifies a dispatch: taskRunId-attemptCount-iteration.
func WorkerTaskDeduplicationKey(taskRun TaskRun) string {
	return taskRun.ID + "-" + strconv.Itoa(taskRun.AttemptCount()) + "-" + iterationKey(taskRun.Iteration)
}

// SubflowDeduplicationKey identifies a child execution: taskRunId[-attemptCount][-iteration].
func SubflowDeduplicationKey(taskRun TaskRun) string {
	key := taskRun.ID
	if taskRun.AttemptCount() > 0 {
		key += "-" + strconv.Itoa(taskRun.AttemptCount())
	}

	if taskRun.Iteration != nil {
		key += "-" + strconv.Itoa(*taskRun.Iteration)
	}

	return key
}

// DeduplicateNext records a next task run. It returns false when it was already recorded.
func (s ExecutorState) DeduplicateNext(taskRun TaskRun) bool {
	key := NextDeduplicationKey(taskRun)
	if _, ok := s.ChildDeduplication[key]; ok {
		return false
	}

	s.ChildDeduplication[key] = taskRun.ID

	return true
}

// DeduplicateWorkerTask records a dispatch for the task run current state. It returns
// false when the same attempt was already dispatched in that state.
func (s ExecutorState) DeduplicateWorkerTask(taskRun TaskRun) bool {
	key := WorkerTaskDeduplicationKey(taskRun)
	if last, ok := s.WorkerTaskDeduplication[key]; ok && last == taskRun.State.Current {
		return false
	}

	s.WorkerTaskDeduplication[key] = taskRun.State.Current

	return true
}

// DeduplicateSubflow records a child execution. It returns false when the task run
// attempt already started one.
func (s ExecutorState) DeduplicateSubflow(taskRun TaskRun, executionID string) bool {
	key := SubflowDeduplicationKey(taskRun)
	if _, ok := s.SubflowExecutionDeduplication[key]; ok {
		return false
	}

	s.SubflowExecutionDeduplication[key] = executionID

	return true
}

// Normalize allocates the maps a decoded ledger may lack.
func (s ExecutorState) Normalize() ExecutorState {
	if s.WorkerTaskDeduplication == nil {
		s.WorkerTaskDeduplication = map[string]StateType{}
	}

	if s.ChildDeduplication == nil {
		s.ChildDeduplication = map[string]string{}
	}

	if s.SubflowExecutionDeduplication == nil {
		s.SubflowExecutionDeduplication = map[string]string{}
	}

	return s
}
