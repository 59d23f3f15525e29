package models

import "time"

// RunContext carries the rendered variables a worker needs to run a task.
type RunContext struct {
	Variables     map[string]any `json:"variables"`
	StoragePrefix string         `json:"storage_prefix,omitempty"`
}

// WorkerTask is a task run dispatched to a worker.
type WorkerTask struct {
	TaskRun     TaskRun      `json:"task_run"`
	Task        Task         `json:"task"`
	RunContext  RunContext   `json:"run_context"`
	WorkerGroup *WorkerGroup `json:"worker_group,omitempty"`
}

// WorkerTaskResult is a task run update, sent by a worker or synthesized by the engine.
type WorkerTaskResult struct {
	TaskRun TaskRun `json:"task_run"`
}

// ConditionContext holds what trigger conditions are rendered against.
type ConditionContext struct {
	Flow      *Flow          `json:"flow"`
	Trigger   Trigger        `json:"trigger"`
	Date      time.Time      `json:"date"`
	Variables map[string]any `json:"variables,omitempty"`
}

// WorkerTrigger asks a worker to evaluate a polling trigger.
type WorkerTrigger struct {
	Trigger          Trigger           `json:"trigger"`
	Definition       TriggerDefinition `json:"definition"`
	ConditionContext ConditionContext  `json:"condition_context"`
	WorkerGroup      *WorkerGroup      `json:"worker_group,omitempty"`
}

// WorkerTriggerResult is the outcome of a polling trigger evaluation.
type WorkerTriggerResult struct {
	Trigger   Trigger    `json:"trigger"`
	Execution *Execution `json:"execution,omitempty"`
	Success   bool       `json:"success"`
	Error     string     `json:"error,omitempty"`
}

// SubflowExecution is a child execution started by an executable task run.
type SubflowExecution struct {
	ParentTaskRun TaskRun   `json:"parent_task_run"`
	Execution     Execution `json:"execution"`
}

// SubflowExecutionResult reports the state of a child execution to its parent.
type SubflowExecutionResult struct {
	ExecutionID       string    `json:"execution_id"`
	ParentExecutionID string    `json:"parent_execution_id"`
	TaskRunID         string    `json:"task_run_id"`
	ParentTaskRun     TaskRun   `json:"parent_task_run"`
	State             StateType `json:"state"`
}

// SubflowExecutionEnd is emitted when a child execution terminates.
type SubflowExecutionEnd struct {
	ParentExecutionID string         `json:"parent_execution_id"`
	TaskRunID         string         `json:"task_run_id"`
	TaskID            string         `json:"task_id"`
	ChildExecution    Execution      `json:"child_execution"`
	Outputs           map[string]any `json:"outputs,omitempty"`
}

// KillState distinguishes a kill request from its acknowledgement to workers.
type KillState string

const (
	KillRequested KillState = "REQUESTED"
	KillExecuted  KillState = "EXECUTED"
)

// ExecutionKilled asks the engine (REQUESTED) or workers (EXECUTED) to kill an execution.
type ExecutionKilled struct {
	ExecutionID     string    `json:"execution_id"`
	TenantID        string    `json:"tenant_id,omitempty"`
	State           KillState `json:"state"`
	IsOnKillCascade bool      `json:"is_on_kill_cascade"`
}
