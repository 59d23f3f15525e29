package models

import "time"

// DelayType tells the delay sweeper what to do when an ExecutionDelay is due.
type DelayType string

const (
	// DelayResumeFlow resumes a paused task run (or a deferred execution) to State.
	DelayResumeFlow DelayType = "RESUME_FLOW"
	// DelayRestartFailedTask starts a new attempt of a retrying task run.
	DelayRestartFailedTask DelayType = "RESTART_FAILED_TASK"
	// DelayRestartFailedFlow replays a failed execution as a new execution.
	DelayRestartFailedFlow DelayType = "RESTART_FAILED_FLOW"
	// DelayContinueFlowable starts the next iteration of a loop task run.
	DelayContinueFlowable DelayType = "CONTINUE_FLOWABLE"
)

// ExecutionDelay is a timer stored in the database, consumed once when due.
type ExecutionDelay struct {
	ExecutionID string    `json:"execution_id"`
	TaskRunID   string    `json:"task_run_id,omitempty"`
	Date        time.Time `json:"date"`
	State       StateType `json:"state,omitempty"`
	DelayType   DelayType `json:"delay_type"`
}

// UID identifies the delay; a second delay with the same UID replaces the first.
func (d ExecutionDelay) UID() string {
	return d.ExecutionID + "_" + d.TaskRunID + "_" + string(d.DelayType)
}

// ExecutionQueued is an execution waiting for a concurrency slot of its flow.
type ExecutionQueued struct {
	TenantID  string    `json:"tenant_id,omitempty"`
	Namespace string    `json:"namespace"`
	FlowID    string    `json:"flow_id"`
	Date      time.Time `json:"date"`
	Execution Execution `json:"execution"`
}

// ConcurrencyState is the admission outcome of an execution.
type ConcurrencyState string

const (
	ConcurrencyStateRunning ConcurrencyState = "RUNNING"
	ConcurrencyStateQueued  ConcurrencyState = "QUEUED"
)

// ExecutionRunning marks an execution admitted (or queued) against its flow concurrency limit.
type ExecutionRunning struct {
	TenantID         string           `json:"tenant_id,omitempty"`
	Namespace        string           `json:"namespace"`
	FlowID           string           `json:"flow_id"`
	Execution        Execution        `json:"execution"`
	ConcurrencyState ConcurrencyState `json:"concurrency_state"`
}

// NewExecutionRunning builds the marker for an execution.
func NewExecutionRunning(execution Execution, state ConcurrencyState) ExecutionRunning {
	return ExecutionRunning{
		TenantID:         execution.TenantID,
		Namespace:        execution.Namespace,
		FlowID:           execution.FlowID,
		Execution:        execution,
		ConcurrencyState: state,
	}
}
