package models

import "time"

type LogLevel string

const (
	LogLevelTrace LogLevel = "TRACE"
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// LogEntry is a structured log line attached to an execution, visible to flow users.
type LogEntry struct {
	TenantID    string    `json:"tenant_id,omitempty"`
	Namespace   string    `json:"namespace"`
	FlowID      string    `json:"flow_id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	TaskRunID   string    `json:"task_run_id,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	TriggerID   string    `json:"trigger_id,omitempty"`
	Level       LogLevel  `json:"level"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewExecutionLog builds a log entry for an execution.
func NewExecutionLog(execution Execution, level LogLevel, message string) LogEntry {
	return LogEntry{
		TenantID:    execution.TenantID,
		Namespace:   execution.Namespace,
		FlowID:      execution.FlowID,
		ExecutionID: execution.ID,
		Level:       level,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	}
}
