// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrExecutionNotFound indicates an execution was not found by the given identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrFlowNotFound indicates no flow (or no such revision) exists.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrTriggerNotFound indicates no trigger cursor exists for the given uid.
	ErrTriggerNotFound = errors.New("trigger not found")

	// ErrLockTimeout indicates a row lock could not be acquired in time. It is retryable.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrInvalidFlow indicates a flow definition failed validation.
	ErrInvalidFlow = errors.New("invalid flow")
)

// ExecutionError wraps execution-related errors with additional context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g., "Lock", "Save", "FindByID")
	ExecutionID string
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for execution errors.
func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// FlowError wraps flow-related errors with additional context.
type FlowError struct {
	Op       string
	FlowUID  string
	Revision int
	Err      error
}

func (e *FlowError) Error() string {
	if e.Revision > 0 {
		return fmt.Sprintf("%s operation failed for flow %s revision %d: %v", e.Op, e.FlowUID, e.Revision, e.Err)
	}

	return fmt.Sprintf("%s operation failed for flow %s: %v", e.Op, e.FlowUID, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

func (e *FlowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewFlowError creates a new flow error with context.
func NewFlowError(op, flowUID string, revision int, err error) *FlowError {
	return &FlowError{Op: op, FlowUID: flowUID, Revision: revision, Err: err}
}

// TriggerError wraps trigger-related errors with additional context.
type TriggerError struct {
	Op  string
	UID string
	Err error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("%s operation failed for trigger %s: %v", e.Op, e.UID, e.Err)
}

func (e *TriggerError) Unwrap() error {
	return e.Err
}

func (e *TriggerError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewTriggerError creates a new trigger error with context.
func NewTriggerError(op, uid string, err error) *TriggerError {
	return &TriggerError{Op: op, UID: uid, Err: err}
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsFlowNotFound checks if an error indicates a flow was not found.
func IsFlowNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}

// IsTriggerNotFound checks if an error indicates a trigger was not found.
func IsTriggerNotFound(err error) bool {
	return errors.Is(err, ErrTriggerNotFound)
}

// IsLockTimeout checks if an error indicates a lock wait timed out.
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// IsInvalidFlow checks if an error indicates a flow failed validation.
func IsInvalidFlow(err error) bool {
	return errors.Is(err, ErrInvalidFlow)
}
