package models

import "time"

type SLAType string

const (
	// SLAMaxDuration is violated when the execution runs longer than Duration.
	SLAMaxDuration SLAType = "MAX_DURATION"
	// SLAExecutionAssertion is violated when Assert renders falsy.
	SLAExecutionAssertion SLAType = "EXECUTION_ASSERTION"
)

type SLABehavior string

const (
	SLABehaviorFail   SLABehavior = "FAIL"
	SLABehaviorCancel SLABehavior = "CANCEL"
	SLABehaviorNone   SLABehavior = "NONE"
)

// SLA is a service level declared on a flow.
type SLA struct {
	ID       string      `json:"id"                 yaml:"id"       validate:"required"`
	Type     SLAType     `json:"type"               yaml:"type"     validate:"required,oneof=MAX_DURATION EXECUTION_ASSERTION"`
	Duration *Duration   `json:"duration,omitempty" yaml:"duration" validate:"required_if=Type MAX_DURATION"`
	Assert   string      `json:"assert,omitempty"   yaml:"assert"   validate:"required_if=Type EXECUTION_ASSERTION"`
	Behavior SLABehavior `json:"behavior"           yaml:"behavior" validate:"required,oneof=FAIL CANCEL NONE"`
	Labels   []Label     `json:"labels,omitempty"   yaml:"labels"`
}

// SLAMonitor is the stored deadline of a MAX_DURATION SLA.
type SLAMonitor struct {
	ExecutionID string    `json:"execution_id"`
	SLAID       string    `json:"sla_id"`
	Deadline    time.Time `json:"deadline"`
}

// Violation is a broken SLA.
type Violation struct {
	SLAID    string      `json:"sla_id"`
	Behavior SLABehavior `json:"behavior"`
	Labels   []Label     `json:"labels,omitempty"`
	Reason   string      `json:"reason"`
}
