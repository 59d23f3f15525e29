package models

import (
	"errors"
	"time"
)

// TriggerType names the kind of a trigger definition.
type TriggerType string

const (
	// TriggerSchedule fires on a cron expression, evaluated by the scheduler itself.
	TriggerSchedule TriggerType = "schedule"
	// TriggerPolling is evaluated by a worker every Interval.
	TriggerPolling TriggerType = "polling"
)

// RecoverMissedSchedules decides what happens to schedule dates missed while the
// scheduler was down.
type RecoverMissedSchedules string

const (
	RecoverAll  RecoverMissedSchedules = "ALL"
	RecoverLast RecoverMissedSchedules = "LAST"
	RecoverNone RecoverMissedSchedules = "NONE"
)

var ErrUnknownTriggerType = errors.New("unknown trigger type")

// TriggerCapabilities describe how the scheduler evaluates a trigger kind.
type TriggerCapabilities struct {
	IsPolling          bool
	IsWorkerDispatched bool
	SupportsBackfill   bool
}

// TriggerDefinition is a trigger declared on a flow.
type TriggerDefinition struct {
	ID                     string                 `json:"id"                                 yaml:"id"                     validate:"required"`
	Type                   TriggerType            `json:"type"                               yaml:"type"                   validate:"required,oneof=schedule polling"`
	Cron                   string                 `json:"cron,omitempty"                     yaml:"cron"                   validate:"required_if=Type schedule"`
	Timezone               string                 `json:"timezone,omitempty"                 yaml:"timezone"`
	Interval               *Duration              `json:"interval,omitempty"                 yaml:"interval"               validate:"required_if=Type polling"`
	Conditions             []string               `json:"conditions,omitempty"               yaml:"conditions"`
	Inputs                 map[string]any         `json:"inputs,omitempty"                   yaml:"inputs"`
	Labels                 []Label                `json:"labels,omitempty"                   yaml:"labels"`
	WorkerGroup            *WorkerGroup           `json:"worker_group,omitempty"             yaml:"workerGroup"`
	RecoverMissedSchedules RecoverMissedSchedules `json:"recover_missed_schedules,omitempty" yaml:"recoverMissedSchedules" validate:"omitempty,oneof=ALL LAST NONE"`
	Disabled               bool                   `json:"disabled,omitempty"                 yaml:"disabled"`
	Properties             map[string]any         `json:"properties,omitempty"               yaml:"properties"`
}

// Capabilities returns the capability flags of the definition type.
func (d TriggerDefinition) Capabilities() (TriggerCapabilities, error) {
	switch d.Type {
	case TriggerSchedule:
		return TriggerCapabilities{SupportsBackfill: true}, nil
	case TriggerPolling:
		return TriggerCapabilities{IsPolling: true, IsWorkerDispatched: true}, nil
	default:
		return TriggerCapabilities{}, ErrUnknownTriggerType
	}
}

// EffectiveRecoverMissedSchedules defaults to ALL.
func (d TriggerDefinition) EffectiveRecoverMissedSchedules() RecoverMissedSchedules {
	if d.RecoverMissedSchedules == "" {
		return RecoverAll
	}

	return d.RecoverMissedSchedules
}

// Backfill replays a schedule over a past date range, one date per tick.
type Backfill struct {
	Start       time.Time      `json:"start"`
	End         *time.Time     `json:"end,omitempty"`
	CurrentDate time.Time      `json:"current_date"`
	Paused      bool           `json:"paused,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Labels      []Label        `json:"labels,omitempty"`
}

// Trigger is the durable scheduler cursor of a trigger definition.
type Trigger struct {
	TenantID            string     `json:"tenant_id,omitempty"`
	Namespace           string     `json:"namespace"`
	FlowID              string     `json:"flow_id"`
	TriggerID           string     `json:"trigger_id"`
	Date                *time.Time `json:"date,omitempty"`
	NextExecutionDate   *time.Time `json:"next_execution_date,omitempty"`
	ExecutionID         string     `json:"execution_id,omitempty"`
	EvaluateRunningDate *time.Time `json:"evaluate_running_date,omitempty"`
	Backfill            *Backfill  `json:"backfill,omitempty"`
	Disabled            bool       `json:"disabled,omitempty"`
	UpdatedDate         time.Time  `json:"updated_date"`
}

// TriggerUID identifies a trigger cursor.
func TriggerUID(tenantID, namespace, flowID, triggerID string) string {
	return FlowUID(tenantID, namespace, flowID) + "_" + triggerID
}

func (t Trigger) UID() string {
	return TriggerUID(t.TenantID, t.Namespace, t.FlowID, t.TriggerID)
}

// FlowUID identifies the flow owning the trigger.
func (t Trigger) FlowUID() string {
	return FlowUID(t.TenantID, t.Namespace, t.FlowID)
}

// NewTrigger creates the cursor of a definition.
func NewTrigger(flow *Flow, definition TriggerDefinition, next time.Time) Trigger {
	return Trigger{
		TenantID:          flow.TenantID,
		Namespace:         flow.Namespace,
		FlowID:            flow.ID,
		TriggerID:         definition.ID,
		NextExecutionDate: &next,
		UpdatedDate:       time.Now().UTC(),
	}
}

// IsDue reports whether the trigger must be evaluated at now.
func (t Trigger) IsDue(now time.Time) bool {
	if t.Disabled {
		return false
	}

	if t.Backfill != nil && !t.Backfill.Paused {
		return true
	}

	return t.NextExecutionDate != nil && !t.NextExecutionDate.After(now)
}

// WithEvaluateRunningDate returns a copy locked (or unlocked with nil) for evaluation.
func (t Trigger) WithEvaluateRunningDate(date *time.Time) Trigger {
	t.EvaluateRunningDate = date
	t.UpdatedDate = time.Now().UTC()

	return t
}

// WithNextExecution returns a copy advanced past a fired (or skipped) date.
func (t Trigger) WithNextExecution(date, next time.Time, executionID string) Trigger {
	t.Date = &date
	t.NextExecutionDate = &next
	t.EvaluateRunningDate = nil
	t.UpdatedDate = time.Now().UTC()

	if executionID != "" {
		t.ExecutionID = executionID
	}

	return t
}

// ResetExecution returns a copy without running execution when it matches executionID.
func (t Trigger) ResetExecution(executionID string) Trigger {
	if t.ExecutionID == executionID {
		t.ExecutionID = ""
		t.UpdatedDate = time.Now().UTC()
	}

	return t
}
