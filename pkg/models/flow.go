package models

import (
	"fmt"
	"time"
)

// TaskKind tells the engine who executes a task.
type TaskKind string

const (
	// TaskKindRunnable tasks are executed by a worker.
	TaskKindRunnable TaskKind = "runnable"
	// TaskKindSequential runs its children one after the other.
	TaskKindSequential TaskKind = "sequential"
	// TaskKindParallel runs its children at the same time, up to Concurrent.
	TaskKindParallel TaskKind = "parallel"
	// TaskKindDag runs its children following their DependsOn edges.
	TaskKindDag TaskKind = "dag"
	// TaskKindForEach runs its children once per rendered value.
	TaskKindForEach TaskKind = "foreach"
	// TaskKindLoop runs its children until the Until condition renders truthy.
	TaskKindLoop TaskKind = "loop"
	// TaskKindPause waits for a delay, a timeout, or a manual resume.
	TaskKindPause TaskKind = "pause"
	// TaskKindSubflow starts a child execution of another flow.
	TaskKindSubflow TaskKind = "subflow"
	// TaskKindForEachItem starts one child execution per batch of an items file.
	TaskKindForEachItem TaskKind = "foreach-item"
)

// IsFlowable reports whether the engine resolves the children of this kind itself.
func (k TaskKind) IsFlowable() bool {
	switch k {
	case TaskKindSequential, TaskKindParallel, TaskKindDag, TaskKindForEach, TaskKindLoop:
		return true
	default:
		return false
	}
}

// IsExecutable reports whether this kind spawns child executions.
func (k TaskKind) IsExecutable() bool {
	return k == TaskKindSubflow || k == TaskKindForEachItem
}

// Duration is a time.Duration that reads and writes as a Go duration string ("30s", "5m").
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}

	*d = Duration(parsed)

	return nil
}

// Flow is a named graph of tasks with optional triggers.
type Flow struct {
	ID             string             `json:"id"                         yaml:"id"             validate:"required"`
	Namespace      string             `json:"namespace"                  yaml:"namespace"      validate:"required"`
	TenantID       string             `json:"tenant_id,omitempty"        yaml:"tenantId"`
	Revision       int                `json:"revision"                   yaml:"revision"       validate:"gte=0"`
	Description    string             `json:"description,omitempty"      yaml:"description"`
	Disabled       bool               `json:"disabled,omitempty"         yaml:"disabled"`
	Labels         []Label            `json:"labels,omitempty"           yaml:"labels"         validate:"dive"`
	Variables      map[string]any     `json:"variables,omitempty"        yaml:"variables"`
	Inputs         []Input            `json:"inputs,omitempty"           yaml:"inputs"         validate:"dive"`
	Outputs        []Output           `json:"outputs,omitempty"          yaml:"outputs"        validate:"dive"`
	Tasks          []Task             `json:"tasks"                      yaml:"tasks"          validate:"required,min=1,dive"`
	Errors         []Task             `json:"errors,omitempty"           yaml:"errors"         validate:"dive"`
	Finally        []Task             `json:"finally,omitempty"          yaml:"finally"        validate:"dive"`
	Listeners      []Listener         `json:"listeners,omitempty"        yaml:"listeners"      validate:"dive"`
	AfterExecution []Task             `json:"after_execution,omitempty"  yaml:"afterExecution" validate:"dive"`
	Triggers       []TriggerDefinition `json:"triggers,omitempty"        yaml:"triggers"       validate:"dive"`
	Concurrency    *Concurrency       `json:"concurrency,omitempty"      yaml:"concurrency"`
	Retry          *RetryPolicy       `json:"retry,omitempty"            yaml:"retry"`
	SLAs           []SLA              `json:"slas,omitempty"             yaml:"sla"            validate:"dive"`
}

// UID identifies a flow independently of its revision.
func (f *Flow) UID() string {
	return FlowUID(f.TenantID, f.Namespace, f.ID)
}

// FlowUID builds the revision independent identifier of a flow.
func FlowUID(tenantID, namespace, flowID string) string {
	if tenantID == "" {
		return namespace + "_" + flowID
	}

	return tenantID + "_" + namespace + "_" + flowID
}

// Input declares a flow input. Defaults is used when the execution does not set it,
// Schema is an optional JSON schema the value must satisfy.
type Input struct {
	ID       string         `json:"id"                 yaml:"id"       validate:"required"`
	Type     string         `json:"type,omitempty"     yaml:"type"`
	Required bool           `json:"required,omitempty" yaml:"required"`
	Defaults any            `json:"defaults,omitempty" yaml:"defaults"`
	Schema   map[string]any `json:"schema,omitempty"   yaml:"schema"`
}

// Output is a flow output rendered when the execution ends successfully.
type Output struct {
	ID    string `json:"id"    yaml:"id"    validate:"required"`
	Value string `json:"value" yaml:"value" validate:"required"`
}

// Listener tasks run once the execution is terminated and its conditions render truthy.
type Listener struct {
	Conditions []string `json:"conditions,omitempty" yaml:"conditions"`
	Tasks      []Task   `json:"tasks"                yaml:"tasks"      validate:"required,min=1,dive"`
}

// ConcurrencyBehavior decides what happens to an execution over the flow concurrency limit.
type ConcurrencyBehavior string

const (
	ConcurrencyQueue  ConcurrencyBehavior = "QUEUE"
	ConcurrencyCancel ConcurrencyBehavior = "CANCEL"
	ConcurrencyFail   ConcurrencyBehavior = "FAIL"
)

type Concurrency struct {
	Limit    int                 `json:"limit"              yaml:"limit"    validate:"gt=0"`
	Behavior ConcurrencyBehavior `json:"behavior,omitempty" yaml:"behavior" validate:"omitempty,oneof=QUEUE CANCEL FAIL"`
}

// WorkerGroupFallback decides what happens to a task whose worker group is unavailable.
type WorkerGroupFallback string

const (
	WorkerGroupFallbackFail   WorkerGroupFallback = "FAIL"
	WorkerGroupFallbackCancel WorkerGroupFallback = "CANCEL"
	WorkerGroupFallbackWait   WorkerGroupFallback = "WAIT"
)

type WorkerGroup struct {
	Key      string              `json:"key"                yaml:"key"      validate:"required"`
	Fallback WorkerGroupFallback `json:"fallback,omitempty" yaml:"fallback" validate:"omitempty,oneof=FAIL CANCEL WAIT"`
}

// SubflowSpec describes the child execution started by a subflow or foreach-item task.
type SubflowSpec struct {
	Namespace      string         `json:"namespace"                 yaml:"namespace"      validate:"required"`
	FlowID         string         `json:"flow_id"                   yaml:"flowId"         validate:"required"`
	Revision       int            `json:"revision,omitempty"        yaml:"revision"`
	Wait           bool           `json:"wait,omitempty"            yaml:"wait"`
	TransmitFailed bool           `json:"transmit_failed,omitempty" yaml:"transmitFailed"`
	InheritLabels  bool           `json:"inherit_labels,omitempty"  yaml:"inheritLabels"`
	Inputs         map[string]any `json:"inputs,omitempty"          yaml:"inputs"`
	Labels         []Label        `json:"labels,omitempty"          yaml:"labels"`
	// Items is a template rendering to the storage URI of a newline separated items file.
	Items string `json:"items,omitempty" yaml:"items"`
	// BatchSize is the number of items per child execution.
	BatchSize int `json:"batch_size,omitempty" yaml:"batchSize"`
}

// Task is a node of the flow graph.
type Task struct {
	ID           string          `json:"id"                      yaml:"id"           validate:"required"`
	Type         string          `json:"type"                    yaml:"type"         validate:"required"`
	Kind         TaskKind        `json:"kind,omitempty"          yaml:"kind"         validate:"omitempty,oneof=runnable sequential parallel dag foreach loop pause subflow foreach-item"`
	Description  string          `json:"description,omitempty"   yaml:"description"`
	Tasks        []Task          `json:"tasks,omitempty"         yaml:"tasks"        validate:"dive"`
	Errors       []Task          `json:"errors,omitempty"        yaml:"errors"       validate:"dive"`
	DependsOn    []string        `json:"depends_on,omitempty"    yaml:"dependsOn"`
	Values       string          `json:"values,omitempty"        yaml:"values"`
	RunIf        string          `json:"run_if,omitempty"        yaml:"runIf"`
	Retry        *RetryPolicy    `json:"retry,omitempty"         yaml:"retry"`
	WorkerGroup  *WorkerGroup    `json:"worker_group,omitempty"  yaml:"workerGroup"`
	AllowFailure bool            `json:"allow_failure,omitempty" yaml:"allowFailure"`
	AllowWarning bool            `json:"allow_warning,omitempty" yaml:"allowWarning"`
	Disabled     bool            `json:"disabled,omitempty"      yaml:"disabled"`
	Concurrent   int             `json:"concurrent,omitempty"    yaml:"concurrent"   validate:"gte=0"`
	Delay        *Duration       `json:"delay,omitempty"         yaml:"delay"`
	Timeout      *Duration       `json:"timeout,omitempty"       yaml:"timeout"`
	Until        string          `json:"until,omitempty"         yaml:"until"`
	Interval     *Duration       `json:"interval,omitempty"      yaml:"interval"`
	MaxIteration int             `json:"max_iteration,omitempty" yaml:"maxIteration" validate:"gte=0"`
	Subflow      *SubflowSpec    `json:"subflow,omitempty"       yaml:"subflow"`
	Properties   map[string]any  `json:"properties,omitempty"    yaml:"properties"`
}

// EffectiveKind defaults an empty kind to runnable.
func (t Task) EffectiveKind() TaskKind {
	if t.Kind == "" {
		return TaskKindRunnable
	}

	return t.Kind
}

// ResolveState applies allowFailure and allowWarning to a terminal state.
func (t Task) ResolveState(state StateType) StateType {
	if t.AllowFailure && state.IsFailed() {
		state = StateWarning
	}

	if t.AllowWarning && state == StateWarning {
		state = StateSuccess
	}

	return state
}
