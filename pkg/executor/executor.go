// Package executor computes the next state of an execution. It is pure: it reads an
// execution and its flow and returns what changed plus the messages to emit. Storage,
// locking and emission belong to the coordinator.
package executor

import (
	"slices"

	"github.com/dukex/flowd/pkg/graph"
	"github.com/dukex/flowd/pkg/models"
)

// Executor is the result of one orchestration pass. Values are immutable: every With
// method returns a copy and records which step produced the change.
type Executor struct {
	Execution               models.Execution
	Flow                    *models.Flow
	Err                     error
	Nexts                   []models.TaskRun
	WorkerTasks             []models.WorkerTask
	WorkerTaskResults       []models.WorkerTaskResult
	SubflowExecutions       []models.SubflowExecution
	SubflowExecutionResults []models.SubflowExecutionResult
	ExecutionDelays         []models.ExecutionDelay
	ExecutionRunning        *models.ExecutionRunning
	ExecutionKilled         []models.ExecutionKilled
	SLAViolations           []models.Violation
	Logs                    []models.LogEntry

	graph            *graph.FlowGraph
	updated          bool
	executionUpdated bool
	from             []string
}

// NewExecutor starts a pass over an execution of flow.
func NewExecutor(execution models.Execution, flow *models.Flow) Executor {
	return Executor{Execution: execution, Flow: flow}
}

// IsUpdated reports whether the pass changed anything.
func (e Executor) IsUpdated() bool {
	return e.updated
}

// IsExecutionUpdated reports whether the execution itself changed, in which case it
// must be stored and processed again.
func (e Executor) IsExecutionUpdated() bool {
	return e.executionUpdated
}

// From lists the steps that changed the executor, in order.
func (e Executor) From() []string {
	return slices.Clone(e.from)
}

func (e Executor) touch(from string) Executor {
	e.updated = true
	e.from = append(slices.Clone(e.from), from)

	return e
}

func (e Executor) WithExecution(execution models.Execution, from string) Executor {
	e.Execution = execution
	e.executionUpdated = true

	return e.touch(from)
}

func (e Executor) WithNexts(nexts []models.TaskRun, from string) Executor {
	if len(nexts) == 0 {
		return e
	}

	e.Nexts = append(slices.Clone(e.Nexts), nexts...)

	return e.touch(from)
}

func (e Executor) WithWorkerTasks(tasks []models.WorkerTask, from string) Executor {
	if len(tasks) == 0 {
		return e
	}

	e.WorkerTasks = append(slices.Clone(e.WorkerTasks), tasks...)

	return e.touch(from)
}

func (e Executor) WithWorkerTaskResults(results []models.WorkerTaskResult, from string) Executor {
	if len(results) == 0 {
		return e
	}

	e.WorkerTaskResults = append(slices.Clone(e.WorkerTaskResults), results...)

	return e.touch(from)
}

func (e Executor) WithSubflowExecutions(executions []models.SubflowExecution, from string) Executor {
	if len(executions) == 0 {
		return e
	}

	e.SubflowExecutions = append(slices.Clone(e.SubflowExecutions), executions...)

	return e.touch(from)
}

func (e Executor) WithSubflowExecutionResults(results []models.SubflowExecutionResult, from string) Executor {
	if len(results) == 0 {
		return e
	}

	e.SubflowExecutionResults = append(slices.Clone(e.SubflowExecutionResults), results...)

	return e.touch(from)
}

func (e Executor) WithExecutionDelays(delays []models.ExecutionDelay, from string) Executor {
	if len(delays) == 0 {
		return e
	}

	e.ExecutionDelays = append(slices.Clone(e.ExecutionDelays), delays...)

	return e.touch(from)
}

func (e Executor) WithExecutionRunning(running models.ExecutionRunning, from string) Executor {
	e.ExecutionRunning = &running

	return e.touch(from)
}

func (e Executor) WithExecutionKilled(killed []models.ExecutionKilled, from string) Executor {
	if len(killed) == 0 {
		return e
	}

	e.ExecutionKilled = append(slices.Clone(e.ExecutionKilled), killed...)

	return e.touch(from)
}

func (e Executor) WithSLAViolation(violation models.Violation, from string) Executor {
	e.SLAViolations = append(slices.Clone(e.SLAViolations), violation)

	return e.touch(from)
}

// WithLogs appends log entries. Logs alone do not mark the executor updated.
func (e Executor) WithLogs(entries ...models.LogEntry) Executor {
	if len(entries) == 0 {
		return e
	}

	e.Logs = append(slices.Clone(e.Logs), entries...)

	return e
}

// WithError records a failure of the pass.
func (e Executor) WithError(err error, from string) Executor {
	e.Err = err

	return e.touch(from)
}
