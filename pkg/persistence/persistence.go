// Package persistence provides the storage abstraction of the engine: executions with
// their deduplication ledger, trigger cursors, delays, SLA monitors, concurrency
// markers, flows and execution logs.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/flowd/pkg/models"
)

// LockFunc computes the next execution and ledger from the stored ones. current is nil
// when the execution has no durable record yet. Returning a nil execution leaves the
// stored execution untouched. A LockFunc may run more than once when the lock is retried,
// so it must not perform side effects.
type LockFunc func(ctx context.Context, current *models.Execution, state models.ExecutorState) (*models.Execution, models.ExecutorState, error)

// ExecutionStore owns executions and their deduplication ledger.
type ExecutionStore interface {
	// Lock serializes every mutation of one execution id.
	Lock(ctx context.Context, executionID string, fn LockFunc) error
	FindByID(ctx context.Context, executionID string) (*models.Execution, error)
	// FindChildren returns the subflow executions started by an execution.
	FindChildren(ctx context.Context, parentExecutionID string) ([]models.Execution, error)
	Save(ctx context.Context, execution models.Execution) error
	// Purge removes the ledger of a terminated execution.
	Purge(ctx context.Context, executionID string) error
}

// DelayStore holds the wake-up timers of executions.
type DelayStore interface {
	Save(ctx context.Context, delay models.ExecutionDelay) error
	// ProcessDue runs fn once per delay due at now and deletes it when fn succeeds.
	// Delays claimed by another process are skipped.
	ProcessDue(ctx context.Context, now time.Time, fn func(ctx context.Context, delay models.ExecutionDelay) error) error
	DeleteByExecution(ctx context.Context, executionID string) error
}

// SLAMonitorStore holds MAX_DURATION deadlines.
type SLAMonitorStore interface {
	Save(ctx context.Context, monitor models.SLAMonitor) error
	// ProcessExpired runs fn once per monitor whose deadline passed and deletes it when fn succeeds.
	ProcessExpired(ctx context.Context, now time.Time, fn func(ctx context.Context, monitor models.SLAMonitor) error) error
	DeleteByExecution(ctx context.Context, executionID string) error
}

// ConcurrencyStore tracks the running and queued executions of flows with a concurrency limit.
type ConcurrencyStore interface {
	// CountThenProcess locks the flow, counts its running executions and stores the marker
	// fn returns, if any. A QUEUED marker enqueues the execution.
	CountThenProcess(ctx context.Context, flowUID string, fn func(running int) (*models.ExecutionRunning, error)) error
	// Release frees the slot of a terminated execution and promotes the oldest queued
	// execution of the flow, returned when there is one.
	Release(ctx context.Context, execution models.Execution) (*models.ExecutionQueued, error)
}

// TriggerStore holds the scheduler cursors.
type TriggerStore interface {
	FindAll(ctx context.Context) ([]models.Trigger, error)
	FindByUID(ctx context.Context, uid string) (*models.Trigger, error)
	// FindDue returns the triggers to evaluate at now: due dates and running backfills.
	FindDue(ctx context.Context, now time.Time) ([]models.Trigger, error)
	Save(ctx context.Context, trigger models.Trigger) error
	// Lock updates one trigger atomically. Returning nil from fn leaves it untouched.
	Lock(ctx context.Context, uid string, fn func(trigger models.Trigger) (*models.Trigger, error)) error
	Delete(ctx context.Context, uid string) error
}

// FlowRepository resolves flow definitions.
type FlowRepository interface {
	// Flows returns the last revision of every flow.
	Flows(ctx context.Context) ([]*models.Flow, error)
	// FlowByID returns the given revision, or the last one when revision is 0.
	FlowByID(ctx context.Context, tenantID, namespace, flowID string, revision int) (*models.Flow, error)
}

// FlowWriter stores flow definitions.
type FlowWriter interface {
	SaveFlow(ctx context.Context, flow *models.Flow) error
	DeleteFlow(ctx context.Context, tenantID, namespace, flowID string) error
}

// LogStore keeps the execution logs shown to flow users.
type LogStore interface {
	Save(ctx context.Context, entries ...models.LogEntry) error
	FindByExecution(ctx context.Context, executionID string) ([]models.LogEntry, error)
}

// Persistence groups the stores backed by one database.
type Persistence interface {
	Executions() ExecutionStore
	Delays() DelayStore
	SLAMonitors() SLAMonitorStore
	Concurrency() ConcurrencyStore
	Triggers() TriggerStore
	Logs() LogStore
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
