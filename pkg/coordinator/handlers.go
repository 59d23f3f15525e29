package coordinator

import (
	"context"
	"time"

	"github.com/dukex/flowd/pkg/executor"
	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/otelhelper"
	"github.com/dukex/flowd/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
)

// handle runs one handler in a span and records its duration.
func (c *Coordinator) handle(ctx context.Context, name string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "coordinator."+name, attrs...)
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	c.metrics.HandlerDuration(name, time.Since(start))

	if err != nil {
		c.metrics.CoordinationError(name)
		otelhelper.SetError(span, err)
	}

	return err
}

func executionAttrs(execution models.Execution) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.NamespaceKey, execution.Namespace),
		attribute.String(otelhelper.FlowIDKey, execution.FlowID),
		attribute.String(otelhelper.StateKey, string(execution.State.Current)),
	}
}

// waiting reports whether an execution was stored to start at its schedule date.
func waiting(execution models.Execution) bool {
	return execution.State.Current == models.StateCreated && len(execution.TaskRunList) == 0 && execution.ScheduleDate != nil
}

// withStep builds the pass of a stored execution, applying step before the
// orchestrator runs.
func (c *Coordinator) withStep(step func(ctx context.Context, ex executor.Executor) (executor.Executor, error)) prepareFunc {
	return func(ctx context.Context, current *models.Execution) (*executor.Executor, error) {
		if current == nil {
			return nil, nil
		}

		flow, err := c.flowOf(ctx, *current)
		if err != nil {
			return nil, err
		}

		ex := executor.NewExecutor(*current, flow)
		if step == nil {
			return &ex, nil
		}

		next, err := step(ctx, ex)
		if err != nil {
			return c.passError(ctx, ex, err)
		}

		return &next, nil
	}
}

// handleExecution processes an execution message. The stored execution wins over the
// message, except for a queued execution the message promotes.
func (c *Coordinator) handleExecution(ctx context.Context, _ string, message models.Execution) error {
	return c.handle(ctx, "execution", func(ctx context.Context) error {
		stored, err := c.store.Executions().FindByID(ctx, message.ID)

		switch {
		case persistence.IsExecutionNotFound(err):
			if waiting(message) && message.ScheduleDate.After(c.now()) {
				return c.deferExecution(ctx, message)
			}

			flow, err := c.flowOf(ctx, message)
			if err != nil {
				return err
			}

			return c.start(ctx, flow, message)
		case err != nil:
			return err
		case waiting(*stored):
			return nil
		case stored.State.Current == models.StateQueued && message.State.Current == models.StateRunning:
			return c.promote(ctx, message)
		default:
			return c.run(ctx, message.ID, c.withStep(nil))
		}
	}, executionAttrs(message)...)
}

// deferExecution stores an execution scheduled in the future and wakes it at its date.
func (c *Coordinator) deferExecution(ctx context.Context, execution models.Execution) error {
	err := c.lock(ctx, execution.ID, func(_ context.Context, current *models.Execution, state models.ExecutorState) (*models.Execution, models.ExecutorState, error) {
		if current != nil {
			return nil, state, nil
		}

		return &execution, state, nil
	})
	if err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "Execution deferred", "executionId", execution.ID, "scheduleDate", execution.ScheduleDate)

	return c.store.Delays().Save(ctx, models.ExecutionDelay{
		ExecutionID: execution.ID,
		Date:        *execution.ScheduleDate,
		DelayType:   models.DelayResumeFlow,
	})
}

// start runs a new execution: inputs are resolved, the concurrency limit of its flow
// applies and its MAX_DURATION SLAs start counting. Admission happens under the
// execution lock, once per start even when the lock is retried. A slot taken by an
// execution that could not be stored is given back.
func (c *Coordinator) start(ctx context.Context, flow *models.Flow, execution models.Execution) error {
	var admitted *executor.Executor

	err := c.run(ctx, execution.ID, func(ctx context.Context, current *models.Execution) (*executor.Executor, error) {
		if current != nil && !waiting(*current) {
			ex := executor.NewExecutor(*current, flow)

			return &ex, nil
		}

		if admitted == nil {
			ex, err := c.admit(ctx, flow, execution)
			if err != nil {
				return nil, err
			}

			admitted = &ex
		}

		ex := admitted.WithExecution(admitted.Execution, "start")

		return &ex, nil
	})
	if err != nil {
		if admitted != nil {
			c.abandon(ctx, *admitted)
		}

		return err
	}

	if admitted != nil {
		c.startMonitors(ctx, flow, admitted.Execution)
	}

	return nil
}

// abandon gives back the concurrency slot of an admitted execution that was never
// stored.
func (c *Coordinator) abandon(ctx context.Context, admitted executor.Executor) {
	if admitted.ExecutionRunning == nil {
		return
	}

	_, err := c.store.Executions().FindByID(ctx, admitted.Execution.ID)
	if !persistence.IsExecutionNotFound(err) {
		return
	}

	c.logger.WarnContext(ctx, "Releasing concurrency slot of unstored execution", "executionId", admitted.Execution.ID)
	c.releaseSlot(ctx, admitted.Execution)
}

// admit resolves the inputs of a new execution and checks its flow concurrency limit.
func (c *Coordinator) admit(ctx context.Context, flow *models.Flow, execution models.Execution) (executor.Executor, error) {
	ex := executor.NewExecutor(execution, flow)

	if flow == nil || execution.IsTerminated() || len(execution.TaskRunList) > 0 {
		return ex, nil
	}

	inputs, err := resolveInputs(flow, execution.Inputs)
	if err != nil {
		failed, entry := execution.FailedExecutionFromError(err)

		return executor.NewExecutor(failed, flow).WithLogs(entry), nil
	}

	execution = execution.WithInputs(inputs)
	ex = executor.NewExecutor(execution, flow)

	if flow.Concurrency == nil || flow.Concurrency.Limit <= 0 {
		return ex, nil
	}

	err = c.store.Concurrency().CountThenProcess(ctx, flow.UID(), func(running int) (*models.ExecutionRunning, error) {
		ex = c.orchestrator.CheckConcurrencyLimit(executor.NewExecutor(execution, flow), flow, execution, running)

		return ex.ExecutionRunning, nil
	})
	if err != nil {
		return ex, err
	}

	if ex.Execution.State.Current != execution.State.Current {
		c.metrics.ConcurrencyLimited(string(flow.Concurrency.Behavior))
		c.logger.InfoContext(ctx, "Execution limited by flow concurrency",
			"executionId", execution.ID, "flow", flow.UID(), "state", ex.Execution.State.Current)
	}

	return ex, nil
}

// promote starts a queued execution that got a concurrency slot.
func (c *Coordinator) promote(ctx context.Context, message models.Execution) error {
	var flow *models.Flow

	err := c.run(ctx, message.ID, c.withStep(func(_ context.Context, ex executor.Executor) (executor.Executor, error) {
		flow = ex.Flow

		if ex.Execution.State.Current != models.StateQueued {
			return ex, nil
		}

		return ex.WithExecution(ex.Execution.WithState(models.StateRunning), "promote"), nil
	}))
	if err != nil {
		return err
	}

	c.startMonitors(ctx, flow, message)

	return nil
}

// startMonitors stores the deadlines of the MAX_DURATION SLAs of a running execution.
func (c *Coordinator) startMonitors(ctx context.Context, flow *models.Flow, execution models.Execution) {
	if flow == nil || execution.IsTerminated() || execution.State.Current == models.StateQueued {
		return
	}

	for _, sla := range flow.SLAs {
		if sla.Type != models.SLAMaxDuration || sla.Duration == nil {
			continue
		}

		err := c.store.SLAMonitors().Save(ctx, models.SLAMonitor{
			ExecutionID: execution.ID,
			SLAID:       sla.ID,
			Deadline:    c.now().Add(sla.Duration.Std()),
		})
		if err != nil {
			c.logger.ErrorContext(ctx, "Failed to save SLA monitor", "executionId", execution.ID, "sla", sla.ID, "error", err)
		}
	}
}

func (c *Coordinator) handleWorkerTaskResult(ctx context.Context, _ string, result models.WorkerTaskResult) error {
	return c.handle(ctx, "worker_task_result", func(ctx context.Context) error {
		return c.run(ctx, result.TaskRun.ExecutionID, c.withStep(func(ctx context.Context, ex executor.Executor) (executor.Executor, error) {
			return c.orchestrator.AddWorkerTaskResult(ctx, ex, result)
		}))
	},
		attribute.String(otelhelper.ExecutionIDKey, result.TaskRun.ExecutionID),
		attribute.String(otelhelper.TaskRunIDKey, result.TaskRun.ID),
		attribute.String(otelhelper.TaskIDKey, result.TaskRun.TaskID),
		attribute.String(otelhelper.StateKey, string(result.TaskRun.State.Current)),
	)
}

func (c *Coordinator) handleSubflowExecutionResult(ctx context.Context, _ string, result models.SubflowExecutionResult) error {
	return c.handle(ctx, "subflow_execution_result", func(ctx context.Context) error {
		return c.run(ctx, result.ParentExecutionID, c.withStep(func(ctx context.Context, ex executor.Executor) (executor.Executor, error) {
			return c.orchestrator.SubflowResult(ctx, ex, result, nil)
		}))
	},
		attribute.String(otelhelper.ExecutionIDKey, result.ParentExecutionID),
		attribute.String(otelhelper.TaskRunIDKey, result.TaskRunID),
		attribute.String(otelhelper.StateKey, string(result.State)),
	)
}

func (c *Coordinator) handleSubflowExecutionEnd(ctx context.Context, _ string, end models.SubflowExecutionEnd) error {
	result := models.SubflowExecutionResult{
		ExecutionID:       end.ChildExecution.ID,
		ParentExecutionID: end.ParentExecutionID,
		TaskRunID:         end.TaskRunID,
		State:             end.ChildExecution.State.Current,
	}

	return c.handle(ctx, "subflow_execution_end", func(ctx context.Context) error {
		return c.run(ctx, end.ParentExecutionID, c.withStep(func(ctx context.Context, ex executor.Executor) (executor.Executor, error) {
			return c.orchestrator.SubflowResult(ctx, ex, result, end.Outputs)
		}))
	},
		attribute.String(otelhelper.ExecutionIDKey, end.ParentExecutionID),
		attribute.String(otelhelper.TaskRunIDKey, end.TaskRunID),
		attribute.String(otelhelper.StateKey, string(result.State)),
	)
}

// handleKill acknowledges a kill request to workers first, so they stop even when
// the execution is gone, then kills the execution and, on cascade, its children.
func (c *Coordinator) handleKill(ctx context.Context, _ string, kill models.ExecutionKilled) error {
	if kill.State != models.KillRequested {
		return nil
	}

	return c.handle(ctx, "kill", func(ctx context.Context) error {
		executed := kill
		executed.State = models.KillExecuted

		err := c.topics.Kills.Emit(ctx, kill.ExecutionID, executed)
		if err != nil {
			return err
		}

		err = c.run(ctx, kill.ExecutionID, c.withStep(func(_ context.Context, ex executor.Executor) (executor.Executor, error) {
			killed := c.orchestrator.Kill(ex.Execution)
			if killed.State.Current == ex.Execution.State.Current {
				return ex, nil
			}

			killed.KillCascade = kill.IsOnKillCascade

			return ex.WithExecution(killed, "kill"), nil
		}))
		if err != nil || !kill.IsOnKillCascade {
			return err
		}

		return c.killChildren(ctx, kill.ExecutionID)
	}, attribute.String(otelhelper.ExecutionIDKey, kill.ExecutionID))
}

func (c *Coordinator) killChildren(ctx context.Context, executionID string) error {
	children, err := c.store.Executions().FindChildren(ctx, executionID)
	if err != nil {
		return err
	}

	for _, child := range children {
		if child.IsTerminated() {
			continue
		}

		err = c.topics.Kills.Emit(ctx, child.ID, models.ExecutionKilled{
			ExecutionID:     child.ID,
			TenantID:        child.TenantID,
			State:           models.KillRequested,
			IsOnKillCascade: true,
		})
		if err != nil {
			return err
		}

		c.logger.InfoContext(ctx, "Killing child execution", "executionId", child.ID, "parentExecutionId", executionID)
	}

	return nil
}

func (c *Coordinator) handleLog(ctx context.Context, _ string, entry models.LogEntry) error {
	return c.store.Logs().Save(ctx, entry)
}
