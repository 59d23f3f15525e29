package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/flowd/pkg/executor"
	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
	"github.com/dukex/flowd/pkg/persistence/sqlbase"
)

// sweep processes due delays and expired SLA monitors every SweepInterval. It gives
// up after MaxSweepFailure consecutive failed sweeps.
func (c *Coordinator) sweep(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	failures := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := c.Sweep(ctx)
		if err == nil {
			failures = 0

			continue
		}

		if ctx.Err() != nil {
			return nil
		}

		failures++
		c.metrics.CoordinationError("sweep")
		c.logger.ErrorContext(ctx, "Sweep failed", "failures", failures, "error", err)

		if failures >= max(c.cfg.MaxSweepFailure, 1) {
			return fmt.Errorf("%w: %w", ErrSweepFailed, err)
		}
	}
}

// Sweep runs the delay and SLA sweepers once.
func (c *Coordinator) Sweep(ctx context.Context) error {
	now := c.now()

	return errors.Join(
		c.store.Delays().ProcessDue(ctx, now, c.handleDelay),
		c.store.SLAMonitors().ProcessExpired(ctx, now, c.handleSLAMonitor),
	)
}

// sweepError keeps transient failures so the item is retried on the next sweep.
// Anything else is logged and the item is dropped.
func (c *Coordinator) sweepError(ctx context.Context, kind, executionID string, err error) error {
	if err == nil {
		return nil
	}

	if sqlbase.IsRetryable(err) {
		return err
	}

	c.logger.ErrorContext(ctx, "Dropping sweeper item", "kind", kind, "executionId", executionID, "error", err)

	return nil
}

func (c *Coordinator) handleDelay(ctx context.Context, delay models.ExecutionDelay) error {
	c.metrics.DelayProcessed(string(delay.DelayType))

	var err error

	switch {
	case delay.DelayType == models.DelayRestartFailedFlow:
		err = c.restartFailedFlow(ctx, delay)
	case delay.TaskRunID == "":
		err = c.startDeferred(ctx, delay)
	default:
		err = c.handle(ctx, "delay", func(ctx context.Context) error {
			return c.run(ctx, delay.ExecutionID, c.withStep(func(ctx context.Context, ex executor.Executor) (executor.Executor, error) {
				return c.orchestrator.ResumeFromDelay(ctx, ex, delay)
			}))
		})
	}

	return c.sweepError(ctx, "delay", delay.ExecutionID, err)
}

// restartFailedFlow emits the replay of a retried execution.
func (c *Coordinator) restartFailedFlow(ctx context.Context, delay models.ExecutionDelay) error {
	execution, err := c.store.Executions().FindByID(ctx, delay.ExecutionID)
	if err != nil {
		return err
	}

	replay := c.orchestrator.RestartFailedFlow(*execution)

	c.logger.InfoContext(ctx, "Replaying failed execution",
		"executionId", execution.ID, "replayId", replay.ID, "attempt", replay.Metadata.Attempt)

	return c.topics.Executions.Emit(ctx, replay.ID, replay)
}

// startDeferred starts an execution that waited for its schedule date.
func (c *Coordinator) startDeferred(ctx context.Context, delay models.ExecutionDelay) error {
	execution, err := c.store.Executions().FindByID(ctx, delay.ExecutionID)
	if err != nil {
		return err
	}

	if !waiting(*execution) {
		return nil
	}

	flow, err := c.flowOf(ctx, *execution)
	if err != nil {
		return err
	}

	return c.start(ctx, flow, *execution)
}

// handleSLAMonitor applies the SLA whose deadline passed.
func (c *Coordinator) handleSLAMonitor(ctx context.Context, monitor models.SLAMonitor) error {
	err := c.handle(ctx, "sla_monitor", func(ctx context.Context) error {
		return c.run(ctx, monitor.ExecutionID, c.withStep(func(_ context.Context, ex executor.Executor) (executor.Executor, error) {
			if ex.Flow == nil {
				return ex, nil
			}

			for _, sla := range ex.Flow.SLAs {
				if sla.ID != monitor.SLAID {
					continue
				}

				return c.orchestrator.ProcessViolation(ex, models.Violation{
					SLAID:    sla.ID,
					Behavior: sla.Behavior,
					Labels:   sla.Labels,
					Reason:   fmt.Sprintf("execution exceeded its maximum duration of %s", sla.Duration.Std()),
				}), nil
			}

			return ex, nil
		}))
	})
	if persistence.IsExecutionNotFound(err) {
		return nil
	}

	return c.sweepError(ctx, "sla", monitor.ExecutionID, err)
}
