package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dukex/flowd/pkg/executor"
	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
	"github.com/dukex/flowd/pkg/persistence/sqlbase"
)

// lock runs fn under the execution lock. Lock timeouts and transient database
// failures are retried with exponential backoff.
func (c *Coordinator) lock(ctx context.Context, executionID string, fn persistence.LockFunc) error {
	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = 10 * time.Millisecond
	expBackOff.MaxInterval = time.Second

	operation := func() (struct{}, error) {
		err := c.store.Executions().Lock(ctx, executionID, fn)
		if err == nil {
			return struct{}{}, nil
		}

		if !sqlbase.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackOff),
		backoff.WithMaxTries(max(c.cfg.LockMaxTries, 1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.CoordinationError("lock")
			c.logger.WarnContext(ctx, "Retrying execution lock", "executionId", executionID, "error", err, "next", next)
		}),
	)

	return err
}

// prepareFunc derives the executor of a pass from the stored execution, current is
// nil when nothing is stored. Returning nil skips the pass.
type prepareFunc func(ctx context.Context, current *models.Execution) (*executor.Executor, error)

// run locks an execution, prepares and processes it, stores it with the ledger and
// emits the follow-ups after the lock is released.
func (c *Coordinator) run(ctx context.Context, executionID string, prepare prepareFunc) error {
	var out *emissions

	err := c.lock(ctx, executionID, func(ctx context.Context, current *models.Execution, state models.ExecutorState) (*models.Execution, models.ExecutorState, error) {
		out = nil

		ex, err := prepare(ctx, current)
		if err != nil {
			return nil, state, err
		}

		if ex == nil {
			return nil, state, nil
		}

		processed := c.orchestrator.Process(ctx, *ex)
		out = c.collect(ctx, processed, current, state)

		if out.execution == nil {
			return nil, state, nil
		}

		return out.execution, state, nil
	})
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}

	c.publish(ctx, out)

	return nil
}

// passError turns a failure of a pre-step into something the pass can carry: a task
// run that vanished is skipped, anything else fails the execution.
func (c *Coordinator) passError(ctx context.Context, ex executor.Executor, err error) (*executor.Executor, error) {
	if errors.Is(err, models.ErrTaskRunNotFound) {
		c.logger.WarnContext(ctx, "Skipping update of unknown task run", "executionId", ex.Execution.ID, "error", err)

		return nil, nil
	}

	failed, entry := ex.Execution.FailedExecutionFromError(err)
	next := ex.WithExecution(failed, "coordinator").WithError(err, "coordinator").WithLogs(entry)

	return &next, nil
}
