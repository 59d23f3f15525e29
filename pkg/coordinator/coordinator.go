// Package coordinator runs executions. It consumes the queue, locks the execution,
// runs the orchestrator, stores the result and emits what the pass produced once the
// lock is released. Delay and SLA sweepers run alongside the consumers.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukex/flowd/pkg/config"
	"github.com/dukex/flowd/pkg/executor"
	"github.com/dukex/flowd/pkg/metrics"
	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/otelhelper"
	"github.com/dukex/flowd/pkg/persistence"
	"github.com/dukex/flowd/pkg/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ConsumerGroup is the queue consumer group of the coordinators.
const ConsumerGroup = "executor"

var ErrSweepFailed = errors.New("sweeper failed repeatedly")

// Coordinator owns the lock-process-persist loop of executions.
type Coordinator struct {
	store        persistence.Persistence
	flows        persistence.FlowRepository
	topics       *queue.Topics
	orchestrator *executor.Orchestrator
	cfg          config.ExecutorConfig
	logger       *slog.Logger
	metrics      *metrics.Collector
	tracer       trace.Tracer
	now          func() time.Time
}

// New creates a coordinator. collector may be nil.
func New(
	store persistence.Persistence,
	flows persistence.FlowRepository,
	topics *queue.Topics,
	orchestrator *executor.Orchestrator,
	cfg config.ExecutorConfig,
	logger *slog.Logger,
	collector *metrics.Collector,
) *Coordinator {
	return &Coordinator{
		store:        store,
		flows:        flows,
		topics:       topics,
		orchestrator: orchestrator,
		cfg:          cfg,
		logger:       logger.With("module", "coordinator"),
		metrics:      collector,
		tracer:       otelhelper.Tracer("flowd/coordinator"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Start consumes the queue and runs the sweepers until ctx is done. It returns the
// error that stopped the sweepers, nil on a clean shutdown.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.InfoContext(ctx, "Starting coordinator", "threads", c.cfg.Threads, "sweepInterval", c.cfg.SweepInterval)

	cancels := c.subscribe(ctx)

	defer func() {
		for _, cancel := range cancels {
			cancel()
		}

		c.logger.InfoContext(ctx, "Coordinator stopped")
	}()

	return c.sweep(ctx)
}

func (c *Coordinator) subscribe(ctx context.Context) []queue.CancelFunc {
	threads := max(c.cfg.Threads, 1)
	cancels := make([]queue.CancelFunc, 0, 2*threads+4)

	for range threads {
		cancels = append(cancels,
			c.topics.Executions.Receive(ctx, ConsumerGroup, c.handleExecution, true),
			c.topics.WorkerTaskResults.Receive(ctx, ConsumerGroup, c.handleWorkerTaskResult, true),
		)
	}

	return append(cancels,
		c.topics.SubflowExecutionResults.Receive(ctx, ConsumerGroup, c.handleSubflowExecutionResult, true),
		c.topics.SubflowExecutionEnds.Receive(ctx, ConsumerGroup, c.handleSubflowExecutionEnd, true),
		c.topics.Kills.Receive(ctx, ConsumerGroup, c.handleKill, true),
		c.topics.Logs.Receive(ctx, ConsumerGroup, c.handleLog, true),
	)
}

// flowOf resolves the flow revision of an execution. A missing flow returns nil so
// that the orchestrator fails the execution.
func (c *Coordinator) flowOf(ctx context.Context, execution models.Execution) (*models.Flow, error) {
	flow, err := c.flows.FlowByID(ctx, execution.TenantID, execution.Namespace, execution.FlowID, execution.FlowRevision)
	if err != nil {
		if persistence.IsFlowNotFound(err) {
			c.logger.WarnContext(ctx, "Flow of execution not found",
				"executionId", execution.ID, "namespace", execution.Namespace, "flowId", execution.FlowID, "revision", execution.FlowRevision)

			return nil, nil
		}

		return nil, err
	}

	return flow, nil
}

// Kill asks the coordinators to kill an execution, and its children when cascade is set.
func (c *Coordinator) Kill(ctx context.Context, executionID string, cascade bool) error {
	execution, err := c.store.Executions().FindByID(ctx, executionID)
	if err != nil {
		return err
	}

	return c.topics.Kills.Emit(ctx, execution.ID, models.ExecutionKilled{
		ExecutionID:     execution.ID,
		TenantID:        execution.TenantID,
		State:           models.KillRequested,
		IsOnKillCascade: cascade,
	})
}

// Resume ends a task run paused without delay or timeout and runs the execution on.
func (c *Coordinator) Resume(ctx context.Context, executionID, taskRunID string) error {
	return c.handle(ctx, "resume", func(ctx context.Context) error {
		var resumeErr error

		err := c.run(ctx, executionID, func(ctx context.Context, current *models.Execution) (*executor.Executor, error) {
			resumeErr = nil

			if current == nil {
				resumeErr = persistence.NewExecutionError("Resume", executionID, persistence.ErrExecutionNotFound)

				return nil, nil
			}

			flow, err := c.flowOf(ctx, *current)
			if err != nil {
				return nil, err
			}

			ex, err := c.orchestrator.Resume(ctx, executor.NewExecutor(*current, flow), taskRunID)
			if err != nil {
				resumeErr = err

				return nil, nil
			}

			return &ex, nil
		})
		if err != nil {
			return err
		}

		if resumeErr == nil {
			c.logger.InfoContext(ctx, "Task run resumed", "executionId", executionID, "taskRunId", taskRunID)
		}

		return resumeErr
	}, attribute.String(otelhelper.ExecutionIDKey, executionID))
}
