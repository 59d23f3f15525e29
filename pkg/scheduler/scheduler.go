// Package scheduler evaluates flow triggers. Every tick it syncs the trigger cursors
// with the flow definitions, then evaluates the due ones: schedule triggers fire in
// process, polling triggers are dispatched to workers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowd/pkg/config"
	"github.com/dukex/flowd/pkg/metrics"
	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/otelhelper"
	"github.com/dukex/flowd/pkg/persistence"
	"github.com/dukex/flowd/pkg/queue"
	"github.com/dukex/flowd/pkg/template"
	"github.com/dukex/flowd/pkg/workergroup"
	"go.opentelemetry.io/otel/trace"
)

// ConsumerGroup is the queue consumer group of the schedulers.
const ConsumerGroup = "scheduler"

var ErrTickFailed = errors.New("scheduler tick failed repeatedly")

// Scheduler owns the trigger cursors.
type Scheduler struct {
	store    persistence.Persistence
	flows    persistence.FlowRepository
	topics   *queue.Topics
	renderer template.Renderer
	groups   workergroup.Resolver
	cfg      config.SchedulerConfig
	logger   *slog.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Scheduler)

// WithClock replaces the wall clock the scheduler compares trigger dates with.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a scheduler. groups and collector may be nil.
func New(
	store persistence.Persistence,
	flows persistence.FlowRepository,
	topics *queue.Topics,
	renderer template.Renderer,
	groups workergroup.Resolver,
	cfg config.SchedulerConfig,
	logger *slog.Logger,
	collector *metrics.Collector,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		store:    store,
		flows:    flows,
		topics:   topics,
		renderer: renderer,
		groups:   groups,
		cfg:      cfg,
		logger:   logger.With("module", "scheduler"),
		metrics:  collector,
		tracer:   otelhelper.Tracer("flowd/scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start recovers missed schedules, consumes worker trigger results and ticks until
// ctx is done. It returns ErrTickFailed after MaxTickFailures consecutive failed ticks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Starting scheduler", "tickInterval", s.cfg.TickInterval)

	err := s.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover missed schedules: %w", err)
	}

	cancel := s.topics.WorkerTriggerResults.Receive(ctx, ConsumerGroup, s.handleWorkerTriggerResult, false)
	defer cancel()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	failures := 0

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")

			return nil
		case <-ticker.C:
		}

		err := s.Tick(ctx)
		if err == nil {
			failures = 0

			continue
		}

		if ctx.Err() != nil {
			return nil
		}

		failures++
		s.metrics.CoordinationError("tick")
		s.logger.ErrorContext(ctx, "Scheduler tick failed", "failures", failures, "error", err)

		if failures >= max(s.cfg.MaxTickFailures, 1) {
			return fmt.Errorf("%w: %w", ErrTickFailed, err)
		}
	}
}

// Tick syncs the trigger cursors with the flows and evaluates the due triggers once.
func (s *Scheduler) Tick(ctx context.Context) error {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.tick")
	defer span.End()

	definitions, err := s.sync(ctx)
	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	now := s.now()

	due, err := s.store.Triggers().FindDue(ctx, now)
	if err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to fetch due triggers: %w", err)
	}

	var errs []error

	for _, trigger := range due {
		definition, ok := definitions[trigger.UID()]
		if !ok {
			continue
		}

		errs = append(errs, s.keep(ctx, trigger, s.evaluate(ctx, definition, trigger, now)))
	}

	err = errors.Join(errs...)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return err
}

// flowTrigger is a trigger definition with the flow declaring it.
type flowTrigger struct {
	flow       *models.Flow
	definition models.TriggerDefinition
}

func (t flowTrigger) uid() string {
	return models.TriggerUID(t.flow.TenantID, t.flow.Namespace, t.flow.ID, t.definition.ID)
}

func (t flowTrigger) enabled() bool {
	return !t.flow.Disabled && !t.definition.Disabled
}
