package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowd/pkg/cmd"
	"github.com/dukex/flowd/pkg/config"
	"github.com/dukex/flowd/pkg/coordinator"
	"github.com/dukex/flowd/pkg/executor"
	"github.com/dukex/flowd/pkg/graph"
	"github.com/dukex/flowd/pkg/log"
	"github.com/dukex/flowd/pkg/metrics"
	"github.com/dukex/flowd/pkg/otelhelper"
	"github.com/dukex/flowd/pkg/queue"
	"github.com/dukex/flowd/pkg/scheduler"
	"github.com/dukex/flowd/pkg/storage"
	"github.com/dukex/flowd/pkg/template"
	"github.com/dukex/flowd/pkg/web"
	"github.com/dukex/flowd/pkg/workerbridge"
	"github.com/dukex/flowd/pkg/workergroup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

// service is a role started by a flowd command.
type service interface {
	Start(ctx context.Context) error
}

// runtime holds what every role shares: the store, the queue and the metrics.
type runtime struct {
	command   *cli.Command
	logger    *slog.Logger
	cfg       *config.Config
	backend   *cmd.Backend
	queue     queue.Queue
	topics    *queue.Topics
	registry  *prometheus.Registry
	collector *metrics.Collector
	closers   []func(context.Context) error
}

func newRuntime(ctx context.Context, command *cli.Command, role string) (*runtime, error) {
	log.SetupWithFormat(command.String("log-level"), command.String("log-format"))

	r := &runtime{
		command:  command,
		logger:   log.WithModule("flowd").With("role", role),
		registry: prometheus.NewRegistry(),
	}

	r.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.collector = metrics.NewCollector(r.registry)

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	r.cfg = cfg

	if command.Bool("tracing") {
		_, shutdown, err := otelhelper.NewTracer(ctx, "flowd-"+role)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}

		r.onClose(shutdown)
	}

	backend, err := cmd.NewPersistence(ctx, r.logger, command.String("database-url"), command.String("flows"))
	if err != nil {
		r.close(ctx)

		return nil, err
	}

	r.backend = backend
	r.onClose(backend.Store.Close)

	q, err := cmd.NewQueue(ctx, backend.DB, cfg.Queue, r.logger, r.collector)
	if err != nil {
		r.close(ctx)

		return nil, err
	}

	r.queue = q
	r.onClose(func(context.Context) error { return q.Close() })
	r.topics = queue.NewTopics(q, cfg.Queue.MaxMessageSize, r.logger, r.collector)

	return r, nil
}

func (r *runtime) onClose(fn func(context.Context) error) {
	r.closers = append(r.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (r *runtime) close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	for i := len(r.closers) - 1; i >= 0; i-- {
		err := r.closers[i](ctx)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to release resource", "error", err)
		}
	}
}

func (r *runtime) workerGroups() (workergroup.Resolver, error) {
	groups, closeFn, err := cmd.NewWorkerGroups(r.command.String("redis-url"), r.command.StringSlice("worker-groups"))
	if err != nil {
		return nil, err
	}

	r.onClose(func(context.Context) error { return closeFn() })

	return groups, nil
}

func (r *runtime) coordinator(ctx context.Context, groups workergroup.Resolver) (*coordinator.Coordinator, error) {
	blob, err := storage.Open(ctx, r.command.String("storage-url"))
	if err != nil {
		return nil, err
	}

	r.onClose(func(context.Context) error { return blob.Close() })

	orchestrator := executor.New(graph.NewCache(), template.NewRenderer(), groups, blob, r.logger)

	return coordinator.New(r.backend.Store, r.backend.Flows, r.topics, orchestrator, r.cfg.Executor, r.logger, r.collector), nil
}

func (r *runtime) scheduler(groups workergroup.Resolver) *scheduler.Scheduler {
	return scheduler.New(r.backend.Store, r.backend.Flows, r.topics, template.NewRenderer(), groups, r.cfg.Scheduler, r.logger, r.collector)
}

func (r *runtime) bridge(transport string) (*workerbridge.Bridge, error) {
	publisher, subscriber, err := cmd.NewWorkerTransport(transport, r.command.StringSlice("kafka-brokers"), r.logger)
	if err != nil {
		return nil, err
	}

	bridge := workerbridge.New(r.topics, publisher, subscriber, r.logger, r.collector)
	r.onClose(func(context.Context) error {
		err := bridge.Close()
		if errors.Is(err, workerbridge.ErrClosed) {
			return nil
		}

		return err
	})

	return bridge, nil
}

// run starts the services and the admin API, and returns when the first of them
// fails or ctx is done.
func (r *runtime) run(ctx context.Context, api *web.API, services ...service) error {
	defer r.close(ctx)

	g, gctx := errgroup.WithContext(ctx)

	for _, s := range services {
		g.Go(func() error {
			return s.Start(gctx)
		})
	}

	if port := int(r.command.Int("port")); port > 0 {
		g.Go(func() error {
			return api.Start(gctx, port)
		})
	}

	err := g.Wait()
	if err != nil {
		r.logger.ErrorContext(ctx, "flowd stopped on error", "error", err)

		return err
	}

	r.logger.InfoContext(ctx, "flowd stopped")

	return nil
}
