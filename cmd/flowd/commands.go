package main

import (
	"context"
	"errors"

	"github.com/dukex/flowd/pkg/web"
	cli "github.com/urfave/cli/v3"
)

var ErrMigrateNeedsDatabase = errors.New("migrate needs a postgres:// database url")

func NewExecutorCommand() *cli.Command {
	return &cli.Command{
		Name:  "executor",
		Usage: "Run the coordinator: drive executions from the queue",
		Action: func(ctx context.Context, command *cli.Command) error {
			r, err := newRuntime(ctx, command, "executor")
			if err != nil {
				return err
			}

			groups, err := r.workerGroups()
			if err != nil {
				r.close(ctx)

				return err
			}

			coordinator, err := r.coordinator(ctx, groups)
			if err != nil {
				r.close(ctx)

				return err
			}

			api := web.NewAPI(r.logger, r.backend.Store, r.queue, coordinator, nil, r.registry)

			return r.run(ctx, api, coordinator)
		},
	}
}

func NewSchedulerCommand() *cli.Command {
	return &cli.Command{
		Name:  "scheduler",
		Usage: "Run the scheduler: evaluate flow triggers",
		Action: func(ctx context.Context, command *cli.Command) error {
			r, err := newRuntime(ctx, command, "scheduler")
			if err != nil {
				return err
			}

			groups, err := r.workerGroups()
			if err != nil {
				r.close(ctx)

				return err
			}

			scheduler := r.scheduler(groups)
			api := web.NewAPI(r.logger, r.backend.Store, r.queue, nil, scheduler, r.registry)

			return r.run(ctx, api, scheduler)
		},
	}
}

func NewStandaloneCommand() *cli.Command {
	return &cli.Command{
		Name:  "standalone",
		Usage: "Run the coordinator, the scheduler and, with a worker transport, the worker bridge in one process",
		Action: func(ctx context.Context, command *cli.Command) error {
			r, err := newRuntime(ctx, command, "standalone")
			if err != nil {
				return err
			}

			groups, err := r.workerGroups()
			if err != nil {
				r.close(ctx)

				return err
			}

			coordinator, err := r.coordinator(ctx, groups)
			if err != nil {
				r.close(ctx)

				return err
			}

			scheduler := r.scheduler(groups)
			services := []service{coordinator, scheduler}

			if transport := command.String("worker-transport"); transport != "" {
				bridge, err := r.bridge(transport)
				if err != nil {
					r.close(ctx)

					return err
				}

				services = append(services, bridge)
			}

			api := web.NewAPI(r.logger, r.backend.Store, r.queue, coordinator, scheduler, r.registry)

			return r.run(ctx, api, services...)
		},
	}
}

func NewWorkerBridgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker-bridge",
		Usage: "Forward worker tasks to the worker transport and worker results back to the queue",
		Action: func(ctx context.Context, command *cli.Command) error {
			r, err := newRuntime(ctx, command, "worker-bridge")
			if err != nil {
				return err
			}

			transport := command.String("worker-transport")
			if transport == "" {
				transport = "kafka"
			}

			bridge, err := r.bridge(transport)
			if err != nil {
				r.close(ctx)

				return err
			}

			api := web.NewAPI(r.logger, r.backend.Store, r.queue, nil, nil, r.registry)

			return r.run(ctx, api, bridge)
		},
	}
}

func NewMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the store and queue migrations, then exit",
		Action: func(ctx context.Context, command *cli.Command) error {
			r, err := newRuntime(ctx, command, "migrate")
			if err != nil {
				return err
			}
			defer r.close(ctx)

			if r.backend.DB == nil {
				return ErrMigrateNeedsDatabase
			}

			r.logger.InfoContext(ctx, "Migrations applied")

			return nil
		},
	}
}
