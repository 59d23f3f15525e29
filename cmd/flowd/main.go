// Package main provides the flowd command: the executor, scheduler and worker bridge
// roles of the workflow engine, alone or together.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		slog.Error("flowd stopped", "error", err)
		stop()
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:                  "flowd",
		Usage:                 "Durable workflow engine",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Store and queue connection URL (memory://, postgres://...)",
				Value:   "memory://",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "flows",
				Usage:   "Directory of flow files (file://<dir>); flows are read from the database when empty",
				Sources: cli.EnvVars("FLOWS_URL"),
			},
			&cli.StringFlag{
				Name:    "storage-url",
				Usage:   "Bucket URL of the execution files (mem://, file:///path, s3://...)",
				Value:   "mem://",
				Sources: cli.EnvVars("STORAGE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL of the worker group heartbeats; groups are static when empty",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringSliceFlag{
				Name:    "worker-groups",
				Usage:   "Worker groups always available when no Redis URL is set",
				Sources: cli.EnvVars("WORKER_GROUPS"),
			},
			&cli.StringFlag{
				Name:    "worker-transport",
				Usage:   "Broker of the worker bridge (kafka, gochannel); no bridge runs in standalone mode when empty",
				Sources: cli.EnvVars("WORKER_TRANSPORT"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers of the worker transport",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "Admin API port, 0 disables it",
				Value:   9090,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Commands: []*cli.Command{
			NewExecutorCommand(),
			NewSchedulerCommand(),
			NewStandaloneCommand(),
			NewWorkerBridgeCommand(),
			NewMigrateCommand(),
		},
	}
}
