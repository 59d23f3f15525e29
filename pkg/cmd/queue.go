package cmd

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/dukex/flowd/pkg/config"
	"github.com/dukex/flowd/pkg/metrics"
	"github.com/dukex/flowd/pkg/queue"
	memqueue "github.com/dukex/flowd/pkg/queue/memory"
	"github.com/dukex/flowd/pkg/queue/postgresql"
)

// NewQueue opens the queue next to the store: on db when set, in memory otherwise.
//
// nolint:ireturn // the queue implementation depends on the store
func NewQueue(ctx context.Context, db *sql.DB, cfg config.QueueConfig, logger *slog.Logger, collector *metrics.Collector) (queue.Queue, error) {
	opts := queue.PollOptionsFromConfig(cfg)

	if db == nil {
		return memqueue.New(opts, logger, collector), nil
	}

	return postgresql.New(ctx, db, opts, logger, collector)
}
