// Package postgresql provides the PostgreSQL implementation of the engine stores.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/flowd/pkg/persistence"
	"github.com/dukex/flowd/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db          *sql.DB
	logger      *slog.Logger
	executions  *ExecutionRepository
	delays      *DelayRepository
	slaMonitors *SLAMonitorRepository
	concurrency *ConcurrencyRepository
	triggers    *TriggerRepository
	flows       *FlowRepository
	logs        *LogRepository
}

var _ persistence.Persistence = (*Persistence)(nil)

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	return NewPersistenceWithOptions(ctx, logger, databaseURL, sqlbase.DefaultRetryOptions())
}

// NewPersistenceWithOptions creates the persistence layer with explicit lock retry options.
func NewPersistenceWithOptions(ctx context.Context, logger *slog.Logger, databaseURL string, opts sqlbase.RetryOptions) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrationComponent, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:          database,
		logger:      logger,
		executions:  NewExecutionRepository(database, logger, opts),
		delays:      NewDelayRepository(database, logger),
		slaMonitors: NewSLAMonitorRepository(database, logger),
		concurrency: NewConcurrencyRepository(database, logger, opts),
		triggers:    NewTriggerRepository(database, logger, opts),
		flows:       NewFlowRepository(database, logger),
		logs:        NewLogRepository(database, logger),
	}, nil
}

// DB exposes the connection pool, shared with the queue.
func (p *Persistence) DB() *sql.DB {
	return p.db
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) Executions() persistence.ExecutionStore {
	return p.executions
}

func (p *Persistence) Delays() persistence.DelayStore {
	return p.delays
}

func (p *Persistence) SLAMonitors() persistence.SLAMonitorStore {
	return p.slaMonitors
}

func (p *Persistence) Concurrency() persistence.ConcurrencyStore {
	return p.concurrency
}

func (p *Persistence) Triggers() persistence.TriggerStore {
	return p.triggers
}

func (p *Persistence) Logs() persistence.LogStore {
	return p.logs
}

// Flows returns the flow repository backed by the flows table.
func (p *Persistence) Flows() *FlowRepository {
	return p.flows
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}
