package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
)

// SLAMonitorRepository stores MAX_DURATION deadlines.
type SLAMonitorRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ persistence.SLAMonitorStore = (*SLAMonitorRepository)(nil)

// NewSLAMonitorRepository creates a new SLA monitor repository.
func NewSLAMonitorRepository(db *sql.DB, logger *slog.Logger) *SLAMonitorRepository {
	return &SLAMonitorRepository{db: db, logger: logger}
}

func (r *SLAMonitorRepository) Save(ctx context.Context, monitor models.SLAMonitor) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sla_monitors (execution_id, sla_id, deadline)
		VALUES ($1, $2, $3)
		ON CONFLICT (execution_id, sla_id) DO UPDATE SET deadline = EXCLUDED.deadline
	`, monitor.ExecutionID, monitor.SLAID, monitor.Deadline.UTC())
	if err != nil {
		return fmt.Errorf("failed to save SLA monitor: %w", err)
	}

	return nil
}

func (r *SLAMonitorRepository) ProcessExpired(ctx context.Context, now time.Time, fn func(ctx context.Context, monitor models.SLAMonitor) error) error {
	for range sweepBatchSize {
		processed, err := r.processOne(ctx, now, fn)
		if err != nil {
			return err
		}

		if !processed {
			return nil
		}
	}

	return nil
}

func (r *SLAMonitorRepository) processOne(ctx context.Context, now time.Time, fn func(ctx context.Context, monitor models.SLAMonitor) error) (processed bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil || !processed {
			_ = tx.Rollback()
		}
	}()

	var monitor models.SLAMonitor

	err = tx.QueryRowContext(ctx, `
		SELECT execution_id, sla_id, deadline FROM sla_monitors
		WHERE deadline <= $1
		ORDER BY deadline
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, now.UTC()).Scan(&monitor.ExecutionID, &monitor.SLAID, &monitor.Deadline)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("failed to claim SLA monitor: %w", err)
	}

	err = fn(ctx, monitor)
	if err != nil {
		return false, fmt.Errorf("failed to process SLA monitor %s/%s: %w", monitor.ExecutionID, monitor.SLAID, err)
	}

	_, err = tx.ExecContext(ctx,
		"DELETE FROM sla_monitors WHERE execution_id = $1 AND sla_id = $2", monitor.ExecutionID, monitor.SLAID)
	if err != nil {
		return false, fmt.Errorf("failed to delete SLA monitor: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return false, fmt.Errorf("failed to commit SLA monitor: %w", err)
	}

	return true, nil
}

func (r *SLAMonitorRepository) DeleteByExecution(ctx context.Context, executionID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM sla_monitors WHERE execution_id = $1", executionID)
	if err != nil {
		return fmt.Errorf("failed to delete SLA monitors: %w", err)
	}

	return nil
}
