package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
	"github.com/dukex/flowd/pkg/persistence/sqlbase"
)

// ConcurrencyRepository tracks running and queued executions per flow. Every operation
// locks the concurrency_limits row of the flow so that counting and admitting is atomic.
type ConcurrencyRepository struct {
	db     *sql.DB
	logger *slog.Logger
	opts   sqlbase.RetryOptions
}

var _ persistence.ConcurrencyStore = (*ConcurrencyRepository)(nil)

// NewConcurrencyRepository creates a new concurrency repository.
func NewConcurrencyRepository(db *sql.DB, logger *slog.Logger, opts sqlbase.RetryOptions) *ConcurrencyRepository {
	return &ConcurrencyRepository{db: db, logger: logger, opts: opts}
}

func lockFlow(ctx context.Context, tx *sql.Tx, flowUID string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO concurrency_limits (flow_uid) VALUES ($1) ON CONFLICT (flow_uid) DO NOTHING", flowUID)
	if err != nil {
		return fmt.Errorf("failed to create concurrency lock: %w", err)
	}

	var locked string

	err = tx.QueryRowContext(ctx,
		"SELECT flow_uid FROM concurrency_limits WHERE flow_uid = $1 FOR UPDATE", flowUID).Scan(&locked)
	if err != nil {
		return fmt.Errorf("failed to lock flow concurrency: %w", err)
	}

	return nil
}

// CountThenProcess counts the running executions of the flow under its lock and stores
// the marker returned by fn.
func (r *ConcurrencyRepository) CountThenProcess(ctx context.Context, flowUID string, fn func(running int) (*models.ExecutionRunning, error)) error {
	return sqlbase.RetryTx(ctx, r.db, r.logger, r.opts, func(tx *sql.Tx) error {
		err := lockFlow(ctx, tx, flowUID)
		if err != nil {
			return err
		}

		var running int

		err = tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM execution_running WHERE flow_uid = $1", flowUID).Scan(&running)
		if err != nil {
			return fmt.Errorf("failed to count running executions: %w", err)
		}

		marker, err := fn(running)
		if err != nil {
			return err
		}

		if marker == nil {
			return nil
		}

		value, err := json.Marshal(marker)
		if err != nil {
			return fmt.Errorf("failed to marshal concurrency marker: %w", err)
		}

		switch marker.ConcurrencyState {
		case models.ConcurrencyStateQueued:
			queued, err := json.Marshal(models.ExecutionQueued{
				TenantID:  marker.TenantID,
				Namespace: marker.Namespace,
				FlowID:    marker.FlowID,
				Date:      time.Now().UTC(),
				Execution: marker.Execution,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal queued execution: %w", err)
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO execution_queued (execution_id, flow_uid, date, value)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (execution_id) DO NOTHING
			`, marker.Execution.ID, flowUID, time.Now().UTC(), queued)
			if err != nil {
				return fmt.Errorf("failed to queue execution: %w", err)
			}
		default:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO execution_running (execution_id, flow_uid, value, created_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (execution_id) DO NOTHING
			`, marker.Execution.ID, flowUID, value, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("failed to mark execution running: %w", err)
			}
		}

		return nil
	})
}

// Release frees the slot of a terminated execution and promotes the oldest queued one.
// An execution that never held a slot is only removed from the queue.
func (r *ConcurrencyRepository) Release(ctx context.Context, execution models.Execution) (*models.ExecutionQueued, error) {
	var promoted *models.ExecutionQueued

	flowUID := execution.FlowUID()

	err := sqlbase.RetryTx(ctx, r.db, r.logger, r.opts, func(tx *sql.Tx) error {
		promoted = nil

		err := lockFlow(ctx, tx, flowUID)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM execution_running WHERE execution_id = $1", execution.ID)
		if err != nil {
			return fmt.Errorf("failed to release execution: %w", err)
		}

		released, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to release execution: %w", err)
		}

		_, err = tx.ExecContext(ctx, "DELETE FROM execution_queued WHERE execution_id = $1", execution.ID)
		if err != nil {
			return fmt.Errorf("failed to unqueue execution: %w", err)
		}

		// only a freed slot promotes
		if released == 0 {
			return nil
		}

		var value []byte

		err = tx.QueryRowContext(ctx, `
			SELECT value FROM execution_queued
			WHERE flow_uid = $1
			ORDER BY date
			LIMIT 1
		`, flowUID).Scan(&value)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}

			return fmt.Errorf("failed to pop queued execution: %w", err)
		}

		var queued models.ExecutionQueued

		err = json.Unmarshal(value, &queued)
		if err != nil {
			return fmt.Errorf("failed to unmarshal queued execution: %w", err)
		}

		_, err = tx.ExecContext(ctx, "DELETE FROM execution_queued WHERE execution_id = $1", queued.Execution.ID)
		if err != nil {
			return fmt.Errorf("failed to delete queued execution: %w", err)
		}

		running, err := json.Marshal(models.NewExecutionRunning(queued.Execution, models.ConcurrencyStateRunning))
		if err != nil {
			return fmt.Errorf("failed to marshal concurrency marker: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO execution_running (execution_id, flow_uid, value, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (execution_id) DO NOTHING
		`, queued.Execution.ID, flowUID, running, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to promote queued execution: %w", err)
		}

		promoted = &queued

		return nil
	})
	if err != nil {
		return nil, persistence.NewExecutionError("Release", execution.ID, err)
	}

	return promoted, nil
}
