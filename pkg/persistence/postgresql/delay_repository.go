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
)

// sweepBatchSize bounds the rows a sweeper claims per call.
const sweepBatchSize = 100

// DelayRepository stores execution delays.
type DelayRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ persistence.DelayStore = (*DelayRepository)(nil)

// NewDelayRepository creates a new delay repository.
func NewDelayRepository(db *sql.DB, logger *slog.Logger) *DelayRepository {
	return &DelayRepository{db: db, logger: logger}
}

// Save stores a delay, replacing the one with the same uid.
func (r *DelayRepository) Save(ctx context.Context, delay models.ExecutionDelay) error {
	value, err := json.Marshal(delay)
	if err != nil {
		return fmt.Errorf("failed to marshal delay: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO execution_delays (uid, execution_id, date, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (uid) DO UPDATE SET
			date = EXCLUDED.date,
			value = EXCLUDED.value
	`, delay.UID(), delay.ExecutionID, delay.Date.UTC(), value)
	if err != nil {
		return fmt.Errorf("failed to save delay: %w", err)
	}

	return nil
}

// ProcessDue claims due delays one transaction at a time with SKIP LOCKED, so
// concurrent sweepers never process the same row.
func (r *DelayRepository) ProcessDue(ctx context.Context, now time.Time, fn func(ctx context.Context, delay models.ExecutionDelay) error) error {
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

func (r *DelayRepository) processOne(ctx context.Context, now time.Time, fn func(ctx context.Context, delay models.ExecutionDelay) error) (processed bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil || !processed {
			_ = tx.Rollback()
		}
	}()

	var (
		uid   string
		value []byte
	)

	err = tx.QueryRowContext(ctx, `
		SELECT uid, value FROM execution_delays
		WHERE date <= $1
		ORDER BY date
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, now.UTC()).Scan(&uid, &value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("failed to claim delay: %w", err)
	}

	var delay models.ExecutionDelay

	err = json.Unmarshal(value, &delay)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal delay %s: %w", uid, err)
	}

	err = fn(ctx, delay)
	if err != nil {
		return false, fmt.Errorf("failed to process delay %s: %w", uid, err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM execution_delays WHERE uid = $1", uid)
	if err != nil {
		return false, fmt.Errorf("failed to delete delay %s: %w", uid, err)
	}

	err = tx.Commit()
	if err != nil {
		return false, fmt.Errorf("failed to commit delay %s: %w", uid, err)
	}

	return true, nil
}

// DeleteByExecution removes every delay of an execution.
func (r *DelayRepository) DeleteByExecution(ctx context.Context, executionID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM execution_delays WHERE execution_id = $1", executionID)
	if err != nil {
		return fmt.Errorf("failed to delete delays: %w", err)
	}

	return nil
}
