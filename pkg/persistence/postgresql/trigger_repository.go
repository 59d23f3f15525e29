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

// TriggerRepository stores the scheduler cursors.
type TriggerRepository struct {
	db     *sql.DB
	logger *slog.Logger
	opts   sqlbase.RetryOptions
}

var _ persistence.TriggerStore = (*TriggerRepository)(nil)

// NewTriggerRepository creates a new trigger repository.
func NewTriggerRepository(db *sql.DB, logger *slog.Logger, opts sqlbase.RetryOptions) *TriggerRepository {
	return &TriggerRepository{db: db, logger: logger, opts: opts}
}

func (r *TriggerRepository) FindAll(ctx context.Context) ([]models.Trigger, error) {
	return r.query(ctx, "SELECT value FROM triggers ORDER BY uid")
}

// FindDue returns enabled triggers whose next date passed, plus running backfills.
func (r *TriggerRepository) FindDue(ctx context.Context, now time.Time) ([]models.Trigger, error) {
	return r.query(ctx, `
		SELECT value FROM triggers
		WHERE disabled = FALSE
		  AND (next_execution_date <= $1 OR backfill = TRUE)
		ORDER BY next_execution_date
	`, now.UTC())
}

func (r *TriggerRepository) query(ctx context.Context, query string, args ...any) ([]models.Trigger, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	triggers := make([]models.Trigger, 0)

	for rows.Next() {
		var value []byte

		err := rows.Scan(&value)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}

		var trigger models.Trigger

		err = json.Unmarshal(value, &trigger)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
		}

		triggers = append(triggers, trigger)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}

	return triggers, nil
}

func (r *TriggerRepository) FindByUID(ctx context.Context, uid string) (*models.Trigger, error) {
	trigger, err := r.findByUID(ctx, r.db, uid, false)
	if err != nil {
		return nil, persistence.NewTriggerError("FindByUID", uid, err)
	}

	return trigger, nil
}

func (r *TriggerRepository) findByUID(ctx context.Context, q queryer, uid string, forUpdate bool) (*models.Trigger, error) {
	query := "SELECT value FROM triggers WHERE uid = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var value []byte

	err := q.QueryRowContext(ctx, query, uid).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTriggerNotFound
		}

		return nil, fmt.Errorf("failed to query trigger: %w", err)
	}

	var trigger models.Trigger

	err = json.Unmarshal(value, &trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}

	return &trigger, nil
}

func (r *TriggerRepository) Save(ctx context.Context, trigger models.Trigger) error {
	err := r.save(ctx, r.db, trigger)
	if err != nil {
		return persistence.NewTriggerError("Save", trigger.UID(), err)
	}

	return nil
}

func (r *TriggerRepository) save(ctx context.Context, e execer, trigger models.Trigger) error {
	value, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	var next sql.NullTime
	if trigger.NextExecutionDate != nil {
		next = sql.NullTime{Time: trigger.NextExecutionDate.UTC(), Valid: true}
	}

	backfill := trigger.Backfill != nil && !trigger.Backfill.Paused

	_, err = e.ExecContext(ctx, `
		INSERT INTO triggers (uid, tenant_id, namespace, flow_id, trigger_id, next_execution_date, backfill, disabled, value, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (uid) DO UPDATE SET
			next_execution_date = EXCLUDED.next_execution_date,
			backfill = EXCLUDED.backfill,
			disabled = EXCLUDED.disabled,
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`,
		trigger.UID(),
		trigger.TenantID,
		trigger.Namespace,
		trigger.FlowID,
		trigger.TriggerID,
		next,
		backfill,
		trigger.Disabled,
		value,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save trigger: %w", err)
	}

	return nil
}

// Lock updates one trigger under a row lock.
func (r *TriggerRepository) Lock(ctx context.Context, uid string, fn func(trigger models.Trigger) (*models.Trigger, error)) error {
	err := sqlbase.RetryTx(ctx, r.db, r.logger, r.opts, func(tx *sql.Tx) error {
		current, err := r.findByUID(ctx, tx, uid, true)
		if err != nil {
			return err
		}

		next, err := fn(*current)
		if err != nil {
			return err
		}

		if next == nil {
			return nil
		}

		return r.save(ctx, tx, *next)
	})
	if err != nil {
		return persistence.NewTriggerError("Lock", uid, err)
	}

	return nil
}

func (r *TriggerRepository) Delete(ctx context.Context, uid string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM triggers WHERE uid = $1", uid)
	if err != nil {
		return persistence.NewTriggerError("Delete", uid, fmt.Errorf("failed to delete trigger: %w", err))
	}

	return nil
}
