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

// ExecutionRepository handles executions and their deduplication ledger.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
	opts   sqlbase.RetryOptions
}

var _ persistence.ExecutionStore = (*ExecutionRepository)(nil)

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger, opts sqlbase.RetryOptions) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger, opts: opts}
}

// Lock locks the ledger row of the execution (created on first use), loads the
// execution, runs fn and stores both results in the same transaction.
func (r *ExecutionRepository) Lock(ctx context.Context, executionID string, fn persistence.LockFunc) error {
	err := sqlbase.RetryTx(ctx, r.db, r.logger, r.opts, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO executor_states (execution_id, value, updated_at)
			VALUES ($1, '{}', NOW())
			ON CONFLICT (execution_id) DO NOTHING
		`, executionID)
		if err != nil {
			return fmt.Errorf("failed to create executor state: %w", err)
		}

		var stateJSON []byte

		err = tx.QueryRowContext(ctx,
			"SELECT value FROM executor_states WHERE execution_id = $1 FOR UPDATE", executionID,
		).Scan(&stateJSON)
		if err != nil {
			return fmt.Errorf("failed to lock executor state: %w", err)
		}

		var state models.ExecutorState

		err = json.Unmarshal(stateJSON, &state)
		if err != nil {
			return fmt.Errorf("failed to unmarshal executor state: %w", err)
		}

		state.ExecutionID = executionID
		state = state.Normalize()

		current, err := r.findByID(ctx, tx, executionID)
		if err != nil && !errors.Is(err, persistence.ErrExecutionNotFound) {
			return err
		}

		next, nextState, err := fn(ctx, current, state)
		if err != nil {
			return err
		}

		if next != nil {
			err = r.save(ctx, tx, *next)
			if err != nil {
				return err
			}
		}

		nextStateJSON, err := json.Marshal(nextState)
		if err != nil {
			return fmt.Errorf("failed to marshal executor state: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE executor_states SET value = $2, updated_at = $3 WHERE execution_id = $1",
			executionID, nextStateJSON, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to save executor state: %w", err)
		}

		return nil
	})
	if err != nil {
		return persistence.NewExecutionError("Lock", executionID, err)
	}

	return nil
}

// FindByID returns the stored execution.
func (r *ExecutionRepository) FindByID(ctx context.Context, executionID string) (*models.Execution, error) {
	execution, err := r.findByID(ctx, r.db, executionID)
	if err != nil {
		return nil, persistence.NewExecutionError("FindByID", executionID, err)
	}

	return execution, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *ExecutionRepository) findByID(ctx context.Context, q queryer, executionID string) (*models.Execution, error) {
	var value []byte

	err := q.QueryRowContext(ctx, "SELECT value FROM executions WHERE id = $1", executionID).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to query execution: %w", err)
	}

	var execution models.Execution

	err = json.Unmarshal(value, &execution)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}

	return &execution, nil
}

// FindChildren returns the subflow executions started by an execution.
func (r *ExecutionRepository) FindChildren(ctx context.Context, parentExecutionID string) ([]models.Execution, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT value FROM executions WHERE parent_execution_id = $1 ORDER BY updated_at", parentExecutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query child executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	children := make([]models.Execution, 0)

	for rows.Next() {
		var value []byte

		err := rows.Scan(&value)
		if err != nil {
			return nil, fmt.Errorf("failed to scan child execution: %w", err)
		}

		var child models.Execution

		err = json.Unmarshal(value, &child)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal child execution: %w", err)
		}

		children = append(children, child)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating child executions: %w", err)
	}

	return children, nil
}

// Save stores an execution outside of a lock.
func (r *ExecutionRepository) Save(ctx context.Context, execution models.Execution) error {
	err := r.save(ctx, r.db, execution)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *ExecutionRepository) save(ctx context.Context, e execer, execution models.Execution) error {
	value, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	var parentID sql.NullString
	if execution.Parent != nil {
		parentID = sql.NullString{String: execution.Parent.ExecutionID, Valid: true}
	}

	_, err = e.ExecContext(ctx, `
		INSERT INTO executions (id, tenant_id, namespace, flow_id, parent_execution_id, state, value, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`,
		execution.ID,
		execution.TenantID,
		execution.Namespace,
		execution.FlowID,
		parentID,
		string(execution.State.Current),
		value,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	return nil
}

// Purge removes the ledger of a terminated execution. The execution itself is kept.
func (r *ExecutionRepository) Purge(ctx context.Context, executionID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM executor_states WHERE execution_id = $1", executionID)
	if err != nil {
		return persistence.NewExecutionError("Purge", executionID, fmt.Errorf("failed to delete executor state: %w", err))
	}

	return nil
}
