package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
)

// LogRepository stores execution logs.
type LogRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ persistence.LogStore = (*LogRepository)(nil)

// NewLogRepository creates a new log repository.
func NewLogRepository(db *sql.DB, logger *slog.Logger) *LogRepository {
	return &LogRepository{db: db, logger: logger}
}

func (r *LogRepository) Save(ctx context.Context, entries ...models.LogEntry) error {
	for _, entry := range entries {
		value, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal log entry: %w", err)
		}

		_, err = r.db.ExecContext(ctx, `
			INSERT INTO logs (execution_id, task_run_id, level, message, timestamp, value)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, entry.ExecutionID, entry.TaskRunID, string(entry.Level), entry.Message, entry.Timestamp.UTC(), value)
		if err != nil {
			return fmt.Errorf("failed to save log entry: %w", err)
		}
	}

	return nil
}

func (r *LogRepository) FindByExecution(ctx context.Context, executionID string) ([]models.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT value FROM logs WHERE execution_id = $1 ORDER BY id", executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	entries := make([]models.LogEntry, 0)

	for rows.Next() {
		var value []byte

		err := rows.Scan(&value)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}

		var entry models.LogEntry

		err = json.Unmarshal(value, &entry)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal log entry: %w", err)
		}

		entries = append(entries, entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating logs: %w", err)
	}

	return entries, nil
}
