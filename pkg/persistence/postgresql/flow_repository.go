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

// FlowRepository stores every revision of every flow.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ persistence.FlowRepository = (*FlowRepository)(nil)
	_ persistence.FlowWriter     = (*FlowRepository)(nil)
)

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(db *sql.DB, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{db: db, logger: logger}
}

// Flows returns the last revision of every flow not deleted.
func (r *FlowRepository) Flows(ctx context.Context) ([]*models.Flow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (uid) value, deleted
		FROM flows
		ORDER BY uid, revision DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	flows := make([]*models.Flow, 0)

	for rows.Next() {
		var (
			value   []byte
			deleted bool
		)

		err := rows.Scan(&value, &deleted)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		if deleted {
			continue
		}

		var flow models.Flow

		err = json.Unmarshal(value, &flow)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow: %w", err)
		}

		flows = append(flows, &flow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

// FlowByID returns a revision of a flow, the last one when revision is 0. Deleted
// flows still resolve by explicit revision so running executions can finish.
func (r *FlowRepository) FlowByID(ctx context.Context, tenantID, namespace, flowID string, revision int) (*models.Flow, error) {
	uid := models.FlowUID(tenantID, namespace, flowID)

	var (
		row   *sql.Row
		value []byte
	)

	if revision > 0 {
		row = r.db.QueryRowContext(ctx, "SELECT value FROM flows WHERE uid = $1 AND revision = $2", uid, revision)
	} else {
		row = r.db.QueryRowContext(ctx,
			"SELECT value FROM flows WHERE uid = $1 AND deleted = FALSE ORDER BY revision DESC LIMIT 1", uid)
	}

	err := row.Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowError("FlowByID", uid, revision, persistence.ErrFlowNotFound)
		}

		return nil, persistence.NewFlowError("FlowByID", uid, revision, fmt.Errorf("failed to query flow: %w", err))
	}

	var flow models.Flow

	err = json.Unmarshal(value, &flow)
	if err != nil {
		return nil, persistence.NewFlowError("FlowByID", uid, revision, fmt.Errorf("failed to unmarshal flow: %w", err))
	}

	return &flow, nil
}

// SaveFlow stores a new revision. A zero revision is replaced by the next free one.
func (r *FlowRepository) SaveFlow(ctx context.Context, flow *models.Flow) error {
	uid := flow.UID()

	if flow.Revision == 0 {
		var last int

		err := r.db.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(revision), 0) FROM flows WHERE uid = $1", uid).Scan(&last)
		if err != nil {
			return persistence.NewFlowError("SaveFlow", uid, 0, fmt.Errorf("failed to query last revision: %w", err))
		}

		flow.Revision = last + 1
	}

	value, err := json.Marshal(flow)
	if err != nil {
		return persistence.NewFlowError("SaveFlow", uid, flow.Revision, fmt.Errorf("failed to marshal flow: %w", err))
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO flows (uid, revision, tenant_id, namespace, flow_id, value, deleted, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (uid, revision) DO UPDATE SET
			value = EXCLUDED.value,
			deleted = FALSE,
			updated_at = EXCLUDED.updated_at
	`, uid, flow.Revision, flow.TenantID, flow.Namespace, flow.ID, value, time.Now().UTC())
	if err != nil {
		return persistence.NewFlowError("SaveFlow", uid, flow.Revision, fmt.Errorf("failed to save flow: %w", err))
	}

	return nil
}

// DeleteFlow soft deletes every revision of a flow.
func (r *FlowRepository) DeleteFlow(ctx context.Context, tenantID, namespace, flowID string) error {
	uid := models.FlowUID(tenantID, namespace, flowID)

	_, err := r.db.ExecContext(ctx, "UPDATE flows SET deleted = TRUE, updated_at = $2 WHERE uid = $1", uid, time.Now().UTC())
	if err != nil {
		return persistence.NewFlowError("DeleteFlow", uid, 0, fmt.Errorf("failed to delete flow: %w", err))
	}

	return nil
}
