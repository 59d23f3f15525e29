package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
	"gopkg.in/yaml.v3"
)

// FlowRepository reads flows from *.yaml, *.yml and *.json files under a root
// directory. Each file holds one flow; the file revision is kept as is and defaults to 1.
// Invalid files are logged and skipped.
type FlowRepository struct {
	root   string
	logger *slog.Logger
	mu     sync.Mutex
}

var (
	_ persistence.FlowRepository = (*FlowRepository)(nil)
	_ persistence.FlowWriter     = (*FlowRepository)(nil)
)

// NewFlowRepository creates a repository over root, which may carry a file:// prefix.
func NewFlowRepository(root string, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{
		root:   strings.Replace(root, "file://", "", 1),
		logger: logger,
	}
}

// HealthCheck verifies the root directory exists.
func (r *FlowRepository) HealthCheck(_ context.Context) error {
	_, err := os.Stat(r.root)
	if os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return err
}

func isFlowFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

// ParseFlow decodes a flow from YAML or JSON, chosen by the file extension, and validates it.
func ParseFlow(name string, body []byte) (*models.Flow, error) {
	var flow models.Flow

	var err error
	if strings.EqualFold(filepath.Ext(name), ".json") {
		err = json.Unmarshal(body, &flow)
	} else {
		err = yaml.Unmarshal(body, &flow)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", persistence.ErrInvalidFlow, name, err)
	}

	if flow.Revision == 0 {
		flow.Revision = 1
	}

	err = ValidateFlow(&flow)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return &flow, nil
}

func (r *FlowRepository) load(ctx context.Context) ([]*models.Flow, error) {
	flows := make([]*models.Flow, 0)
	seen := map[string]string{}

	err := filepath.WalkDir(r.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.IsDir() || !isFlowFile(entry.Name()) {
			return nil
		}

		body, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("failed to read flow file %s: %w", path, err)
		}

		flow, err := ParseFlow(entry.Name(), body)
		if err != nil {
			r.logger.WarnContext(ctx, "Skipping invalid flow file", "path", path, "error", err)

			return nil
		}

		if other, ok := seen[flow.UID()]; ok {
			r.logger.WarnContext(ctx, "Skipping duplicated flow", "path", path, "flow_uid", flow.UID(), "first_path", other)

			return nil
		}

		seen[flow.UID()] = path
		flows = append(flows, flow)

		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return flows, nil
		}

		return nil, fmt.Errorf("failed to list flow files: %w", err)
	}

	slices.SortFunc(flows, func(a, b *models.Flow) int { return strings.Compare(a.UID(), b.UID()) })

	return flows, nil
}

func (r *FlowRepository) Flows(ctx context.Context) ([]*models.Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.load(ctx)
}

// FlowByID resolves a flow. Files hold a single revision, so an explicit revision
// other than the stored one is not found.
func (r *FlowRepository) FlowByID(ctx context.Context, tenantID, namespace, flowID string, revision int) (*models.Flow, error) {
	uid := models.FlowUID(tenantID, namespace, flowID)

	flows, err := r.Flows(ctx)
	if err != nil {
		return nil, persistence.NewFlowError("FlowByID", uid, revision, err)
	}

	for _, flow := range flows {
		if flow.UID() == uid && (revision <= 0 || flow.Revision == revision) {
			return flow, nil
		}
	}

	return nil, persistence.NewFlowError("FlowByID", uid, revision, persistence.ErrFlowNotFound)
}

func (r *FlowRepository) fileName(tenantID, namespace, flowID string) string {
	return filepath.Join(r.root, models.FlowUID(tenantID, namespace, flowID)+".yaml")
}

// SaveFlow validates a flow and writes it as YAML, bumping the revision of an existing file.
func (r *FlowRepository) SaveFlow(ctx context.Context, flow *models.Flow) error {
	uid := flow.UID()

	err := ValidateFlow(flow)
	if err != nil {
		return persistence.NewFlowError("SaveFlow", uid, flow.Revision, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if flow.Revision == 0 {
		flow.Revision = 1

		flows, err := r.load(ctx)
		if err != nil {
			return persistence.NewFlowError("SaveFlow", uid, 0, err)
		}

		for _, existing := range flows {
			if existing.UID() == uid {
				flow.Revision = existing.Revision + 1
			}
		}
	}

	err = os.MkdirAll(r.root, 0o750)
	if err != nil {
		return persistence.NewFlowError("SaveFlow", uid, flow.Revision, fmt.Errorf("failed to create flows directory: %w", err))
	}

	data, err := yaml.Marshal(flow)
	if err != nil {
		return persistence.NewFlowError("SaveFlow", uid, flow.Revision, fmt.Errorf("failed to marshal flow: %w", err))
	}

	err = os.WriteFile(r.fileName(flow.TenantID, flow.Namespace, flow.ID), data, 0o600)
	if err != nil {
		return persistence.NewFlowError("SaveFlow", uid, flow.Revision, fmt.Errorf("failed to write flow: %w", err))
	}

	return nil
}

func (r *FlowRepository) DeleteFlow(ctx context.Context, tenantID, namespace, flowID string) error {
	uid := models.FlowUID(tenantID, namespace, flowID)

	r.mu.Lock()
	defer r.mu.Unlock()

	err := os.Remove(r.fileName(tenantID, namespace, flowID))
	if err == nil {
		return nil
	}

	if !os.IsNotExist(err) {
		return persistence.NewFlowError("DeleteFlow", uid, 0, fmt.Errorf("failed to delete flow: %w", err))
	}

	// The flow may live in a file named by hand.
	flows, err := r.load(ctx)
	if err != nil {
		return persistence.NewFlowError("DeleteFlow", uid, 0, err)
	}

	for _, flow := range flows {
		if flow.UID() != uid {
			continue
		}

		return persistence.NewFlowError("DeleteFlow", uid, 0,
			fmt.Errorf("flow is defined outside of %s.yaml and cannot be deleted", uid))
	}

	return persistence.NewFlowError("DeleteFlow", uid, 0, persistence.ErrFlowNotFound)
}
