package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
)

type flowRevisions struct {
	revisions []*models.Flow
	deleted   bool
}

// FlowStore keeps every revision of every flow.
type FlowStore struct {
	mu    sync.RWMutex
	flows map[string]*flowRevisions
}

var (
	_ persistence.FlowRepository = (*FlowStore)(nil)
	_ persistence.FlowWriter     = (*FlowStore)(nil)
)

func NewFlowStore(flows ...*models.Flow) *FlowStore {
	store := &FlowStore{flows: map[string]*flowRevisions{}}

	for _, flow := range flows {
		_ = store.SaveFlow(context.Background(), flow)
	}

	return store
}

func (s *FlowStore) Flows(_ context.Context) ([]*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flows := make([]*models.Flow, 0, len(s.flows))

	for _, entry := range s.flows {
		if entry.deleted || len(entry.revisions) == 0 {
			continue
		}

		flows = append(flows, entry.revisions[len(entry.revisions)-1])
	}

	slices.SortFunc(flows, func(a, b *models.Flow) int { return strings.Compare(a.UID(), b.UID()) })

	return flows, nil
}

func (s *FlowStore) FlowByID(_ context.Context, tenantID, namespace, flowID string, revision int) (*models.Flow, error) {
	uid := models.FlowUID(tenantID, namespace, flowID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.flows[uid]
	if !ok || len(entry.revisions) == 0 {
		return nil, persistence.NewFlowError("FlowByID", uid, revision, persistence.ErrFlowNotFound)
	}

	if revision <= 0 {
		if entry.deleted {
			return nil, persistence.NewFlowError("FlowByID", uid, revision, persistence.ErrFlowNotFound)
		}

		return entry.revisions[len(entry.revisions)-1], nil
	}

	for _, flow := range entry.revisions {
		if flow.Revision == revision {
			return flow, nil
		}
	}

	return nil, persistence.NewFlowError("FlowByID", uid, revision, persistence.ErrFlowNotFound)
}

// SaveFlow appends a revision. A zero revision is replaced by the next free one.
func (s *FlowStore) SaveFlow(_ context.Context, flow *models.Flow) error {
	uid := flow.UID()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.flows[uid]
	if !ok {
		entry = &flowRevisions{}
		s.flows[uid] = entry
	}

	if flow.Revision == 0 {
		flow.Revision = len(entry.revisions) + 1
		if n := len(entry.revisions); n > 0 && entry.revisions[n-1].Revision >= flow.Revision {
			flow.Revision = entry.revisions[n-1].Revision + 1
		}
	}

	stored := *flow

	idx := slices.IndexFunc(entry.revisions, func(f *models.Flow) bool { return f.Revision == flow.Revision })
	if idx >= 0 {
		entry.revisions[idx] = &stored
	} else {
		entry.revisions = append(entry.revisions, &stored)
		slices.SortFunc(entry.revisions, func(a, b *models.Flow) int { return a.Revision - b.Revision })
	}

	entry.deleted = false

	return nil
}

func (s *FlowStore) DeleteFlow(_ context.Context, tenantID, namespace, flowID string) error {
	uid := models.FlowUID(tenantID, namespace, flowID)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.flows[uid]
	if !ok {
		return persistence.NewFlowError("DeleteFlow", uid, 0, persistence.ErrFlowNotFound)
	}

	entry.deleted = true

	return nil
}
