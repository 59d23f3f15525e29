package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
)

type flowSlots struct {
	running map[string]models.ExecutionRunning
	queued  []models.ExecutionQueued
}

// ConcurrencyStore serializes admissions of all flows behind one mutex.
type ConcurrencyStore struct {
	mu    sync.Mutex
	flows map[string]*flowSlots
}

var _ persistence.ConcurrencyStore = (*ConcurrencyStore)(nil)

func NewConcurrencyStore() *ConcurrencyStore {
	return &ConcurrencyStore{flows: map[string]*flowSlots{}}
}

func (s *ConcurrencyStore) slots(flowUID string) *flowSlots {
	slots, ok := s.flows[flowUID]
	if !ok {
		slots = &flowSlots{running: map[string]models.ExecutionRunning{}}
		s.flows[flowUID] = slots
	}

	return slots
}

func (s *ConcurrencyStore) CountThenProcess(_ context.Context, flowUID string, fn func(running int) (*models.ExecutionRunning, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := s.slots(flowUID)

	marker, err := fn(len(slots.running))
	if err != nil {
		return err
	}

	if marker == nil || s.known(slots, marker.Execution.ID) {
		return nil
	}

	if marker.ConcurrencyState == models.ConcurrencyStateQueued {
		slots.queued = append(slots.queued, models.ExecutionQueued{
			TenantID:  marker.TenantID,
			Namespace: marker.Namespace,
			FlowID:    marker.FlowID,
			Date:      time.Now().UTC(),
			Execution: marker.Execution,
		})

		return nil
	}

	slots.running[marker.Execution.ID] = *marker

	return nil
}

func (s *ConcurrencyStore) known(slots *flowSlots, executionID string) bool {
	if _, ok := slots.running[executionID]; ok {
		return true
	}

	return slices.ContainsFunc(slots.queued, func(q models.ExecutionQueued) bool {
		return q.Execution.ID == executionID
	})
}

func (s *ConcurrencyStore) Release(_ context.Context, execution models.Execution) (*models.ExecutionQueued, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := s.slots(execution.FlowUID())

	_, released := slots.running[execution.ID]

	delete(slots.running, execution.ID)
	slots.queued = slices.DeleteFunc(slots.queued, func(q models.ExecutionQueued) bool {
		return q.Execution.ID == execution.ID
	})

	if !released || len(slots.queued) == 0 {
		return nil, nil
	}

	promoted := slots.queued[0]
	slots.queued = slots.queued[1:]
	slots.running[promoted.Execution.ID] = models.NewExecutionRunning(promoted.Execution, models.ConcurrencyStateRunning)

	return &promoted, nil
}

// Counts returns the number of running and queued executions of a flow.
func (s *ConcurrencyStore) Counts(flowUID string) (running, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := s.slots(flowUID)

	return len(slots.running), len(slots.queued)
}
