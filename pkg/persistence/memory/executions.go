package memory

import (
	"context"
	"sync"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
)

// ExecutionStore keeps executions and ledgers in maps. Lock holds a mutex per execution id.
type ExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]models.Execution
	states     map[string]models.ExecutorState

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

var _ persistence.ExecutionStore = (*ExecutionStore)(nil)

func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		executions: map[string]models.Execution{},
		states:     map[string]models.ExecutorState{},
		locks:      map[string]*sync.Mutex{},
	}
}

func (s *ExecutionStore) lockFor(executionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[executionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[executionID] = lock
	}

	return lock
}

func (s *ExecutionStore) Lock(ctx context.Context, executionID string, fn persistence.LockFunc) error {
	lock := s.lockFor(executionID)
	lock.Lock()
	defer lock.Unlock()

	err := ctx.Err()
	if err != nil {
		return persistence.NewExecutionError("Lock", executionID, err)
	}

	s.mu.RLock()
	stored, found := s.executions[executionID]
	state, hasState := s.states[executionID]
	s.mu.RUnlock()

	if hasState {
		state = state.Clone()
	} else {
		state = models.NewExecutorState(executionID)
	}

	var current *models.Execution
	if found {
		current = &stored
	}

	next, nextState, err := fn(ctx, current, state)
	if err != nil {
		return persistence.NewExecutionError("Lock", executionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if next != nil {
		s.executions[next.ID] = *next
	}

	s.states[executionID] = nextState.Normalize().Clone()

	return nil
}

func (s *ExecutionStore) FindByID(_ context.Context, executionID string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execution, ok := s.executions[executionID]
	if !ok {
		return nil, persistence.NewExecutionError("FindByID", executionID, persistence.ErrExecutionNotFound)
	}

	return &execution, nil
}

func (s *ExecutionStore) FindChildren(_ context.Context, parentExecutionID string) ([]models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	children := make([]models.Execution, 0)

	for _, execution := range s.executions {
		if execution.Parent != nil && execution.Parent.ExecutionID == parentExecutionID {
			children = append(children, execution)
		}
	}

	return children, nil
}

func (s *ExecutionStore) Save(_ context.Context, execution models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[execution.ID] = execution

	return nil
}

func (s *ExecutionStore) Purge(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, executionID)

	return nil
}

// State returns a copy of the ledger of an execution, used by tests and the admin API.
func (s *ExecutionStore) State(executionID string) (models.ExecutorState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[executionID]
	if !ok {
		return models.ExecutorState{}, false
	}

	return state.Clone(), true
}
