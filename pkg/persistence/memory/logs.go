package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
)

type LogStore struct {
	mu      sync.RWMutex
	entries map[string][]models.LogEntry
}

var _ persistence.LogStore = (*LogStore)(nil)

func NewLogStore() *LogStore {
	return &LogStore{entries: map[string][]models.LogEntry{}}
}

func (s *LogStore) Save(_ context.Context, entries ...models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		s.entries[entry.ExecutionID] = append(s.entries[entry.ExecutionID], entry)
	}

	return nil
}

func (s *LogStore) FindByExecution(_ context.Context, executionID string) ([]models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.entries[executionID]), nil
}
