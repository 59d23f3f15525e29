package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
)

type TriggerStore struct {
	mu       sync.Mutex
	triggers map[string]models.Trigger
}

var _ persistence.TriggerStore = (*TriggerStore)(nil)

func NewTriggerStore() *TriggerStore {
	return &TriggerStore{triggers: map[string]models.Trigger{}}
}

func (s *TriggerStore) FindAll(_ context.Context) ([]models.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	triggers := make([]models.Trigger, 0, len(s.triggers))
	for _, trigger := range s.triggers {
		triggers = append(triggers, trigger)
	}

	slices.SortFunc(triggers, func(a, b models.Trigger) int { return strings.Compare(a.UID(), b.UID()) })

	return triggers, nil
}

func (s *TriggerStore) FindByUID(_ context.Context, uid string) (*models.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trigger, ok := s.triggers[uid]
	if !ok {
		return nil, persistence.NewTriggerError("FindByUID", uid, persistence.ErrTriggerNotFound)
	}

	return &trigger, nil
}

func (s *TriggerStore) FindDue(_ context.Context, now time.Time) ([]models.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]models.Trigger, 0)

	for _, trigger := range s.triggers {
		if trigger.IsDue(now) {
			due = append(due, trigger)
		}
	}

	slices.SortFunc(due, func(a, b models.Trigger) int {
		if a.NextExecutionDate == nil || b.NextExecutionDate == nil {
			return strings.Compare(a.UID(), b.UID())
		}

		return a.NextExecutionDate.Compare(*b.NextExecutionDate)
	})

	return due, nil
}

func (s *TriggerStore) Save(_ context.Context, trigger models.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.triggers[trigger.UID()] = trigger

	return nil
}

func (s *TriggerStore) Lock(_ context.Context, uid string, fn func(trigger models.Trigger) (*models.Trigger, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.triggers[uid]
	if !ok {
		return persistence.NewTriggerError("Lock", uid, persistence.ErrTriggerNotFound)
	}

	next, err := fn(current)
	if err != nil {
		return persistence.NewTriggerError("Lock", uid, err)
	}

	if next != nil {
		s.triggers[next.UID()] = *next
	}

	return nil
}

func (s *TriggerStore) Delete(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.triggers, uid)

	return nil
}
