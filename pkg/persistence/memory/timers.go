package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dukex/flowd/pkg/models"
	"github.com/dukex/flowd/pkg/persistence"
)

// DelayStore keeps delays by UID.
type DelayStore struct {
	mu     sync.Mutex
	delays map[string]models.ExecutionDelay
}

var _ persistence.DelayStore = (*DelayStore)(nil)

func NewDelayStore() *DelayStore {
	return &DelayStore{delays: map[string]models.ExecutionDelay{}}
}

func (s *DelayStore) Save(_ context.Context, delay models.ExecutionDelay) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.delays[delay.UID()] = delay

	return nil
}

// ProcessDue claims every due delay before running fn, so concurrent sweeps never see
// the same delay. A delay whose fn fails is put back unless it was replaced meanwhile.
func (s *DelayStore) ProcessDue(ctx context.Context, now time.Time, fn func(ctx context.Context, delay models.ExecutionDelay) error) error {
	s.mu.Lock()

	due := make([]models.ExecutionDelay, 0)

	for uid, delay := range s.delays {
		if !delay.Date.After(now) {
			due = append(due, delay)
			delete(s.delays, uid)
		}
	}

	s.mu.Unlock()

	slices.SortFunc(due, func(a, b models.ExecutionDelay) int { return a.Date.Compare(b.Date) })

	for i, delay := range due {
		err := fn(ctx, delay)
		if err != nil {
			s.restore(due[i:])

			return err
		}
	}

	return nil
}

func (s *DelayStore) restore(delays []models.ExecutionDelay) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, delay := range delays {
		if _, ok := s.delays[delay.UID()]; !ok {
			s.delays[delay.UID()] = delay
		}
	}
}

func (s *DelayStore) DeleteByExecution(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for uid, delay := range s.delays {
		if delay.ExecutionID == executionID {
			delete(s.delays, uid)
		}
	}

	return nil
}

// Len returns the number of pending delays.
func (s *DelayStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.delays)
}

// SLAMonitorStore keeps SLA deadlines by execution and SLA id.
type SLAMonitorStore struct {
	mu       sync.Mutex
	monitors map[string]models.SLAMonitor
}

var _ persistence.SLAMonitorStore = (*SLAMonitorStore)(nil)

func NewSLAMonitorStore() *SLAMonitorStore {
	return &SLAMonitorStore{monitors: map[string]models.SLAMonitor{}}
}

func monitorKey(monitor models.SLAMonitor) string {
	return monitor.ExecutionID + "_" + monitor.SLAID
}

func (s *SLAMonitorStore) Save(_ context.Context, monitor models.SLAMonitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.monitors[monitorKey(monitor)] = monitor

	return nil
}

func (s *SLAMonitorStore) ProcessExpired(ctx context.Context, now time.Time, fn func(ctx context.Context, monitor models.SLAMonitor) error) error {
	s.mu.Lock()

	expired := make([]models.SLAMonitor, 0)

	for key, monitor := range s.monitors {
		if !monitor.Deadline.After(now) {
			expired = append(expired, monitor)
			delete(s.monitors, key)
		}
	}

	s.mu.Unlock()

	slices.SortFunc(expired, func(a, b models.SLAMonitor) int {
		return cmp.Or(a.Deadline.Compare(b.Deadline), cmp.Compare(monitorKey(a), monitorKey(b)))
	})

	for i, monitor := range expired {
		err := fn(ctx, monitor)
		if err != nil {
			s.mu.Lock()
			for _, m := range expired[i:] {
				if _, ok := s.monitors[monitorKey(m)]; !ok {
					s.monitors[monitorKey(m)] = m
				}
			}
			s.mu.Unlock()

			return err
		}
	}

	return nil
}

func (s *SLAMonitorStore) DeleteByExecution(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, monitor := range s.monitors {
		if monitor.ExecutionID == executionID {
			delete(s.monitors, key)
		}
	}

	return nil
}
