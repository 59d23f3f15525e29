// Package workergroup tells the engine whether the workers of a group can take work.
package workergroup

import (
	"context"
	"sync"
)

// Availability of a worker group.
type Availability int

const (
	// Unknown groups were never declared.
	Unknown Availability = iota
	// Unavailable groups are declared but no worker is alive.
	Unavailable
	Available
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Resolver looks up worker groups.
type Resolver interface {
	Check(ctx context.Context, key string) (Availability, error)
}

// Static is a Resolver backed by a fixed set of groups.
type Static struct {
	mu     sync.RWMutex
	groups map[string]bool
}

var _ Resolver = (*Static)(nil)

// NewStatic declares the given groups as available.
func NewStatic(keys ...string) *Static {
	s := &Static{groups: map[string]bool{}}
	for _, key := range keys {
		s.groups[key] = true
	}

	return s
}

// Set declares a group and sets its availability.
func (s *Static) Set(key string, available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups[key] = available
}

func (s *Static) Check(_ context.Context, key string) (Availability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	available, ok := s.groups[key]

	switch {
	case !ok:
		return Unknown, nil
	case available:
		return Available, nil
	default:
		return Unavailable, nil
	}
}
