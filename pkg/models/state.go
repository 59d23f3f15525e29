// Package models defines the core domain models of the execution engine: flows, executions,
// task runs, triggers and the messages exchanged between the engine components.
package models

import (
	"slices"
	"time"
)

// StateType is the lifecycle state of an execution or a task run.
type StateType string

const (
	StateCreated   StateType = "CREATED"
	StateRunning   StateType = "RUNNING"
	StatePaused    StateType = "PAUSED"
	StateRestarted StateType = "RESTARTED"
	StateKilling   StateType = "KILLING"
	StateKilled    StateType = "KILLED"
	StateRetrying  StateType = "RETRYING"
	StateRetried   StateType = "RETRIED"
	StateQueued    StateType = "QUEUED"
	StateSuccess   StateType = "SUCCESS"
	StateWarning   StateType = "WARNING"
	StateFailed    StateType = "FAILED"
	StateCancelled StateType = "CANCELLED"
	StateSkipped   StateType = "SKIPPED"
)

// IsTerminated reports whether no further work happens in this state.
func (t StateType) IsTerminated() bool {
	switch t {
	case StateSuccess, StateWarning, StateFailed, StateCancelled, StateSkipped, StateKilled:
		return true
	default:
		return false
	}
}

// IsFinished is IsTerminated extended with RETRIED, the state of a task run whose
// failure was handed over to a new execution.
func (t StateType) IsFinished() bool {
	return t.IsTerminated() || t == StateRetried
}

func (t StateType) IsFailed() bool {
	return t == StateFailed || t == StateRetried
}

func (t StateType) IsRunning() bool {
	return t == StateRunning || t == StateKilling
}

func (t StateType) IsPaused() bool {
	return t == StatePaused
}

func (t StateType) IsRetrying() bool {
	return t == StateRetrying
}

func (t StateType) IsCreated() bool {
	return t == StateCreated || t == StateRestarted
}

// History is one entry of a state timeline.
type History struct {
	State StateType `json:"state"`
	Date  time.Time `json:"date"`
}

// State holds the current state and the full timeline that led to it.
type State struct {
	Current   StateType `json:"current"`
	Histories []History `json:"histories"`
}

// NewState returns a state initialized to CREATED.
func NewState() State {
	return NewStateAt(StateCreated, time.Now().UTC())
}

// NewStateAt returns a state initialized to the given type and date.
func NewStateAt(stateType StateType, date time.Time) State {
	return State{
		Current:   stateType,
		Histories: []History{{State: stateType, Date: date}},
	}
}

// WithState returns a copy of the state moved to the given type.
//
// Terminal states are absorbing: the only way out of a terminal state is RESTARTED.
// Moving to the current type returns the state unchanged. History dates never go
// backwards, even when the wall clock does.
func (s State) WithState(stateType StateType) State {
	return s.WithStateAt(stateType, time.Now().UTC())
}

// WithStateAt is WithState with an explicit transition date.
func (s State) WithStateAt(stateType StateType, date time.Time) State {
	if s.Current == stateType {
		return s
	}

	if s.Current.IsFinished() && stateType != StateRestarted {
		return s
	}

	if len(s.Histories) > 0 {
		last := s.Histories[len(s.Histories)-1].Date
		if date.Before(last) {
			date = last
		}
	}

	histories := make([]History, len(s.Histories), len(s.Histories)+1)
	copy(histories, s.Histories)

	return State{
		Current:   stateType,
		Histories: append(histories, History{State: stateType, Date: date}),
	}
}

func (s State) IsTerminated() bool {
	return s.Current.IsTerminated()
}

func (s State) IsFinished() bool {
	return s.Current.IsFinished()
}

// StartDate is the date of the first history entry.
func (s State) StartDate() time.Time {
	if len(s.Histories) == 0 {
		return time.Time{}
	}

	return s.Histories[0].Date
}

// EndDate is the date the state became terminal, if it did.
func (s State) EndDate() (time.Time, bool) {
	if !s.Current.IsFinished() || len(s.Histories) == 0 {
		return time.Time{}, false
	}

	return s.Histories[len(s.Histories)-1].Date, true
}

// LastDate is the date of the latest transition.
func (s State) LastDate() time.Time {
	if len(s.Histories) == 0 {
		return time.Time{}
	}

	return s.Histories[len(s.Histories)-1].Date
}

// Duration is the elapsed time between the first entry and the end date,
// or now for states still in progress.
func (s State) Duration() time.Duration {
	end, ok := s.EndDate()
	if !ok {
		end = time.Now().UTC()
	}

	return end.Sub(s.StartDate())
}

// LastDateOf returns the date of the most recent transition into the given type.
func (s State) LastDateOf(stateType StateType) (time.Time, bool) {
	for i := len(s.Histories) - 1; i >= 0; i-- {
		if s.Histories[i].State == stateType {
			return s.Histories[i].Date, true
		}
	}

	return time.Time{}, false
}

// HasHistory reports whether the timeline ever went through the given type.
func (s State) HasHistory(stateType StateType) bool {
	return slices.ContainsFunc(s.Histories, func(h History) bool {
		return h.State == stateType
	})
}
