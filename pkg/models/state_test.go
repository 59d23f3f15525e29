package models_test

import (
	"testing"
	"time"

	"github.com/dukex/flowd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []models.StateType{
	models.StateCreated, models.StateRunning, models.StatePaused, models.StateRestarted,
	models.StateKilling, models.StateKilled, models.StateRetrying, models.StateRetried,
	models.StateQueued, models.StateSuccess, models.StateWarning, models.StateFailed,
	models.StateCancelled, models.StateSkipped,
}

func TestStateType_IsTerminated(t *testing.T) {
	t.Parallel()

	terminal := map[models.StateType]bool{
		models.StateSuccess:   true,
		models.StateWarning:   true,
		models.StateFailed:    true,
		models.StateCancelled: true,
		models.StateSkipped:   true,
		models.StateKilled:    true,
	}

	for _, state := range allStates {
		assert.Equal(t, terminal[state], state.IsTerminated(), string(state))
	}

	assert.True(t, models.StateRetried.IsFinished())
	assert.False(t, models.StateRetried.IsTerminated())
}

func TestState_WithState_TerminalIsAbsorbing(t *testing.T) {
	t.Parallel()

	for _, terminal := range []models.StateType{
		models.StateSuccess, models.StateWarning, models.StateFailed,
		models.StateCancelled, models.StateSkipped, models.StateKilled, models.StateRetried,
	} {
		t.Run(string(terminal), func(t *testing.T) {
			t.Parallel()

			state := models.NewState().WithState(models.StateRunning).WithState(terminal)
			histories := len(state.Histories)

			for _, next := range allStates {
				if next == models.StateRestarted {
					continue
				}

				moved := state.WithState(next)
				assert.Equal(t, terminal, moved.Current)
				assert.Len(t, moved.Histories, histories)
			}

			restarted := state.WithState(models.StateRestarted)
			assert.Equal(t, models.StateRestarted, restarted.Current)
		})
	}
}

func TestState_WithState_DoesNotMutateReceiver(t *testing.T) {
	t.Parallel()

	state := models.NewState()
	running := state.WithState(models.StateRunning)

	assert.Equal(t, models.StateCreated, state.Current)
	assert.Len(t, state.Histories, 1)
	assert.Len(t, running.Histories, 2)
}

func TestState_HistoryDatesNeverDecrease(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	state := models.NewStateAt(models.StateCreated, start).
		WithStateAt(models.StateRunning, start.Add(-time.Hour)).
		WithStateAt(models.StateSuccess, start.Add(time.Minute))

	require.Len(t, state.Histories, 3)

	for i := 1; i < len(state.Histories); i++ {
		assert.False(t, state.Histories[i].Date.Before(state.Histories[i-1].Date))
	}

	end, ok := state.EndDate()
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Minute), end)
	assert.Equal(t, time.Minute, state.Duration())
}

func TestState_SameTypeIsNoop(t *testing.T) {
	t.Parallel()

	state := models.NewState().WithState(models.StateRunning)
	assert.Len(t, state.WithState(models.StateRunning).Histories, 2)
}

func TestWorstState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		states []models.StateType
		want   models.StateType
	}{
		{"empty", nil, models.StateSuccess},
		{"all success", []models.StateType{models.StateSuccess, models.StateSkipped}, models.StateSuccess},
		{"failed wins over warning", []models.StateType{models.StateWarning, models.StateFailed}, models.StateFailed},
		{"warning wins over cancelled", []models.StateType{models.StateCancelled, models.StateWarning}, models.StateWarning},
		{"cancelled wins over success", []models.StateType{models.StateSuccess, models.StateCancelled}, models.StateCancelled},
		{"killed wins over failed", []models.StateType{models.StateFailed, models.StateKilled}, models.StateKilled},
		{"retried counts as failed", []models.StateType{models.StateRetried, models.StateSuccess}, models.StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, models.WorstState(tt.states...))
		})
	}
}

func TestTask_ResolveState(t *testing.T) {
	t.Parallel()

	assert.Equal(t, models.StateWarning, models.Task{AllowFailure: true}.ResolveState(models.StateFailed))
	assert.Equal(t, models.StateSuccess, models.Task{AllowFailure: true, AllowWarning: true}.ResolveState(models.StateFailed))
	assert.Equal(t, models.StateFailed, models.Task{}.ResolveState(models.StateFailed))
}
