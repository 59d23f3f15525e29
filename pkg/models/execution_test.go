package models_test

import (
	"errors"
	"testing"

	"github.com/dukex/flowd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecution() models.Execution {
	flow := &models.Flow{
		ID:        "hello",
		Namespace: "company.team",
		Labels:    []models.Label{{Key: "team", Value: "data"}},
		Tasks:     []models.Task{{ID: "a", Type: "log"}},
	}

	return models.NewExecution(flow, map[string]any{"name": "world"}, []models.Label{{Key: "env", Value: "test"}})
}

func TestNewExecution(t *testing.T) {
	t.Parallel()

	execution := newTestExecution()

	assert.NotEmpty(t, execution.ID)
	assert.Equal(t, execution.ID, execution.OriginalID)
	assert.Equal(t, models.StateCreated, execution.State.Current)
	assert.Equal(t, 1, execution.Metadata.Attempt)
	assert.Equal(t, "company.team_hello", execution.FlowUID())
	assert.Equal(t, map[string]string{"team": "data", "env": "test"}, models.LabelsMap(execution.Labels))
}

func TestExecution_WithTaskRun_IsCopyOnWrite(t *testing.T) {
	t.Parallel()

	execution := newTestExecution()
	taskRun := models.NewTaskRun(execution, "a", "", "", nil)

	withRun := execution.WithTaskRun(taskRun)
	require.Len(t, withRun.TaskRunList, 1)
	assert.Empty(t, execution.TaskRunList)

	running := withRun.WithTaskRun(taskRun.WithState(models.StateRunning))
	require.Len(t, running.TaskRunList, 1)
	assert.Equal(t, models.StateRunning, running.TaskRunList[0].State.Current)
	assert.Equal(t, models.StateCreated, withRun.TaskRunList[0].State.Current)
}

func TestExecution_FindTaskRunByID(t *testing.T) {
	t.Parallel()

	execution := newTestExecution()
	taskRun := models.NewTaskRun(execution, "a", "", "", nil)
	execution = execution.WithTaskRun(taskRun)

	found, err := execution.FindTaskRunByID(taskRun.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", found.TaskID)

	_, err = execution.FindTaskRunByID("missing")
	assert.True(t, errors.Is(err, models.ErrTaskRunNotFound))
}

func TestExecution_HasTaskRunJoinable(t *testing.T) {
	t.Parallel()

	execution := newTestExecution()
	created := models.NewTaskRun(execution, "a", "", "", nil)
	running := created.WithState(models.StateRunning)
	success := running.WithState(models.StateSuccess)

	tests := []struct {
		name     string
		stored   models.TaskRun
		incoming models.TaskRun
		want     bool
	}{
		{"unknown task run", models.TaskRun{}, running, true},
		{"created to running", created, running, true},
		{"running to success", running, success, true},
		{"same state", running, running, false},
		{"late running after success", success, running, false},
		{"stale attempt", running.WithState(models.StateRetrying).NextAttempt(), running.WithState(models.StateFailed), false},
		{"retrying ignores repeated failure", running.WithState(models.StateRetrying), running.WithState(models.StateFailed), false},
		{"new attempt after retry", running.WithState(models.StateRetrying), running.WithState(models.StateRetrying).NextAttempt().WithState(models.StateRunning), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			exec := execution
			if tt.stored.ID != "" {
				exec = exec.WithTaskRun(tt.stored)
			}

			assert.Equal(t, tt.want, exec.HasTaskRunJoinable(tt.incoming))
		})
	}
}

func TestExecution_FailedExecutionFromError(t *testing.T) {
	t.Parallel()

	execution := newTestExecution().WithState(models.StateRunning)
	done := models.NewTaskRun(execution, "a", "", "", nil).WithState(models.StateSuccess)
	running := models.NewTaskRun(execution, "b", "", "", nil).WithState(models.StateRunning)
	execution = execution.WithTaskRuns(done, running)

	failed, entry := execution.FailedExecutionFromError(errors.New("boom"))

	assert.Equal(t, models.StateFailed, failed.State.Current)
	assert.Equal(t, running.ID, entry.TaskRunID)
	assert.Equal(t, "boom", entry.Message)

	b, err := failed.FindTaskRunByID(running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, b.State.Current)
}

func TestExecution_Replay(t *testing.T) {
	t.Parallel()

	execution := newTestExecution().WithState(models.StateRunning).WithState(models.StateFailed)
	execution = execution.WithTaskRun(models.NewTaskRun(execution, "a", "", "", nil))

	replay := execution.Replay()

	assert.NotEqual(t, execution.ID, replay.ID)
	assert.Equal(t, execution.OriginalID, replay.OriginalID)
	assert.Equal(t, 2, replay.Metadata.Attempt)
	assert.Equal(t, models.StateCreated, replay.State.Current)
	assert.Empty(t, replay.TaskRunList)
	assert.Equal(t, execution.ID, models.LabelsMap(replay.Labels)[models.LabelRetryOf])
}

func TestTaskRun_NextAttempt(t *testing.T) {
	t.Parallel()

	execution := newTestExecution()
	taskRun := models.NewTaskRun(execution, "a", "", "", nil).
		WithState(models.StateRunning).
		WithState(models.StateRetrying)

	require.Equal(t, 1, taskRun.AttemptCount())

	next := taskRun.NextAttempt()
	assert.Equal(t, 2, next.AttemptCount())
	assert.Equal(t, models.StateCreated, next.State.Current)
	assert.Equal(t, 1, taskRun.AttemptCount())
}
