package executor

import (
	"slices"

	"github.com/dukex/flowd/pkg/models"
)

type listMode int

const (
	modeSequential listMode = iota
	modeParallel
	modeDag
)

func modeOf(kind models.TaskKind) listMode {
	switch kind {
	case models.TaskKindParallel:
		return modeParallel
	case models.TaskKindDag:
		return modeDag
	default:
		return modeSequential
	}
}

// scope selects the task runs of one task list: the children of parentID for a value
// and an iteration. The top level lists use the zero scope.
type scope struct {
	parentID  string
	value     string
	iteration *int
}

// pendingTask is a task that may get a task run in a scope.
type pendingTask struct {
	task models.Task
	sc   scope
}

// listStatus is the progress of one task list.
type listStatus struct {
	started bool
	done    bool
	failed  bool
	running int
	state   models.StateType
	// eligible tasks have no task run yet and may start now.
	eligible []pendingTask
}

func isFailure(state models.StateType) bool {
	return state.IsFailed() || state == models.StateKilled
}

func activeTasks(tasks []models.Task) []models.Task {
	return slices.DeleteFunc(slices.Clone(tasks), func(t models.Task) bool { return t.Disabled })
}

// statusOf computes the progress of tasks within sc. concurrent bounds the task runs
// in progress in parallel mode, 0 meaning unbounded.
func statusOf(execution models.Execution, tasks []models.Task, mode listMode, concurrent int, sc scope) listStatus {
	tasks = activeTasks(tasks)

	var (
		status  listStatus
		states  []models.StateType
		missing []models.Task
	)

	runs := make(map[string]models.TaskRun, len(tasks))

	for _, task := range tasks {
		run, ok := execution.FindTaskRun(task.ID, sc.parentID, sc.value, sc.iteration)
		if !ok {
			missing = append(missing, task)

			continue
		}

		status.started = true
		runs[task.ID] = run

		if !run.State.IsFinished() {
			status.running++

			continue
		}

		state := task.ResolveState(run.State.Current)
		states = append(states, state)

		if isFailure(state) {
			status.failed = true
		}
	}

	status.done = status.running == 0 && (status.failed || len(missing) == 0)
	if status.done {
		status.state = models.WorstState(states...)

		return status
	}

	if status.failed {
		return status
	}

	for _, task := range missing {
		if mode == modeParallel {
			if concurrent > 0 && status.running+len(status.eligible) >= concurrent {
				break
			}

			status.eligible = append(status.eligible, pendingTask{task: task, sc: sc})

			continue
		}

		if predecessorsDone(task, tasks, mode, runs) {
			status.eligible = append(status.eligible, pendingTask{task: task, sc: sc})
		}
	}

	return status
}

// predecessorsDone reports whether every predecessor of task finished without failing.
// Predecessors are the DependsOn tasks, or the previous task of a sequential list.
func predecessorsDone(task models.Task, tasks []models.Task, mode listMode, runs map[string]models.TaskRun) bool {
	var predecessors []string

	switch {
	case len(task.DependsOn) > 0 || mode == modeDag:
		predecessors = task.DependsOn
	default:
		idx := slices.IndexFunc(tasks, func(t models.Task) bool { return t.ID == task.ID })
		if idx > 0 {
			predecessors = []string{tasks[idx-1].ID}
		}
	}

	for _, id := range predecessors {
		run, ok := runs[id]
		if !ok || !run.State.IsFinished() {
			return false
		}

		idx := slices.IndexFunc(tasks, func(t models.Task) bool { return t.ID == id })
		if idx >= 0 && isFailure(tasks[idx].ResolveState(run.State.Current)) {
			return false
		}
	}

	return true
}

// flowStatus resolves the main, errors and finally branches of the flow. The errors
// branch only runs when the main branch failed; finally always runs last.
func flowStatus(flow *models.Flow, execution models.Execution) listStatus {
	main := statusOf(execution, flow.Tasks, modeSequential, 0, scope{})
	if !main.done {
		return main
	}

	states := []models.StateType{main.state}

	if main.failed && len(activeTasks(flow.Errors)) > 0 {
		errs := statusOf(execution, flow.Errors, modeSequential, 0, scope{})
		if !errs.done {
			return errs
		}

		states = append(states, errs.state)
	}

	final := statusOf(execution, flow.Finally, modeSequential, 0, scope{})
	if !final.done {
		return final
	}

	states = append(states, final.state)

	return listStatus{started: true, done: true, failed: isFailure(models.WorstState(states...)), state: models.WorstState(states...)}
}
