// Package graph indexes the task tree of a flow for constant time lookups.
package graph

import (
	"errors"
	"fmt"

	"github.com/dukex/flowd/pkg/models"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrDuplicateTaskID = errors.New("duplicate task id")
)

// Branch tells which list of its parent a task belongs to.
type Branch string

const (
	BranchTasks          Branch = "tasks"
	BranchErrors         Branch = "errors"
	BranchFinally        Branch = "finally"
	BranchListeners      Branch = "listeners"
	BranchAfterExecution Branch = "afterExecution"
)

type node struct {
	task     models.Task
	parentID string
	branch   Branch
	listener int
}

// FlowGraph is a read-only index over the tasks of one flow revision.
type FlowGraph struct {
	flow  *models.Flow
	nodes map[string]node
}

// New indexes every task of the flow, including errors, finally, listeners and
// after-execution branches. Task ids must be unique across the whole flow.
func New(flow *models.Flow) (*FlowGraph, error) {
	g := &FlowGraph{flow: flow, nodes: map[string]node{}}

	branches := []struct {
		branch Branch
		tasks  []models.Task
	}{
		{BranchTasks, flow.Tasks},
		{BranchErrors, flow.Errors},
		{BranchFinally, flow.Finally},
		{BranchAfterExecution, flow.AfterExecution},
	}

	for _, b := range branches {
		if err := g.index(b.tasks, "", b.branch, -1); err != nil {
			return nil, err
		}
	}

	for i, listener := range flow.Listeners {
		if err := g.index(listener.Tasks, "", BranchListeners, i); err != nil {
			return nil, err
		}
	}

	return g, nil
}

func (g *FlowGraph) index(tasks []models.Task, parentID string, branch Branch, listener int) error {
	for _, task := range tasks {
		if _, ok := g.nodes[task.ID]; ok {
			return fmt.Errorf("%w: %s in flow %s.%s", ErrDuplicateTaskID, task.ID, g.flow.Namespace, g.flow.ID)
		}

		g.nodes[task.ID] = node{task: task, parentID: parentID, branch: branch, listener: listener}

		if err := g.index(task.Tasks, task.ID, BranchTasks, listener); err != nil {
			return err
		}

		if err := g.index(task.Errors, task.ID, BranchErrors, listener); err != nil {
			return err
		}
	}

	return nil
}

// Flow returns the indexed flow.
func (g *FlowGraph) Flow() *models.Flow {
	return g.flow
}

// FindTaskByTaskID returns the task with the given id.
func (g *FlowGraph) FindTaskByTaskID(taskID string) (models.Task, error) {
	n, ok := g.nodes[taskID]
	if !ok {
		return models.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	return n.task, nil
}

// FindParentTaskByTaskID returns the flowable owning the task, or nil for a top level task.
func (g *FlowGraph) FindParentTaskByTaskID(taskID string) (*models.Task, error) {
	n, ok := g.nodes[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	if n.parentID == "" {
		return nil, nil //nolint:nilnil // top level tasks have no parent
	}

	parent := g.nodes[n.parentID].task

	return &parent, nil
}

// Ancestors returns the flowables owning the task, nearest first.
func (g *FlowGraph) Ancestors(taskID string) ([]models.Task, error) {
	n, ok := g.nodes[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	var ancestors []models.Task

	for n.parentID != "" {
		n = g.nodes[n.parentID]
		ancestors = append(ancestors, n.task)
	}

	return ancestors, nil
}

// BranchOf returns the branch of its parent a task belongs to.
func (g *FlowGraph) BranchOf(taskID string) (Branch, error) {
	n, ok := g.nodes[taskID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	return n.branch, nil
}

// IsListenerTask reports whether a top level task belongs to a listener or after-execution branch.
func (g *FlowGraph) IsListenerTask(taskID string) bool {
	n, ok := g.nodes[taskID]
	if !ok {
		return false
	}

	for n.parentID != "" {
		n = g.nodes[n.parentID]
	}

	return n.branch == BranchListeners || n.branch == BranchAfterExecution
}

// RetryPolicy returns the policy governing a task: its own, the nearest ancestor's,
// then the flow's. It returns nil when none applies.
func (g *FlowGraph) RetryPolicy(taskID string) (*models.RetryPolicy, error) {
	task, err := g.FindTaskByTaskID(taskID)
	if err != nil {
		return nil, err
	}

	if task.Retry != nil {
		return task.Retry, nil
	}

	ancestors, err := g.Ancestors(taskID)
	if err != nil {
		return nil, err
	}

	for _, ancestor := range ancestors {
		if ancestor.Retry != nil {
			return ancestor.Retry, nil
		}
	}

	return g.flow.Retry, nil
}
