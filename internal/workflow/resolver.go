package workflow

import (
	"context"
	"fmt"

	"github.com/msageha/phasegraph/internal/dag"
	"github.com/msageha/phasegraph/internal/model"
	"github.com/msageha/phasegraph/internal/store"
)

// Resolver answers dependency questions against committed store state.
// It never writes; callers persist any derived status.
type Resolver struct {
	store store.Store
}

func NewResolver(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// loadGraph builds a snapshot of one execution from a single batched read.
func loadGraph(r store.Reader, executionID string) (*dag.Graph, error) {
	tasks, err := r.ListTasks(executionID, store.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	return dag.New(tasks), nil
}

func (r *Resolver) graph(ctx context.Context, executionID string) (*dag.Graph, error) {
	var g *dag.Graph
	err := r.store.View(ctx, func(tx store.Reader) error {
		var err error
		g, err = loadGraph(tx, executionID)
		return err
	})
	return g, err
}

// IsUnblocked reports whether every blocked_by entry of task is completed.
func (r *Resolver) IsUnblocked(ctx context.Context, task model.Task) (bool, error) {
	if len(task.BlockedBy) == 0 {
		return true, nil
	}
	g, err := r.graph(ctx, task.ExecutionID)
	if err != nil {
		return false, err
	}
	return g.IsUnblocked(task), nil
}

// GetExecutableTasks returns pending, unblocked tasks: investigation first,
// then building, then validation, FIFO within a phase.
func (r *Resolver) GetExecutableTasks(ctx context.Context, executionID string) ([]model.Task, error) {
	g, err := r.graph(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return g.Executable(), nil
}

// WouldCreateCycle reports whether making newTaskID depend on every id in
// candidateBlockedBy would close a cycle in executionID's graph.
func (r *Resolver) WouldCreateCycle(ctx context.Context, candidateBlockedBy []string, newTaskID, executionID string) (bool, error) {
	g, err := r.graph(ctx, executionID)
	if err != nil {
		return false, err
	}
	return g.WouldCreateCycle(candidateBlockedBy, newTaskID), nil
}

// BlockedTasks lists blocked tasks with the dependencies still holding them.
func (r *Resolver) BlockedTasks(ctx context.Context, executionID string) ([]model.BlockedTask, error) {
	g, err := r.graph(ctx, executionID)
	if err != nil {
		return nil, err
	}
	var out []model.BlockedTask
	for _, t := range g.Tasks() {
		if t.Status != model.StatusBlocked {
			continue
		}
		out = append(out, model.BlockedTask{Task: t, Unmet: g.Unmet(t)})
	}
	return out, nil
}
