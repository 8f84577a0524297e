// Package dag holds an immutable snapshot of one execution's task graph and answers
// dependency questions over it. It never mutates tasks.
package dag

import (
	"cmp"
	"slices"

	"github.com/msageha/phasegraph/internal/model"
)

type Graph struct {
	tasks  map[string]model.Task
	order  []string            // insertion order of the snapshot
	blocks map[string][]string // dependency → dependents, derived from blocked_by
}

// New builds a graph snapshot. Dependency edges are taken from BlockedBy;
// the Blocks field of each task is ignored.
func New(tasks []model.Task) *Graph {
	g := &Graph{
		tasks:  make(map[string]model.Task, len(tasks)),
		order:  make([]string, 0, len(tasks)),
		blocks: make(map[string][]string),
	}
	for _, t := range tasks {
		if _, dup := g.tasks[t.ID]; !dup {
			g.order = append(g.order, t.ID)
		}
		g.tasks[t.ID] = t
	}
	for _, id := range g.order {
		for _, dep := range g.tasks[id].BlockedBy {
			g.blocks[dep] = append(g.blocks[dep], id)
		}
	}
	return g
}

func (g *Graph) Len() int {
	return len(g.order)
}

func (g *Graph) Task(id string) (model.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

func (g *Graph) Has(id string) bool {
	_, ok := g.tasks[id]
	return ok
}

// Tasks returns the snapshot's tasks in insertion order.
func (g *Graph) Tasks() []model.Task {
	out := make([]model.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// IsUnblocked reports whether every dependency of t is completed.
// A dependency missing from the snapshot counts as unmet.
func (g *Graph) IsUnblocked(t model.Task) bool {
	for _, dep := range t.BlockedBy {
		d, ok := g.tasks[dep]
		if !ok || d.Status != model.StatusCompleted {
			return false
		}
	}
	return true
}

// Unmet returns the dependencies of t that are not completed, in blocked_by order.
func (g *Graph) Unmet(t model.Task) []string {
	var unmet []string
	for _, dep := range t.BlockedBy {
		d, ok := g.tasks[dep]
		if !ok || d.Status != model.StatusCompleted {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// DerivedStatus is the status a not-yet-started task should hold given its dependencies.
func (g *Graph) DerivedStatus(t model.Task) model.Status {
	if g.IsUnblocked(t) {
		return model.StatusPending
	}
	return model.StatusBlocked
}

// Dependents returns the direct dependents of id (tasks listing id in blocked_by).
func (g *Graph) Dependents(id string) []string {
	return slices.Clone(g.blocks[id])
}

// Executable returns pending, unblocked tasks ordered by phase priority, then
// creation time. Tasks created in the same instant keep the order they were
// given to New, which both stores return in insertion order.
func (g *Graph) Executable() []model.Task {
	var out []model.Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status == model.StatusPending && g.IsUnblocked(t) {
			out = append(out, t)
		}
	}
	SortForExecution(out)
	return out
}

// SortForExecution orders tasks investigation → building → validation, FIFO within a phase.
func SortForExecution(tasks []model.Task) {
	slices.SortStableFunc(tasks, func(a, b model.Task) int {
		if c := cmp.Compare(a.Phase.Priority(), b.Phase.Priority()); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// WouldCreateCycle reports whether making taskID blocked by every id in
// candidateBlockedBy closes a cycle. That happens when taskID already sits
// upstream of a candidate, so the walk follows blocked_by edges from the
// candidates looking for taskID. One shared visited set keeps it O(V+E).
func (g *Graph) WouldCreateCycle(candidateBlockedBy []string, taskID string) bool {
	visited := make(map[string]bool, len(g.tasks))
	stack := make([]string, 0, len(candidateBlockedBy))
	for _, c := range candidateBlockedBy {
		if c == taskID {
			return true
		}
		if !visited[c] {
			visited[c] = true
			stack = append(stack, c)
		}
	}

	for len(stack) > 0 {
		n := len(stack) - 1
		current := stack[n]
		stack = stack[:n]

		for _, dep := range g.tasks[current].BlockedBy {
			if dep == taskID {
				return true
			}
			if !visited[dep] {
				visited[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// WithTask returns a new snapshot with t inserted or replaced.
func (g *Graph) WithTask(t model.Task) *Graph {
	tasks := g.Tasks()
	if i := slices.IndexFunc(tasks, func(x model.Task) bool { return x.ID == t.ID }); i >= 0 {
		tasks[i] = t
	} else {
		tasks = append(tasks, t)
	}
	return New(tasks)
}
