package dag

import (
	"fmt"
	"strings"

	"github.com/msageha/phasegraph/internal/model"
)

// CycleError reports a dependency cycle found in a snapshot.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// Validate checks the snapshot for self-references and cycles and returns a
// topological order (dependencies first). It runs Kahn's algorithm and, on
// failure, uses DFS to report one cycle path.
func (g *Graph) Validate() ([]string, error) {
	for _, id := range g.order {
		for _, dep := range g.tasks[id].BlockedBy {
			if dep == id {
				return nil, &CycleError{Path: []string{id, id}}
			}
		}
	}

	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		for _, dep := range g.tasks[id].BlockedBy {
			if g.Has(dep) {
				inDegree[id]++
			}
		}
	}

	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dependent := range g.blocks[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(g.order) {
		return sorted, nil
	}
	return nil, &CycleError{Path: g.findCyclePath(inDegree)}
}

// findCyclePath finds a cycle among nodes Kahn's algorithm could not release.
func (g *Graph) findCyclePath(inDegree map[string]int) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // finished
	)

	color := make(map[string]int)
	parent := make(map[string]string)
	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range g.tasks[node].BlockedBy {
			if !g.Has(dep) {
				continue
			}
			if color[dep] == gray {
				cyclePath = []string{dep}
				for current := node; current != dep; current = parent[current] {
					cyclePath = append(cyclePath, current)
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, id := range g.order {
		if inDegree[id] > 0 && color[id] == white {
			if dfs(id) {
				return cyclePath
			}
		}
	}
	return []string{"(cycle detected)"}
}

// CheckBlockedInvariant returns the IDs of not-yet-started tasks whose status
// disagrees with their dependencies (blocked iff some dependency is unmet).
func (g *Graph) CheckBlockedInvariant() []string {
	var bad []string
	for _, id := range g.order {
		t := g.tasks[id]
		switch t.Status {
		case model.StatusPending, model.StatusBlocked:
			if g.DerivedStatus(t) != t.Status {
				bad = append(bad, id)
			}
		}
	}
	return bad
}
