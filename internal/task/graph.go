package task

import (
	apperrors "github.com/agentfleet/agentfleet/internal/common/errors"
)

// depGraph maintains the task dependency relation with mirrored forward
// (task -> its deps) and reverse (task -> its dependents) edge sets.
// Both mirrors are updated together; callers hold the manager lock.
type depGraph struct {
	forward map[string]map[string]bool
	reverse map[string]map[string]bool
}

func newDepGraph() *depGraph {
	return &depGraph{
		forward: make(map[string]map[string]bool),
		reverse: make(map[string]map[string]bool),
	}
}

// AddEdge records that task depends on dep. Adding an edge that would
// close a cycle fails, leaving the graph unchanged.
func (g *depGraph) AddEdge(task, dep string) error {
	if task == dep {
		return apperrors.Validation("a task cannot depend on itself")
	}
	if g.reaches(task, dep) {
		return apperrors.Validationf("dependency %s -> %s would create a cycle", task, dep)
	}

	if g.forward[task] == nil {
		g.forward[task] = make(map[string]bool)
	}
	g.forward[task][dep] = true

	if g.reverse[dep] == nil {
		g.reverse[dep] = make(map[string]bool)
	}
	g.reverse[dep][task] = true
	return nil
}

// RemoveEdge drops the task -> dep edge from both mirrors.
func (g *depGraph) RemoveEdge(task, dep string) {
	if deps := g.forward[task]; deps != nil {
		delete(deps, dep)
		if len(deps) == 0 {
			delete(g.forward, task)
		}
	}
	if dependents := g.reverse[dep]; dependents != nil {
		delete(dependents, task)
		if len(dependents) == 0 {
			delete(g.reverse, dep)
		}
	}
}

// RemoveTask drops a task and every edge touching it.
func (g *depGraph) RemoveTask(id string) {
	for dep := range g.forward[id] {
		delete(g.reverse[dep], id)
		if len(g.reverse[dep]) == 0 {
			delete(g.reverse, dep)
		}
	}
	delete(g.forward, id)

	for dependent := range g.reverse[id] {
		delete(g.forward[dependent], id)
		if len(g.forward[dependent]) == 0 {
			delete(g.forward, dependent)
		}
	}
	delete(g.reverse, id)
}

// Deps returns the dependency ids of a task.
func (g *depGraph) Deps(id string) []string {
	return keys(g.forward[id])
}

// Dependents returns the ids of tasks that depend on id.
func (g *depGraph) Dependents(id string) []string {
	return keys(g.reverse[id])
}

// HasEdge reports whether task depends directly on dep.
func (g *depGraph) HasEdge(task, dep string) bool {
	return g.forward[task][dep]
}

// reaches reports whether from transitively reaches to along dependency
// edges. Used for cycle prevention: task -> dep is illegal when dep
// already reaches task.
func (g *depGraph) reaches(to, from string) bool {
	if from == to {
		return true
	}
	visited := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for next := range g.forward[cur] {
			if next == to {
				return true
			}
			stack = append(stack, next)
		}
	}
	return false
}

func keys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
