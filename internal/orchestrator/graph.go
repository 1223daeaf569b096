package orchestrator

import (
	"errors"

	"github.com/deniskropp/t170/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a snapshot of task dependencies.
// Edges to tasks outside the snapshot are kept but never form cycles.
type DependencyGraph struct {
	order []string
	nodes map[string]*models.Task
	edges map[string][]string
}

// NewDependencyGraph builds a graph from tasks, preserving their order.
func NewDependencyGraph(tasks []*models.Task) *DependencyGraph {
	g := &DependencyGraph{
		nodes: make(map[string]*models.Task, len(tasks)),
		edges: make(map[string][]string, len(tasks)),
	}
	for _, t := range tasks {
		g.add(t)
	}
	return g
}

func (g *DependencyGraph) add(t *models.Task) {
	if _, exists := g.nodes[t.ID]; !exists {
		g.order = append(g.order, t.ID)
	}
	g.nodes[t.ID] = t
	g.edges[t.ID] = t.Dependencies
}

// WithDependencies returns a copy of g where id depends on deps instead.
func (g *DependencyGraph) WithDependencies(id string, deps []string) *DependencyGraph {
	out := &DependencyGraph{
		order: append([]string{}, g.order...),
		nodes: make(map[string]*models.Task, len(g.nodes)),
		edges: make(map[string][]string, len(g.edges)),
	}
	for k, v := range g.nodes {
		out.nodes[k] = v
	}
	for k, v := range g.edges {
		out.edges[k] = v
	}
	if _, exists := out.nodes[id]; !exists {
		out.order = append(out.order, id)
		out.nodes[id] = &models.Task{ID: id}
	}
	out.edges[id] = deps
	return out
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	return len(g.order)
}

// HasCycle reports whether the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	_, err := g.TopologicalSort()
	return err != nil
}

// TopologicalSort returns task IDs with every dependency before its
// dependents. Ties keep snapshot order.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	// 0 = unvisited, 1 = on the current path, 2 = done.
	colors := make(map[string]int, len(g.nodes))
	result := make([]string, 0, len(g.order))

	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = 1
		for _, dep := range g.edges[id] {
			if _, known := g.nodes[dep]; !known {
				continue
			}
			switch colors[dep] {
			case 1:
				return ErrCycleDetected
			case 0:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		colors[id] = 2
		result = append(result, id)
		return nil
	}

	for _, id := range g.order {
		if colors[id] == 0 {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// Dependents returns the IDs of tasks that depend directly on id.
func (g *DependencyGraph) Dependents(id string) []string {
	var out []string
	for _, tid := range g.order {
		for _, dep := range g.edges[tid] {
			if dep == id {
				out = append(out, tid)
				break
			}
		}
	}
	return out
}

// Task returns the task for id, or nil if it is not in the graph.
func (g *DependencyGraph) Task(id string) *models.Task {
	return g.nodes[id]
}
