package engine

import (
	"fmt"
	"sort"
)

// Node binds a step to its predecessors in the graph. A step with more than
// one predecessor is a join step: it becomes ready only after every
// predecessor has produced a state.
type Node[S State[S]] struct {
	Step      Step[S]
	DependsOn []string
}

// Graph is a fixed directed acyclic graph of steps with a single entry and a
// single exit. It is built once at startup and reused for every run.
type Graph[S State[S]] struct {
	name       string
	steps      map[string]Step[S]
	preds      map[string][]string
	succs      map[string][]string
	order      []string
	entry      string
	exit       string
}

// NewGraph builds and validates a graph from the given nodes.
func NewGraph[S State[S]](name string, nodes []Node[S]) (*Graph[S], error) {
	if name == "" {
		return nil, fmt.Errorf("graph name required")
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("graph must have at least one step")
	}

	g := &Graph[S]{
		name:  name,
		steps: make(map[string]Step[S], len(nodes)),
		preds: make(map[string][]string, len(nodes)),
		succs: make(map[string][]string, len(nodes)),
	}
	for _, node := range nodes {
		if node.Step == nil {
			return nil, fmt.Errorf("graph node has no step")
		}
		stepName := node.Step.Name()
		if stepName == "" {
			return nil, fmt.Errorf("step name required")
		}
		if _, exists := g.steps[stepName]; exists {
			return nil, fmt.Errorf("duplicate step %q", stepName)
		}
		g.steps[stepName] = node.Step
		g.preds[stepName] = append([]string{}, node.DependsOn...)
	}
	for stepName, preds := range g.preds {
		for _, pred := range preds {
			if _, ok := g.steps[pred]; !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", stepName, pred)
			}
			g.succs[pred] = append(g.succs[pred], stepName)
		}
	}
	if err := g.resolve(); err != nil {
		return nil, fmt.Errorf("graph validation failed: %w", err)
	}
	return g, nil
}

// resolve computes a topological order and checks the single-entry,
// single-exit shape.
func (g *Graph[S]) resolve() error {
	indegree := make(map[string]int, len(g.steps))
	var entries, exits []string
	for name := range g.steps {
		indegree[name] = len(g.preds[name])
		if indegree[name] == 0 {
			entries = append(entries, name)
		}
		if len(g.succs[name]) == 0 {
			exits = append(exits, name)
		}
	}
	if len(entries) != 1 {
		sort.Strings(entries)
		return fmt.Errorf("graph must have exactly one entry step, found %v", entries)
	}
	if len(exits) != 1 {
		sort.Strings(exits)
		return fmt.Errorf("graph must have exactly one exit step, found %v", exits)
	}
	g.entry = entries[0]
	g.exit = exits[0]

	queue := []string{g.entry}
	g.order = g.order[:0]
	for len(queue) > 0 {
		sort.Strings(queue)
		name := queue[0]
		queue = queue[1:]
		g.order = append(g.order, name)
		for _, succ := range g.succs[name] {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if len(g.order) != len(g.steps) {
		return fmt.Errorf("graph contains a cycle or unreachable steps")
	}
	return nil
}

// Name returns the graph name.
func (g *Graph[S]) Name() string { return g.name }

// Entry returns the name of the single entry step.
func (g *Graph[S]) Entry() string { return g.entry }

// Exit returns the name of the single exit step.
func (g *Graph[S]) Exit() string { return g.exit }

// StepNames returns all step names in topological order.
func (g *Graph[S]) StepNames() []string {
	return append([]string{}, g.order...)
}

// Step returns a step by name.
func (g *Graph[S]) Step(name string) (Step[S], bool) {
	step, ok := g.steps[name]
	return step, ok
}

// Predecessors returns the predecessor names of a step.
func (g *Graph[S]) Predecessors(name string) []string {
	return append([]string{}, g.preds[name]...)
}

// Successors returns the successor names of a step.
func (g *Graph[S]) Successors(name string) []string {
	return append([]string{}, g.succs[name]...)
}
