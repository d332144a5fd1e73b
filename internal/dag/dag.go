// Package dag builds the task-dependency graph for a TodoList and computes
// ready sets for dispatch, grounded on the teacher's orchestration/workflow_dag.go
// but adapted from opaque string nodes to model.Task with priority-aware
// ready-set ordering (spec.md §4.5 step 2).
package dag

import (
	"fmt"
	"sort"
	"sync"

	"github.com/chiqo-ke/algoforge/internal/model"
)

// Graph is a directed acyclic graph over a TodoList's tasks.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*node
}

type node struct {
	task       *model.Task
	dependents []string
}

// ErrCyclic indicates a dependency cycle was detected during Build.
type ErrCyclic struct {
	Path []string
}

func (e *ErrCyclic) Error() string {
	return fmt.Sprintf("cyclic dependency detected: %v", e.Path)
}

// Build constructs a Graph from a TodoList, validating that every DependsOn
// reference resolves to a known task and that no cycle exists (spec.md §4.5
// step 1, the Orchestrator's DAG validation on TODO_LIST_CREATED).
func Build(list *model.TodoList) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*node, len(list.Items))}
	for _, t := range list.Items {
		g.nodes[t.ID] = &node{task: t}
	}
	for _, t := range list.Items {
		for _, dep := range t.DependsOn {
			depNode, ok := g.nodes[dep]
			if !ok {
				return nil, fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
			depNode.dependents = append(depNode.dependents, t.ID)
		}
	}
	if path := g.findCycle(); path != nil {
		return nil, &ErrCyclic{Path: path}
	}
	return g, nil
}

func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range g.nodes[id].task.DependsOn {
			switch color[dep] {
			case gray:
				// found the back-edge; slice the stack from dep's position
				for i, s := range stack {
					if s == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
				return []string{dep}
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for id := range g.nodes {
		if color[id] == white {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// Ready returns the tasks whose dependencies are all satisfied (passed or
// skipped) and whose own status is still pending, ordered per spec.md §4.5
// step 2's tie-break: higher priority first, then lexicographic task ID.
func (g *Graph) Ready() []*model.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*model.Task
	for _, n := range g.nodes {
		if n.task.Status != model.TaskPending {
			continue
		}
		if g.dependenciesSatisfiedLocked(n.task) {
			ready = append(ready, n.task)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func (g *Graph) dependenciesSatisfiedLocked(t *model.Task) bool {
	for _, dep := range t.DependsOn {
		depNode, ok := g.nodes[dep]
		if !ok {
			return false
		}
		switch depNode.task.Status {
		case model.TaskPassed, model.TaskSkipped:
			continue
		default:
			return false
		}
	}
	return true
}

// Dependents returns the task IDs that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]string, len(n.dependents))
	copy(out, n.dependents)
	return out
}

// MarkSkippedTransitively marks id's pending dependents (and their pending
// dependents, recursively) as skipped, used when a task's branch is
// abandoned without ever producing a result (spec.md §4.5 step 6).
func (g *Graph) MarkSkippedTransitively(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var skipped []string
	var walk func(string)
	walk = func(id string) {
		n, ok := g.nodes[id]
		if !ok {
			return
		}
		for _, depID := range n.dependents {
			depNode := g.nodes[depID]
			if depNode.task.Status == model.TaskPending {
				depNode.task.Status = model.TaskSkipped
				skipped = append(skipped, depID)
				walk(depID)
			}
		}
	}
	walk(id)
	return skipped
}

// AllTerminal reports whether every task in the graph has reached a
// workflow-terminal status (passed, cancelled, or skipped, or failed with no
// further remediation expected — the orchestrator decides that distinction,
// this only reports the DAG-local view of IsTerminal).
func (g *Graph) AllTerminal() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		if !n.task.Status.IsTerminal() && n.task.Status != model.TaskFailed {
			return false
		}
	}
	return true
}

// Task returns the task for id, or nil.
func (g *Graph) Task(id string) *model.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return n.task
}
