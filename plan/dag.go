package plan

import (
	"errors"
	"fmt"
	"sort"
)

// ErrCycleDetected is returned when the dependency graph is not acyclic.
var ErrCycleDetected = errors.New("cycle detected in plan")

// DAG is the dependency graph derived from a plan, with forward and reverse
// edges, a topological order, and maximum-parallelism layers.
type DAG struct {
	Plan *Plan

	// Nodes maps task_id to its definition
	Nodes map[string]*Task

	// Edges maps dependency → dependents; ReverseEdges maps task → its
	// dependencies.
	Edges        map[string][]string
	ReverseEdges map[string][]string

	// RootNodes have no dependencies; LeafNodes have no dependents.
	RootNodes []string
	LeafNodes []string

	// ExecutionOrder is a topological sort of all task IDs.
	ExecutionOrder []string

	// Layers groups tasks so that layer i only depends on layers 0..i-1.
	Layers [][]string
}

// IntegrityReport summarizes DAG health for operators.
type IntegrityReport struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	Stats    DAGStats `json:"stats"`
}

// DAGStats carries structural statistics about a DAG.
type DAGStats struct {
	TaskCount int      `json:"task_count"`
	MaxDepth  int      `json:"max_depth"`
	RootCount int      `json:"root_count"`
	LeafCount int      `json:"leaf_count"`
	Agents    []string `json:"agents"`
}

// BuildDAG materializes the plan's dependency graph, verifies every
// dependency, runs Kahn's algorithm for the execution order, and groups
// tasks into maximum-parallelism layers. Re-running on the same plan is
// deterministic.
func BuildDAG(p *Plan) (*DAG, error) {
	dag := &DAG{
		Plan:         p,
		Nodes:        make(map[string]*Task, len(p.Tasks)),
		Edges:        make(map[string][]string),
		ReverseEdges: make(map[string][]string),
	}

	for i := range p.Tasks {
		task := &p.Tasks[i]
		if _, exists := dag.Nodes[task.TaskID]; exists {
			return nil, fmt.Errorf("%w: duplicate task %q", ErrInvalidPlan, task.TaskID)
		}
		dag.Nodes[task.TaskID] = task
	}

	for i := range p.Tasks {
		task := &p.Tasks[i]
		for _, dep := range task.Dependencies {
			if dep == task.TaskID {
				return nil, fmt.Errorf("%w: task %q depends on itself", ErrInvalidPlan, task.TaskID)
			}
			if _, exists := dag.Nodes[dep]; !exists {
				return nil, fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidPlan, task.TaskID, dep)
			}
			dag.Edges[dep] = append(dag.Edges[dep], task.TaskID)
			dag.ReverseEdges[task.TaskID] = append(dag.ReverseEdges[task.TaskID], dep)
		}
	}

	// Deterministic traversal order regardless of map iteration.
	ids := make([]string, 0, len(dag.Nodes))
	for id := range dag.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if len(dag.ReverseEdges[id]) == 0 {
			dag.RootNodes = append(dag.RootNodes, id)
		}
		if len(dag.Edges[id]) == 0 {
			dag.LeafNodes = append(dag.LeafNodes, id)
		}
	}

	order, err := kahnOrder(ids, dag.ReverseEdges, dag.Edges)
	if err != nil {
		return nil, err
	}
	dag.ExecutionOrder = order
	dag.Layers = buildLayers(ids, dag.ReverseEdges, dag.Edges)

	return dag, nil
}

// kahnOrder produces a topological order. When the order does not cover all
// nodes, a cycle exists; the error names one task on the cycle.
func kahnOrder(ids []string, reverseEdges, edges map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(ids))
	for _, id := range ids {
		indegree[id] = len(reverseEdges[id])
	}

	var queue []string
	for _, id := range ids {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(ids))
	for len(queue) > 0 {
		sort.Strings(queue)
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, dependent := range edges[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(ids) {
		for _, id := range ids {
			if indegree[id] > 0 {
				return nil, fmt.Errorf("%w: task %q", ErrCycleDetected, id)
			}
		}
		return nil, ErrCycleDetected
	}
	return order, nil
}

// buildLayers repeatedly extracts the ready set: all tasks whose remaining
// dependencies were satisfied by earlier layers. Each layer is the maximum
// parallel width available at that point.
func buildLayers(ids []string, reverseEdges, edges map[string][]string) [][]string {
	remaining := make(map[string]int, len(ids))
	for _, id := range ids {
		remaining[id] = len(reverseEdges[id])
	}
	done := make(map[string]bool, len(ids))

	var layers [][]string
	for len(done) < len(ids) {
		var ready []string
		for _, id := range ids {
			if !done[id] && remaining[id] == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			// Unreachable after kahnOrder succeeded; guard against loops.
			break
		}
		sort.Strings(ready)
		layers = append(layers, ready)
		for _, id := range ready {
			done[id] = true
			for _, dependent := range edges[id] {
				remaining[dependent]--
			}
		}
	}
	return layers
}

// LayerOf returns the index of the layer containing taskID, or -1.
func (d *DAG) LayerOf(taskID string) int {
	for i, layer := range d.Layers {
		for _, id := range layer {
			if id == taskID {
				return i
			}
		}
	}
	return -1
}

// Integrity reports structural errors, warnings (isolated tasks), and
// statistics for the DAG.
func (d *DAG) Integrity() IntegrityReport {
	report := IntegrityReport{
		Errors:   []string{},
		Warnings: []string{},
	}

	agents := make(map[string]bool)
	for _, task := range d.Nodes {
		agents[task.Agent] = true
	}
	agentList := make([]string, 0, len(agents))
	for agent := range agents {
		agentList = append(agentList, agent)
	}
	sort.Strings(agentList)

	report.Stats = DAGStats{
		TaskCount: len(d.Nodes),
		MaxDepth:  len(d.Layers),
		RootCount: len(d.RootNodes),
		LeafCount: len(d.LeafNodes),
		Agents:    agentList,
	}

	if len(d.ExecutionOrder) != len(d.Nodes) {
		report.Errors = append(report.Errors,
			fmt.Sprintf("execution order covers %d of %d tasks", len(d.ExecutionOrder), len(d.Nodes)))
	}

	// A task that is both root and leaf participates in no edges at all.
	leaves := make(map[string]bool, len(d.LeafNodes))
	for _, id := range d.LeafNodes {
		leaves[id] = true
	}
	for _, id := range d.RootNodes {
		if leaves[id] && len(d.Nodes) > 1 {
			report.Warnings = append(report.Warnings, fmt.Sprintf("task %q is isolated", id))
		}
	}

	return report
}
