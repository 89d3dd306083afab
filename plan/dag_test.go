package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTask(id, agent string, deps ...string) Task {
	return Task{
		TaskID:       id,
		Agent:        agent,
		TaskType:     "generic",
		Dependencies: deps,
		Content:      Content{Action: "run"},
	}
}

func diamondPlan() *Plan {
	return &Plan{
		PlanID: "PLAN-DIAMOND",
		Name:   "Diamond",
		Tasks: []Task{
			makeTask("A", "CA"),
			makeTask("B", "CC", "A"),
			makeTask("C", "WA", "A"),
			makeTask("D", "CA", "B", "C"),
		},
	}
}

func TestBuildDAGDiamond(t *testing.T) {
	dag, err := BuildDAG(diamondPlan())
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, dag.RootNodes)
	assert.Equal(t, []string{"D"}, dag.LeafNodes)
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, dag.Layers)
	assert.Len(t, dag.ExecutionOrder, 4)
}

func TestExecutionOrderIsTopological(t *testing.T) {
	dag, err := BuildDAG(diamondPlan())
	require.NoError(t, err)

	index := make(map[string]int, len(dag.ExecutionOrder))
	for i, id := range dag.ExecutionOrder {
		index[id] = i
	}
	for dep, dependents := range dag.Edges {
		for _, dependent := range dependents {
			assert.Less(t, index[dep], index[dependent],
				"edge (%s,%s) violates topological order", dep, dependent)
		}
	}
}

func TestLayerDependenciesSatisfiedEarlier(t *testing.T) {
	dag, err := BuildDAG(diamondPlan())
	require.NoError(t, err)

	layerOf := make(map[string]int)
	for i, layer := range dag.Layers {
		for _, id := range layer {
			layerOf[id] = i
		}
	}
	for id, deps := range dag.ReverseEdges {
		for _, dep := range deps {
			assert.Less(t, layerOf[dep], layerOf[id])
		}
	}
}

func TestTaskWithoutDependenciesInLayerZero(t *testing.T) {
	p := &Plan{
		PlanID: "PLAN-1",
		Name:   "Roots",
		Tasks: []Task{
			makeTask("X", "CA"),
			makeTask("Y", "CC", "X"),
			makeTask("Z", "WA"),
		},
	}
	dag, err := BuildDAG(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Z"}, dag.Layers[0])
	assert.Equal(t, 0, dag.LayerOf("Z"))
	assert.Equal(t, 1, dag.LayerOf("Y"))
	assert.Equal(t, -1, dag.LayerOf("NOPE"))
}

func TestBuildDAGCycle(t *testing.T) {
	p := &Plan{
		PlanID: "PLAN-CYCLE",
		Name:   "Cycle",
		Tasks: []Task{
			makeTask("A", "CA", "C"),
			makeTask("B", "CC", "A"),
			makeTask("C", "WA", "B"),
		},
	}
	_, err := BuildDAG(p)
	require.ErrorIs(t, err, ErrCycleDetected)
}

func TestBuildDAGSelfDependency(t *testing.T) {
	p := &Plan{
		PlanID: "PLAN-SELF",
		Name:   "Self",
		Tasks:  []Task{makeTask("A", "CA", "A")},
	}
	_, err := BuildDAG(p)
	require.ErrorIs(t, err, ErrInvalidPlan)
}

func TestBuildDAGUnknownDependency(t *testing.T) {
	p := &Plan{
		PlanID: "PLAN-GHOST",
		Name:   "Ghost dep",
		Tasks:  []Task{makeTask("A", "CA", "GHOST")},
	}
	_, err := BuildDAG(p)
	require.ErrorIs(t, err, ErrInvalidPlan)
}

func TestBuildDAGDeterministic(t *testing.T) {
	first, err := BuildDAG(diamondPlan())
	require.NoError(t, err)
	second, err := BuildDAG(diamondPlan())
	require.NoError(t, err)

	assert.Equal(t, first.ExecutionOrder, second.ExecutionOrder)
	assert.Equal(t, first.Layers, second.Layers)
	assert.Equal(t, first.RootNodes, second.RootNodes)
	assert.Equal(t, first.LeafNodes, second.LeafNodes)
}

func TestIntegrityReport(t *testing.T) {
	dag, err := BuildDAG(diamondPlan())
	require.NoError(t, err)

	report := dag.Integrity()
	assert.Empty(t, report.Errors)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, 4, report.Stats.TaskCount)
	assert.Equal(t, 3, report.Stats.MaxDepth)
	assert.Equal(t, 1, report.Stats.RootCount)
	assert.Equal(t, 1, report.Stats.LeafCount)
	assert.Equal(t, []string{"CA", "CC", "WA"}, report.Stats.Agents)
}

func TestIntegrityFlagsIsolatedTask(t *testing.T) {
	p := &Plan{
		PlanID: "PLAN-ISO",
		Name:   "Isolated",
		Tasks: []Task{
			makeTask("A", "CA"),
			makeTask("B", "CC", "A"),
			makeTask("LONER", "WA"),
		},
	}
	dag, err := BuildDAG(p)
	require.NoError(t, err)

	report := dag.Integrity()
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "LONER")
}
