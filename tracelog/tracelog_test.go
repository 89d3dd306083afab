package tracelog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amuslera/agent-comms-mvp-sub000/plan"
)

func tracePlan(t *testing.T) (*plan.Plan, *plan.DAG) {
	t.Helper()
	p := &plan.Plan{
		PlanID: "PLAN-TRACE",
		Name:   "Trace test plan",
		Tasks: []plan.Task{
			{TaskID: "TASK-A", Agent: "CA", TaskType: "generic", Description: "first", Content: plan.Content{Action: "do_a"}},
			{TaskID: "TASK-B", Agent: "CC", TaskType: "generic", Description: "second", Dependencies: []string{"TASK-A"}, Content: plan.Content{Action: "do_b"}},
		},
	}
	dag, err := plan.BuildDAG(p)
	require.NoError(t, err)
	return p, dag
}

func TestTaskLogTransitions(t *testing.T) {
	p, _ := tracePlan(t)
	task := p.TaskByID("TASK-A")

	tl := NewTaskLog("PLAN-TRACE-0-abc12345", p.PlanID, task, 0)
	assert.Equal(t, StatePending, tl.State)
	assert.Nil(t, tl.Started)

	tl.TransitionTo(StateReady, "dependencies satisfied", 0)
	tl.TransitionTo(StateRunning, "dispatched", 0)
	require.NotNil(t, tl.Started)
	firstStart := *tl.Started

	tl.AddRetry(1, "CA", "agent reported failure")
	tl.TransitionTo(StateRetrying, "attempt 1 failed", 1)
	tl.TransitionTo(StateRunning, "retry dispatched", 1)
	assert.Equal(t, firstStart, *tl.Started, "started is set once")

	tl.TransitionTo(StateCompleted, "agent reported success", 1)
	assert.Equal(t, StateCompleted, tl.State)
	require.NotNil(t, tl.Completed)
	assert.Len(t, tl.Transitions, 5)
	assert.Equal(t, StatePending, tl.Transitions[0].From)
	assert.Equal(t, StateReady, tl.Transitions[0].To)
	require.Len(t, tl.RetryHistory, 1)
	assert.Equal(t, "CA", tl.RetryHistory[0].Agent)
}

func TestTaskLogSkippedTimestamps(t *testing.T) {
	p, _ := tracePlan(t)
	tl := NewTaskLog("PLAN-TRACE-1-def45678", p.PlanID, p.TaskByID("TASK-B"), 1)

	tl.TransitionTo(StateSkipped, "when condition not met", 0)
	assert.True(t, IsTerminal(tl.State))
	assert.NotNil(t, tl.Skipped)
	assert.Nil(t, tl.Completed)
	assert.Nil(t, tl.Started)
}

func TestIsTerminal(t *testing.T) {
	for _, state := range []string{StateCompleted, StateFailed, StateTimeout, StateSkipped} {
		assert.True(t, IsTerminal(state), state)
	}
	for _, state := range []string{StatePending, StateWaiting, StateReady, StateRunning, StateRetrying} {
		assert.False(t, IsTerminal(state), state)
	}
}

func TestTaskLoggerSave(t *testing.T) {
	p, _ := tracePlan(t)
	dir := t.TempDir()
	logger := NewTaskLogger(dir, nil)

	tl := NewTaskLog("PLAN-TRACE-0-abc12345", p.PlanID, p.TaskByID("TASK-A"), 0)
	tl.TransitionTo(StateRunning, "dispatched", 0)
	require.NoError(t, logger.Save(tl))

	data, err := os.ReadFile(logger.Path(tl.TraceID))
	require.NoError(t, err)

	var loaded TaskLog
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, tl.TraceID, loaded.TraceID)
	assert.Equal(t, StateRunning, loaded.State)
	assert.Equal(t, "TASK-A", loaded.TaskID)
}

func TestTaskLoggerSaveRequiresTraceID(t *testing.T) {
	logger := NewTaskLogger(t.TempDir(), nil)
	err := logger.Save(&TaskLog{})
	assert.Error(t, err)
}

func TestTraceLoggerLifecycle(t *testing.T) {
	p, dag := tracePlan(t)
	dir := t.TempDir()
	tracer := NewTraceLogger(dir, p, dag, true, nil)

	assert.Len(t, tracer.ExecutionID(), 8)

	layer := 0
	tracer.AddEvent(Event{EventType: EventLayerStarted, ExecutionLayer: &layer})
	tracer.AddEvent(Event{EventType: EventTaskStarted, TaskID: "TASK-A", Agent: "CA", TraceID: "PLAN-TRACE-0-abc12345"})
	tracer.AddEvent(Event{EventType: EventTaskCompleted, TaskID: "TASK-A", Agent: "CA"})
	tracer.AddWarning("TASK-B produced no score")
	tracer.Finalize(RunStatusSuccess, Counters{Completed: 2}, map[string]any{"last_score": 0.9})

	snap := tracer.Snapshot()
	assert.Equal(t, RunStatusSuccess, snap.Status)
	assert.Equal(t, 2, snap.Counters.Total, "total comes from the plan")
	assert.Equal(t, 2, snap.Counters.Completed)
	require.NotNil(t, snap.EndTime)
	assert.Len(t, snap.Timeline, 3)
	assert.Equal(t, []string{"TASK-B produced no score"}, snap.Warnings)

	data, err := os.ReadFile(tracer.Path())
	require.NoError(t, err)

	var persisted ExecutionTrace
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, p.PlanID, persisted.PlanID)
	assert.Equal(t, [][]string{{"TASK-A"}, {"TASK-B"}}, persisted.DAG.Layers)
	for _, event := range persisted.Timeline {
		assert.False(t, event.Timestamp.IsZero())
	}
}

func TestTraceLoggerDisabledWritesNothing(t *testing.T) {
	p, dag := tracePlan(t)
	dir := t.TempDir()
	tracer := NewTraceLogger(dir, p, dag, false, nil)

	tracer.AddEvent(Event{EventType: EventTaskStarted, TaskID: "TASK-A"})
	tracer.Finalize(RunStatusFailed, Counters{Failed: 2}, nil)

	_, err := os.Stat(tracer.Path())
	assert.True(t, os.IsNotExist(err))

	snap := tracer.Snapshot()
	assert.Equal(t, RunStatusFailed, snap.Status)
	assert.Len(t, snap.Timeline, 1)
}

func TestTraceFileNaming(t *testing.T) {
	p, dag := tracePlan(t)
	dir := t.TempDir()
	tracer := NewTraceLogger(dir, p, dag, true, nil)

	want := filepath.Join(dir, "execution_trace_"+tracer.ExecutionID()+".json")
	assert.Equal(t, want, tracer.Path())
}
