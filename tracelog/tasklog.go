// Package tracelog produces the per-task state transition logs and the
// per-run execution trace of a plan run.
package tracelog

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/amuslera/agent-comms-mvp-sub000/envelope"
	"github.com/amuslera/agent-comms-mvp-sub000/internal/atomicfile"
	"github.com/amuslera/agent-comms-mvp-sub000/plan"
)

// Task lifecycle states.
const (
	StatePending   = "pending"
	StateWaiting   = "waiting"
	StateReady     = "ready"
	StateRunning   = "running"
	StateRetrying  = "retrying"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateTimeout   = "timeout"
	StateSkipped   = "skipped_due_to_condition"
)

// IsTerminal reports whether state ends an attempt chain.
func IsTerminal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateTimeout, StateSkipped:
		return true
	}
	return false
}

// Transition records one state change.
type Transition struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason,omitempty"`
	RetryCount int       `json:"retry_count,omitempty"`
}

// RetryEntry records one failed attempt within the chain.
type RetryEntry struct {
	Attempt   int       `json:"attempt"`
	Agent     string    `json:"agent"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionResult captures the outcome of the attempt chain.
type ExecutionResult struct {
	Status       string             `json:"status"`
	Score        *float64           `json:"score,omitempty"`
	DurationSec  *float64           `json:"duration_sec,omitempty"`
	OutputFiles  []string           `json:"output_files,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Reply        *envelope.Message  `json:"reply,omitempty"`
}

// TaskLog is the per-attempt-chain log, one file per trace_id.
type TaskLog struct {
	TraceID        string     `json:"trace_id"`
	PlanID         string     `json:"plan_id"`
	TaskID         string     `json:"task_id"`
	Agent          string     `json:"agent"`
	ExecutionLayer int        `json:"execution_layer"`
	Dependencies   []string   `json:"dependencies,omitempty"`
	Definition     *plan.Task `json:"definition,omitempty"`

	State        string       `json:"state"`
	Transitions  []Transition `json:"transitions"`
	RetryHistory []RetryEntry `json:"retry_history,omitempty"`

	Created   time.Time  `json:"created"`
	Started   *time.Time `json:"started,omitempty"`
	Completed *time.Time `json:"completed,omitempty"`
	Skipped   *time.Time `json:"skipped,omitempty"`

	Result *ExecutionResult `json:"execution_result,omitempty"`
}

// NewTaskLog creates a log in the pending state.
func NewTaskLog(traceID, planID string, task *plan.Task, layer int) *TaskLog {
	return &TaskLog{
		TraceID:        traceID,
		PlanID:         planID,
		TaskID:         task.TaskID,
		Agent:          task.Agent,
		ExecutionLayer: layer,
		Dependencies:   task.Dependencies,
		Definition:     task,
		State:          StatePending,
		Transitions:    []Transition{},
		Created:        time.Now().UTC(),
	}
}

// TransitionTo appends a state transition. Re-recording the same
// (from, to, retry_count) is permitted; the log is append-only either way.
func (tl *TaskLog) TransitionTo(state, reason string, retryCount int) {
	now := time.Now().UTC()
	tl.Transitions = append(tl.Transitions, Transition{
		From:       tl.State,
		To:         state,
		Timestamp:  now,
		Reason:     reason,
		RetryCount: retryCount,
	})
	tl.State = state

	switch state {
	case StateRunning:
		if tl.Started == nil {
			tl.Started = &now
		}
	case StateCompleted, StateFailed, StateTimeout:
		tl.Completed = &now
	case StateSkipped:
		tl.Skipped = &now
	}
}

// AddRetry records a failed attempt.
func (tl *TaskLog) AddRetry(attempt int, agent, reason string) {
	tl.RetryHistory = append(tl.RetryHistory, RetryEntry{
		Attempt:   attempt,
		Agent:     agent,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

// TaskLogger persists task logs under a directory, one file per trace_id,
// atomically rewritten through the task's lifecycle.
type TaskLogger struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewTaskLogger creates a task logger writing to dir (typically logs/tasks).
func NewTaskLogger(dir string, logger *slog.Logger) *TaskLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskLogger{dir: dir, logger: logger}
}

// Path returns the log file path for a trace_id.
func (l *TaskLogger) Path(traceID string) string {
	return filepath.Join(l.dir, traceID+".json")
}

// Save atomically rewrites the log file for tl's trace_id.
func (l *TaskLogger) Save(tl *TaskLog) error {
	if tl.TraceID == "" {
		return fmt.Errorf("task log has no trace_id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := atomicfile.WriteJSON(l.Path(tl.TraceID), tl); err != nil {
		return fmt.Errorf("failed to save task log %s: %w", tl.TraceID, err)
	}
	return nil
}
