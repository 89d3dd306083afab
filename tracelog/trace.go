package tracelog

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amuslera/agent-comms-mvp-sub000/internal/atomicfile"
	"github.com/amuslera/agent-comms-mvp-sub000/plan"
)

// Run statuses.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusFailed  = "failed"
)

// Timeline event types.
const (
	EventPlanStarted    = "plan_started"
	EventLayerStarted   = "layer_started"
	EventLayerCompleted = "layer_completed"
	EventTaskCreated    = "task_created"
	EventTaskReady      = "task_ready"
	EventTaskStarted    = "task_started"
	EventTaskRetry      = "task_retry"
	EventTaskCompleted  = "task_completed"
	EventTaskSkipped    = "task_skipped"
	EventTaskTimeout    = "task_timeout"
	EventTaskFailed     = "task_failed"
	EventPlanFinalized  = "plan_finalized"
)

// Event is one entry of the execution timeline.
type Event struct {
	EventType      string         `json:"event_type"`
	TaskID         string         `json:"task_id,omitempty"`
	Agent          string         `json:"agent,omitempty"`
	ExecutionLayer *int           `json:"execution_layer,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Counters aggregate task outcomes for a run.
type Counters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// DAGSnapshot captures the structure the run executed against.
type DAGSnapshot struct {
	ExecutionOrder []string   `json:"execution_order"`
	Layers         [][]string `json:"layers"`
	RootNodes      []string   `json:"root_nodes"`
	LeafNodes      []string   `json:"leaf_nodes"`
}

// ExecutionTrace is the single per-run trace document.
type ExecutionTrace struct {
	TraceID      string         `json:"trace_id"`
	PlanID       string         `json:"plan_id"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	Status       string         `json:"status"`
	Counters     Counters       `json:"counters"`
	DAG          DAGSnapshot    `json:"dag"`
	Timeline     []Event        `json:"timeline"`
	FinalContext map[string]any `json:"final_context,omitempty"`
	Warnings     []string       `json:"warnings"`
	Errors       []string       `json:"errors"`
}

// TraceLogger builds and persists an execution trace. All mutations go
// through a writer mutex so a concurrent layer implementation stays
// race-free.
type TraceLogger struct {
	mu      sync.Mutex
	dir     string
	trace   *ExecutionTrace
	logger  *slog.Logger
	enabled bool
}

// NewTraceLogger starts a trace for one plan run. dir is typically
// logs/traces. A disabled logger swallows writes but still tracks the
// trace in memory.
func NewTraceLogger(dir string, p *plan.Plan, dag *plan.DAG, enabled bool, logger *slog.Logger) *TraceLogger {
	if logger == nil {
		logger = slog.Default()
	}
	executionID := uuid.NewString()[:8]
	return &TraceLogger{
		dir:     dir,
		enabled: enabled,
		logger:  logger,
		trace: &ExecutionTrace{
			TraceID:   executionID,
			PlanID:    p.PlanID,
			StartTime: time.Now().UTC(),
			Status:    RunStatusRunning,
			Counters:  Counters{Total: len(p.Tasks)},
			DAG: DAGSnapshot{
				ExecutionOrder: dag.ExecutionOrder,
				Layers:         dag.Layers,
				RootNodes:      dag.RootNodes,
				LeafNodes:      dag.LeafNodes,
			},
			Timeline: []Event{},
			Warnings: []string{},
			Errors:   []string{},
		},
	}
}

// ExecutionID returns the run identifier used in the trace file name.
func (l *TraceLogger) ExecutionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trace.TraceID
}

// Path returns the trace file path for this run.
func (l *TraceLogger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path()
}

func (l *TraceLogger) path() string {
	return filepath.Join(l.dir, fmt.Sprintf("execution_trace_%s.json", l.trace.TraceID))
}

// AddEvent appends a timeline event and persists the trace.
func (l *TraceLogger) AddEvent(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.trace.Timeline = append(l.trace.Timeline, event)
	l.persist()
}

// AddWarning records a non-fatal run warning.
func (l *TraceLogger) AddWarning(warning string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trace.Warnings = append(l.trace.Warnings, warning)
}

// AddError records a run error.
func (l *TraceLogger) AddError(errMsg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trace.Errors = append(l.trace.Errors, errMsg)
}

// Finalize writes the terminal status, counters, and context snapshot.
func (l *TraceLogger) Finalize(status string, counters Counters, finalContext map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	l.trace.EndTime = &now
	l.trace.Status = status
	counters.Total = l.trace.Counters.Total
	l.trace.Counters = counters
	l.trace.FinalContext = finalContext
	l.persist()
}

// Snapshot returns a copy of the trace document for inspection.
func (l *TraceLogger) Snapshot() ExecutionTrace {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := *l.trace
	snap.Timeline = make([]Event, len(l.trace.Timeline))
	copy(snap.Timeline, l.trace.Timeline)
	snap.Warnings = append([]string{}, l.trace.Warnings...)
	snap.Errors = append([]string{}, l.trace.Errors...)
	return snap
}

// persist writes the trace; callers hold the mutex.
func (l *TraceLogger) persist() {
	if !l.enabled {
		return
	}
	if err := atomicfile.WriteJSON(l.path(), l.trace); err != nil {
		l.logger.Warn("Failed to persist execution trace",
			slog.String("trace_id", l.trace.TraceID),
			slog.String("error", err.Error()))
	}
}
