package ledger

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/amuslera/agent-comms-mvp-sub000/internal/atomicfile"
)

// TaskOutcome is one task's contribution to the run summary.
type TaskOutcome struct {
	TaskID      string   `json:"task_id"`
	Agent       string   `json:"agent"`
	Status      string   `json:"status"`
	Retries     int      `json:"retries,omitempty"`
	Score       *float64 `json:"score,omitempty"`
	DurationSec *float64 `json:"duration_sec,omitempty"`
}

// RunSummary is the per-run aggregate written once at the end of a run.
type RunSummary struct {
	ExecutionID string        `json:"execution_id"`
	PlanID      string        `json:"plan_id"`
	Status      string        `json:"status"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	DurationSec float64       `json:"duration_sec"`
	Tasks       []TaskOutcome `json:"tasks"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Retries     int           `json:"retries"`
}

// RunLogger accumulates task outcomes for one plan run and writes a single
// summary file (logs/runs/run_<execution_id>.json). Purely reflective; it
// never influences execution.
type RunLogger struct {
	mu      sync.Mutex
	dir     string
	summary RunSummary
	logger  *slog.Logger
}

// NewRunLogger starts a run log for one execution.
func NewRunLogger(dir, executionID, planID string, logger *slog.Logger) *RunLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunLogger{
		dir:    dir,
		logger: logger,
		summary: RunSummary{
			ExecutionID: executionID,
			PlanID:      planID,
			StartTime:   time.Now().UTC(),
			Tasks:       []TaskOutcome{},
		},
	}
}

// Path returns the summary file path for this run.
func (l *RunLogger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return filepath.Join(l.dir, fmt.Sprintf("run_%s.json", l.summary.ExecutionID))
}

// RecordTask adds one task outcome to the run.
func (l *RunLogger) RecordTask(outcome TaskOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.summary.Tasks = append(l.summary.Tasks, outcome)
	l.summary.Retries += outcome.Retries
	switch outcome.Status {
	case "completed":
		l.summary.Completed++
	case "skipped_due_to_condition":
		l.summary.Skipped++
	default:
		l.summary.Failed++
	}
}

// Finalize stamps the run status and writes the summary file.
func (l *RunLogger) Finalize(status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	l.summary.Status = status
	l.summary.EndTime = now
	l.summary.DurationSec = now.Sub(l.summary.StartTime).Seconds()

	path := filepath.Join(l.dir, fmt.Sprintf("run_%s.json", l.summary.ExecutionID))
	if err := atomicfile.WriteJSON(path, l.summary); err != nil {
		return fmt.Errorf("failed to write run summary: %w", err)
	}
	return nil
}

// Summary returns a copy of the accumulated summary.
func (l *RunLogger) Summary() RunSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := l.summary
	out.Tasks = make([]TaskOutcome, len(l.summary.Tasks))
	copy(out.Tasks, l.summary.Tasks)
	return out
}
