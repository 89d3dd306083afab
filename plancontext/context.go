// Package plancontext holds the plan-wide key/value context and evaluates
// task guard expressions against it.
package plancontext

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amuslera/agent-comms-mvp-sub000/envelope"
	"github.com/amuslera/agent-comms-mvp-sub000/internal/atomicfile"
	"github.com/amuslera/agent-comms-mvp-sub000/plan"
)

// EvalRecord is one entry of the append-only guard evaluation log.
type EvalRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	TaskID     string    `json:"task_id"`
	Expression string    `json:"expression,omitempty"`
	ShouldRun  bool      `json:"should_run"`
	Reason     string    `json:"reason"`
}

// Engine is the plan context: a mutable key/value map guarded by a single
// writer, plus the evaluation log. Guard expressions always consume a
// shallow copy of the map.
type Engine struct {
	mu     sync.RWMutex
	values map[string]any
	log    []EvalRecord
	logger *slog.Logger
}

// NewEngine creates a context engine seeded from the plan's initial context.
func NewEngine(initial map[string]any, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &Engine{
		values: values,
		log:    []EvalRecord{},
		logger: logger,
	}
}

// Update sets a single context key.
func (e *Engine) Update(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[key] = value
}

// Get returns a context value.
func (e *Engine) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[key]
	return v, ok
}

// Snapshot returns a shallow copy of the context map.
func (e *Engine) Snapshot() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := make(map[string]any, len(e.values))
	for k, v := range e.values {
		snap[k] = v
	}
	return snap
}

// UpdateFromTaskResult materializes the conventional context keys from a
// task reply: <task_id>_status, <task_id>_score, <task_id>_completed,
// last_score, and any explicit context_updates carried in the payload.
func (e *Engine) UpdateFromTaskResult(taskID string, reply *envelope.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := reply.ContentString("status")
	if status == "" {
		if ok, has := reply.ContentBool("success"); has {
			if ok {
				status = "completed"
			} else {
				status = "failed"
			}
		} else {
			status = "completed"
		}
	}
	e.values[taskID+"_status"] = status
	e.values[taskID+"_completed"] = status == "completed" || status == "success"

	if score, ok := reply.ContentFloat("score"); ok {
		e.values[taskID+"_score"] = score
		e.values["last_score"] = score
	}

	if updates, ok := reply.Payload.Content["context_updates"].(map[string]any); ok {
		for k, v := range updates {
			e.values[k] = v
		}
	}
}

// MarkCompleted records a successful task without a structured reply body.
func (e *Engine) MarkCompleted(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[taskID+"_status"] = "completed"
	e.values[taskID+"_completed"] = true
}

// EvaluateTask decides whether a task should run. `when` must evaluate
// truthy and `unless` must evaluate falsy; evaluation errors fail closed
// (the task is skipped, with the reason logged). Each evaluation is
// appended to the log.
func (e *Engine) EvaluateTask(task *plan.Task) (bool, string) {
	shouldRun, reason := e.evaluate(task)

	e.mu.Lock()
	expression := task.When
	if task.Unless != "" {
		if expression != "" {
			expression += " / unless: " + task.Unless
		} else {
			expression = "unless: " + task.Unless
		}
	}
	e.log = append(e.log, EvalRecord{
		Timestamp:  time.Now().UTC(),
		TaskID:     task.TaskID,
		Expression: expression,
		ShouldRun:  shouldRun,
		Reason:     reason,
	})
	e.mu.Unlock()

	return shouldRun, reason
}

func (e *Engine) evaluate(task *plan.Task) (bool, string) {
	if task.When == "" && task.Unless == "" {
		return true, "all conditions satisfied"
	}

	snapshot := e.Snapshot()
	var reasons []string

	if task.When != "" {
		value, err := evalExpression(task.When, snapshot)
		if err != nil {
			e.logger.Warn("Guard evaluation failed",
				slog.String("task_id", task.TaskID),
				slog.String("expression", task.When),
				slog.String("error", err.Error()))
			return false, fmt.Sprintf("guard error in when %q: %v", task.When, err)
		}
		if !truthy(value) {
			return false, fmt.Sprintf("when condition not met: %q", task.When)
		}
		reasons = append(reasons, fmt.Sprintf("when %q satisfied", task.When))
	}

	if task.Unless != "" {
		value, err := evalExpression(task.Unless, snapshot)
		if err != nil {
			e.logger.Warn("Guard evaluation failed",
				slog.String("task_id", task.TaskID),
				slog.String("expression", task.Unless),
				slog.String("error", err.Error()))
			return false, fmt.Sprintf("guard error in unless %q: %v", task.Unless, err)
		}
		if truthy(value) {
			return false, fmt.Sprintf("unless condition met: %q", task.Unless)
		}
		reasons = append(reasons, fmt.Sprintf("unless %q not triggered", task.Unless))
	}

	reason := "all conditions satisfied"
	if len(reasons) > 0 {
		reason = joinReasons(reasons)
	}
	return true, reason
}

func joinReasons(reasons []string) string {
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}

// Log returns a copy of the evaluation log.
func (e *Engine) Log() []EvalRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]EvalRecord, len(e.log))
	copy(out, e.log)
	return out
}

// SaveLog writes the evaluation log to path via temp file + rename.
func (e *Engine) SaveLog(path string) error {
	return atomicfile.WriteJSON(path, e.Log())
}
