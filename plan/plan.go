// Package plan provides plan loading, validation, and DAG construction for
// the orchestration runtime.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Sentinel errors for plan operations.
var (
	ErrPlanNotFound  = errors.New("plan not found")
	ErrInvalidPlan   = errors.New("invalid plan")
	ErrDuplicatePlan = errors.New("duplicate plan id")
)

// Priority levels for tasks.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Priorities is the closed set of task priorities.
var Priorities = []string{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// TaskTypes is the closed set of task types a plan may use.
var TaskTypes = []string{
	"generic",
	"analysis",
	"coding",
	"review",
	"testing",
	"documentation",
	"deployment",
	"notification",
}

// Execution defaults applied when a task leaves a control unset.
const (
	DefaultTimeout    = 60 * time.Second
	DefaultRetryDelay = 5 * time.Second
)

// Content is the structured payload forwarded verbatim to the agent.
type Content struct {
	Action       string         `yaml:"action" json:"action"`
	Parameters   map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Requirements []string       `yaml:"requirements,omitempty" json:"requirements,omitempty"`
	InputFiles   []string       `yaml:"input_files,omitempty" json:"input_files,omitempty"`
	OutputFiles  []string       `yaml:"output_files,omitempty" json:"output_files,omitempty"`
}

// Task is a definition-time task within a plan.
type Task struct {
	TaskID      string `yaml:"task_id" json:"task_id"`
	Agent       string `yaml:"agent" json:"agent"`
	TaskType    string `yaml:"task_type" json:"task_type"`
	Description string `yaml:"description" json:"description"`
	// Priority defaults to medium
	Priority     string   `yaml:"priority,omitempty" json:"priority,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`

	// Guards: When must evaluate truthy, Unless must evaluate falsy
	When   string `yaml:"when,omitempty" json:"when,omitempty"`
	Unless string `yaml:"unless,omitempty" json:"unless,omitempty"`

	// Execution controls, in seconds where durations apply
	MaxRetries    int     `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryDelaySec float64 `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	TimeoutSec    float64 `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	FallbackAgent string  `yaml:"fallback_agent,omitempty" json:"fallback_agent,omitempty"`
	Deadline      string  `yaml:"deadline,omitempty" json:"deadline,omitempty"`

	Content Content `yaml:"content" json:"content"`
}

// EffectivePriority returns the task priority with the medium default applied.
func (t *Task) EffectivePriority() string {
	if t.Priority == "" {
		return PriorityMedium
	}
	return t.Priority
}

// Timeout returns the reply wait for one attempt. A task-level timeout wins,
// then the caller's fallback (typically the runner configuration), then the
// package default.
func (t *Task) Timeout(fallback time.Duration) time.Duration {
	if t.TimeoutSec > 0 {
		return time.Duration(t.TimeoutSec * float64(time.Second))
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTimeout
}

// RetryDelay returns the pause between attempts, resolved the same way as
// Timeout.
func (t *Task) RetryDelay(fallback time.Duration) time.Duration {
	if t.RetryDelaySec > 0 {
		return time.Duration(t.RetryDelaySec * float64(time.Second))
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultRetryDelay
}

// Plan is a declarative DAG of tasks bound to agents.
type Plan struct {
	PlanID  string `yaml:"plan_id" json:"plan_id"`
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
	// Context seeds the plan-wide key/value context
	Context map[string]any `yaml:"context,omitempty" json:"context,omitempty"`
	Tasks   []Task         `yaml:"tasks" json:"tasks"`
}

// TaskByID returns the task definition with the given id, or nil.
func (p *Plan) TaskByID(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].TaskID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// Load parses a plan file (YAML or JSON), validates it against the embedded
// plan schema, and applies structural validation. All failures are reported
// synchronously; nothing is persisted.
func Load(path string, opts ValidateOptions) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, path)
		}
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	return Parse(data, filepath.Ext(path), opts)
}

// Parse parses plan bytes. ext selects the decoder (".json" for JSON,
// anything else is treated as YAML).
func Parse(data []byte, ext string, opts ValidateOptions) (*Plan, error) {
	var plan Plan
	if strings.EqualFold(ext, ".json") {
		if err := json.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("%w: failed to parse plan: %v", ErrInvalidPlan, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("%w: failed to parse plan: %v", ErrInvalidPlan, err)
		}
	}

	if err := validateSchema(&plan); err != nil {
		return nil, err
	}

	if issues := Validate(&plan, opts); len(issues) > 0 {
		lines := make([]string, len(issues))
		for i, issue := range issues {
			lines[i] = issue.String()
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidPlan, strings.Join(lines, "; "))
	}

	return &plan, nil
}
