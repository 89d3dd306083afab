package plan

import (
	"fmt"

	"github.com/amuslera/agent-comms-mvp-sub000/envelope"
)

// ValidateOptions scopes structural validation to the configured runtime.
type ValidateOptions struct {
	// KnownAgents is the set of agent IDs tasks may target. Empty skips the
	// agent membership check (useful for offline plan linting).
	KnownAgents []string

	// TaskTypes overrides the default task type set when non-empty.
	TaskTypes []string
}

func (o ValidateOptions) knownAgent(id string) bool {
	if len(o.KnownAgents) == 0 {
		return true
	}
	for _, a := range o.KnownAgents {
		if a == id {
			return true
		}
	}
	return false
}

func (o ValidateOptions) knownTaskType(t string) bool {
	types := o.TaskTypes
	if len(types) == 0 {
		types = TaskTypes
	}
	for _, tt := range types {
		if tt == t {
			return true
		}
	}
	return false
}

// Validate applies the plan invariants: unique task IDs, known agents and
// task types, valid dependency references, no self-dependencies, and ID
// format compliance. It returns the full list of issues found.
func Validate(p *Plan, opts ValidateOptions) []envelope.Issue {
	var issues []envelope.Issue
	add := func(field, format string, args ...any) {
		issues = append(issues, envelope.Issue{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if p == nil {
		return []envelope.Issue{{Message: "plan is nil"}}
	}

	if p.PlanID == "" {
		add("plan_id", "plan_id is required")
	} else if !envelope.IsValidID(p.PlanID) {
		add("plan_id", "must match ^[A-Z0-9_-]+$, got %q", p.PlanID)
	}
	if p.Name == "" {
		add("name", "name is required")
	}
	if len(p.Tasks) == 0 {
		add("tasks", "plan has no tasks")
	}

	seen := make(map[string]bool, len(p.Tasks))
	for i := range p.Tasks {
		task := &p.Tasks[i]
		prefix := fmt.Sprintf("tasks[%d]", i)

		if task.TaskID == "" {
			add(prefix+".task_id", "task_id is required")
		} else {
			if !envelope.IsValidID(task.TaskID) {
				add(prefix+".task_id", "must match ^[A-Z0-9_-]+$, got %q", task.TaskID)
			}
			if seen[task.TaskID] {
				add(prefix+".task_id", "duplicate task_id %q", task.TaskID)
			}
			seen[task.TaskID] = true
		}

		if task.Agent == "" {
			add(prefix+".agent", "agent is required")
		} else if !opts.knownAgent(task.Agent) {
			add(prefix+".agent", "unknown agent %q", task.Agent)
		}
		if task.FallbackAgent != "" && !opts.knownAgent(task.FallbackAgent) {
			add(prefix+".fallback_agent", "unknown agent %q", task.FallbackAgent)
		}

		if task.TaskType == "" {
			add(prefix+".task_type", "task_type is required")
		} else if !opts.knownTaskType(task.TaskType) {
			add(prefix+".task_type", "unknown task_type %q", task.TaskType)
		}

		if task.Priority != "" {
			valid := false
			for _, pr := range Priorities {
				if pr == task.Priority {
					valid = true
					break
				}
			}
			if !valid {
				add(prefix+".priority", "unknown priority %q", task.Priority)
			}
		}

		if task.MaxRetries < 0 {
			add(prefix+".max_retries", "must be >= 0, got %d", task.MaxRetries)
		}
		if task.Content.Action == "" {
			add(prefix+".content.action", "action is required")
		}
	}

	// Dependency references are checked after all IDs are collected so a
	// forward reference to a later task is legal.
	for i := range p.Tasks {
		task := &p.Tasks[i]
		prefix := fmt.Sprintf("tasks[%d]", i)
		for _, dep := range task.Dependencies {
			if dep == task.TaskID {
				add(prefix+".dependencies", "task %q depends on itself", task.TaskID)
				continue
			}
			if !seen[dep] {
				add(prefix+".dependencies", "unknown dependency %q", dep)
			}
		}
	}

	return issues
}
