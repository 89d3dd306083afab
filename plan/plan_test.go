package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOpts = ValidateOptions{KnownAgents: []string{"CA", "CC", "WA"}}

const linearPlanYAML = `
plan_id: PLAN-LINEAR
name: Linear pipeline
version: "1.0"
context:
  environment: staging
tasks:
  - task_id: A
    agent: CA
    task_type: analysis
    description: Analyze inputs
    content:
      action: analyze
  - task_id: B
    agent: CC
    task_type: coding
    description: Implement
    dependencies: [A]
    max_retries: 2
    retry_delay: 1
    timeout: 30
    content:
      action: implement
      parameters:
        target: service
  - task_id: C
    agent: WA
    task_type: review
    description: Review output
    dependencies: [B]
    content:
      action: review
`

func writePlan(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadValidPlan(t *testing.T) {
	path := writePlan(t, "linear.yaml", linearPlanYAML)

	p, err := Load(path, testOpts)
	require.NoError(t, err)

	assert.Equal(t, "PLAN-LINEAR", p.PlanID)
	assert.Equal(t, "Linear pipeline", p.Name)
	assert.Equal(t, "staging", p.Context["environment"])
	require.Len(t, p.Tasks, 3)

	b := p.TaskByID("B")
	require.NotNil(t, b)
	assert.Equal(t, 2, b.MaxRetries)
	assert.Equal(t, "medium", b.EffectivePriority())
	assert.Equal(t, float64(30), b.TimeoutSec)
}

func TestLoadJSONPlan(t *testing.T) {
	body := `{
		"plan_id": "PLAN-JSON",
		"name": "JSON plan",
		"tasks": [
			{"task_id": "T1", "agent": "CA", "task_type": "generic",
			 "content": {"action": "run"}}
		]
	}`
	path := writePlan(t, "plan.json", body)

	p, err := Load(path, testOpts)
	require.NoError(t, err)
	assert.Equal(t, "PLAN-JSON", p.PlanID)
}

func TestLoadMissingPlan(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "ghost.yaml"), testOpts)
	require.ErrorIs(t, err, ErrPlanNotFound)
}

func TestSchemaRejectsLowercasePlanID(t *testing.T) {
	body := `
plan_id: lower-case
name: Bad plan
tasks:
  - task_id: T1
    agent: CA
    task_type: generic
    content:
      action: run
`
	_, err := Load(writePlan(t, "bad.yaml", body), testOpts)
	require.ErrorIs(t, err, ErrInvalidPlan)
}

func TestSchemaRejectsMissingAction(t *testing.T) {
	body := `
plan_id: PLAN-1
name: Missing action
tasks:
  - task_id: T1
    agent: CA
    task_type: generic
    content: {}
`
	_, err := Load(writePlan(t, "bad.yaml", body), testOpts)
	require.ErrorIs(t, err, ErrInvalidPlan)
}

func TestValidateIssues(t *testing.T) {
	base := func() *Plan {
		return &Plan{
			PlanID: "PLAN-1",
			Name:   "Test",
			Tasks: []Task{
				{TaskID: "T1", Agent: "CA", TaskType: "generic", Content: Content{Action: "run"}},
				{TaskID: "T2", Agent: "CC", TaskType: "coding", Dependencies: []string{"T1"}, Content: Content{Action: "build"}},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Plan)
		wantSub string
	}{
		{"duplicate task ids", func(p *Plan) { p.Tasks[1].TaskID = "T1"; p.Tasks[1].Dependencies = nil }, "duplicate task_id"},
		{"unknown agent", func(p *Plan) { p.Tasks[0].Agent = "ZZ" }, "unknown agent"},
		{"unknown fallback agent", func(p *Plan) { p.Tasks[0].FallbackAgent = "ZZ" }, "unknown agent"},
		{"unknown task type", func(p *Plan) { p.Tasks[0].TaskType = "mining" }, "unknown task_type"},
		{"unknown priority", func(p *Plan) { p.Tasks[0].Priority = "urgent" }, "unknown priority"},
		{"self dependency", func(p *Plan) { p.Tasks[0].Dependencies = []string{"T1"} }, "depends on itself"},
		{"unknown dependency", func(p *Plan) { p.Tasks[1].Dependencies = []string{"T9"} }, "unknown dependency"},
		{"missing name", func(p *Plan) { p.Name = "" }, "name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base()
			tt.mutate(p)
			issues := Validate(p, testOpts)
			require.NotEmpty(t, issues)

			all := make([]string, len(issues))
			for i, issue := range issues {
				all[i] = issue.String()
			}
			assert.Contains(t, strings.Join(all, "; "), tt.wantSub)
		})
	}
}

func TestValidateCleanPlan(t *testing.T) {
	p := &Plan{
		PlanID: "PLAN-OK",
		Name:   "Clean",
		Tasks: []Task{
			{TaskID: "T1", Agent: "CA", TaskType: "generic", Content: Content{Action: "run"}},
		},
	}
	assert.Empty(t, Validate(p, testOpts))
}

func TestTaskDefaults(t *testing.T) {
	task := Task{}
	assert.Equal(t, PriorityMedium, task.EffectivePriority())
	assert.Equal(t, DefaultTimeout, task.Timeout(0))
	assert.Equal(t, DefaultRetryDelay, task.RetryDelay(0))

	// A configured fallback replaces the package default for unset tasks.
	assert.Equal(t, 5*time.Minute, task.Timeout(5*time.Minute))
	assert.Equal(t, 30*time.Second, task.RetryDelay(30*time.Second))

	// A task-level value wins over any fallback.
	task.TimeoutSec = 1.5
	task.RetryDelaySec = 0.25
	assert.Equal(t, 1500, int(task.Timeout(5*time.Minute).Milliseconds()))
	assert.Equal(t, 250, int(task.RetryDelay(30*time.Second).Milliseconds()))
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(linearPlanYAML), 0644))

	second := `
plan_id: PLAN-SECOND
name: Second
tasks:
  - task_id: T1
    agent: CA
    task_type: generic
    content:
      action: run
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.yml"), []byte(second), 0644))

	plans, errs := Discover(dir, testOpts)
	assert.Empty(t, errs)
	require.Len(t, plans, 2)
}

func TestDiscoverRejectsDuplicatePlanID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(linearPlanYAML), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(linearPlanYAML), 0644))

	plans, errs := Discover(dir, testOpts)
	require.Len(t, plans, 1)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrDuplicatePlan)
}

func TestBuildAssignment(t *testing.T) {
	path := writePlan(t, "linear.yaml", linearPlanYAML)
	p, err := Load(path, testOpts)
	require.NoError(t, err)

	task := p.TaskByID("B")
	msg := BuildAssignment(p, task, task.Agent, "ORCHESTRATOR", "1.0", "PLAN-LINEAR-1-abc12345", 0)

	assert.Equal(t, "CC", msg.RecipientID)
	assert.Equal(t, "ORCHESTRATOR", msg.SenderID)
	assert.Equal(t, "B", msg.TaskID)
	assert.Equal(t, "task_assignment", msg.Payload.Type)
	assert.Equal(t, "implement", msg.Payload.Content["action"])
	assert.Equal(t, "medium", msg.Payload.Content["priority"])
	assert.Equal(t, []any{"A"}, msg.Payload.Content["dependencies"])
	params, ok := msg.Payload.Content["parameters"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "service", params["target"])
}
