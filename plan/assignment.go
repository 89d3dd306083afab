package plan

import (
	"github.com/amuslera/agent-comms-mvp-sub000/envelope"
)

// BuildAssignment constructs the task_assignment envelope for one attempt of
// a task. The payload content mirrors the task's content plus the routing
// fields agents expect: task_id, description, action, priority, and
// dependencies. recipient is the target agent; it differs from task.Agent on
// fallback dispatch.
func BuildAssignment(p *Plan, task *Task, recipient, sender, protocolVersion, traceID string, retryCount int) *envelope.Message {
	content := map[string]any{
		"task_id":     task.TaskID,
		"description": task.Description,
		"action":      task.Content.Action,
		"priority":    task.EffectivePriority(),
	}
	if len(task.Dependencies) > 0 {
		deps := make([]any, len(task.Dependencies))
		for i, dep := range task.Dependencies {
			deps[i] = dep
		}
		content["dependencies"] = deps
	}
	if task.Content.Parameters != nil {
		content["parameters"] = task.Content.Parameters
	}
	if len(task.Content.Requirements) > 0 {
		content["requirements"] = toAnySlice(task.Content.Requirements)
	}
	if len(task.Content.InputFiles) > 0 {
		content["input_files"] = toAnySlice(task.Content.InputFiles)
	}
	if len(task.Content.OutputFiles) > 0 {
		content["output_files"] = toAnySlice(task.Content.OutputFiles)
	}

	msg := &envelope.Message{
		Type:        envelope.TypeTaskAssignment,
		SenderID:    sender,
		RecipientID: recipient,
		TaskID:      task.TaskID,
		TraceID:     traceID,
		RetryCount:  retryCount,
		Payload: envelope.Payload{
			Content: content,
		},
	}
	msg.Normalize(protocolVersion)
	return msg
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
