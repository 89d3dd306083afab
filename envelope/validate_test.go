package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator() *Validator {
	return NewValidator("ORCHESTRATOR", "HUMAN", []string{"CA", "CC", "WA"})
}

func validAssignment() *Message {
	return &Message{
		Type:            TypeTaskAssignment,
		ProtocolVersion: "1.0",
		SenderID:        "ORCHESTRATOR",
		RecipientID:     "CA",
		Timestamp:       NowTimestamp(),
		TaskID:          "TASK-001",
		TraceID:         "PLAN-0-deadbeef",
		Payload: Payload{
			Type: "task_assignment",
			Content: map[string]any{
				"action":      "generate_report",
				"task_id":     "TASK-001",
				"description": "Generate the weekly report",
				"priority":    "medium",
			},
		},
	}
}

func TestValidateAssignmentOK(t *testing.T) {
	v := newTestValidator()

	ok, issues := v.Validate(validAssignment(), DirectionOutbound)
	assert.True(t, ok)
	assert.Empty(t, issues)
}

func TestValidateUnknownType(t *testing.T) {
	v := newTestValidator()
	msg := validAssignment()
	msg.Type = "telepathy"

	ok, issues := v.Validate(msg, DirectionOutbound)
	assert.False(t, ok)
	require.Len(t, issues, 1)
	assert.Equal(t, "type", issues[0].Field)
	assert.Equal(t, "unknown message type", issues[0].Message)
}

func TestValidateFieldIssues(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Message)
		wantField string
	}{
		{
			name:      "bad protocol version",
			mutate:    func(m *Message) { m.ProtocolVersion = "v1" },
			wantField: "protocol_version",
		},
		{
			name:      "missing protocol version",
			mutate:    func(m *Message) { m.ProtocolVersion = "" },
			wantField: "protocol_version",
		},
		{
			name:      "lowercase task id",
			mutate:    func(m *Message) { m.TaskID = "task-001" },
			wantField: "task_id",
		},
		{
			name:      "missing task id",
			mutate:    func(m *Message) { m.TaskID = "" },
			wantField: "task_id",
		},
		{
			name:      "bad timestamp",
			mutate:    func(m *Message) { m.Timestamp = "tomorrow" },
			wantField: "timestamp",
		},
		{
			name:      "negative retry count",
			mutate:    func(m *Message) { m.RetryCount = -1 },
			wantField: "retry_count",
		},
		{
			name:      "payload type mismatch",
			mutate:    func(m *Message) { m.Payload.Type = "task_result" },
			wantField: "payload.type",
		},
		{
			name:      "foreign sender on assignment",
			mutate:    func(m *Message) { m.SenderID = "CA" },
			wantField: "sender_id",
		},
		{
			name:      "unknown recipient agent",
			mutate:    func(m *Message) { m.RecipientID = "ZZ" },
			wantField: "recipient_id",
		},
		{
			name: "missing action",
			mutate: func(m *Message) {
				delete(m.Payload.Content, "action")
			},
			wantField: "payload.content.action",
		},
	}

	v := newTestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := validAssignment()
			tt.mutate(msg)

			ok, issues := v.Validate(msg, DirectionOutbound)
			assert.False(t, ok)
			fields := make([]string, 0, len(issues))
			for _, issue := range issues {
				fields = append(fields, issue.Field)
			}
			assert.Contains(t, fields, tt.wantField)
		})
	}
}

func TestValidateCollectsAllIssues(t *testing.T) {
	v := newTestValidator()
	msg := validAssignment()
	msg.ProtocolVersion = "one"
	msg.TaskID = "lower"
	msg.Timestamp = ""

	ok, issues := v.Validate(msg, DirectionOutbound)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, len(issues), 3)
}

func TestValidateInboundResult(t *testing.T) {
	v := newTestValidator()
	msg := &Message{
		Type:            TypeTaskResult,
		ProtocolVersion: "1.0",
		SenderID:        "CA",
		RecipientID:     "ORCHESTRATOR",
		Timestamp:       NowTimestamp(),
		TaskID:          "TASK-001",
		Payload:         Payload{Type: "task_result", Content: map[string]any{"status": "success"}},
	}

	ok, issues := v.Validate(msg, DirectionInbound)
	assert.True(t, ok, "%v", issues)

	// Inbound messages must target the orchestrator or HUMAN.
	msg.RecipientID = "CC"
	ok, issues = v.Validate(msg, DirectionInbound)
	assert.False(t, ok)
	require.NotEmpty(t, issues)
	assert.Equal(t, "recipient_id", issues[0].Field)
}

func TestValidateDeterministic(t *testing.T) {
	v := newTestValidator()
	msg := validAssignment()
	msg.ProtocolVersion = "bad"
	msg.TaskID = "bad id"

	_, first := v.Validate(msg, DirectionOutbound)
	_, second := v.Validate(msg, DirectionOutbound)
	assert.Equal(t, first, second)
}

func TestValidateNil(t *testing.T) {
	v := newTestValidator()
	ok, issues := v.Validate(nil, DirectionOutbound)
	assert.False(t, ok)
	require.Len(t, issues, 1)
}
