package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := &Message{
		Type:            TypeTaskResult,
		ProtocolVersion: "1.0",
		SenderID:        "CA",
		RecipientID:     "ORCHESTRATOR",
		Timestamp:       "2025-06-01T10:00:00Z",
		TaskID:          "TASK-001",
		TraceID:         "PLAN-1-abc123",
		RetryCount:      2,
		Payload: Payload{
			Type: "task_result",
			Content: map[string]any{
				"status":       "success",
				"score":        0.9,
				"duration_sec": 1.5,
				"output_files": []any{"out.txt"},
			},
		},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *msg, decoded)
}

func TestForeignEnvelopeAccepted(t *testing.T) {
	// Envelope as produced by a Python agent: naive timestamp, no trace_id.
	raw := `{
		"type": "error",
		"protocol_version": "1.0",
		"sender_id": "CC",
		"recipient_id": "ORCHESTRATOR",
		"timestamp": "2025-06-01T10:00:00.123456",
		"task_id": "TASK-002",
		"payload": {"type": "error", "content": {"error_code": "E_TIMEOUT", "message": "no response"}}
	}`

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "E_TIMEOUT", msg.ContentString("error_code"))
	assert.Zero(t, msg.RetryCount)

	_, err := ParseTimestamp(msg.Timestamp)
	assert.NoError(t, err)
}

func TestParseTimestamp(t *testing.T) {
	for _, ts := range []string{
		"2025-06-01T10:00:00Z",
		"2025-06-01T10:00:00.123456789Z",
		"2025-06-01T10:00:00+02:00",
		"2025-06-01T10:00:00.123456",
		"2025-06-01T10:00:00",
	} {
		_, err := ParseTimestamp(ts)
		assert.NoError(t, err, ts)
	}

	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestContentAccessors(t *testing.T) {
	msg := &Message{Payload: Payload{
		Type: "task_result",
		Content: map[string]any{
			"status":  "success",
			"score":   0.75,
			"retries": float64(3),
			"ok":      true,
		},
	}}

	assert.Equal(t, "success", msg.ContentString("status"))
	assert.Equal(t, "", msg.ContentString("missing"))

	score, ok := msg.ContentFloat("score")
	assert.True(t, ok)
	assert.InDelta(t, 0.75, score, 1e-9)

	_, ok = msg.ContentFloat("status")
	assert.False(t, ok)

	b, ok := msg.ContentBool("ok")
	assert.True(t, ok)
	assert.True(t, b)
}

func TestNormalize(t *testing.T) {
	msg := &Message{Type: TypeTaskResult, SenderID: "CA"}
	msg.Normalize("1.0")

	assert.Equal(t, "1.0", msg.ProtocolVersion)
	assert.Equal(t, "task_result", msg.Payload.Type)
	_, err := ParseTimestamp(msg.Timestamp)
	assert.NoError(t, err)

	// Populated fields survive.
	filled := &Message{
		Type:            TypeError,
		ProtocolVersion: "2.1",
		Timestamp:       "2025-06-01T10:00:00Z",
		Payload:         Payload{Type: "error"},
	}
	filled.Normalize("1.0")
	assert.Equal(t, "2.1", filled.ProtocolVersion)
	assert.Equal(t, "2025-06-01T10:00:00Z", filled.Timestamp)
}

func TestClone(t *testing.T) {
	msg := &Message{
		Type:   TypeTaskResult,
		TaskID: "TASK-001",
		Payload: Payload{
			Type:    "task_result",
			Content: map[string]any{"nested": map[string]any{"k": "v"}, "list": []any{1, 2}},
		},
	}

	clone := msg.Clone()
	clone.Payload.Content["nested"].(map[string]any)["k"] = "changed"
	clone.RetryCount = 7

	assert.Equal(t, "v", msg.Payload.Content["nested"].(map[string]any)["k"])
	assert.Zero(t, msg.RetryCount)
}

func TestIsValidID(t *testing.T) {
	assert.True(t, IsValidID("TASK-001"))
	assert.True(t, IsValidID("PLAN_A"))
	assert.False(t, IsValidID("task-001"))
	assert.False(t, IsValidID(""))
	assert.False(t, IsValidID("TASK 1"))
}
