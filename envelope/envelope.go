// Package envelope defines the message envelope exchanged between the
// orchestrator and agents through postbox files, along with its validator.
package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Type enumerates the supported message types.
type Type string

// Supported message types.
const (
	TypeTaskAssignment Type = "task_assignment"
	TypeTaskResult     Type = "task_result"
	TypeError          Type = "error"
	TypeNeedsInput     Type = "needs_input"
	TypeAlert          Type = "alert"
)

// Direction indicates which way a message is travelling relative to the
// orchestrator.
type Direction string

// Message directions.
const (
	DirectionOutbound Direction = "outbound" // orchestrator → agent
	DirectionInbound  Direction = "inbound"  // agent → orchestrator
)

// idPattern validates task and plan identifiers: uppercase alphanumeric
// with hyphens and underscores.
var idPattern = regexp.MustCompile(`^[A-Z0-9_-]+$`)

// protocolPattern validates protocol versions: MAJOR.MINOR.
var protocolPattern = regexp.MustCompile(`^\d+\.\d+$`)

// IsValidID reports whether id matches the task/plan identifier character
// class.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Payload carries the type-matching substructure of a message. Content is
// treated as an opaque document for routing purposes; required fields are
// validated only when consumed.
type Payload struct {
	// Type mirrors the envelope type for self-describing payloads
	Type string `json:"type"`

	// Content is the structured body of the payload
	Content map[string]any `json:"content,omitempty"`
}

// Message is the JSON envelope exchanged through inbox and outbox files.
// Existing envelopes produced by agents are accepted unchanged.
type Message struct {
	// Type identifies the message kind
	Type Type `json:"type"`

	// ProtocolVersion is the MAJOR.MINOR protocol revision
	ProtocolVersion string `json:"protocol_version"`

	// SenderID identifies the producing party
	SenderID string `json:"sender_id"`

	// RecipientID identifies the consuming party
	RecipientID string `json:"recipient_id"`

	// Timestamp is the ISO-8601 creation time. Kept as a string so that
	// envelopes written by foreign agents round-trip byte-for-byte.
	Timestamp string `json:"timestamp"`

	// TaskID links the message to a plan task
	TaskID string `json:"task_id"`

	// Payload is the type-specific body
	Payload Payload `json:"payload"`

	// TraceID correlates an assignment with its reply
	TraceID string `json:"trace_id,omitempty"`

	// RetryCount is the number of retries already consumed (default 0)
	RetryCount int `json:"retry_count,omitempty"`
}

// NowTimestamp returns the canonical envelope timestamp for the current time.
func NowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ParseTimestamp parses an envelope timestamp, tolerating the common
// ISO-8601 variants agents produce (with or without zone or sub-seconds).
func ParseTimestamp(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q: %w", s, lastErr)
}

// Normalize fills the defaultable envelope fields in place: protocol
// version, timestamp, and the payload type mirror. Populated fields are
// left untouched.
func (m *Message) Normalize(protocolVersion string) {
	if m.ProtocolVersion == "" {
		m.ProtocolVersion = protocolVersion
	}
	if m.Timestamp == "" {
		m.Timestamp = NowTimestamp()
	}
	if m.Payload.Type == "" {
		m.Payload.Type = string(m.Type)
	}
}

// ContentString returns a string field from the payload content, or "" when
// absent or of another type.
func (m *Message) ContentString(key string) string {
	if m.Payload.Content == nil {
		return ""
	}
	s, _ := m.Payload.Content[key].(string)
	return s
}

// ContentFloat returns a numeric field from the payload content. JSON
// numbers decode as float64; integer-typed values are converted.
func (m *Message) ContentFloat(key string) (float64, bool) {
	if m.Payload.Content == nil {
		return 0, false
	}
	switch v := m.Payload.Content[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ContentBool returns a boolean field from the payload content.
func (m *Message) ContentBool(key string) (bool, bool) {
	if m.Payload.Content == nil {
		return false, false
	}
	b, ok := m.Payload.Content[key].(bool)
	return b, ok
}

// Clone returns a deep copy of the message. The router returns decision
// values over cloned messages rather than mutating inbound envelopes.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Payload.Content != nil {
		clone.Payload.Content = cloneMap(m.Payload.Content)
	}
	return &clone
}

func cloneMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
