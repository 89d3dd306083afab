package envelope

import (
	"fmt"
)

// Issue describes a single validation problem with a field path and a
// human-readable message.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return i.Field + ": " + i.Message
}

// Validator performs envelope validation against the configured set of
// known identities. It is side-effect free and deterministic.
type Validator struct {
	orchestratorID string
	humanID        string
	knownAgents    map[string]bool
}

// NewValidator creates a validator for the given orchestrator identity and
// known agent identifiers.
func NewValidator(orchestratorID, humanID string, knownAgents []string) *Validator {
	agents := make(map[string]bool, len(knownAgents))
	for _, a := range knownAgents {
		agents[a] = true
	}
	return &Validator{
		orchestratorID: orchestratorID,
		humanID:        humanID,
		knownAgents:    agents,
	}
}

// KnownAgent reports whether id is a configured agent identifier.
func (v *Validator) KnownAgent(id string) bool {
	return v.knownAgents[id]
}

// OrchestratorID returns the orchestrator identity this validator enforces.
func (v *Validator) OrchestratorID() string {
	return v.orchestratorID
}

// Validate checks a message envelope for the given direction. It returns
// ok=false with the full list of issues found; it never fails part-way.
func (v *Validator) Validate(msg *Message, direction Direction) (bool, []Issue) {
	if msg == nil {
		return false, []Issue{{Message: "message is nil"}}
	}

	var issues []Issue
	add := func(field, format string, args ...any) {
		issues = append(issues, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch msg.Type {
	case TypeTaskAssignment, TypeTaskResult, TypeError, TypeNeedsInput, TypeAlert:
	default:
		// Unknown type short-circuits: nothing else can be meaningfully checked.
		return false, []Issue{{Field: "type", Message: "unknown message type"}}
	}

	if msg.ProtocolVersion == "" {
		add("protocol_version", "protocol_version is required")
	} else if !protocolPattern.MatchString(msg.ProtocolVersion) {
		add("protocol_version", "must match MAJOR.MINOR, got %q", msg.ProtocolVersion)
	}

	if msg.SenderID == "" {
		add("sender_id", "sender_id is required")
	}
	if msg.RecipientID == "" {
		add("recipient_id", "recipient_id is required")
	}

	if msg.Timestamp == "" {
		add("timestamp", "timestamp is required")
	} else if _, err := ParseTimestamp(msg.Timestamp); err != nil {
		add("timestamp", "not a valid ISO-8601 timestamp: %q", msg.Timestamp)
	}

	if msg.TaskID == "" {
		add("task_id", "task_id is required")
	} else if !IsValidID(msg.TaskID) {
		add("task_id", "must match ^[A-Z0-9_-]+$, got %q", msg.TaskID)
	}

	if msg.RetryCount < 0 {
		add("retry_count", "must be >= 0, got %d", msg.RetryCount)
	}

	if msg.Payload.Type == "" {
		add("payload.type", "payload.type is required")
	} else if msg.Payload.Type != string(msg.Type) {
		add("payload.type", "must match envelope type %q, got %q", msg.Type, msg.Payload.Type)
	}

	if msg.Type == TypeTaskAssignment {
		issues = append(issues, v.validateAssignment(msg)...)
	}

	switch direction {
	case DirectionOutbound:
		if msg.SenderID != "" && msg.SenderID != v.orchestratorID {
			add("sender_id", "outbound sender must be %q, got %q", v.orchestratorID, msg.SenderID)
		}
	case DirectionInbound:
		if msg.RecipientID != "" && msg.RecipientID != v.orchestratorID && msg.RecipientID != v.humanID {
			add("recipient_id", "inbound recipient must be %q or %q, got %q", v.orchestratorID, v.humanID, msg.RecipientID)
		}
	default:
		add("direction", "unknown direction %q", direction)
	}

	return len(issues) == 0, issues
}

// validateAssignment applies the task_assignment-specific rules.
func (v *Validator) validateAssignment(msg *Message) []Issue {
	var issues []Issue

	if msg.SenderID != "" && msg.SenderID != v.orchestratorID {
		issues = append(issues, Issue{
			Field:   "sender_id",
			Message: fmt.Sprintf("task_assignment sender must be %q, got %q", v.orchestratorID, msg.SenderID),
		})
	}
	if msg.RecipientID != "" && !v.knownAgents[msg.RecipientID] {
		issues = append(issues, Issue{
			Field:   "recipient_id",
			Message: fmt.Sprintf("unknown agent %q", msg.RecipientID),
		})
	}
	if msg.ContentString("action") == "" {
		issues = append(issues, Issue{
			Field:   "payload.content.action",
			Message: "action is required for task assignments",
		})
	}

	return issues
}
