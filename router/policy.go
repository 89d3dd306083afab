// Package router matches inbound envelopes against the routing policy and
// decides delivery, retry re-dispatch, or human escalation.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/amuslera/agent-comms-mvp-sub000/envelope"
)

// ErrPolicyLoad indicates the policy file could not be loaded; callers fall
// back to the built-in defaults.
var ErrPolicyLoad = errors.New("failed to load routing policy")

// Escalation levels a rule may carry.
const (
	EscalationNone  = "none"
	EscalationAgent = "agent"
	EscalationHuman = "human"
)

// Error kinds recognized by the classifier.
const (
	ErrorKindCritical   = "critical"
	ErrorKindDependency = "dependency"
	ErrorKindResource   = "resource"
	ErrorKindDefault    = "default"
)

// Condition is one field predicate of a routing rule.
type Condition struct {
	Field    string `yaml:"field" json:"field"`
	Operator string `yaml:"operator" json:"operator"`
	Value    any    `yaml:"value" json:"value"`
}

// Rule is one routing rule; rules are evaluated in order, first match wins.
type Rule struct {
	ID              string         `yaml:"id" json:"id"`
	Destination     string         `yaml:"destination" json:"destination"`
	EscalationLevel string         `yaml:"escalation_level,omitempty" json:"escalation_level,omitempty"`
	MaxRetries      int            `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryDelaySec   float64        `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	PhaseOverrides  map[string]any `yaml:"phase_overrides,omitempty" json:"phase_overrides,omitempty"`
	Conditions      []Condition    `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// EscalationEntry sets the retry budget for one error kind.
type EscalationEntry struct {
	MaxRetries    int     `yaml:"max_retries" json:"max_retries"`
	RetryDelaySec float64 `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	NotifyHuman   bool    `yaml:"notify_human,omitempty" json:"notify_human,omitempty"`
}

// Policy is the routing policy document (phase_policy.yaml).
type Policy struct {
	// Rules maps an inbound message type to its ordered rule list.
	Rules map[string][]Rule `yaml:"rules" json:"rules"`

	// EscalationTable maps error kinds to retry budgets.
	EscalationTable map[string]EscalationEntry `yaml:"escalation_table,omitempty" json:"escalation_table,omitempty"`
}

// DefaultPolicy returns the hard-coded routing defaults used when no policy
// file is available.
func DefaultPolicy() *Policy {
	return &Policy{
		Rules: map[string][]Rule{
			string(envelope.TypeTaskResult): {
				{ID: "default-task-result", Destination: "orchestrator", EscalationLevel: EscalationNone},
			},
			string(envelope.TypeError): {
				{ID: "default-error", Destination: "sender", EscalationLevel: EscalationAgent, MaxRetries: 2},
			},
			string(envelope.TypeNeedsInput): {
				{ID: "default-needs-input", Destination: "orchestrator", EscalationLevel: EscalationHuman},
			},
		},
		EscalationTable: map[string]EscalationEntry{
			ErrorKindCritical:   {MaxRetries: 0, NotifyHuman: true},
			ErrorKindDependency: {MaxRetries: 1, RetryDelaySec: 10},
			ErrorKindResource:   {MaxRetries: 3, RetryDelaySec: 30},
			ErrorKindDefault:    {MaxRetries: 2, RetryDelaySec: 5},
		},
	}
}

// LoadPolicy parses a policy file. On any failure the error wraps
// ErrPolicyLoad and the returned policy is nil.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyLoad, err)
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyLoad, err)
	}
	if len(policy.Rules) == 0 {
		return nil, fmt.Errorf("%w: policy has no rules", ErrPolicyLoad)
	}
	if policy.EscalationTable == nil {
		policy.EscalationTable = DefaultPolicy().EscalationTable
	}
	return &policy, nil
}

// LoadPolicyOrDefault loads the policy file, degrading to the built-in
// defaults with a warning when the file is missing or malformed.
func LoadPolicyOrDefault(path string, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := LoadPolicy(path)
	if err != nil {
		logger.Warn("Routing policy unavailable, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return DefaultPolicy()
	}
	return policy
}

// RulesFor returns the ordered rule list for a message type.
func (p *Policy) RulesFor(msgType envelope.Type) []Rule {
	return p.Rules[string(msgType)]
}

// Budget returns the escalation-table entry for an error kind, falling back
// to the default entry.
func (p *Policy) Budget(kind string) EscalationEntry {
	if entry, ok := p.EscalationTable[kind]; ok {
		return entry
	}
	if entry, ok := p.EscalationTable[ErrorKindDefault]; ok {
		return entry
	}
	return EscalationEntry{MaxRetries: 2, RetryDelaySec: 5}
}

// Match reports whether every condition of the rule holds for the message.
// A rule without conditions always matches.
func (r *Rule) Match(msg *envelope.Message) bool {
	for _, cond := range r.Conditions {
		if !cond.holds(msg) {
			return false
		}
	}
	return true
}

func (c *Condition) holds(msg *envelope.Message) bool {
	value, ok := fieldValue(msg, c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case "eq":
		return equalValues(value, c.Value)
	case "neq":
		return !equalValues(value, c.Value)
	case "gt":
		a, aok := toFloat(value)
		b, bok := toFloat(c.Value)
		return aok && bok && a > b
	case "lt":
		a, aok := toFloat(value)
		b, bok := toFloat(c.Value)
		return aok && bok && a < b
	case "in":
		items, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if equalValues(value, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// fieldValue resolves an envelope field by name. Top-level names address the
// envelope itself; "payload.content.<key>" paths descend into the content
// document.
func fieldValue(msg *envelope.Message, field string) (any, bool) {
	switch field {
	case "type":
		return string(msg.Type), true
	case "sender_id":
		return msg.SenderID, true
	case "recipient_id":
		return msg.RecipientID, true
	case "task_id":
		return msg.TaskID, true
	case "retry_count":
		return msg.RetryCount, true
	case "protocol_version":
		return msg.ProtocolVersion, true
	case "payload.type":
		return msg.Payload.Type, true
	}

	if rest, ok := strings.CutPrefix(field, "payload.content."); ok {
		var current any = msg.Payload.Content
		for _, part := range strings.Split(rest, ".") {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = m[part]
			if !ok {
				return nil, false
			}
		}
		return current, true
	}
	return nil, false
}

func equalValues(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ClassifyError maps an error payload to an error kind by keyword. The
// message and code fields of the content are both searched.
func ClassifyError(msg *envelope.Message) string {
	parts := []string{
		msg.ContentString("message"),
		msg.ContentString("error_message"),
		msg.ContentString("error"),
		msg.ContentString("error_code"),
		msg.ContentString("kind"),
	}
	text := strings.ToLower(strings.Join(parts, " "))

	switch {
	case strings.Contains(text, "critical") || strings.Contains(text, "fatal"):
		return ErrorKindCritical
	case strings.Contains(text, "dependency") || strings.Contains(text, "blocking") || strings.Contains(text, "blocked"):
		return ErrorKindDependency
	case strings.Contains(text, "resource") || strings.Contains(text, "memory") || strings.Contains(text, "disk"):
		return ErrorKindResource
	default:
		return ErrorKindDefault
	}
}
