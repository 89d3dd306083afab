// Package alert evaluates alert rules against inbound envelopes and
// dispatches notifications to humans, webhooks, the console, or files.
package alert

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/amuslera/agent-comms-mvp-sub000/envelope"
)

// ErrPolicyLoad indicates the alert policy file could not be loaded.
var ErrPolicyLoad = errors.New("failed to load alert policy")

// Notify channels an action may use.
const (
	NotifyHuman   = "human"
	NotifyWebhook = "webhook"
	NotifyConsole = "console"
	NotifyFile    = "file"
)

// Condition is the matching side of an alert rule. All set fields must hold
// for the rule to fire.
type Condition struct {
	Type          string   `yaml:"type" json:"type"`
	Agent         string   `yaml:"agent,omitempty" json:"agent,omitempty"`
	RetryCount    *int     `yaml:"retry_count,omitempty" json:"retry_count,omitempty"`
	ErrorCode     string   `yaml:"error_code,omitempty" json:"error_code,omitempty"`
	ScoreBelow    *float64 `yaml:"score_below,omitempty" json:"score_below,omitempty"`
	ScoreAbove    *float64 `yaml:"score_above,omitempty" json:"score_above,omitempty"`
	DurationAbove *float64 `yaml:"duration_above,omitempty" json:"duration_above,omitempty"`
	Status        string   `yaml:"status,omitempty" json:"status,omitempty"`
}

// Action is the delivery side of an alert rule.
type Action struct {
	Notify     string            `yaml:"notify" json:"notify"`
	URL        string            `yaml:"url,omitempty" json:"url,omitempty"`
	Template   string            `yaml:"template,omitempty" json:"template,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	TimeoutSec float64           `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Path       string            `yaml:"path,omitempty" json:"path,omitempty"`
	Message    string            `yaml:"message,omitempty" json:"message,omitempty"`
}

// Rule pairs a condition with its delivery action.
type Rule struct {
	Name      string    `yaml:"name" json:"name"`
	Enabled   bool      `yaml:"enabled" json:"enabled"`
	Condition Condition `yaml:"condition" json:"condition"`
	Action    Action    `yaml:"action" json:"action"`
}

// Policy is the alert policy document (alert_policy.yaml).
type Policy struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// LoadPolicy parses an alert policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyLoad, err)
	}

	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyLoad, err)
	}
	return &policy, nil
}

// Match reports whether every set condition field holds for the message.
func (c *Condition) Match(msg *envelope.Message) bool {
	if c.Type != "" && c.Type != string(msg.Type) {
		return false
	}
	if c.Agent != "" && c.Agent != "*" && c.Agent != msg.SenderID {
		return false
	}
	if c.RetryCount != nil && msg.RetryCount < *c.RetryCount {
		return false
	}
	if c.ErrorCode != "" && msg.ContentString("error_code") != c.ErrorCode {
		return false
	}
	if c.ScoreBelow != nil {
		score, ok := msg.ContentFloat("score")
		if !ok || score >= *c.ScoreBelow {
			return false
		}
	}
	if c.ScoreAbove != nil {
		score, ok := msg.ContentFloat("score")
		if !ok || score <= *c.ScoreAbove {
			return false
		}
	}
	if c.DurationAbove != nil {
		dur, ok := msg.ContentFloat("duration_sec")
		if !ok || dur <= *c.DurationAbove {
			return false
		}
	}
	if c.Status != "" && msg.ContentString("status") != c.Status {
		return false
	}
	return true
}
