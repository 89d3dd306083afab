// Package config provides configuration loading and management for the
// orchestrator runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Well-known identities. The orchestrator owns every agent inbox it writes
// to; HUMAN is the escalation target.
const (
	OrchestratorID = "ORCHESTRATOR"
	HumanID        = "HUMAN"
)

// Config represents the complete orchestrator configuration
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Agents   AgentsConfig   `yaml:"agents"`
	Runner   RunnerConfig   `yaml:"runner"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Notify   NotifyConfig   `yaml:"notify"`
	Protocol ProtocolConfig `yaml:"protocol"`
}

// PathsConfig configures the on-disk layout
type PathsConfig struct {
	// PostboxRoot is the directory holding per-agent inbox/outbox files
	PostboxRoot string `yaml:"postbox_root"`
	// LogsRoot is the directory for task logs, traces, and ledgers
	LogsRoot string `yaml:"logs_root"`
	// PlansDir is the directory containing plan definitions
	PlansDir string `yaml:"plans_dir"`
	// PhasePolicy is the routing policy document (optional)
	PhasePolicy string `yaml:"phase_policy"`
	// AlertPolicy is the alert policy document (optional)
	AlertPolicy string `yaml:"alert_policy"`
}

// AgentsConfig declares the known agent identifiers
type AgentsConfig struct {
	// Known is the set of agent IDs that may receive task assignments
	Known []string `yaml:"known"`
}

// RunnerConfig configures plan execution defaults
type RunnerConfig struct {
	// TaskTimeout is the default reply wait per task attempt
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// RetryDelay is the default pause between task attempts
	RetryDelay time.Duration `yaml:"retry_delay"`
	// ReplyPollInterval is how often WaitForReply scans the outbox
	ReplyPollInterval time.Duration `yaml:"reply_poll_interval"`
}

// WatcherConfig configures the orchestrator inbox watcher
type WatcherConfig struct {
	// PollInterval is how often the orchestrator inbox is scanned
	PollInterval time.Duration `yaml:"poll_interval"`
}

// NotifyConfig configures alert delivery
type NotifyConfig struct {
	// WebhookTimeout bounds a single webhook POST
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	// WebhookRetries is the number of additional attempts on 5xx/transport errors
	WebhookRetries int `yaml:"webhook_retries"`
}

// ProtocolConfig configures the message protocol
type ProtocolConfig struct {
	// Version is the MAJOR.MINOR protocol version stamped on outbound envelopes
	Version string `yaml:"version"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			PostboxRoot: "postbox",
			LogsRoot:    "logs",
			PlansDir:    "plans",
			PhasePolicy: "phase_policy.yaml",
			AlertPolicy: "alert_policy.yaml",
		},
		Agents: AgentsConfig{
			Known: []string{"CA", "CC", "WA"},
		},
		Runner: RunnerConfig{
			TaskTimeout:       60 * time.Second,
			RetryDelay:        5 * time.Second,
			ReplyPollInterval: 2 * time.Second,
		},
		Watcher: WatcherConfig{
			PollInterval: time.Second,
		},
		Notify: NotifyConfig{
			WebhookTimeout: 10 * time.Second,
			WebhookRetries: 2,
		},
		Protocol: ProtocolConfig{
			Version: "1.0",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Paths.PostboxRoot == "" {
		return fmt.Errorf("paths.postbox_root is required")
	}
	if c.Paths.LogsRoot == "" {
		return fmt.Errorf("paths.logs_root is required")
	}
	if len(c.Agents.Known) == 0 {
		return fmt.Errorf("agents.known must list at least one agent")
	}
	for _, agent := range c.Agents.Known {
		if agent == OrchestratorID || agent == HumanID {
			return fmt.Errorf("agents.known must not contain reserved identity %q", agent)
		}
	}
	if c.Runner.TaskTimeout <= 0 {
		return fmt.Errorf("runner.task_timeout must be positive")
	}
	if c.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher.poll_interval must be positive")
	}
	if c.Notify.WebhookRetries < 0 {
		return fmt.Errorf("notify.webhook_retries must be >= 0")
	}
	return nil
}

// KnownAgent reports whether id is a configured agent identifier.
func (c *Config) KnownAgent(id string) bool {
	for _, agent := range c.Agents.Known {
		if agent == id {
			return true
		}
	}
	return false
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Paths
	if other.Paths.PostboxRoot != "" {
		c.Paths.PostboxRoot = other.Paths.PostboxRoot
	}
	if other.Paths.LogsRoot != "" {
		c.Paths.LogsRoot = other.Paths.LogsRoot
	}
	if other.Paths.PlansDir != "" {
		c.Paths.PlansDir = other.Paths.PlansDir
	}
	if other.Paths.PhasePolicy != "" {
		c.Paths.PhasePolicy = other.Paths.PhasePolicy
	}
	if other.Paths.AlertPolicy != "" {
		c.Paths.AlertPolicy = other.Paths.AlertPolicy
	}

	// Agents
	if len(other.Agents.Known) > 0 {
		c.Agents.Known = other.Agents.Known
	}

	// Runner
	if other.Runner.TaskTimeout != 0 {
		c.Runner.TaskTimeout = other.Runner.TaskTimeout
	}
	if other.Runner.RetryDelay != 0 {
		c.Runner.RetryDelay = other.Runner.RetryDelay
	}
	if other.Runner.ReplyPollInterval != 0 {
		c.Runner.ReplyPollInterval = other.Runner.ReplyPollInterval
	}

	// Watcher
	if other.Watcher.PollInterval != 0 {
		c.Watcher.PollInterval = other.Watcher.PollInterval
	}

	// Notify
	if other.Notify.WebhookTimeout != 0 {
		c.Notify.WebhookTimeout = other.Notify.WebhookTimeout
	}
	if other.Notify.WebhookRetries != 0 {
		c.Notify.WebhookRetries = other.Notify.WebhookRetries
	}

	// Protocol
	if other.Protocol.Version != "" {
		c.Protocol.Version = other.Protocol.Version
	}
}
