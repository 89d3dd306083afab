package alert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/amuslera/agent-comms-mvp-sub000/envelope"
	"github.com/amuslera/agent-comms-mvp-sub000/internal/atomicfile"
	"github.com/amuslera/agent-comms-mvp-sub000/metrics"
	"github.com/amuslera/agent-comms-mvp-sub000/postbox"
)

// ErrNotify indicates an alert notification could not be delivered.
var ErrNotify = errors.New("notification delivery failed")

// Webhook delivery defaults.
const (
	DefaultWebhookTimeout = 10 * time.Second
	DefaultWebhookRetries = 2
)

// LedgerRecord is one entry of the alerts ledger
// (logs/alerts_triggered.json), appended whether or not delivery succeeded.
type LedgerRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Rule      string         `json:"rule"`
	TaskID    string         `json:"task_id"`
	AgentID   string         `json:"agent_id"`
	Action    string         `json:"action"`
	Delivered bool           `json:"delivered"`
	Error     string         `json:"error,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Options configure alert delivery.
type Options struct {
	// OrchestratorID stamps the sender of synthesized alert envelopes
	OrchestratorID string
	// HumanID is the inbox receiving human notifications
	HumanID string
	// WebhookTimeout bounds a single webhook POST; zero means DefaultWebhookTimeout
	WebhookTimeout time.Duration
	// WebhookRetries is the number of additional webhook attempts on 5xx or
	// transport errors; negative means DefaultWebhookRetries
	WebhookRetries int
}

// Evaluator matches inbound envelopes against the alert policy and fans out
// notifications. Delivery failures are logged, never propagated; the watcher
// loop must survive any alert path.
type Evaluator struct {
	mu             sync.Mutex
	policy         *Policy
	store          *postbox.Store
	orchestratorID string
	humanID        string
	ledgerPath     string
	client         *http.Client
	retries        uint64
	logger         *slog.Logger
}

// NewEvaluator creates an alert evaluator. store may be nil when no human
// notifications are configured; ledgerPath is typically
// logs/alerts_triggered.json.
func NewEvaluator(policy *Policy, store *postbox.Store, ledgerPath string, opts Options, logger *slog.Logger) *Evaluator {
	if policy == nil {
		policy = &Policy{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OrchestratorID == "" {
		opts.OrchestratorID = "ORCHESTRATOR"
	}
	if opts.HumanID == "" {
		opts.HumanID = "HUMAN"
	}
	if opts.WebhookTimeout <= 0 {
		opts.WebhookTimeout = DefaultWebhookTimeout
	}
	if opts.WebhookRetries < 0 {
		opts.WebhookRetries = DefaultWebhookRetries
	}
	return &Evaluator{
		policy:         policy,
		store:          store,
		orchestratorID: opts.OrchestratorID,
		humanID:        opts.HumanID,
		ledgerPath:     ledgerPath,
		client:         &http.Client{Timeout: opts.WebhookTimeout},
		retries:        uint64(opts.WebhookRetries),
		logger:         logger,
	}
}

// Evaluate checks the message against every enabled rule and dispatches each
// match. Returns the ledger records appended for this message.
func (e *Evaluator) Evaluate(msg *envelope.Message) []LedgerRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	var records []LedgerRecord
	for i := range e.policy.Rules {
		rule := &e.policy.Rules[i]
		if !rule.Enabled || !rule.Condition.Match(msg) {
			continue
		}

		err := e.dispatch(rule, msg)
		outcome := "delivered"
		if err != nil {
			outcome = "failed"
			e.logger.Error("Alert delivery failed",
				slog.String("rule", rule.Name),
				slog.String("channel", rule.Action.Notify),
				slog.String("task_id", msg.TaskID),
				slog.String("error", err.Error()))
		}
		metrics.AlertsDispatched.WithLabelValues(rule.Action.Notify, outcome).Inc()

		record := LedgerRecord{
			Timestamp: time.Now().UTC(),
			Rule:      rule.Name,
			TaskID:    msg.TaskID,
			AgentID:   msg.SenderID,
			Action:    rule.Action.Notify,
			Delivered: err == nil,
			Context:   msg.Payload.Content,
		}
		if err != nil {
			record.Error = err.Error()
		}
		e.appendLedger(record)
		records = append(records, record)
	}
	return records
}

func (e *Evaluator) dispatch(rule *Rule, msg *envelope.Message) error {
	switch rule.Action.Notify {
	case NotifyHuman:
		return e.notifyHuman(rule, msg)
	case NotifyWebhook:
		return e.notifyWebhook(rule, msg)
	case NotifyConsole:
		e.logger.Warn("ALERT",
			slog.String("rule", rule.Name),
			slog.String("task_id", msg.TaskID),
			slog.String("agent", msg.SenderID),
			slog.String("type", string(msg.Type)))
		return nil
	case NotifyFile:
		return e.notifyFile(rule, msg)
	default:
		return fmt.Errorf("%w: unknown notify channel %q", ErrNotify, rule.Action.Notify)
	}
}

// notifyHuman synthesizes an alert envelope and appends it to the human
// inbox.
func (e *Evaluator) notifyHuman(rule *Rule, msg *envelope.Message) error {
	if e.store == nil {
		return fmt.Errorf("%w: no postbox store configured for human alerts", ErrNotify)
	}

	message := rule.Action.Message
	if message == "" {
		message = fmt.Sprintf("Alert rule %q triggered by %s for task %s", rule.Name, msg.SenderID, msg.TaskID)
	}
	alertMsg := &envelope.Message{
		Type:            envelope.TypeAlert,
		ProtocolVersion: msg.ProtocolVersion,
		SenderID:        e.orchestratorID,
		RecipientID:     e.humanID,
		Timestamp:       envelope.NowTimestamp(),
		TaskID:          msg.TaskID,
		TraceID:         msg.TraceID,
		Payload: envelope.Payload{
			Type: string(envelope.TypeAlert),
			Content: map[string]any{
				"rule":           rule.Name,
				"message":        message,
				"source_type":    string(msg.Type),
				"source_agent":   msg.SenderID,
				"source_content": msg.Payload.Content,
			},
		},
	}
	if err := e.store.AppendToInbox(e.humanID, alertMsg); err != nil {
		return fmt.Errorf("%w: %v", ErrNotify, err)
	}
	return nil
}

// notifyWebhook POSTs a JSON body to the rule's URL, retrying on transport
// errors and 5xx responses with exponential back-off. 4xx responses are
// permanent failures.
func (e *Evaluator) notifyWebhook(rule *Rule, msg *envelope.Message) error {
	if rule.Action.URL == "" {
		return fmt.Errorf("%w: webhook rule %q has no url", ErrNotify, rule.Name)
	}

	body, err := e.webhookBody(rule, msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotify, err)
	}

	client := e.client
	if rule.Action.TimeoutSec > 0 {
		client = &http.Client{Timeout: time.Duration(rule.Action.TimeoutSec * float64(time.Second))}
	}

	attempt := func() error {
		req, err := http.NewRequest(http.MethodPost, rule.Action.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range rule.Action.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("webhook returned %d", resp.StatusCode))
		}
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.retries)
	if err := backoff.Retry(attempt, policy); err != nil {
		return fmt.Errorf("%w: %v", ErrNotify, err)
	}
	return nil
}

// webhookBody renders the rule's template, or a default JSON document when
// no template is configured.
func (e *Evaluator) webhookBody(rule *Rule, msg *envelope.Message) ([]byte, error) {
	doc := map[string]any{
		"rule":      rule.Name,
		"type":      string(msg.Type),
		"agent_id":  msg.SenderID,
		"task_id":   msg.TaskID,
		"trace_id":  msg.TraceID,
		"timestamp": envelope.NowTimestamp(),
		"content":   msg.Payload.Content,
	}
	if rule.Action.Template == "" {
		return json.Marshal(doc)
	}

	tmpl, err := template.New(rule.Name).Parse(rule.Action.Template)
	if err != nil {
		return nil, fmt.Errorf("bad webhook template: %v", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("webhook template failed: %v", err)
	}
	return buf.Bytes(), nil
}

// notifyFile appends one JSON line to the rule's target file.
func (e *Evaluator) notifyFile(rule *Rule, msg *envelope.Message) error {
	if rule.Action.Path == "" {
		return fmt.Errorf("%w: file rule %q has no path", ErrNotify, rule.Name)
	}

	line, err := json.Marshal(map[string]any{
		"timestamp": envelope.NowTimestamp(),
		"rule":      rule.Name,
		"task_id":   msg.TaskID,
		"agent_id":  msg.SenderID,
		"type":      string(msg.Type),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotify, err)
	}

	f, err := os.OpenFile(rule.Action.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotify, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrNotify, err)
	}
	return nil
}

// appendLedger appends a record to the alerts ledger. A corrupt ledger is
// reset with a warning; ledger failures never block evaluation.
func (e *Evaluator) appendLedger(record LedgerRecord) {
	if e.ledgerPath == "" {
		return
	}

	var records []LedgerRecord
	data, err := os.ReadFile(e.ledgerPath)
	if err == nil {
		if err := json.Unmarshal(data, &records); err != nil {
			e.logger.Warn("Alerts ledger unreadable, starting fresh",
				slog.String("path", e.ledgerPath),
				slog.String("error", err.Error()))
			records = nil
		}
	}

	records = append(records, record)
	if err := atomicfile.WriteJSON(e.ledgerPath, records); err != nil {
		e.logger.Warn("Failed to append alerts ledger",
			slog.String("path", e.ledgerPath),
			slog.String("error", err.Error()))
	}
}
