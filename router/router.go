package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/amuslera/agent-comms-mvp-sub000/envelope"
	"github.com/amuslera/agent-comms-mvp-sub000/ledger"
	"github.com/amuslera/agent-comms-mvp-sub000/metrics"
	"github.com/amuslera/agent-comms-mvp-sub000/postbox"
)

// Decision actions.
const (
	ActionConsume  = "consume"  // terminal at the orchestrator, nothing delivered
	ActionDeliver  = "deliver"  // appended to a destination inbox
	ActionRetry    = "retry"    // error re-dispatched to the original agent
	ActionEscalate = "escalate" // appended to the human inbox
)

// Decision is the routing outcome for one inbound envelope. Message is the
// delivered copy (nil for consume); the inbound envelope is never mutated.
type Decision struct {
	Action      string
	Rule        *Rule
	Destination string
	ErrorKind   string
	Message     *envelope.Message
}

// Router matches inbound envelopes against the policy and executes the
// resulting delivery, retry, or escalation. Routing is serialized by a
// per-router mutex.
type Router struct {
	mu             sync.Mutex
	policy         *Policy
	store          *postbox.Store
	board          *ledger.ScoreBoard
	orchestratorID string
	humanID        string
	logger         *slog.Logger
}

// New creates a router. board may be nil to disable ledger recording.
func New(policy *Policy, store *postbox.Store, board *ledger.ScoreBoard, orchestratorID, humanID string, logger *slog.Logger) *Router {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		policy:         policy,
		store:          store,
		board:          board,
		orchestratorID: orchestratorID,
		humanID:        humanID,
		logger:         logger,
	}
}

// Route applies the policy to one inbound envelope and performs the decided
// delivery. The inbound message is cloned before any rewrite.
func (r *Router) Route(msg *envelope.Message) (*Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	decision, err := r.route(msg)
	if decision != nil {
		metrics.MessagesRouted.WithLabelValues(string(msg.Type), decision.Action).Inc()
	}
	return decision, err
}

func (r *Router) route(msg *envelope.Message) (*Decision, error) {
	rule := r.matchRule(msg)

	if msg.Type == envelope.TypeError {
		return r.routeError(msg, rule)
	}

	if msg.Type == envelope.TypeTaskResult {
		r.recordResult(msg)
	}

	if rule == nil {
		r.logger.Warn("No routing rule matched, consuming message",
			slog.String("type", string(msg.Type)),
			slog.String("task_id", msg.TaskID))
		return &Decision{Action: ActionConsume}, nil
	}

	// needs_input and similar human-escalated types surface a copy to the
	// human inbox even when the destination is the orchestrator itself.
	if rule.EscalationLevel == EscalationHuman {
		delivered := msg.Clone()
		delivered.RecipientID = r.humanID
		if err := r.store.AppendToInbox(r.humanID, delivered); err != nil {
			return nil, fmt.Errorf("failed to deliver to human inbox: %w", err)
		}
		r.logger.Info("Message surfaced to human",
			slog.String("type", string(msg.Type)),
			slog.String("task_id", msg.TaskID),
			slog.String("rule", rule.ID))
		return &Decision{Action: ActionDeliver, Rule: rule, Destination: r.humanID, Message: delivered}, nil
	}

	destination := r.resolveDestination(rule.Destination, msg)
	if destination == r.orchestratorID {
		return &Decision{Action: ActionConsume, Rule: rule, Destination: destination}, nil
	}

	delivered := msg.Clone()
	delivered.RecipientID = destination
	if err := r.store.AppendToInbox(destination, delivered); err != nil {
		return nil, fmt.Errorf("failed to deliver to %s: %w", destination, err)
	}
	return &Decision{Action: ActionDeliver, Rule: rule, Destination: destination, Message: delivered}, nil
}

// routeError applies retry semantics before delivery: under budget the error
// is re-dispatched to the original agent with an incremented retry_count;
// over budget it escalates to the human inbox with an escalation block.
func (r *Router) routeError(msg *envelope.Message, rule *Rule) (*Decision, error) {
	kind := ClassifyError(msg)
	budget := r.policy.Budget(kind)
	maxRetries := budget.MaxRetries

	if msg.RetryCount < maxRetries {
		redispatch := msg.Clone()
		redispatch.RetryCount = msg.RetryCount + 1
		redispatch.RecipientID = msg.SenderID
		redispatch.Timestamp = envelope.NowTimestamp()

		if err := r.store.AppendToInbox(redispatch.RecipientID, redispatch); err != nil {
			return nil, fmt.Errorf("failed to re-dispatch error: %w", err)
		}
		r.logger.Info("Error re-dispatched for retry",
			slog.String("task_id", msg.TaskID),
			slog.String("agent", redispatch.RecipientID),
			slog.String("error_kind", kind),
			slog.Int("retry_count", redispatch.RetryCount),
			slog.Int("max_retries", maxRetries))
		return &Decision{Action: ActionRetry, Rule: rule, Destination: redispatch.RecipientID, ErrorKind: kind, Message: redispatch}, nil
	}

	escalation := msg.Clone()
	escalation.RecipientID = r.humanID
	if escalation.Payload.Content == nil {
		escalation.Payload.Content = map[string]any{}
	}
	escalation.Payload.Content["escalation"] = map[string]any{
		"reason":    fmt.Sprintf("Failed after %d retry attempts", msg.RetryCount),
		"timestamp": envelope.NowTimestamp(),
	}

	if err := r.store.AppendToInbox(r.humanID, escalation); err != nil {
		return nil, fmt.Errorf("failed to escalate to human inbox: %w", err)
	}
	r.logger.Warn("Error escalated to human",
		slog.String("task_id", msg.TaskID),
		slog.String("agent", msg.SenderID),
		slog.String("error_kind", kind),
		slog.Int("retry_count", msg.RetryCount))

	// Rule is nil on escalation so callers can tell exhaustion apart from a
	// routed retry.
	return &Decision{Action: ActionEscalate, Destination: r.humanID, ErrorKind: kind, Message: escalation}, nil
}

// matchRule returns the first rule of the type's list whose conditions all
// hold, or nil.
func (r *Router) matchRule(msg *envelope.Message) *Rule {
	rules := r.policy.RulesFor(msg.Type)
	for i := range rules {
		if rules[i].Match(msg) {
			return &rules[i]
		}
	}
	return nil
}

// resolveDestination maps a rule destination to a concrete postbox agent.
func (r *Router) resolveDestination(destination string, msg *envelope.Message) string {
	switch destination {
	case "", "orchestrator":
		return r.orchestratorID
	case "human":
		return r.humanID
	case "sender":
		return msg.SenderID
	default:
		return destination
	}
}

// recordResult feeds a task_result envelope into the score ledger.
func (r *Router) recordResult(msg *envelope.Message) {
	if r.board == nil {
		return
	}

	entry := ledger.ScoreEntry{
		AgentID: msg.SenderID,
		TaskID:  msg.TaskID,
		PlanID:  msg.ContentString("plan_id"),
		Notes:   msg.ContentString("notes"),
	}
	if ok, has := msg.ContentBool("success"); has {
		entry.Success = ok
	} else {
		status := msg.ContentString("status")
		entry.Success = status == "completed" || status == "success"
	}
	if score, ok := msg.ContentFloat("score"); ok {
		entry.Score = &score
	}
	if dur, ok := msg.ContentFloat("duration_sec"); ok {
		entry.DurationSec = &dur
	}

	if err := r.board.Record(entry); err != nil {
		r.logger.Warn("Failed to record task result in ledger",
			slog.String("task_id", msg.TaskID),
			slog.String("agent", msg.SenderID),
			slog.String("error", err.Error()))
	}
}
