package postbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amuslera/agent-comms-mvp-sub000/envelope"
)

// ErrReplyTimeout is returned when no matching reply appears before the
// timeout elapses.
var ErrReplyTimeout = errors.New("timed out waiting for reply")

// DefaultReplyPollInterval bounds how often WaitForReply scans the outbox.
const DefaultReplyPollInterval = 2 * time.Second

// WaitForReply polls an agent's outbox until a message with the given
// trace_id appears, the timeout elapses, or ctx is cancelled. The wait is
// read-only; cancellation is observed between polls.
func (s *Store) WaitForReply(ctx context.Context, agent, traceID string, timeout, pollInterval time.Duration) (*envelope.Message, error) {
	if agent == "" {
		return nil, ErrAgentRequired
	}
	if traceID == "" {
		return nil, errors.New("trace id is required")
	}
	if pollInterval <= 0 {
		pollInterval = DefaultReplyPollInterval
	}
	if pollInterval > timeout && timeout > 0 {
		pollInterval = timeout
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		messages, err := s.ReadOutbox(agent)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox of %s: %w", agent, err)
		}
		for _, msg := range messages {
			if msg.TraceID == traceID {
				return msg, nil
			}
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: agent=%s trace_id=%s timeout=%s", ErrReplyTimeout, agent, traceID, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
