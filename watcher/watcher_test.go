package watcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amuslera/agent-comms-mvp-sub000/envelope"
	"github.com/amuslera/agent-comms-mvp-sub000/ledger"
	"github.com/amuslera/agent-comms-mvp-sub000/postbox"
	"github.com/amuslera/agent-comms-mvp-sub000/router"
)

func newFixture(t *testing.T) (*Watcher, *postbox.Store, *ledger.ScoreBoard) {
	t.Helper()
	dir := t.TempDir()
	store := postbox.NewStore(filepath.Join(dir, "postbox"), nil)
	board := ledger.NewScoreBoard(filepath.Join(dir, "logs", "agent_scores.json"), nil)
	rt := router.New(nil, store, board, "ORCHESTRATOR", "HUMAN", nil)
	w := New(store, "ORCHESTRATOR", 10*time.Millisecond, rt, nil, nil)
	return w, store, board
}

func orchestratorMsg(taskID, traceID string, content map[string]any) *envelope.Message {
	return &envelope.Message{
		Type:            envelope.TypeTaskResult,
		ProtocolVersion: "1.0",
		SenderID:        "CA",
		RecipientID:     "ORCHESTRATOR",
		Timestamp:       envelope.NowTimestamp(),
		TaskID:          taskID,
		TraceID:         traceID,
		Payload:         envelope.Payload{Type: "task_result", Content: content},
	}
}

func TestPollRoutesNewMessages(t *testing.T) {
	w, store, board := newFixture(t)

	require.NoError(t, store.AppendToInbox("ORCHESTRATOR",
		orchestratorMsg("TASK-A", "PLAN-X-0-aaaa1111", map[string]any{"success": true, "score": 0.9})))
	w.Poll()

	entries, err := board.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPollDeduplicatesByTraceAndTask(t *testing.T) {
	w, store, board := newFixture(t)

	msg := orchestratorMsg("TASK-A", "PLAN-X-0-aaaa1111", map[string]any{"success": true})
	require.NoError(t, store.AppendToInbox("ORCHESTRATOR", msg))

	w.Poll()
	w.Poll()
	w.Poll()

	entries, err := board.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 1, "repeated polls must not re-route")

	// Same trace, different task is a new message.
	require.NoError(t, store.AppendToInbox("ORCHESTRATOR",
		orchestratorMsg("TASK-B", "PLAN-X-0-aaaa1111", map[string]any{"success": true})))
	w.Poll()

	entries, err = board.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestPollSurvivesRoutingFailure(t *testing.T) {
	dir := t.TempDir()
	store := postbox.NewStore(filepath.Join(dir, "postbox"), nil)
	// Router with no store would panic; the watcher must absorb it.
	rt := router.New(nil, nil, nil, "ORCHESTRATOR", "HUMAN", nil)
	w := New(store, "ORCHESTRATOR", 10*time.Millisecond, rt, nil, nil)

	require.NoError(t, store.AppendToInbox("ORCHESTRATOR",
		&envelope.Message{
			Type:            envelope.TypeNeedsInput,
			ProtocolVersion: "1.0",
			SenderID:        "CA",
			RecipientID:     "ORCHESTRATOR",
			Timestamp:       envelope.NowTimestamp(),
			TaskID:          "TASK-A",
			TraceID:         "PLAN-X-0-aaaa1111",
			Payload:         envelope.Payload{Type: "needs_input"},
		}))

	assert.NotPanics(t, func() { w.Poll() })
}

func TestRunStopsOnCancel(t *testing.T) {
	w, store, board := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, store.AppendToInbox("ORCHESTRATOR",
		orchestratorMsg("TASK-A", "PLAN-X-0-aaaa1111", map[string]any{"success": true})))

	require.Eventually(t, func() bool {
		entries, err := board.Entries()
		return err == nil && len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}
