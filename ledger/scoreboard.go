// Package ledger maintains the agent score ledger and per-run evaluation
// summaries. All writers append; readers derive rolling views on demand.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/amuslera/agent-comms-mvp-sub000/internal/atomicfile"
)

// ScoreEntry is one recorded task outcome for an agent.
type ScoreEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	AgentID     string    `json:"agent_id"`
	TaskID      string    `json:"task_id"`
	PlanID      string    `json:"plan_id,omitempty"`
	Success     bool      `json:"success"`
	Score       *float64  `json:"score,omitempty"`
	DurationSec *float64  `json:"duration_sec,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

// RollingSummary aggregates an agent's most recent entries.
type RollingSummary struct {
	AgentID     string  `json:"agent_id"`
	Count       int     `json:"count"`
	AvgScore    float64 `json:"avg_score"`
	SuccessRate float64 `json:"success_rate"`
}

// ScoreBoard is the append-only agent score ledger backed by a single JSON
// file (typically logs/agent_scores.json).
type ScoreBoard struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewScoreBoard creates a scoreboard persisting to path.
func NewScoreBoard(path string, logger *slog.Logger) *ScoreBoard {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScoreBoard{path: path, logger: logger}
}

// Path returns the ledger file path.
func (b *ScoreBoard) Path() string {
	return b.path
}

// Record appends an entry to the ledger. A missing ledger file is created;
// a corrupt one is reset with a warning so recording never blocks a run.
func (b *ScoreBoard) Record(entry ScoreEntry) error {
	if entry.AgentID == "" {
		return fmt.Errorf("score entry has no agent_id")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.readLenient()
	entries = append(entries, entry)
	if err := atomicfile.WriteJSON(b.path, entries); err != nil {
		return fmt.Errorf("failed to record score for %s: %w", entry.AgentID, err)
	}
	return nil
}

// Entries returns all ledger entries, oldest first.
func (b *ScoreBoard) Entries() ([]ScoreEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read()
}

// LastN returns the agent's most recent n entries, oldest first. n <= 0
// returns all of the agent's entries.
func (b *ScoreBoard) LastN(agent string, n int) ([]ScoreEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.read()
	if err != nil {
		return nil, err
	}

	var filtered []ScoreEntry
	for _, e := range entries {
		if e.AgentID == agent {
			filtered = append(filtered, e)
		}
	}
	if n > 0 && len(filtered) > n {
		filtered = filtered[len(filtered)-n:]
	}
	return filtered, nil
}

// Summary computes the rolling summary over the agent's last n entries.
// Entries without a score contribute to success_rate but not avg_score.
func (b *ScoreBoard) Summary(agent string, n int) (RollingSummary, error) {
	entries, err := b.LastN(agent, n)
	if err != nil {
		return RollingSummary{}, err
	}

	summary := RollingSummary{AgentID: agent, Count: len(entries)}
	if len(entries) == 0 {
		return summary, nil
	}

	var scoreSum float64
	var scored, succeeded int
	for _, e := range entries {
		if e.Success {
			succeeded++
		}
		if e.Score != nil {
			scoreSum += *e.Score
			scored++
		}
	}
	if scored > 0 {
		summary.AvgScore = scoreSum / float64(scored)
	}
	summary.SuccessRate = float64(succeeded) / float64(len(entries))
	return summary, nil
}

func (b *ScoreBoard) read() ([]ScoreEntry, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []ScoreEntry{}, nil
		}
		return nil, fmt.Errorf("failed to read score ledger: %w", err)
	}

	var entries []ScoreEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse score ledger %s: %w", b.path, err)
	}
	return entries, nil
}

func (b *ScoreBoard) readLenient() []ScoreEntry {
	entries, err := b.read()
	if err != nil {
		b.logger.Warn("Score ledger unreadable, starting fresh",
			slog.String("path", b.path),
			slog.String("error", err.Error()))
		return []ScoreEntry{}
	}
	return entries
}
