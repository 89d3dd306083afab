// Package postbox provides scoped read/write access to per-agent inbox and
// outbox files. Every mutation is "read list, modify, atomic replace"; the
// orchestrator is the sole writer to any inbox it owns.
package postbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/amuslera/agent-comms-mvp-sub000/envelope"
	"github.com/amuslera/agent-comms-mvp-sub000/internal/atomicfile"
)

// Postbox file names.
const (
	InboxFile  = "inbox.json"
	OutboxFile = "outbox.json"
)

// ErrAgentRequired is returned when an operation is attempted without an
// agent identifier.
var ErrAgentRequired = errors.New("agent id is required")

// Store mediates access to the postbox directory tree
// (<root>/<AGENT>/inbox.json, <root>/<AGENT>/outbox.json).
type Store struct {
	root   string
	logger *slog.Logger

	// Per-path mutexes serialize writers to the same file within the process.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore creates a postbox store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:   dir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Root returns the postbox root directory.
func (s *Store) Root() string {
	return s.root
}

// InboxPath returns the inbox file path for an agent. Agent-name casing is
// preserved as given.
func (s *Store) InboxPath(agent string) string {
	return filepath.Join(s.root, agent, InboxFile)
}

// OutboxPath returns the outbox file path for an agent.
func (s *Store) OutboxPath(agent string) string {
	return filepath.Join(s.root, agent, OutboxFile)
}

// pathLock returns the process-local mutex for a file path.
func (s *Store) pathLock(path string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}
	return lock
}

// AppendToInbox appends a message to an agent's inbox, creating the agent
// directory on demand.
func (s *Store) AppendToInbox(agent string, msg *envelope.Message) error {
	if agent == "" {
		return ErrAgentRequired
	}
	return s.appendTo(s.InboxPath(agent), msg)
}

// AppendToOutbox appends a message to an agent's outbox. The orchestrator
// only writes its own outbox; agent outboxes are written by the agents.
func (s *Store) AppendToOutbox(agent string, msg *envelope.Message) error {
	if agent == "" {
		return ErrAgentRequired
	}
	return s.appendTo(s.OutboxPath(agent), msg)
}

func (s *Store) appendTo(path string, msg *envelope.Message) error {
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	messages := s.readListLenient(path)
	messages = append(messages, msg)
	return s.writeAtomic(path, messages)
}

// ReadInbox returns the messages in an agent's inbox, oldest first. A
// missing file yields an empty list.
func (s *Store) ReadInbox(agent string) ([]*envelope.Message, error) {
	if agent == "" {
		return nil, ErrAgentRequired
	}
	return s.readList(s.InboxPath(agent))
}

// ReadOutbox returns the messages in an agent's outbox, oldest first. A
// missing file yields an empty list.
func (s *Store) ReadOutbox(agent string) ([]*envelope.Message, error) {
	if agent == "" {
		return nil, ErrAgentRequired
	}
	return s.readList(s.OutboxPath(agent))
}

// ClearInbox replaces an agent's inbox with an empty list.
func (s *Store) ClearInbox(agent string) error {
	return s.ReplaceInbox(agent, []*envelope.Message{})
}

// ReplaceInbox atomically replaces the full contents of an agent's inbox.
func (s *Store) ReplaceInbox(agent string, messages []*envelope.Message) error {
	if agent == "" {
		return ErrAgentRequired
	}
	if messages == nil {
		messages = []*envelope.Message{}
	}

	path := s.InboxPath(agent)
	lock := s.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	return s.writeAtomic(path, messages)
}

// readList reads a message list, treating a missing file as empty and a
// corrupt file as an error.
func (s *Store) readList(path string) ([]*envelope.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*envelope.Message{}, nil
		}
		return nil, fmt.Errorf("failed to read postbox file: %w", err)
	}

	var messages []*envelope.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to parse postbox file %s: %w", path, err)
	}
	if messages == nil {
		messages = []*envelope.Message{}
	}
	return messages, nil
}

// readListLenient degrades a corrupt file to an empty list with a warning so
// that a bad inbox never blocks new deliveries.
func (s *Store) readListLenient(path string) []*envelope.Message {
	messages, err := s.readList(path)
	if err != nil {
		s.logger.Warn("Postbox file unreadable, starting fresh",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return []*envelope.Message{}
	}
	return messages
}

// writeAtomic replaces the list on disk; readers never observe a partial
// file.
func (s *Store) writeAtomic(path string, messages []*envelope.Message) error {
	return atomicfile.WriteJSON(path, messages)
}
