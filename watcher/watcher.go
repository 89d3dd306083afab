// Package watcher runs the orchestrator's inbox loop: it polls the inbox,
// deduplicates envelopes, and hands each new one to the router and the alert
// evaluator.
package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/amuslera/agent-comms-mvp-sub000/alert"
	"github.com/amuslera/agent-comms-mvp-sub000/envelope"
	"github.com/amuslera/agent-comms-mvp-sub000/postbox"
	"github.com/amuslera/agent-comms-mvp-sub000/router"
)

// DefaultPollInterval is the inbox poll cadence.
const DefaultPollInterval = time.Second

// Watcher polls one inbox and feeds unseen messages downstream. The seen set
// is in-memory only; a restart may re-route already-routed messages, which
// downstream consumers tolerate.
type Watcher struct {
	store    *postbox.Store
	agent    string
	interval time.Duration
	router   *router.Router
	alerts   *alert.Evaluator
	seen     map[string]struct{}
	logger   *slog.Logger
}

// New creates a watcher over the given agent's inbox. alerts may be nil when
// no alert policy is configured.
func New(store *postbox.Store, agent string, interval time.Duration, rt *router.Router, alerts *alert.Evaluator, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		store:    store,
		agent:    agent,
		interval: interval,
		router:   rt,
		alerts:   alerts,
		seen:     make(map[string]struct{}),
		logger:   logger,
	}
}

// Run polls the inbox until ctx is cancelled. A filesystem watch on the
// inbox directory triggers an immediate poll between ticks; polling alone is
// sufficient when the watch cannot be established.
func (w *Watcher) Run(ctx context.Context) error {
	wake := w.fsWake(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Inbox watcher started",
		slog.String("agent", w.agent),
		slog.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Inbox watcher stopped", slog.String("agent", w.agent))
			return ctx.Err()
		case <-ticker.C:
			w.Poll()
		case <-wake:
			w.Poll()
		}
	}
}

// fsWake establishes a filesystem watch on the inbox directory and returns a
// channel that fires on writes. A nil channel (watch unavailable) blocks
// forever in the select, leaving polling as the only trigger.
func (w *Watcher) fsWake(ctx context.Context) <-chan struct{} {
	dir := filepath.Dir(w.store.InboxPath(w.agent))
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Debug("Filesystem watch unavailable, polling only",
			slog.String("error", err.Error()))
		return nil
	}
	if err := fsw.Add(dir); err != nil {
		w.logger.Debug("Filesystem watch unavailable, polling only",
			slog.String("dir", dir),
			slog.String("error", err.Error()))
		_ = fsw.Close()
		return nil
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Debug("Filesystem watch error", slog.String("error", err.Error()))
			}
		}
	}()
	return wake
}

// Poll reads the inbox once and handles every unseen message. Handler
// failures are logged and never abort the batch.
func (w *Watcher) Poll() {
	messages, err := w.store.ReadInbox(w.agent)
	if err != nil {
		w.logger.Warn("Failed to read inbox",
			slog.String("agent", w.agent),
			slog.String("error", err.Error()))
		return
	}

	for _, msg := range messages {
		key := msg.TraceID + "|" + msg.TaskID
		if _, done := w.seen[key]; done {
			continue
		}
		w.seen[key] = struct{}{}
		w.handle(msg)
	}
}

func (w *Watcher) handle(msg *envelope.Message) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Message handler panicked",
				slog.String("task_id", msg.TaskID),
				slog.String("trace_id", msg.TraceID),
				slog.Any("panic", r))
		}
	}()

	if w.router != nil {
		if _, err := w.router.Route(msg); err != nil {
			w.logger.Error("Routing failed",
				slog.String("task_id", msg.TaskID),
				slog.String("type", string(msg.Type)),
				slog.String("error", err.Error()))
		}
	}
	if w.alerts != nil {
		w.alerts.Evaluate(msg)
	}
}
