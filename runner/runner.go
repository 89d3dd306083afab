// Package runner executes a plan DAG layer by layer: guard evaluation,
// dispatch, reply waiting, retries, and fallback, with full trace and task
// logging.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amuslera/agent-comms-mvp-sub000/config"
	"github.com/amuslera/agent-comms-mvp-sub000/envelope"
	"github.com/amuslera/agent-comms-mvp-sub000/ledger"
	"github.com/amuslera/agent-comms-mvp-sub000/metrics"
	"github.com/amuslera/agent-comms-mvp-sub000/plan"
	"github.com/amuslera/agent-comms-mvp-sub000/plancontext"
	"github.com/amuslera/agent-comms-mvp-sub000/postbox"
	"github.com/amuslera/agent-comms-mvp-sub000/tracelog"
)

// Result is the outcome of one plan run.
type Result struct {
	Status      string
	ExecutionID string
	TracePath   string
	Completed   int
	Failed      int
	Skipped     int
	TaskStates  map[string]string
}

// Success reports whether every non-skipped task completed.
func (r *Result) Success() bool {
	return r.Status == tracelog.RunStatusSuccess
}

// Runner drives plan execution. A runner is single-threaded per Run call;
// layers are processed in order and tasks within a layer sequentially.
type Runner struct {
	cfg       *config.Config
	store     *postbox.Store
	validator *envelope.Validator
	logger    *slog.Logger

	// EnableTrace controls whether the execution trace is persisted.
	EnableTrace bool
}

// New creates a runner from the orchestrator configuration.
func New(cfg *config.Config, store *postbox.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:         cfg,
		store:       store,
		validator:   envelope.NewValidator(config.OrchestratorID, config.HumanID, cfg.Agents.Known),
		logger:      logger,
		EnableTrace: true,
	}
}

// Run loads, validates, and executes the plan at path.
func (r *Runner) Run(ctx context.Context, planPath string) (*Result, error) {
	p, err := plan.Load(planPath, plan.ValidateOptions{
		KnownAgents: r.cfg.Agents.Known,
		TaskTypes:   plan.TaskTypes,
	})
	if err != nil {
		return nil, err
	}
	return r.RunPlan(ctx, p)
}

// RunPlan executes an already-validated plan.
func (r *Runner) RunPlan(ctx context.Context, p *plan.Plan) (*Result, error) {
	dag, err := plan.BuildDAG(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plan.ErrInvalidPlan, err)
	}

	engine := plancontext.NewEngine(p.Context, r.logger)
	taskLogs := tracelog.NewTaskLogger(filepath.Join(r.cfg.Paths.LogsRoot, "tasks"), r.logger)
	tracer := tracelog.NewTraceLogger(filepath.Join(r.cfg.Paths.LogsRoot, "traces"), p, dag, r.EnableTrace, r.logger)
	runLog := ledger.NewRunLogger(filepath.Join(r.cfg.Paths.LogsRoot, "runs"), tracer.ExecutionID(), p.PlanID, r.logger)

	r.logger.Info("Plan run started",
		slog.String("plan_id", p.PlanID),
		slog.String("execution_id", tracer.ExecutionID()),
		slog.Int("tasks", len(p.Tasks)),
		slog.Int("layers", len(dag.Layers)))
	tracer.AddEvent(tracelog.Event{EventType: tracelog.EventPlanStarted})

	counters := tracelog.Counters{Total: len(p.Tasks)}
	states := make(map[string]string, len(p.Tasks))
	dispatchIndex := 0

	for layerIdx, layer := range dag.Layers {
		li := layerIdx
		tracer.AddEvent(tracelog.Event{EventType: tracelog.EventLayerStarted, ExecutionLayer: &li})

		for _, taskID := range layer {
			task := p.TaskByID(taskID)
			outcome := r.executeTask(ctx, p, task, layerIdx, dispatchIndex, engine, taskLogs, tracer)
			dispatchIndex++
			states[taskID] = outcome.state

			switch outcome.state {
			case tracelog.StateCompleted:
				counters.Completed++
			case tracelog.StateSkipped:
				counters.Skipped++
			default:
				counters.Failed++
				tracer.AddError(fmt.Sprintf("task %s: %s", taskID, outcome.reason))
			}
			runLog.RecordTask(outcome.runEntry())
		}

		tracer.AddEvent(tracelog.Event{EventType: tracelog.EventLayerCompleted, ExecutionLayer: &li})
	}

	status := aggregateStatus(counters)
	tracer.AddEvent(tracelog.Event{EventType: tracelog.EventPlanFinalized, Details: map[string]any{"status": status}})
	tracer.Finalize(status, counters, engine.Snapshot())

	if err := engine.SaveLog(filepath.Join(r.cfg.Paths.LogsRoot, "context_eval_"+tracer.ExecutionID()+".json")); err != nil {
		r.logger.Warn("Failed to persist context evaluation log", slog.String("error", err.Error()))
	}
	if err := runLog.Finalize(status); err != nil {
		r.logger.Warn("Failed to persist run summary", slog.String("error", err.Error()))
	}

	r.logger.Info("Plan run finished",
		slog.String("plan_id", p.PlanID),
		slog.String("status", status),
		slog.Int("completed", counters.Completed),
		slog.Int("failed", counters.Failed),
		slog.Int("skipped", counters.Skipped))

	return &Result{
		Status:      status,
		ExecutionID: tracer.ExecutionID(),
		TracePath:   tracer.Path(),
		Completed:   counters.Completed,
		Failed:      counters.Failed,
		Skipped:     counters.Skipped,
		TaskStates:  states,
	}, nil
}

// aggregateStatus implements the run-level outcome: success when nothing
// failed or was skipped, failed when nothing completed, partial otherwise.
// Skips alone degrade success to partial but never to failed.
func aggregateStatus(c tracelog.Counters) string {
	switch {
	case c.Failed == 0 && c.Skipped == 0:
		return tracelog.RunStatusSuccess
	case c.Completed == 0 && c.Failed > 0:
		return tracelog.RunStatusFailed
	default:
		return tracelog.RunStatusPartial
	}
}

// taskOutcome is the internal per-task result of executeTask.
type taskOutcome struct {
	taskID  string
	agent   string
	state   string
	reason  string
	retries int
	score   *float64
	seconds *float64
}

func (o taskOutcome) runEntry() ledger.TaskOutcome {
	return ledger.TaskOutcome{
		TaskID:      o.taskID,
		Agent:       o.agent,
		Status:      o.state,
		Retries:     o.retries,
		Score:       o.score,
		DurationSec: o.seconds,
	}
}

// executeTask runs one task's full attempt chain, including fallback.
func (r *Runner) executeTask(ctx context.Context, p *plan.Plan, task *plan.Task, layer, index int,
	engine *plancontext.Engine, taskLogs *tracelog.TaskLogger, tracer *tracelog.TraceLogger) taskOutcome {

	chainID := newTraceID(p.PlanID, index)
	tl := tracelog.NewTaskLog(chainID, p.PlanID, task, layer)
	tracer.AddEvent(tracelog.Event{
		EventType: tracelog.EventTaskCreated,
		TaskID:    task.TaskID,
		Agent:     task.Agent,
		TraceID:   chainID,
	})
	tl.TransitionTo(tracelog.StateWaiting, "queued in layer", 0)
	tl.TransitionTo(tracelog.StateReady, "dependencies satisfied", 0)
	tracer.AddEvent(tracelog.Event{EventType: tracelog.EventTaskReady, TaskID: task.TaskID, Agent: task.Agent})
	r.saveTaskLog(taskLogs, tl)

	if shouldRun, reason := engine.EvaluateTask(task); !shouldRun {
		tl.TransitionTo(tracelog.StateSkipped, reason, 0)
		r.saveTaskLog(taskLogs, tl)
		tracer.AddEvent(tracelog.Event{
			EventType: tracelog.EventTaskSkipped,
			TaskID:    task.TaskID,
			Agent:     task.Agent,
			Details:   map[string]any{"reason": reason},
		})
		metrics.TasksCompleted.WithLabelValues(task.Agent, tracelog.StateSkipped).Inc()
		r.logger.Info("Task skipped",
			slog.String("task_id", task.TaskID),
			slog.String("reason", reason))
		return taskOutcome{taskID: task.TaskID, agent: task.Agent, state: tracelog.StateSkipped, reason: reason}
	}

	started := time.Now()
	hasFallback := task.FallbackAgent != ""
	outcome := r.attemptChain(ctx, p, task, task.Agent, task.MaxRetries+1, 0, index, !hasFallback, engine, tl, taskLogs, tracer)

	// One further attempt on the fallback agent, with a fresh trace_id and
	// retry_count reset. Its outcome is the task's final status.
	if outcome.state != tracelog.StateCompleted && hasFallback {
		r.logger.Info("Dispatching to fallback agent",
			slog.String("task_id", task.TaskID),
			slog.String("agent", task.FallbackAgent))
		fallback := r.attemptChain(ctx, p, task, task.FallbackAgent, 1, outcome.retries, index, true, engine, tl, taskLogs, tracer)
		fallback.retries = outcome.retries + fallback.retries
		outcome = fallback
	}

	seconds := time.Since(started).Seconds()
	outcome.seconds = &seconds
	metrics.TaskDuration.WithLabelValues(outcome.agent).Observe(seconds)
	metrics.TasksCompleted.WithLabelValues(outcome.agent, outcome.state).Inc()
	return outcome
}

// attemptChain runs up to attempts dispatches of the task against one agent.
// baseRetries offsets retry-history attempt numbers for fallback chains.
// When final is false a failure is left non-terminal so a fallback chain can
// continue the same task log.
func (r *Runner) attemptChain(ctx context.Context, p *plan.Plan, task *plan.Task, agent string,
	attempts, baseRetries, index int, final bool, engine *plancontext.Engine,
	tl *tracelog.TaskLog, taskLogs *tracelog.TaskLogger, tracer *tracelog.TraceLogger) taskOutcome {

	outcome := taskOutcome{taskID: task.TaskID, agent: agent}
	lastWasTimeout := false

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			tl.TransitionTo(tracelog.StateRetrying, outcome.reason, attempt)
			tracer.AddEvent(tracelog.Event{
				EventType: tracelog.EventTaskRetry,
				TaskID:    task.TaskID,
				Agent:     agent,
				Details:   map[string]any{"attempt": attempt + 1, "reason": outcome.reason},
			})
			metrics.TaskRetries.WithLabelValues(agent).Inc()
			if err := sleepCtx(ctx, task.RetryDelay(r.cfg.Runner.RetryDelay)); err != nil {
				outcome.state = tracelog.StateFailed
				outcome.reason = "run cancelled"
				break
			}
		}

		// Each attempt carries its own trace_id so a stale reply from an
		// earlier attempt can never satisfy the wait.
		traceID := newTraceID(p.PlanID, index)
		tl.TransitionTo(tracelog.StateRunning, fmt.Sprintf("attempt %d dispatched to %s", attempt+1, agent), attempt)
		r.saveTaskLog(taskLogs, tl)
		tracer.AddEvent(tracelog.Event{
			EventType: tracelog.EventTaskStarted,
			TaskID:    task.TaskID,
			Agent:     agent,
			TraceID:   traceID,
		})

		reply, reason, timedOut := r.dispatchAndWait(ctx, p, task, agent, traceID, attempt)
		if reply != nil {
			engine.UpdateFromTaskResult(task.TaskID, reply)
			score, hasScore := reply.ContentFloat("score")
			if hasScore {
				outcome.score = &score
			}
			dur, hasDur := reply.ContentFloat("duration_sec")

			tl.TransitionTo(tracelog.StateCompleted, "agent reported success", attempt)
			tl.Result = &tracelog.ExecutionResult{Status: "completed", Reply: reply}
			if hasScore {
				tl.Result.Score = &score
			}
			if hasDur {
				tl.Result.DurationSec = &dur
			}
			r.saveTaskLog(taskLogs, tl)
			tracer.AddEvent(tracelog.Event{
				EventType: tracelog.EventTaskCompleted,
				TaskID:    task.TaskID,
				Agent:     agent,
				TraceID:   traceID,
			})
			outcome.state = tracelog.StateCompleted
			outcome.reason = ""
			return outcome
		}

		outcome.reason = reason
		lastWasTimeout = timedOut
		outcome.retries++
		tl.AddRetry(baseRetries+outcome.retries, agent, reason)
		r.saveTaskLog(taskLogs, tl)
		r.logger.Warn("Task attempt failed",
			slog.String("task_id", task.TaskID),
			slog.String("agent", agent),
			slog.Int("attempt", attempt+1),
			slog.String("reason", reason))

		if errors.Is(ctx.Err(), context.Canceled) {
			break
		}
	}

	if outcome.state == "" {
		if lastWasTimeout {
			outcome.state = tracelog.StateTimeout
		} else {
			outcome.state = tracelog.StateFailed
		}
	}
	if !final {
		return outcome
	}

	tl.TransitionTo(outcome.state, outcome.reason, outcome.retries)
	tl.Result = &tracelog.ExecutionResult{Status: outcome.state, ErrorMessage: outcome.reason}
	r.saveTaskLog(taskLogs, tl)

	event := tracelog.EventTaskFailed
	if outcome.state == tracelog.StateTimeout {
		event = tracelog.EventTaskTimeout
	}
	tracer.AddEvent(tracelog.Event{
		EventType: event,
		TaskID:    task.TaskID,
		Agent:     agent,
		Details:   map[string]any{"reason": outcome.reason},
	})
	return outcome
}

// dispatchAndWait performs one attempt: build and validate the assignment,
// append it, and wait for the matching reply. A nil reply means the attempt
// failed with the returned reason; timedOut distinguishes timeouts from
// other failures.
func (r *Runner) dispatchAndWait(ctx context.Context, p *plan.Plan, task *plan.Task, agent, traceID string, attempt int) (*envelope.Message, string, bool) {
	assignment := plan.BuildAssignment(p, task, agent, config.OrchestratorID, r.cfg.Protocol.Version, traceID, attempt)

	if ok, issues := r.validator.Validate(assignment, envelope.DirectionOutbound); !ok {
		lines := make([]string, len(issues))
		for i, issue := range issues {
			lines[i] = issue.String()
		}
		return nil, "invalid assignment envelope: " + strings.Join(lines, "; "), false
	}

	if err := r.store.AppendToInbox(agent, assignment); err != nil {
		return nil, fmt.Sprintf("failed to dispatch to %s: %v", agent, err), false
	}
	metrics.TasksDispatched.WithLabelValues(agent).Inc()

	timeout := task.Timeout(r.cfg.Runner.TaskTimeout)
	reply, err := r.store.WaitForReply(ctx, agent, traceID, timeout, r.cfg.Runner.ReplyPollInterval)
	if err != nil {
		if errors.Is(err, postbox.ErrReplyTimeout) {
			return nil, fmt.Sprintf("no reply within %s", timeout), true
		}
		return nil, fmt.Sprintf("reply wait failed: %v", err), false
	}

	if failed, reason := replyFailure(reply); failed {
		return nil, reason, false
	}
	return reply, "", false
}

// replyFailure reports whether a reply envelope represents a failed attempt.
func replyFailure(reply *envelope.Message) (bool, string) {
	if reply.Type == envelope.TypeError {
		msg := reply.ContentString("message")
		if msg == "" {
			msg = "agent returned an error"
		}
		return true, msg
	}
	if ok, has := reply.ContentBool("success"); has && !ok {
		reason := reply.ContentString("message")
		if reason == "" {
			reason = "agent reported failure"
		}
		return true, reason
	}
	if status := reply.ContentString("status"); status == "failed" || status == "error" {
		return true, "agent reported status " + status
	}
	return false, ""
}

func (r *Runner) saveTaskLog(taskLogs *tracelog.TaskLogger, tl *tracelog.TaskLog) {
	if err := taskLogs.Save(tl); err != nil {
		r.logger.Warn("Failed to persist task log",
			slog.String("trace_id", tl.TraceID),
			slog.String("error", err.Error()))
	}
}

// newTraceID builds a <plan_id>-<index>-<rand8> attempt identifier.
func newTraceID(planID string, index int) string {
	return fmt.Sprintf("%s-%d-%s", planID, index, uuid.NewString()[:8])
}

// sleepCtx pauses for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
