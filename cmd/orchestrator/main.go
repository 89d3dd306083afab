// Package main provides the orchestrator binary: plan execution, inbox
// watching, and plan validation over the file postbox protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amuslera/agent-comms-mvp-sub000/alert"
	"github.com/amuslera/agent-comms-mvp-sub000/config"
	"github.com/amuslera/agent-comms-mvp-sub000/ledger"
	"github.com/amuslera/agent-comms-mvp-sub000/plan"
	"github.com/amuslera/agent-comms-mvp-sub000/postbox"
	"github.com/amuslera/agent-comms-mvp-sub000/router"
	"github.com/amuslera/agent-comms-mvp-sub000/runner"
	"github.com/amuslera/agent-comms-mvp-sub000/watcher"
)

const (
	Version = "0.1.0"
	appName = "orchestrator"
)

// Exit codes of the run front-end.
const (
	exitOK          = 0
	exitPlanFailure = 1
	exitInvalidPlan = 2
	exitIOFailure   = 3
)

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitIOFailure)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var coded *exitError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(exitPlanFailure)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-agent task orchestrator",
		Long: `The orchestrator executes task plans against a set of agents that
communicate through per-agent inbox and outbox files. It dispatches task
assignments, waits for replies, applies retries and fallback, routes agent
replies by policy, and evaluates alert rules.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(logLevel, logFormat)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	cmd.AddCommand(runCmd(&configPath))
	cmd.AddCommand(watchCmd(&configPath))
	cmd.AddCommand(validateCmd(&configPath))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})

	return cmd
}

func setupLogging(logLevel, logFormat string) {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(logFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func loadConfig(configPath string) (*config.Config, error) {
	loader := config.NewLoader(slog.Default())
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, &exitError{code: exitIOFailure, err: err}
	}
	return cfg, nil
}

func runCmd(configPath *string) *cobra.Command {
	var noTrace bool

	cmd := &cobra.Command{
		Use:   "run <plan>",
		Short: "Execute a plan",
		Long: `Run loads and validates the plan, builds its dependency DAG, and
executes it layer by layer. Exit codes: 0 success, 1 plan failure, 2 invalid
plan, 3 I/O failure.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			store := postbox.NewStore(cfg.Paths.PostboxRoot, slog.Default())
			r := runner.New(cfg, store, slog.Default())
			r.EnableTrace = !noTrace

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			result, err := r.Run(ctx, args[0])
			if err != nil {
				if errors.Is(err, plan.ErrInvalidPlan) || errors.Is(err, plan.ErrPlanNotFound) {
					return &exitError{code: exitInvalidPlan, err: err}
				}
				return &exitError{code: exitIOFailure, err: err}
			}

			fmt.Printf("Plan finished: status=%s completed=%d failed=%d skipped=%d\n",
				result.Status, result.Completed, result.Failed, result.Skipped)
			if r.EnableTrace {
				fmt.Printf("Execution trace: %s\n", result.TracePath)
			}
			if !result.Success() {
				return &exitError{code: exitPlanFailure, err: fmt.Errorf("plan finished with status %s", result.Status)}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noTrace, "no-trace", false, "Disable execution trace persistence")
	return cmd
}

func watchCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the orchestrator inbox and route replies",
		Long: `Watch polls the orchestrator's inbox, routes agent replies by the
routing policy, and evaluates alert rules, until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			logger := slog.Default()
			store := postbox.NewStore(cfg.Paths.PostboxRoot, logger)
			board := ledger.NewScoreBoard(filepath.Join(cfg.Paths.LogsRoot, "agent_scores.json"), logger)

			policy := router.LoadPolicyOrDefault(cfg.Paths.PhasePolicy, logger)
			rt := router.New(policy, store, board, config.OrchestratorID, config.HumanID, logger)

			var evaluator *alert.Evaluator
			alertPolicy, err := alert.LoadPolicy(cfg.Paths.AlertPolicy)
			if err != nil {
				logger.Warn("Alert policy unavailable, alerts disabled",
					slog.String("path", cfg.Paths.AlertPolicy),
					slog.String("error", err.Error()))
			} else {
				ledgerPath := filepath.Join(cfg.Paths.LogsRoot, "alerts_triggered.json")
				evaluator = alert.NewEvaluator(alertPolicy, store, ledgerPath, alert.Options{
					OrchestratorID: config.OrchestratorID,
					HumanID:        config.HumanID,
					WebhookTimeout: cfg.Notify.WebhookTimeout,
					WebhookRetries: cfg.Notify.WebhookRetries,
				}, logger)
			}

			w := watcher.New(store, config.OrchestratorID, cfg.Watcher.PollInterval, rt, evaluator, logger)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return &exitError{code: exitIOFailure, err: err}
			}
			return nil
		},
	}
}

func validateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan>",
		Short: "Validate a plan and report DAG integrity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			p, err := plan.Load(args[0], plan.ValidateOptions{
				KnownAgents: cfg.Agents.Known,
				TaskTypes:   plan.TaskTypes,
			})
			if err != nil {
				return &exitError{code: exitInvalidPlan, err: err}
			}

			dag, err := plan.BuildDAG(p)
			if err != nil {
				return &exitError{code: exitInvalidPlan, err: err}
			}

			report := dag.Integrity()
			fmt.Printf("Plan %s is valid: %d tasks, %d layers, max depth %d\n",
				p.PlanID, report.Stats.TaskCount, len(dag.Layers), report.Stats.MaxDepth)
			fmt.Printf("Roots: %d, leaves: %d, agents: %s\n",
				report.Stats.RootCount, report.Stats.LeafCount, strings.Join(report.Stats.Agents, ", "))
			for _, warning := range report.Warnings {
				fmt.Printf("Warning: %s\n", warning)
			}
			return nil
		},
	}
}
