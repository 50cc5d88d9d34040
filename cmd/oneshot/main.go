// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command oneshot drives a single autonomous worker/auditor session from
// the command line: run starts a fresh session, resume picks a prior one
// back up from its persisted context.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oneshot-run/oneshot/internal/oneshot/activityws"
	"github.com/oneshot-run/oneshot/internal/oneshot/config"
	oneshotcontext "github.com/oneshot-run/oneshot/internal/oneshot/context"
	"github.com/oneshot-run/oneshot/internal/oneshot/engine"
	"github.com/oneshot-run/oneshot/internal/oneshot/executor"
	"github.com/oneshot-run/oneshot/internal/oneshot/pipeline"
	"github.com/oneshot-run/oneshot/internal/oneshot/state"
	"github.com/oneshot-run/oneshot/internal/oneshot/telemetry"
)

// Exit codes distinguish how a session ended for shell scripts and CI.
const (
	ExitCompleted      = 0
	ExitFailed         = 1
	ExitRejected       = 2
	ExitInterrupted    = 3
	ExitContextCorrupt = 4
	ExitConfigError    = 5
)

func main() {
	os.Exit(execute())
}

func execute() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "oneshot: loading config:", err)
		return ExitConfigError
	}

	exitCode := ExitCompleted
	root := newRootCmd(&cfg, &exitCode)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "oneshot:", err)
		if exitCode == ExitCompleted {
			exitCode = ExitConfigError
		}
	}
	return exitCode
}

// executorFlags is the worker/auditor selection shared by run and resume.
type executorFlags struct {
	workerName   string
	auditorName  string
	workerBin    string
	auditorBin   string
	workerModel  string
	auditorModel string
}

func (f *executorFlags) register(cmd *cobra.Command, defaultName string) {
	cmd.Flags().StringVar(&f.workerName, "worker", defaultName, "worker executor: direct, cline, claude, gemini, aider, ollama")
	cmd.Flags().StringVar(&f.auditorName, "auditor", defaultName, "auditor executor: direct, cline, claude, gemini, aider, ollama (defaults to the worker)")
	cmd.Flags().StringVar(&f.workerBin, "worker-bin", "", "binary to run for --worker direct (required when --worker=direct)")
	cmd.Flags().StringVar(&f.auditorBin, "auditor-bin", "", "binary to run for --auditor direct (required when --auditor=direct)")
	cmd.Flags().StringVar(&f.workerModel, "worker-model", "", "model the worker executor should use")
	cmd.Flags().StringVar(&f.auditorModel, "auditor-model", "", "model the auditor executor should use")
}

func newRootCmd(cfg *config.EngineConfig, exitCode *int) *cobra.Command {
	root := &cobra.Command{
		Use:   "oneshot",
		Short: "Drive an autonomous worker/auditor coding session to completion",
	}

	var watchConfig bool

	root.PersistentFlags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "stderr log format: text or json")
	root.PersistentFlags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve Prometheus metrics on, empty to disable")
	root.PersistentFlags().StringVar(&cfg.WebSocketAddr, "ws-addr", cfg.WebSocketAddr, "address to serve the live activity websocket on, empty to disable")
	root.PersistentFlags().BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable verbose logging")
	root.PersistentFlags().BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging (also written to log_dir when one is configured)")
	root.PersistentFlags().BoolVar(&watchConfig, "watch-config", false, "log a notice whenever ~/.oneshot/oneshot.yaml changes on disk during the run")
	root.PersistentFlags().StringVar(&cfg.WorkerPromptHeader, "worker-prompt-header", cfg.WorkerPromptHeader, "header prepended to the worker prompt (the oneshot id is appended as the correlation string)")
	root.PersistentFlags().StringVar(&cfg.AuditorPromptHeader, "auditor-prompt-header", cfg.AuditorPromptHeader, "header prepended to the auditor prompt")
	root.PersistentFlags().StringVar(&cfg.ReworkerPromptHeader, "reworker-prompt-header", cfg.ReworkerPromptHeader, "header prepended to reworker prompts")
	root.PersistentFlags().BoolVar(&cfg.KeepLog, "keep-log", cfg.KeepLog, "keep the NDJSON activity log after a successful session")

	var (
		execFlags  executorFlags
		taskFile   string
		sessionLog string
	)

	runCmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Start a fresh oneshot session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := resolveTask(args, taskFile)
			if err != nil {
				return err
			}
			// The auditor follows the worker unless chosen explicitly.
			if !cmd.Flags().Changed("auditor") {
				execFlags.auditorName = execFlags.workerName
				if execFlags.auditorBin == "" {
					execFlags.auditorBin = execFlags.workerBin
				}
			}
			*exitCode, err = runSession(cmd.Context(), *cfg, sessionParams{
				execFlags:   execFlags,
				task:        task,
				sessionLog:  sessionLog,
				watchConfig: watchConfig,
			})
			return err
		},
	}
	execFlags.register(runCmd, "direct")
	runCmd.Flags().StringVar(&taskFile, "task-file", "", "read the task description from a file instead of the positional argument")
	runCmd.Flags().StringVar(&sessionLog, "session-log", "", "write the NDJSON activity log to this path instead of the session directory")
	runCmd.Flags().IntVar(&cfg.MaxIterations, "max-iterations", cfg.MaxIterations, "maximum worker/reworker iterations before giving up")
	runCmd.Flags().DurationVar(&cfg.InactivityTimeout, "inactivity-timeout", cfg.InactivityTimeout, "kill an executor that produces no activity for this long")
	runCmd.Flags().DurationVar(&cfg.MaxTimeout, "max-timeout", cfg.MaxTimeout, "end the whole session after this long")

	var resumeFlags executorFlags
	resumeCmd := &cobra.Command{
		Use:   "resume [oneshot-id|path] [new-task]",
		Short: "Resume a previously persisted session (the most recent one if no id is given)",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ref, newTask string
			if len(args) > 0 {
				ref = args[0]
			}
			if len(args) > 1 {
				newTask = args[1]
			}
			var err error
			*exitCode, err = resumeSession(cmd.Context(), *cfg, ref, newTask, resumeFlags, watchConfig)
			return err
		},
	}
	resumeFlags.register(resumeCmd, "")

	root.AddCommand(runCmd, resumeCmd)
	return root
}

func resolveTask(args []string, taskFile string) (string, error) {
	if taskFile != "" {
		data, err := os.ReadFile(taskFile)
		if err != nil {
			return "", fmt.Errorf("reading task file: %w", err)
		}
		return string(data), nil
	}
	if len(args) == 1 {
		return args[0], nil
	}
	return "", fmt.Errorf("a task must be given either as an argument or via --task-file")
}

type sessionParams struct {
	execFlags   executorFlags
	task        string
	sessionLog  string
	watchConfig bool
}

func runSession(ctx context.Context, cfg config.EngineConfig, p sessionParams) (int, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return ExitConfigError, err
	}
	defer logger.Close()

	worker, err := resolveExecutor(p.execFlags.workerName, p.execFlags.workerBin, p.execFlags.workerModel, cfg, logger.Logger)
	if err != nil {
		return ExitConfigError, err
	}
	auditor, err := resolveExecutor(p.execFlags.auditorName, p.execFlags.auditorBin, p.execFlags.auditorModel, cfg, logger.Logger)
	if err != nil {
		return ExitConfigError, err
	}

	oneshotID := oneshotcontext.NewOneshotID(time.Now(), func(id string) bool {
		return oneshotcontext.Exists(cfg.SessionDir, id)
	})

	ec := oneshotcontext.New(oneshotID, p.task, worker.Name(), auditor.Name(), cfg.MaxIterations)
	if p.execFlags.workerModel != "" {
		ec.Metadata["worker_model"] = p.execFlags.workerModel
	}
	if p.execFlags.auditorModel != "" {
		ec.Metadata["auditor_model"] = p.execFlags.auditorModel
	}
	if wd, wdErr := os.Getwd(); wdErr == nil {
		ec.Metadata["working_dir"] = wd
	}
	if p.sessionLog != "" {
		ec.Metadata["session_log_explicit"] = "true"
	}
	if err := ec.Save(cfg.SessionDir); err != nil {
		return ExitConfigError, fmt.Errorf("creating session: %w", err)
	}

	return driveSession(ctx, cfg, worker, auditor, ec, logger.Logger, p.sessionLog, p.watchConfig)
}

func resumeSession(ctx context.Context, cfg config.EngineConfig, ref, newTask string, flags executorFlags, watchConfig bool) (int, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return ExitConfigError, err
	}
	defer logger.Close()

	ec, code, err := loadSessionForResume(cfg, ref)
	if err != nil {
		return code, err
	}

	resumed, resumeErr := state.ResumeTransition(ec.CurrentState(), ec.PriorState())
	if resumeErr != nil {
		return ExitRejected, fmt.Errorf("resuming session %s: %w", ec.OneshotID, resumeErr)
	}
	if newTask != "" {
		ec.SetTask(newTask)
	}
	if resumed != ec.CurrentState() {
		ec.Resume(resumed, "session resumed from disk")
	}
	if err := ec.Save(cfg.SessionDir); err != nil {
		return ExitConfigError, fmt.Errorf("persisting resumed session: %w", err)
	}

	workerName, workerDetail := splitExecutorName(ec.WorkerExecutor)
	auditorName, auditorDetail := splitExecutorName(ec.AuditorExecutor)
	if flags.workerName != "" {
		workerName, workerDetail = flags.workerName, ""
	}
	if flags.auditorName != "" {
		auditorName, auditorDetail = flags.auditorName, ""
	}

	worker, err := resolveExecutor(workerName, firstNonEmpty(flags.workerBin, workerDetail), firstNonEmpty(flags.workerModel, workerDetail), cfg, logger.Logger)
	if err != nil {
		return ExitConfigError, err
	}
	auditor, err := resolveExecutor(auditorName, firstNonEmpty(flags.auditorBin, auditorDetail), firstNonEmpty(flags.auditorModel, auditorDetail), cfg, logger.Logger)
	if err != nil {
		return ExitConfigError, err
	}

	return driveSession(ctx, cfg, worker, auditor, ec, logger.Logger, "", watchConfig)
}

// loadSessionForResume resolves ref — a session id, a path to a session
// file, or empty for the most recent session on disk — into a loaded
// ExecutionContext.
func loadSessionForResume(cfg config.EngineConfig, ref string) (*oneshotcontext.ExecutionContext, int, error) {
	var (
		ec  *oneshotcontext.ExecutionContext
		err error
	)
	switch {
	case ref == "":
		var id string
		id, err = oneshotcontext.MostRecentID(cfg.SessionDir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ExitConfigError, fmt.Errorf("no sessions found in %s", cfg.SessionDir)
			}
			return nil, ExitConfigError, err
		}
		ec, err = oneshotcontext.Load(cfg.SessionDir, id)
	case strings.ContainsRune(ref, os.PathSeparator) || strings.HasSuffix(ref, ".json"):
		ec, err = oneshotcontext.LoadPath(ref)
	default:
		ec, err = oneshotcontext.Load(cfg.SessionDir, ref)
	}

	if err != nil {
		var corrupt *oneshotcontext.ErrContextCorrupt
		if errors.As(err, &corrupt) {
			return nil, ExitContextCorrupt, err
		}
		if os.IsNotExist(err) {
			return nil, ExitConfigError, fmt.Errorf("no session found for %q", ref)
		}
		return nil, ExitConfigError, err
	}
	return ec, ExitCompleted, nil
}

// splitExecutorName undoes Executor.Name()'s "kind:detail" convention
// ("direct:/usr/bin/foo", "ollama:llama3") so a resume can reconstruct the
// executor the session originally ran with.
func splitExecutorName(name string) (kind, detail string) {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func driveSession(ctx context.Context, cfg config.EngineConfig, worker, auditor executor.Executor, ec *oneshotcontext.ExecutionContext, logger *slog.Logger, sessionLog string, watchConfig bool) (int, error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DisablePTY {
		os.Setenv("ONESHOT_DISABLE_PTY", "1")
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := telemetry.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
				logger.Warn("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if watchConfig {
		if w, err := config.NewWatcher(logger); err != nil {
			logger.Warn("config watcher disabled", slog.String("error", err.Error()))
		} else {
			go func() {
				err := w.Watch(ctx, func(updated config.EngineConfig) {
					logger.Info("config file changed on disk; restart or resume to pick up new values",
						slog.Int("max_iterations", updated.MaxIterations),
						slog.Duration("inactivity_timeout", updated.InactivityTimeout))
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("config watcher stopped", slog.String("error", err.Error()))
				}
			}()
		}
	}

	var emit pipeline.EmitFunc
	if cfg.WebSocketAddr != "" {
		hub := activityws.NewHub(logger)
		go func() {
			if err := activityws.Serve(ctx, cfg.WebSocketAddr, hub); err != nil {
				logger.Warn("activity websocket server stopped", slog.String("error", err.Error()))
			}
		}()
		emit = hub.Broadcast
	}

	eng := engine.New(engine.Config{
		SessionDir:           cfg.SessionDir,
		SessionLogPath:       sessionLog,
		InactivityTimeout:    cfg.InactivityTimeout,
		MaxTimeout:           cfg.MaxTimeout,
		WorkerPromptHeader:   cfg.WorkerPromptHeader,
		AuditorPromptHeader:  cfg.AuditorPromptHeader,
		ReworkerPromptHeader: cfg.ReworkerPromptHeader,
	}, worker, auditor, ec, logger, emit)

	result, err := eng.Run(ctx)
	if err != nil {
		return ExitFailed, err
	}

	fmt.Fprintf(os.Stdout, "oneshot %s finished: %s\n", result.OneshotID, result.FinalState)
	if result.FinalState != state.Completed {
		fmt.Fprintf(os.Stdout, "session file: %s\nactivity log: %s\n", ec.Path(), eng.LogPath())
	}
	if result.FinalState == state.Interrupted {
		fmt.Fprintf(os.Stdout, "resume with: oneshot resume %s\n", result.OneshotID)
	}

	switch result.FinalState {
	case state.Completed:
		// The log is scratch data once the session succeeded, unless the
		// user asked for it (explicit --session-log path or --keep-log).
		if sessionLog == "" && !cfg.KeepLog && ec.Metadata["session_log_explicit"] != "true" {
			if rmErr := os.Remove(eng.LogPath()); rmErr != nil && !os.IsNotExist(rmErr) {
				logger.Warn("failed to remove activity log", slog.String("error", rmErr.Error()))
			}
		}
		return ExitCompleted, nil
	case state.Rejected:
		return ExitRejected, nil
	case state.Interrupted:
		return ExitInterrupted, nil
	default:
		return ExitFailed, nil
	}
}

func resolveExecutor(name, bin, model string, cfg config.EngineConfig, logger *slog.Logger) (executor.Executor, error) {
	switch name {
	case "direct":
		if bin == "" {
			return nil, fmt.Errorf("--worker-bin/--auditor-bin is required when selecting the direct executor")
		}
		return &executor.Direct{Bin: bin, Logger: logger}, nil
	case "cline":
		return &executor.Cline{Bin: "cline", Model: model, Logger: logger}, nil
	case "claude":
		return &executor.Claude{Bin: "claude", Model: model, Logger: logger}, nil
	case "gemini":
		return &executor.Gemini{Bin: "gemini", Model: model, Logger: logger}, nil
	case "aider":
		return &executor.Aider{Bin: "aider", Model: model, Logger: logger}, nil
	case "ollama":
		return &executor.Ollama{BaseURL: cfg.OllamaBaseURL, APIKey: cfg.OllamaAPIKey, Model: model, Logger: logger}, nil
	case "":
		return nil, fmt.Errorf("no executor selected")
	default:
		return nil, fmt.Errorf("unknown executor %q", name)
	}
}

func newLogger(cfg config.EngineConfig) (*telemetry.Logger, error) {
	level := telemetry.LevelInfo
	if cfg.Debug || cfg.Verbose {
		level = telemetry.LevelDebug
	}
	format := telemetry.FormatText
	if cfg.LogFormat == "json" {
		format = telemetry.FormatJSON
	}
	logDir := ""
	if cfg.Debug {
		logDir = cfg.LogDir
	}
	return telemetry.New(telemetry.Config{Level: level, Format: format, LogDir: logDir})
}
