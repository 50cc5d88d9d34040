// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine drives a oneshot session to completion: it reads
// state.NextAction off the persisted ExecutionContext, dispatches the
// worker, auditor, or forensic recovery step that action calls for, and
// applies the resulting state.Event, saving the context after every
// transition so the session can always be resumed from disk.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/oneshot-run/oneshot/internal/oneshot/activity"
	oneshotcontext "github.com/oneshot-run/oneshot/internal/oneshot/context"
	"github.com/oneshot-run/oneshot/internal/oneshot/executor"
	"github.com/oneshot-run/oneshot/internal/oneshot/extractor"
	"github.com/oneshot-run/oneshot/internal/oneshot/pipeline"
	"github.com/oneshot-run/oneshot/internal/oneshot/state"
	"github.com/oneshot-run/oneshot/internal/oneshot/telemetry"
	"github.com/oneshot-run/oneshot/internal/oneshot/verdict"
)

// Config parameterizes a single Engine run. SessionDir, InactivityTimeout,
// MaxTimeout, and the three prompt headers come directly from
// config.EngineConfig; the caller is responsible for resolving which
// executor.Executor implementation backs Worker/Auditor before
// construction.
type Config struct {
	SessionDir           string
	RepoDir              string
	SessionLogPath       string // explicit --session-log override; empty means the default layout
	InactivityTimeout    time.Duration
	MaxTimeout           time.Duration
	WorkerPromptHeader   string
	AuditorPromptHeader  string
	ReworkerPromptHeader string
}

// Engine owns one session's Worker and Auditor executors plus its
// persisted ExecutionContext. It holds no back-reference to any CLI or UI
// layer; callers observe progress only through Emit and the activity log
// Engine writes to.
type Engine struct {
	cfg     Config
	worker  executor.Executor
	auditor executor.Executor
	ec      *oneshotcontext.ExecutionContext
	machine *state.Machine
	logger  *slog.Logger
	log     *activity.Logger
	emit    pipeline.EmitFunc
}

// New constructs an Engine for an already-created ExecutionContext. emit
// may be nil when no UI layer is attached (e.g. headless CI runs).
func New(cfg Config, worker, auditor executor.Executor, ec *oneshotcontext.ExecutionContext, logger *slog.Logger, emit pipeline.EmitFunc) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	logPath := cfg.SessionLogPath
	if logPath == "" {
		logPath = ec.SessionLogPath
	}
	if logPath == "" {
		logPath = oneshotcontext.LogFilePath(cfg.SessionDir, ec.OneshotID)
	}
	ec.SetSessionLogPath(logPath)
	return &Engine{
		cfg:     cfg,
		worker:  worker,
		auditor: auditor,
		ec:      ec,
		machine: state.DefaultMachine,
		logger:  logger,
		log:     activity.NewLogger(logPath, logger),
		emit:    emit,
	}
}

// LogPath returns where this session's NDJSON activity log is written.
func (e *Engine) LogPath() string {
	return e.log.Path()
}

// Result summarizes a completed or interrupted Run.
type Result struct {
	OneshotID  string
	FinalState state.OneshotState
	Iterations int
}

// Run drives the session until it reaches a terminal state, the context is
// cancelled, or MaxTimeout elapses. Every transition is persisted before
// Run dispatches the next action, so a crash leaves the session resumable
// from exactly where it stopped.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	spanCtx, span := telemetry.Tracer().Start(ctx, "engine.Run")
	defer span.End()
	defer e.log.Close()

	// MaxTimeout is the absolute wall-clock ceiling on the whole session.
	// A run in flight when it fires observes DeadlineExceeded and is
	// classified as a crash: the auditor fails outright, the worker lands
	// in RECOVERY_PENDING and gets one post-deadline forensic pass before
	// the session is closed out.
	if e.cfg.MaxTimeout > 0 {
		var cancel context.CancelFunc
		spanCtx, cancel = context.WithTimeout(spanCtx, e.cfg.MaxTimeout)
		defer cancel()
	}

	for {
		cur := e.ec.CurrentState()
		if cur.IsTerminal() {
			return e.result(), nil
		}

		if err := spanCtx.Err(); err != nil {
			deadlineHit := errors.Is(err, context.DeadlineExceeded)
			// Forensic recovery is local file/git inspection, not an agent
			// launch, so it still runs after the deadline: a dead worker
			// ends the session FAILED rather than merely interrupted, and
			// zombie evidence is salvaged into the log before exit.
			if !deadlineHit || cur != state.RecoveryPending {
				reason := "context cancelled"
				if deadlineHit {
					reason = "max_timeout exceeded"
				}
				if transErr := e.transition(state.EventInterrupt, reason); transErr != nil {
					return nil, transErr
				}
				return e.result(), nil
			}
		}

		action := state.NextAction(cur)
		var err error
		switch action.Type {
		case state.ActionRunWorker:
			err = e.stepWorker(spanCtx)
		case state.ActionRunAuditor:
			err = e.stepAuditor(spanCtx)
		case state.ActionRecover:
			err = e.stepRecover(spanCtx)
		case state.ActionWait:
			return nil, fmt.Errorf("engine: unexpected ActionWait while in state %s", cur)
		default:
			return nil, fmt.Errorf("engine: unexpected action for non-terminal state %s", cur)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (e *Engine) result() *Result {
	return &Result{
		OneshotID:  e.ec.OneshotID,
		FinalState: e.ec.CurrentState(),
		Iterations: e.ec.Iteration,
	}
}

// transition applies event to the context's state machine and persists the
// context immediately, so every transition is observable on disk even if
// the process dies before dispatching the next action.
func (e *Engine) transition(event state.Event, reason string) error {
	from := e.ec.CurrentState()
	to, err := e.ec.SetState(e.machine, event, reason)
	if err != nil {
		return fmt.Errorf("engine: applying %s from %s: %w", event, from, err)
	}
	telemetry.StateTransitionsTotal.WithLabelValues(string(from), string(event)).Inc()
	if to.IsTerminal() {
		telemetry.IterationsTotal.WithLabelValues(string(to)).Inc()
	}
	if err := e.ec.Save(e.cfg.SessionDir); err != nil {
		return fmt.Errorf("engine: persisting context after %s->%s: %w", from, to, err)
	}
	e.logger.Info("state transition", slog.String("from", string(from)), slog.String("to", string(to)), slog.String("event", string(event)), slog.String("reason", reason))
	return nil
}

// stepWorker handles both the first worker run (from CREATED) and every
// reworker run (from REITERATION_PENDING), since NextAction maps both
// states onto ActionRunWorker.
func (e *Engine) stepWorker(ctx context.Context) error {
	cur := e.ec.CurrentState()
	isReiteration := cur == state.ReiterationPending

	// Iterations count worker dispatches: the first run is iteration 1,
	// and a would-be run past MaxIterations fails instead of dispatching.
	if isReiteration {
		if e.ec.Iteration >= e.ec.MaxIterations {
			return e.transition(state.EventMaxIterations, "iteration budget exhausted before another reworker run")
		}
		e.ec.IncrementIteration()
		if err := e.transition(state.EventNext, "dispatching the reworker"); err != nil {
			return err
		}
	} else {
		e.ec.IncrementIteration()
		if err := e.transition(state.EventStart, "user/CLI requested a run"); err != nil {
			return err
		}
	}

	role := executor.RoleWorker
	header := e.cfg.WorkerPromptHeader
	var feedback string
	if isReiteration {
		role = executor.RoleReworker
		header = e.cfg.ReworkerPromptHeader
		feedback = e.auditorAdvice()
	}

	promptText := e.worker.FormatPrompt(e.ec.Task, e.promptHeader(header, role), feedback, role)
	event, reason := e.runAndClassify(ctx, e.worker, activity.Worker, string(role), promptText)

	if event == state.EventSuccess {
		if summary := e.workerResultSummary(); summary != nil {
			e.ec.SetWorkerResult(&oneshotcontext.ResultRecord{Text: summary.Text})
		}
		if e.worker.ShouldCaptureGitCommit() {
			e.captureGitCommit()
		}
	}

	return e.transition(event, reason)
}

// promptHeader appends the oneshot id to the user-supplied header. The id
// is the correlation string agents echo into their own task storage, which
// Recover later keys on, so it must reach the prompt even when the user
// configured no header at all.
func (e *Engine) promptHeader(userHeader string, role executor.Role) string {
	if userHeader == "" {
		userHeader = "oneshot " + string(role)
	}
	return strings.TrimSpace(userHeader + " " + e.ec.OneshotID)
}

// stepAuditor builds the auditor's prompt from the worker's best result
// candidate in the activity log, runs the auditor, and classifies its
// verdict text into the next event.
func (e *Engine) stepAuditor(ctx context.Context) error {
	if err := e.transition(state.EventNext, "dispatching to the auditor"); err != nil {
		return err
	}

	summary := e.workerResultSummary()
	var workerResult, leading, trailing string
	if summary != nil {
		workerResult = summary.Text
		leading = joinEnvelopeText(summary.LeadingContext)
		trailing = joinEnvelopeText(summary.TrailingContext)
	}
	auditorContext := workerResult
	if leading != "" {
		auditorContext = leading + "\n" + auditorContext
	}
	if trailing != "" {
		auditorContext = auditorContext + "\n" + trailing
	}

	promptText := e.auditor.FormatPrompt(e.ec.Task, e.promptHeader(e.cfg.AuditorPromptHeader, executor.RoleAuditor), auditorContext, executor.RoleAuditor)
	event, reason := e.runAndClassifyAuditor(ctx, promptText)
	return e.transition(event, reason)
}

// stepRecover performs forensic recovery after a worker crash or
// inactivity kill and maps the verdict onto the matching state.Event.
func (e *Engine) stepRecover(ctx context.Context) error {
	res, err := e.worker.Recover(ctx, e.ec.OneshotID)
	if err != nil {
		return fmt.Errorf("engine: recovery failed: %w", err)
	}

	if len(res.RecoveredEvents) > 0 {
		// Recovered events are stamped to the recovery moment, strictly
		// after the last line already in the log, preserving the file's
		// ingress ordering. Events whose kind and text already appear in
		// the log are not appended again.
		existing, readErr := activity.ReadLog(e.log.Path(), e.logger)
		if readErr != nil {
			e.logger.Warn("engine: failed to read activity log before recovery append", slog.String("error", readErr.Error()))
		}
		logged := make(map[string]bool, len(existing))
		for _, env := range existing {
			logged[string(env.Data.Kind)+"\x00"+env.Data.HumanReadable()] = true
		}
		ts := time.Now().UnixMilli()
		if last := activity.LastTsMs(existing); ts <= last {
			ts = last + 1
		}
		for _, ev := range res.RecoveredEvents {
			if logged[string(ev.Kind)+"\x00"+ev.HumanReadable()] {
				continue
			}
			env := activity.Envelope{
				TsMs:         ts,
				ExecutorRole: activity.Worker,
				OneshotID:    e.ec.OneshotID,
				Data:         ev,
			}
			ts++
			if err := e.log.Append(env); err != nil {
				e.logger.Warn("engine: failed to append recovered event", slog.String("error", err.Error()))
			}
			if e.emit != nil {
				e.emit(env)
			}
		}
	}

	telemetry.RecoveryResultsTotal.WithLabelValues(e.worker.Name(), string(res.Verdict)).Inc()

	switch res.Verdict {
	case executor.ZombieSuccess:
		if n := len(res.RecoveredEvents); n > 0 {
			e.ec.SetWorkerResult(&oneshotcontext.ResultRecord{Text: res.RecoveredEvents[n-1].HumanReadable()})
		}
		return e.transition(state.EventZombieSuccess, "forensic recovery found a completed result")
	case executor.ZombiePartial:
		return e.transition(state.EventZombiePartial, "forensic recovery found partial progress")
	default:
		return e.transition(state.EventZombieDead, "forensic recovery found nothing usable")
	}
}

// runAndClassify launches ex, pumps its output through the pipeline, and
// maps the outcome onto the worker-side events: success, crash, inactivity,
// or interrupt.
func (e *Engine) runAndClassify(ctx context.Context, ex executor.Executor, role activity.Executor, roleLabel, promptText string) (state.Event, string) {
	launchStart := time.Now()
	stream, err := ex.Execute(ctx, promptText)
	if err != nil {
		telemetry.ExecutorLaunchesTotal.WithLabelValues(ex.Name(), "launch_error").Inc()
		return state.EventCrash, fmt.Sprintf("executor failed to launch: %v", err)
	}
	defer stream.Close()

	runErr := pipeline.Run(ctx, pipeline.Config{
		OneshotID:         e.ec.OneshotID,
		ExecutorRole:      role,
		InactivityTimeout: e.cfg.InactivityTimeout,
		Logger:            e.logger,
		ActivityLog:       e.log,
		Emit:              e.emit,
	}, ex, stream)

	telemetry.ExecutorRunDuration.WithLabelValues(ex.Name(), roleLabel).Observe(time.Since(launchStart).Seconds())

	switch {
	case errors.Is(runErr, pipeline.ErrInactivityTimeout):
		telemetry.InactivityTimeoutsTotal.WithLabelValues(roleLabel).Inc()
		telemetry.ExecutorLaunchesTotal.WithLabelValues(ex.Name(), "inactivity").Inc()
		return state.EventInactivity, "no activity before the inactivity timeout"
	case errors.Is(runErr, context.DeadlineExceeded):
		telemetry.ExecutorLaunchesTotal.WithLabelValues(ex.Name(), "max_timeout").Inc()
		return state.EventCrash, "max_timeout exceeded mid-run"
	case errors.Is(runErr, context.Canceled):
		telemetry.ExecutorLaunchesTotal.WithLabelValues(ex.Name(), "interrupted").Inc()
		return state.EventInterrupt, "user sent a cancellation signal"
	case runErr != nil:
		telemetry.ExecutorLaunchesTotal.WithLabelValues(ex.Name(), "crash").Inc()
		return state.EventCrash, fmt.Sprintf("executor exited abnormally: %v", runErr)
	default:
		telemetry.ExecutorLaunchesTotal.WithLabelValues(ex.Name(), "success").Inc()
		return state.EventSuccess, "stream completed cleanly"
	}
}

// runAndClassifyAuditor runs the auditor like runAndClassify, but on a
// clean stream additionally parses the auditor's completion text into a
// verdict rather than always reporting success.
func (e *Engine) runAndClassifyAuditor(ctx context.Context, promptText string) (state.Event, string) {
	launchStart := time.Now()
	stream, err := e.auditor.Execute(ctx, promptText)
	if err != nil {
		telemetry.ExecutorLaunchesTotal.WithLabelValues(e.auditor.Name(), "launch_error").Inc()
		return state.EventCrash, fmt.Sprintf("auditor failed to launch: %v", err)
	}
	defer stream.Close()

	var lastText string
	runErr := pipeline.Run(ctx, pipeline.Config{
		OneshotID:         e.ec.OneshotID,
		ExecutorRole:      activity.Auditor,
		InactivityTimeout: e.cfg.InactivityTimeout,
		Logger:            e.logger,
		ActivityLog:       e.log,
		Emit: func(env activity.Envelope) {
			if text := env.Data.HumanReadable(); text != "" {
				lastText = text
			}
			if e.emit != nil {
				e.emit(env)
			}
		},
	}, e.auditor, stream)

	telemetry.ExecutorRunDuration.WithLabelValues(e.auditor.Name(), "auditor").Observe(time.Since(launchStart).Seconds())

	switch {
	case errors.Is(runErr, pipeline.ErrInactivityTimeout):
		telemetry.InactivityTimeoutsTotal.WithLabelValues("auditor").Inc()
		return state.EventInactivity, "auditor produced no activity before the inactivity timeout"
	case errors.Is(runErr, context.DeadlineExceeded):
		return state.EventCrash, "max_timeout exceeded mid-audit"
	case errors.Is(runErr, context.Canceled):
		return state.EventInterrupt, "user sent a cancellation signal"
	case runErr != nil:
		return state.EventCrash, fmt.Sprintf("auditor exited abnormally: %v", runErr)
	}

	result := verdict.Parse(lastText)
	e.ec.SetAuditorResult(&oneshotcontext.ResultRecord{
		Text:    lastText,
		Verdict: string(result.Verdict),
		Advice:  result.Advice,
	})
	switch result.Verdict {
	case verdict.Done:
		return state.EventDone, "auditor accepted the result"
	case verdict.Impossible:
		return state.EventImpossible, "auditor declared the task impossible"
	default:
		// Retry and the Unknown fallback are both treated as a retry
		// request: an ambiguous auditor response should never silently
		// complete or reject a run.
		return state.EventRetry, "auditor requested a retry"
	}
}

// workerResultSummary extracts the worker's best completion candidate from
// the activity log, for use as the auditor's worker-result context.
func (e *Engine) workerResultSummary() *extractor.ResultSummary {
	envelopes, err := activity.ReadLog(e.log.Path(), e.logger)
	if err != nil {
		e.logger.Warn("engine: failed to read activity log for extraction", slog.String("error", err.Error()))
		return nil
	}
	return extractor.Extract(envelopes, extractor.DefaultScoreWeights, extractor.DefaultContextWindow)
}

// auditorAdvice returns the feedback block for the next reworker prompt:
// the advice the Verdict Parser pulled out of the auditor's own output if
// it found any, otherwise the trailing auditor envelopes from the log.
func (e *Engine) auditorAdvice() string {
	if r := e.ec.AuditorResult; r != nil && r.Advice != "" {
		return r.Advice
	}
	envelopes, err := activity.ReadLog(e.log.Path(), e.logger)
	if err != nil {
		e.logger.Warn("engine: failed to read activity log for advice", slog.String("error", err.Error()))
		return ""
	}

	var auditorEvents []activity.Event
	for _, env := range envelopes {
		if env.ExecutorRole == activity.Auditor {
			auditorEvents = append(auditorEvents, env.Data)
		}
	}
	return verdict.AdviceFromTrailing(auditorEvents, extractor.DefaultContextWindow*2)
}

// captureGitCommit records the working directory's HEAD SHA in context
// metadata after an executor whose ShouldCaptureGitCommit reports true.
func (e *Engine) captureGitCommit() {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = e.cfg.RepoDir
	out, err := cmd.Output()
	if err != nil {
		e.logger.Warn("engine: failed to capture git commit", slog.String("error", err.Error()))
		return
	}
	e.ec.Metadata["git_commit_sha"] = strings.TrimSpace(string(out))
}

func joinEnvelopeText(envs []activity.Envelope) string {
	var parts []string
	for _, env := range envs {
		if text := env.Data.HumanReadable(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}
