// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oneshot-run/oneshot/internal/oneshot/activity"
	oneshotcontext "github.com/oneshot-run/oneshot/internal/oneshot/context"
	"github.com/oneshot-run/oneshot/internal/oneshot/executor"
)

// scriptedStream replays a fixed sequence of texts as completion_result
// items, then closes with a canned terminal error (nil on success).
type scriptedStream struct {
	items chan executor.RawItem
	err   error
}

func (s *scriptedStream) Items() <-chan executor.RawItem { return s.items }
func (s *scriptedStream) Err() error                     { return s.err }
func (s *scriptedStream) Close() error                   { return nil }

func newScriptedStream(texts []string, err error) *scriptedStream {
	items := make(chan executor.RawItem, len(texts))
	for _, t := range texts {
		items <- executor.RawItem{Object: map[string]any{"text": t}}
	}
	close(items)
	return &scriptedStream{items: items, err: err}
}

// scriptedExecutor hands back one scripted run per call to Execute, in
// order; it exhausts its runs list by returning the last one repeatedly if
// Execute is called more times than scripted.
type scriptedExecutor struct {
	name     string
	runs     []func() (executor.StreamHandle, error)
	calls    int
	recover  executor.RecoveryResult
	onPrompt func(prompt string, role executor.Role)
}

func (s *scriptedExecutor) Name() string { return s.name }

func (s *scriptedExecutor) Execute(ctx context.Context, prompt string) (executor.StreamHandle, error) {
	idx := s.calls
	if idx >= len(s.runs) {
		idx = len(s.runs) - 1
	}
	s.calls++
	return s.runs[idx]()
}

func (s *scriptedExecutor) Translate(item executor.RawItem) (activity.Event, bool) {
	text, _ := item.Object["text"].(string)
	if text == "" {
		return activity.Event{}, false
	}
	return activity.CompletionResult(text), true
}

func (s *scriptedExecutor) Recover(ctx context.Context, oneshotID string) (executor.RecoveryResult, error) {
	return s.recover, nil
}

func (s *scriptedExecutor) ShouldCaptureGitCommit() bool                 { return false }
func (s *scriptedExecutor) SystemInstructions(role executor.Role) string { return "" }
func (s *scriptedExecutor) FormatPrompt(task, header, ctx string, role executor.Role) string {
	prompt := task + "|" + header + "|" + ctx + "|" + string(role)
	if s.onPrompt != nil {
		s.onPrompt(prompt, role)
	}
	return prompt
}
func (s *scriptedExecutor) Dialect() executor.Dialect { return executor.DialectXML }

var _ executor.Executor = (*scriptedExecutor)(nil)

func newContext(t *testing.T, maxIterations int) (*oneshotcontext.ExecutionContext, Config) {
	t.Helper()
	dir := t.TempDir()
	ec := oneshotcontext.New("session-1", "do the thing", "worker-exec", "auditor-exec", maxIterations)
	cfg := Config{
		SessionDir:          dir,
		WorkerPromptHeader:  "WORKER",
		AuditorPromptHeader: "AUDITOR",
	}
	return ec, cfg
}

func TestRun_WorkerSuccessThenAuditorDoneCompletes(t *testing.T) {
	ec, cfg := newContext(t, 5)

	worker := &scriptedExecutor{
		name: "worker",
		runs: []func() (executor.StreamHandle, error){
			func() (executor.StreamHandle, error) {
				return newScriptedStream([]string{"finished the task"}, nil), nil
			},
		},
	}
	auditor := &scriptedExecutor{
		name: "auditor",
		runs: []func() (executor.StreamHandle, error){
			func() (executor.StreamHandle, error) { return newScriptedStream([]string{"DONE"}, nil), nil },
		},
	}

	e := New(cfg, worker, auditor, ec, nil, nil)
	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "COMPLETED", string(result.FinalState))
	require.Equal(t, 1, result.Iterations)
}

func TestRun_AuditorRetryDispatchesReworkerThenCompletes(t *testing.T) {
	ec, cfg := newContext(t, 5)

	worker := &scriptedExecutor{
		name: "worker",
		runs: []func() (executor.StreamHandle, error){
			func() (executor.StreamHandle, error) { return newScriptedStream([]string{"first attempt"}, nil), nil },
			func() (executor.StreamHandle, error) {
				return newScriptedStream([]string{"reworked attempt"}, nil), nil
			},
		},
	}
	auditor := &scriptedExecutor{
		name: "auditor",
		runs: []func() (executor.StreamHandle, error){
			func() (executor.StreamHandle, error) {
				return newScriptedStream([]string{"RETRY please fix X"}, nil), nil
			},
			func() (executor.StreamHandle, error) { return newScriptedStream([]string{"DONE"}, nil), nil },
		},
	}

	e := New(cfg, worker, auditor, ec, nil, nil)
	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "COMPLETED", string(result.FinalState))
	require.Equal(t, 2, worker.calls)
	require.Equal(t, 2, auditor.calls)
	require.Equal(t, 2, result.Iterations)
}

func TestRun_MaxIterationsReachesFailed(t *testing.T) {
	ec, cfg := newContext(t, 1)

	worker := &scriptedExecutor{
		name: "worker",
		runs: []func() (executor.StreamHandle, error){
			func() (executor.StreamHandle, error) { return newScriptedStream([]string{"first attempt"}, nil), nil },
		},
	}
	auditor := &scriptedExecutor{
		name: "auditor",
		runs: []func() (executor.StreamHandle, error){
			func() (executor.StreamHandle, error) {
				return newScriptedStream([]string{"RETRY not good enough"}, nil), nil
			},
		},
	}

	e := New(cfg, worker, auditor, ec, nil, nil)
	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "FAILED", string(result.FinalState))
	require.Equal(t, 1, worker.calls)
}

func TestRun_WorkerCrashTriggersRecoveryToFailed(t *testing.T) {
	ec, cfg := newContext(t, 5)

	worker := &scriptedExecutor{
		name: "worker",
		runs: []func() (executor.StreamHandle, error){
			func() (executor.StreamHandle, error) { return nil, errors.New("subprocess failed to launch") },
		},
		recover: executor.RecoveryResult{Verdict: executor.ZombieDead},
	}
	auditor := &scriptedExecutor{name: "auditor"}

	e := New(cfg, worker, auditor, ec, nil, nil)
	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "FAILED", string(result.FinalState))
}

func TestRun_WorkerCrashWithZombieSuccessReachesAuditor(t *testing.T) {
	ec, cfg := newContext(t, 5)

	recoveredEvent := activity.CompletionResult("recovered result")
	worker := &scriptedExecutor{
		name: "worker",
		runs: []func() (executor.StreamHandle, error){
			func() (executor.StreamHandle, error) { return nil, errors.New("subprocess crashed") },
		},
		recover: executor.RecoveryResult{Verdict: executor.ZombieSuccess, RecoveredEvents: []activity.Event{recoveredEvent}},
	}
	auditor := &scriptedExecutor{
		name: "auditor",
		runs: []func() (executor.StreamHandle, error){
			func() (executor.StreamHandle, error) { return newScriptedStream([]string{"DONE"}, nil), nil },
		},
	}

	e := New(cfg, worker, auditor, ec, nil, nil)
	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "COMPLETED", string(result.FinalState))
}

func TestRun_ParentCancellationInterrupts(t *testing.T) {
	ec, cfg := newContext(t, 5)

	worker := &scriptedExecutor{name: "worker"}
	auditor := &scriptedExecutor{name: "auditor"}

	e := New(cfg, worker, auditor, ec, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := e.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, "INTERRUPTED", string(result.FinalState))

	// Run never reached a scripted executor call.
	require.Equal(t, 0, worker.calls)
}

func TestRun_AuditorImpossibleRejects(t *testing.T) {
	ec, cfg := newContext(t, 5)

	worker := &scriptedExecutor{
		name: "worker",
		runs: []func() (executor.StreamHandle, error){
			func() (executor.StreamHandle, error) { return newScriptedStream([]string{"attempt"}, nil), nil },
		},
	}
	auditor := &scriptedExecutor{
		name: "auditor",
		runs: []func() (executor.StreamHandle, error){
			func() (executor.StreamHandle, error) {
				return newScriptedStream([]string{"IMPOSSIBLE, cannot be done"}, nil), nil
			},
		},
	}

	e := New(cfg, worker, auditor, ec, nil, nil)
	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "REJECTED", string(result.FinalState))
}

func TestRun_MaxTimeoutFailsStalledWorkerThroughRecovery(t *testing.T) {
	ec, cfg := newContext(t, 5)
	cfg.MaxTimeout = 50 * time.Millisecond

	worker := &scriptedExecutor{
		name: "worker",
		runs: []func() (executor.StreamHandle, error){
			func() (executor.StreamHandle, error) {
				return &scriptedStream{items: make(chan executor.RawItem)}, nil // blocks past the deadline
			},
		},
		recover: executor.RecoveryResult{Verdict: executor.ZombieDead},
	}
	auditor := &scriptedExecutor{name: "auditor"}

	e := New(cfg, worker, auditor, ec, nil, nil)
	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "FAILED", string(result.FinalState))
}

func TestRun_ReworkerPromptCarriesAuditorAdvice(t *testing.T) {
	ec, cfg := newContext(t, 5)

	var reworkerPrompt string
	worker := &scriptedExecutor{
		name: "worker",
		runs: []func() (executor.StreamHandle, error){
			func() (executor.StreamHandle, error) { return newScriptedStream([]string{"first attempt"}, nil), nil },
			func() (executor.StreamHandle, error) { return newScriptedStream([]string{"better attempt"}, nil), nil },
		},
	}
	worker.onPrompt = func(prompt string, role executor.Role) {
		if role == executor.RoleReworker {
			reworkerPrompt = prompt
		}
	}
	auditor := &scriptedExecutor{
		name: "auditor",
		runs: []func() (executor.StreamHandle, error){
			func() (executor.StreamHandle, error) {
				return newScriptedStream([]string{`{"verdict": "RETRY", "advice": "include units"}`}, nil), nil
			},
			func() (executor.StreamHandle, error) { return newScriptedStream([]string{"DONE"}, nil), nil },
		},
	}

	e := New(cfg, worker, auditor, ec, nil, nil)
	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "COMPLETED", string(result.FinalState))
	require.Contains(t, reworkerPrompt, "include units")
}

func TestRun_InactivityTimeoutTriggersRecovery(t *testing.T) {
	ec, cfg := newContext(t, 5)
	cfg.InactivityTimeout = 30 * time.Millisecond

	worker := &scriptedExecutor{
		name: "worker",
		runs: []func() (executor.StreamHandle, error){
			func() (executor.StreamHandle, error) {
				return &scriptedStream{items: make(chan executor.RawItem)}, nil // never closed, never fed
			},
		},
		recover: executor.RecoveryResult{Verdict: executor.ZombieDead},
	}
	auditor := &scriptedExecutor{name: "auditor"}

	e := New(cfg, worker, auditor, ec, nil, nil)
	result, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "FAILED", string(result.FinalState))
}
