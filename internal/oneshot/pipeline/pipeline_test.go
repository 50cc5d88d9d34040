// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oneshot-run/oneshot/internal/oneshot/activity"
	"github.com/oneshot-run/oneshot/internal/oneshot/executor"
)

// stubExecutor satisfies executor.Executor with only Translate doing real
// work; the other methods are never exercised by Run.
type stubExecutor struct{}

func (stubExecutor) Name() string { return "stub" }
func (stubExecutor) Execute(ctx context.Context, prompt string) (executor.StreamHandle, error) {
	return nil, nil
}
func (stubExecutor) Translate(item executor.RawItem) (activity.Event, bool) {
	text, _ := item.Object["text"].(string)
	if text == "" {
		return activity.Event{}, false
	}
	return activity.Message("assistant", text), true
}
func (stubExecutor) Recover(ctx context.Context, oneshotID string) (executor.RecoveryResult, error) {
	return executor.RecoveryResult{Verdict: executor.ZombieDead}, nil
}
func (stubExecutor) ShouldCaptureGitCommit() bool                 { return false }
func (stubExecutor) SystemInstructions(role executor.Role) string { return "" }
func (stubExecutor) FormatPrompt(task, header, context string, role executor.Role) string {
	return ""
}
func (stubExecutor) Dialect() executor.Dialect { return executor.DialectXML }

var _ executor.Executor = stubExecutor{}

// fakeStream feeds a fixed sequence of items, then blocks (to simulate
// silence) or closes, depending on the test.
type fakeStream struct {
	items chan executor.RawItem
	err   error
}

func (s *fakeStream) Items() <-chan executor.RawItem { return s.items }
func (s *fakeStream) Err() error                     { return s.err }
func (s *fakeStream) Close() error                   { return nil }

func TestRun_EmitsTranslatedEventsAndClosesCleanly(t *testing.T) {
	items := make(chan executor.RawItem, 2)
	items <- executor.RawItem{Object: map[string]any{"text": "hello"}}
	items <- executor.RawItem{Object: map[string]any{"text": "world"}}
	close(items)

	var emitted []activity.Envelope
	cfg := Config{
		OneshotID:    "test-run",
		ExecutorRole: activity.Worker,
		Emit: func(e activity.Envelope) {
			emitted = append(emitted, e)
		},
	}

	err := Run(context.Background(), cfg, stubExecutor{}, &fakeStream{items: items})
	require.NoError(t, err)
	require.Len(t, emitted, 2)
	require.Equal(t, "hello", emitted[0].Data.Content)
	require.Equal(t, "world", emitted[1].Data.Content)
}

func TestRun_StreamErrorPropagates(t *testing.T) {
	items := make(chan executor.RawItem)
	close(items)
	wantErr := errors.New("boom")

	cfg := Config{OneshotID: "test-run", ExecutorRole: activity.Worker}
	err := Run(context.Background(), cfg, stubExecutor{}, &fakeStream{items: items, err: wantErr})
	require.ErrorIs(t, err, wantErr)
}

func TestRun_CleanStreamCloseStopsWatchdogPromptly(t *testing.T) {
	items := make(chan executor.RawItem, 1)
	items <- executor.RawItem{Object: map[string]any{"text": "hello"}}
	close(items)

	cfg := Config{
		OneshotID:         "test-run",
		ExecutorRole:      activity.Worker,
		InactivityTimeout: 30 * time.Second, // must not be waited out after a clean close
	}

	start := time.Now()
	err := Run(context.Background(), cfg, stubExecutor{}, &fakeStream{items: items})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_InactivityTimeoutWins(t *testing.T) {
	items := make(chan executor.RawItem) // never closed, never fed: pure silence

	cfg := Config{
		OneshotID:         "test-run",
		ExecutorRole:      activity.Worker,
		InactivityTimeout: 50 * time.Millisecond,
	}

	err := Run(context.Background(), cfg, stubExecutor{}, &fakeStream{items: items})
	require.ErrorIs(t, err, ErrInactivityTimeout)
}

func TestRun_ParentCancellationStopsRunWithoutActivityLog(t *testing.T) {
	items := make(chan executor.RawItem)
	ctx, cancel := context.WithCancel(context.Background())

	cfg := Config{OneshotID: "test-run", ExecutorRole: activity.Worker}

	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, stubExecutor{}, &fakeStream{items: items}) }()

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after parent cancellation")
	}
}
