// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTranslateClineStyle_CompletionResult(t *testing.T) {
	ev, ok := translateClineStyle(RawItem{Object: map[string]any{"say": "completion_result", "text": "done"}})
	require.True(t, ok)
	require.Equal(t, "done", ev.Text)
}

func TestTranslateClineStyle_AskCommand(t *testing.T) {
	ev, ok := translateClineStyle(RawItem{Object: map[string]any{"ask": "command", "text": "ls -la"}})
	require.True(t, ok)
	require.Equal(t, "command", ev.Tool)
	require.Equal(t, "ls -la", ev.Command)
}

func TestTranslateClineStyle_RawBytesFallback(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"say": "reasoning", "text": "thinking..."})
	ev, ok := translateClineStyle(RawItem{Bytes: raw})
	require.True(t, ok)
	require.Equal(t, "thinking...", ev.Text)
}

func TestDirect_RecoverAlwaysZombieDead(t *testing.T) {
	d := &Direct{Bin: "echo"}
	res, err := d.Recover(context.Background(), "any-id")
	require.NoError(t, err)
	require.Equal(t, ZombieDead, res.Verdict)
	require.False(t, d.ShouldCaptureGitCommit())
}

func TestCline_Recover_CompletionResultIsZombieSuccess(t *testing.T) {
	dir := t.TempDir()
	oneshotID := "20260730_120000_abcd1234"
	taskDir := filepath.Join(dir, oneshotID)
	require.NoError(t, os.MkdirAll(taskDir, 0o750))

	history := []clineHistoryMessage{
		{Say: "message", Text: "working on it"},
		{Say: "completion_result", Text: "all tests pass"},
	}
	data, err := json.Marshal(history)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(taskDir, "ui_messages.json"), data, 0o640))

	c := &Cline{TasksDir: dir}
	res, err := c.Recover(context.Background(), oneshotID)
	require.NoError(t, err)
	require.Equal(t, ZombieSuccess, res.Verdict)
	require.Len(t, res.RecoveredEvents, 2)
	require.Equal(t, "working on it", res.RecoveredEvents[0].Content)
	require.Equal(t, "all tests pass", res.RecoveredEvents[1].Text)
}

func TestCline_Recover_PartialAssistantMessageIsZombiePartial(t *testing.T) {
	dir := t.TempDir()
	oneshotID := "partial-run"
	taskDir := filepath.Join(dir, oneshotID)
	require.NoError(t, os.MkdirAll(taskDir, 0o750))

	history := []clineHistoryMessage{{Say: "message", Text: "halfway through"}}
	data, err := json.Marshal(history)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(taskDir, "ui_messages.json"), data, 0o640))

	c := &Cline{TasksDir: dir}
	res, err := c.Recover(context.Background(), oneshotID)
	require.NoError(t, err)
	require.Equal(t, ZombiePartial, res.Verdict)
}

func TestCline_Recover_MissingHistoryIsZombieDead(t *testing.T) {
	c := &Cline{TasksDir: t.TempDir()}
	res, err := c.Recover(context.Background(), "never-existed")
	require.NoError(t, err)
	require.Equal(t, ZombieDead, res.Verdict)
}

func TestClaude_Recover_DoneFlagIsZombieSuccess(t *testing.T) {
	dir := t.TempDir()
	oneshotID := "claude-run"
	taskDir := filepath.Join(dir, oneshotID)
	require.NoError(t, os.MkdirAll(taskDir, 0o750))

	messages := []claudeTranscriptMessage{
		{Role: "assistant", Content: "working"},
		{Role: "assistant", Content: "finished the task", Done: true},
	}
	data, err := json.Marshal(messages)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(taskDir, "transcript.json"), data, 0o640))

	c := &Claude{TranscriptDir: dir}
	res, err := c.Recover(context.Background(), oneshotID)
	require.NoError(t, err)
	require.Equal(t, ZombieSuccess, res.Verdict)
}

func TestGemini_Recover_DoneTokenIsZombieSuccess(t *testing.T) {
	dir := t.TempDir()
	oneshotID := "gemini-run"
	cpDir := filepath.Join(dir, oneshotID)
	require.NoError(t, os.MkdirAll(cpDir, 0o750))
	log := "USER: do the thing\nMODEL: working on it\nMODEL: DONE: all tests pass\n"
	require.NoError(t, os.WriteFile(filepath.Join(cpDir, "session.log"), []byte(log), 0o640))

	g := &Gemini{CheckpointDir: dir}
	res, err := g.Recover(context.Background(), oneshotID)
	require.NoError(t, err)
	require.Equal(t, ZombieSuccess, res.Verdict)
}

func TestGemini_Recover_NoModelLinesIsZombieDead(t *testing.T) {
	dir := t.TempDir()
	oneshotID := "gemini-empty"
	cpDir := filepath.Join(dir, oneshotID)
	require.NoError(t, os.MkdirAll(cpDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(cpDir, "session.log"), []byte("USER: hello\n"), 0o640))

	g := &Gemini{CheckpointDir: dir}
	res, err := g.Recover(context.Background(), oneshotID)
	require.NoError(t, err)
	require.Equal(t, ZombieDead, res.Verdict)
}

func TestAider_Recover_NonAiderHeadIsZombieDead(t *testing.T) {
	a := &Aider{
		runGit: func(ctx context.Context, dir string, args ...string) ([]byte, error) {
			return []byte("manual commit by the worker\n"), nil
		},
	}
	res, err := a.Recover(context.Background(), "whatever")
	require.NoError(t, err)
	require.Equal(t, ZombieDead, res.Verdict)
}

func TestAider_Recover_CleanTreeIsZombieSuccess(t *testing.T) {
	call := 0
	a := &Aider{
		runGit: func(ctx context.Context, dir string, args ...string) ([]byte, error) {
			call++
			switch args[0] {
			case "log":
				return []byte("aider: fix the failing test\n"), nil
			case "show":
				return []byte("--- a/x.go\n+++ b/x.go\n@@ -1,1 +1,1 @@\n-old\n+new\n"), nil
			case "status":
				return []byte(""), nil
			}
			return nil, nil
		},
	}
	res, err := a.Recover(context.Background(), "whatever")
	require.NoError(t, err)
	require.Equal(t, ZombieSuccess, res.Verdict)
}

func TestAider_Recover_DirtyTreeIsZombiePartial(t *testing.T) {
	a := &Aider{
		runGit: func(ctx context.Context, dir string, args ...string) ([]byte, error) {
			switch args[0] {
			case "log":
				return []byte("aider: partial fix\n"), nil
			case "show":
				return []byte("--- a/x.go\n+++ b/x.go\n@@ -1,1 +1,1 @@\n-old\n+new\n"), nil
			case "status":
				return []byte(" M x.go\n"), nil
			}
			return nil, nil
		},
	}
	res, err := a.Recover(context.Background(), "whatever")
	require.NoError(t, err)
	require.Equal(t, ZombiePartial, res.Verdict)
}

func TestOllama_Recover_AlwaysZombieDead(t *testing.T) {
	o := &Ollama{Model: "llama3"}
	res, err := o.Recover(context.Background(), "whatever")
	require.NoError(t, err)
	require.Equal(t, ZombieDead, res.Verdict)
	require.False(t, o.ShouldCaptureGitCommit())
}

func TestOllama_Translate_CompletionResult(t *testing.T) {
	o := &Ollama{}
	ev, ok := o.Translate(RawItem{Object: map[string]any{"kind": "completion_result", "text": "the answer"}})
	require.True(t, ok)
	require.Equal(t, "the answer", ev.Text)
}

func TestOllama_Translate_UnknownKindIsNotOK(t *testing.T) {
	o := &Ollama{}
	_, ok := o.Translate(RawItem{Object: map[string]any{"kind": "mystery"}})
	require.False(t, ok)
}
