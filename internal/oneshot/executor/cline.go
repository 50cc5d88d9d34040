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
	"log/slog"
	"os"
	"path/filepath"

	"github.com/oneshot-run/oneshot/internal/oneshot/activity"
	"github.com/oneshot-run/oneshot/internal/oneshot/prompt"
)

// Cline runs the cline CLI, which persists each task's conversation
// history as a JSON array of {"say"/"ask", "text"} messages under its own
// task directory, keyed by the oneshot_id correlation header this codebase
// always prepends to the prompt. That on-disk history is what Recover
// reads after a crash or inactivity kill.
type Cline struct {
	Bin      string
	TasksDir string // defaults to ~/.cline/tasks
	Model    string
	Logger   *slog.Logger
}

func (c *Cline) Name() string { return "cline" }

func (c *Cline) Execute(ctx context.Context, promptText string) (StreamHandle, error) {
	argv := []string{c.Bin, "run", "--output-format", "ndjson"}
	if c.Model != "" {
		argv = append(argv, "--model", c.Model)
	}
	return startSubprocess(ctx, argv, nil, promptText, c.Logger)
}

func (c *Cline) Translate(item RawItem) (activity.Event, bool) {
	return translateClineStyle(item)
}

func (c *Cline) tasksDir() string {
	if c.TasksDir != "" {
		return c.TasksDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cline/tasks"
	}
	return filepath.Join(home, ".cline", "tasks")
}

type clineHistoryMessage struct {
	Say  string `json:"say,omitempty"`
	Ask  string `json:"ask,omitempty"`
	Text string `json:"text"`
}

// Recover parses the task's ui_messages.json, translating the trailing
// messages into unified events: a final completion_result-shaped message
// is ZombieSuccess, any other trailing assistant content is ZombiePartial,
// and a missing or empty history is ZombieDead.
func (c *Cline) Recover(ctx context.Context, oneshotID string) (RecoveryResult, error) {
	path := filepath.Join(c.tasksDir(), oneshotID, "ui_messages.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return RecoveryResult{Verdict: ZombieDead}, nil
	}

	var messages []clineHistoryMessage
	if err := json.Unmarshal(data, &messages); err != nil || len(messages) == 0 {
		return RecoveryResult{Verdict: ZombieDead}, nil
	}

	trailing := messages
	if len(trailing) > recoveryWindow {
		trailing = trailing[len(trailing)-recoveryWindow:]
	}
	var events []activity.Event
	for _, m := range trailing {
		switch {
		case m.Say == "completion_result":
			events = append(events, activity.CompletionResult(m.Text))
		case m.Text != "":
			events = append(events, activity.Message("assistant", m.Text))
		}
	}
	if len(events) == 0 {
		return RecoveryResult{Verdict: ZombieDead}, nil
	}

	last := messages[len(messages)-1]
	if last.Say == "completion_result" {
		return RecoveryResult{Verdict: ZombieSuccess, RecoveredEvents: events}, nil
	}
	return RecoveryResult{Verdict: ZombiePartial, RecoveredEvents: events}, nil
}

func (c *Cline) ShouldCaptureGitCommit() bool { return true }

func (c *Cline) SystemInstructions(role Role) string {
	if role == RoleAuditor {
		return "You are reviewing a change for correctness and completeness."
	}
	return "You are completing a coding task autonomously."
}

// FormatPrompt uses the Markdown dialect: cline's own prompting has
// meaning for angle-bracket tags, so sections render as headers instead.
func (c *Cline) FormatPrompt(task, header, context string, role Role) string {
	return prompt.Format(prompt.Markdown, prompt.Role(role), task, header, context)
}

func (c *Cline) Dialect() Dialect { return DialectMarkdown }

var _ Executor = (*Cline)(nil)
