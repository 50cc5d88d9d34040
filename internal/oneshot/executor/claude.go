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

// Claude runs a Claude Code-style CLI, which emits the same
// {"say"/"ask", "text"} NDJSON shape as Cline on stdout and persists its
// per-task transcript under its own project directory, keyed by the
// oneshot_id correlation header.
type Claude struct {
	Bin           string
	TranscriptDir string // defaults to ~/.claude/oneshot-tasks
	Model         string
	Logger        *slog.Logger
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) Execute(ctx context.Context, promptText string) (StreamHandle, error) {
	argv := []string{c.Bin, "--print", "--output-format", "stream-json"}
	if c.Model != "" {
		argv = append(argv, "--model", c.Model)
	}
	return startSubprocess(ctx, argv, nil, promptText, c.Logger)
}

func (c *Claude) Translate(item RawItem) (activity.Event, bool) {
	return translateClineStyle(item)
}

func (c *Claude) transcriptDir() string {
	if c.TranscriptDir != "" {
		return c.TranscriptDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude/oneshot-tasks"
	}
	return filepath.Join(home, ".claude", "oneshot-tasks")
}

type claudeTranscriptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Done    bool   `json:"done,omitempty"`
}

// Recover parses the task's transcript.json, applying the same
// success/partial/dead classification as Cline but keyed on the Done flag
// Claude's own transcript format carries.
func (c *Claude) Recover(ctx context.Context, oneshotID string) (RecoveryResult, error) {
	path := filepath.Join(c.transcriptDir(), oneshotID, "transcript.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return RecoveryResult{Verdict: ZombieDead}, nil
	}

	var messages []claudeTranscriptMessage
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
		case m.Done:
			events = append(events, activity.CompletionResult(m.Content))
		case m.Content != "":
			events = append(events, activity.Message(m.Role, m.Content))
		}
	}
	if len(events) == 0 {
		return RecoveryResult{Verdict: ZombieDead}, nil
	}

	if messages[len(messages)-1].Done {
		return RecoveryResult{Verdict: ZombieSuccess, RecoveredEvents: events}, nil
	}
	return RecoveryResult{Verdict: ZombiePartial, RecoveredEvents: events}, nil
}

func (c *Claude) ShouldCaptureGitCommit() bool { return true }

func (c *Claude) SystemInstructions(role Role) string {
	if role == RoleAuditor {
		return "You are reviewing a change for correctness and completeness."
	}
	return "You are completing a coding task autonomously."
}

func (c *Claude) FormatPrompt(task, header, context string, role Role) string {
	return prompt.Format(prompt.XML, prompt.Role(role), task, header, context)
}

func (c *Claude) Dialect() Dialect { return DialectXML }

var _ Executor = (*Claude)(nil)
