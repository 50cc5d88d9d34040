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
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/oneshot-run/oneshot/internal/oneshot/activity"
	"github.com/oneshot-run/oneshot/internal/oneshot/prompt"
)

// Gemini runs the gemini CLI, which persists a plain-text session log
// (one line per turn, prefixed "USER:"/"MODEL:") under its own checkpoint
// directory, keyed by the oneshot_id correlation header.
type Gemini struct {
	Bin           string
	CheckpointDir string // defaults to ~/.gemini/oneshot-checkpoints
	Model         string
	Logger        *slog.Logger
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Execute(ctx context.Context, promptText string) (StreamHandle, error) {
	argv := []string{g.Bin, "--stream"}
	if g.Model != "" {
		argv = append(argv, "--model", g.Model)
	}
	return startSubprocess(ctx, argv, nil, promptText, g.Logger)
}

func (g *Gemini) Translate(item RawItem) (activity.Event, bool) {
	if item.Object != nil {
		return translateClineStyle(item)
	}
	line := strings.TrimSpace(string(item.Bytes))
	if line == "" {
		return activity.Event{}, false
	}
	if strings.HasPrefix(line, "MODEL:") {
		return activity.Message("assistant", strings.TrimSpace(strings.TrimPrefix(line, "MODEL:"))), true
	}
	return activity.Preamble(line), true
}

func (g *Gemini) checkpointDir() string {
	if g.CheckpointDir != "" {
		return g.CheckpointDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gemini/oneshot-checkpoints"
	}
	return filepath.Join(home, ".gemini", "oneshot-checkpoints")
}

// Recover reads the checkpoint's session.log, classifying the final MODEL
// line: one containing the literal token DONE is ZombieSuccess, any other
// MODEL content is ZombiePartial, and a missing/empty log is ZombieDead.
func (g *Gemini) Recover(ctx context.Context, oneshotID string) (RecoveryResult, error) {
	path := filepath.Join(g.checkpointDir(), oneshotID, "session.log")
	f, err := os.Open(path)
	if err != nil {
		return RecoveryResult{Verdict: ZombieDead}, nil
	}
	defer f.Close()

	var lastModel string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "MODEL:") {
			lastModel = strings.TrimSpace(strings.TrimPrefix(line, "MODEL:"))
		}
	}

	if lastModel == "" {
		return RecoveryResult{Verdict: ZombieDead}, nil
	}
	if strings.Contains(strings.ToUpper(lastModel), "DONE") {
		return RecoveryResult{Verdict: ZombieSuccess, RecoveredEvents: []activity.Event{activity.CompletionResult(lastModel)}}, nil
	}
	return RecoveryResult{Verdict: ZombiePartial, RecoveredEvents: []activity.Event{activity.Message("assistant", lastModel)}}, nil
}

func (g *Gemini) ShouldCaptureGitCommit() bool { return true }

func (g *Gemini) SystemInstructions(role Role) string {
	if role == RoleAuditor {
		return "You are reviewing a change for correctness and completeness."
	}
	return "You are completing a coding task autonomously."
}

func (g *Gemini) FormatPrompt(task, header, context string, role Role) string {
	return prompt.Format(prompt.XML, prompt.Role(role), task, header, context)
}

func (g *Gemini) Dialect() Dialect { return DialectXML }

var _ Executor = (*Gemini)(nil)
