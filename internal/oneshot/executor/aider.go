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
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/oneshot-run/oneshot/internal/oneshot/activity"
	"github.com/oneshot-run/oneshot/internal/oneshot/prompt"
)

// Aider runs the aider CLI, which leaves its own commit at the head of the
// working tree's git history rather than an on-disk transcript. Recovery
// therefore inspects the repository instead of a forensic log: if the
// commit message carries aider's own marker, the diff it introduced
// classifies the outcome.
type Aider struct {
	Bin     string
	RepoDir string
	Model   string
	Logger  *slog.Logger
	runGit  func(ctx context.Context, dir string, args ...string) ([]byte, error)
}

func (a *Aider) Name() string { return "aider" }

func (a *Aider) Execute(ctx context.Context, promptText string) (StreamHandle, error) {
	argv := []string{a.Bin, "--yes", "--no-pretty", "--message-file", "-"}
	if a.Model != "" {
		argv = append(argv, "--model", a.Model)
	}
	return startSubprocess(ctx, argv, nil, promptText, a.Logger)
}

func (a *Aider) Translate(item RawItem) (activity.Event, bool) {
	if item.Object != nil {
		return translateClineStyle(item)
	}
	line := strings.TrimSpace(string(item.Bytes))
	if line == "" {
		return activity.Event{}, false
	}
	return activity.Preamble(line), true
}

func (a *Aider) git(ctx context.Context, args ...string) ([]byte, error) {
	if a.runGit != nil {
		return a.runGit(ctx, a.RepoDir, args...)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = a.RepoDir
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// aiderCommitMarker is the prefix aider writes into its own commit
// messages ("aider: <summary>"), distinguishing its commits from any
// committed separately by the worker's own tool use.
const aiderCommitMarker = "aider:"

// Recover inspects HEAD: if its message carries the aider marker, the diff
// it introduced is parsed, and the result is ZombieSuccess when the working
// tree is otherwise clean and ZombiePartial when it is dirty, when
// `git status` fails, or when the diff is empty or does not parse. A
// non-aider HEAD, or a failure of `git log` or `git show`, reports
// ZombieDead since there is nothing to recover from.
func (a *Aider) Recover(ctx context.Context, oneshotID string) (RecoveryResult, error) {
	subject, err := a.git(ctx, "log", "-1", "--pretty=%s")
	if err != nil {
		return RecoveryResult{Verdict: ZombieDead}, nil
	}
	if !strings.HasPrefix(strings.TrimSpace(string(subject)), aiderCommitMarker) {
		return RecoveryResult{Verdict: ZombieDead}, nil
	}

	diffText, err := a.git(ctx, "show", "--format=", "HEAD")
	if err != nil {
		return RecoveryResult{Verdict: ZombieDead}, nil
	}

	fileDiffs, err := godiff.ParseMultiFileDiff(diffText)
	if err != nil || len(fileDiffs) == 0 {
		return RecoveryResult{Verdict: ZombiePartial}, nil
	}

	statusClean, err := a.git(ctx, "status", "--porcelain")
	summary := strings.TrimSpace(string(subject))
	if err == nil && len(bytes.TrimSpace(statusClean)) == 0 {
		return RecoveryResult{Verdict: ZombieSuccess, RecoveredEvents: []activity.Event{activity.CompletionResult(summary)}}, nil
	}

	return RecoveryResult{Verdict: ZombiePartial, RecoveredEvents: []activity.Event{activity.Message("assistant", summary)}}, nil
}

func (a *Aider) ShouldCaptureGitCommit() bool { return true }

func (a *Aider) SystemInstructions(role Role) string {
	if role == RoleAuditor {
		return "You are reviewing a change for correctness and completeness."
	}
	return "You are completing a coding task autonomously."
}

func (a *Aider) FormatPrompt(task, header, context string, role Role) string {
	return prompt.Format(prompt.Markdown, prompt.Role(role), task, header, context)
}

func (a *Aider) Dialect() Dialect { return DialectMarkdown }

var _ Executor = (*Aider)(nil)
