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
	"log/slog"

	"github.com/oneshot-run/oneshot/internal/oneshot/activity"
	"github.com/oneshot-run/oneshot/internal/oneshot/prompt"
)

// Direct runs an arbitrary CLI binary with no forensic recovery path: a
// crash or inactivity kill always produces ZombieDead. It is the fallback
// variant for agent tools this codebase has no special-cased integration
// for.
type Direct struct {
	Bin    string
	Args   []string
	Logger *slog.Logger
}

func (d *Direct) Name() string { return "direct:" + d.Bin }

func (d *Direct) Execute(ctx context.Context, promptText string) (StreamHandle, error) {
	argv := append([]string{d.Bin}, d.Args...)
	return startSubprocess(ctx, argv, nil, promptText, d.Logger)
}

func (d *Direct) Translate(item RawItem) (activity.Event, bool) {
	if item.Object != nil {
		return translateClineStyle(item)
	}
	if len(item.Bytes) == 0 {
		return activity.Event{}, false
	}
	return activity.Message("assistant", string(item.Bytes)), true
}

func (d *Direct) Recover(ctx context.Context, oneshotID string) (RecoveryResult, error) {
	return RecoveryResult{Verdict: ZombieDead}, nil
}

func (d *Direct) ShouldCaptureGitCommit() bool { return false }

func (d *Direct) SystemInstructions(role Role) string { return "" }

func (d *Direct) FormatPrompt(task, header, context string, role Role) string {
	return prompt.Format(prompt.XML, prompt.Role(role), task, header, context)
}

func (d *Direct) Dialect() Dialect { return DialectXML }

var _ Executor = (*Direct)(nil)
