// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor implements the agent-adapter layer: one Executor per
// supported CLI or HTTP-based coding agent. Every variant translates its
// own native output into the shared activity.Event vocabulary so the rest
// of the engine never branches on which agent is running.
package executor

import (
	"context"

	"github.com/oneshot-run/oneshot/internal/oneshot/activity"
)

// Role identifies which turn of a oneshot session an executor is running,
// mirroring prompt.Role so FormatPrompt implementations can cast directly.
type Role string

const (
	RoleWorker   Role = "worker"
	RoleReworker Role = "reworker"
	RoleAuditor  Role = "auditor"
)

// Dialect selects the prompt formatting an executor expects.
type Dialect string

const (
	DialectXML      Dialect = "xml"
	DialectMarkdown Dialect = "markdown"
)

// RawItem is one unit of output pulled off an executor's stream before
// translation: either raw bytes (subprocess executors) or an already
// decoded object (HTTP executors that parse their own JSON responses).
type RawItem struct {
	Bytes  []byte
	Object map[string]any
}

// StreamHandle is the scoped resource execute returns: Items yields raw
// output as it arrives; Close MUST terminate the underlying agent
// (subprocess or in-flight request) even if the caller abandons the
// stream early, so an aborted run never leaks a process.
type StreamHandle interface {
	Items() <-chan RawItem
	// Err returns the terminal error observed on the stream, if any, once
	// the Items channel has closed. nil means a clean exit.
	Err() error
	// Close terminates the agent: graceful signal, then force-kill after
	// a bounded grace period. Idempotent.
	Close() error
}

// RecoveryResult is the outcome of forensic recovery after a crash or
// inactivity-triggered kill. RecoveredEvents holds the trailing activity
// pulled out of the agent's own on-disk state, oldest first; the engine
// appends those whose kind and text the session log does not already have.
type RecoveryResult struct {
	Verdict         RecoveryVerdict
	RecoveredEvents []activity.Event
}

// recoveryWindow bounds how many trailing messages Recover implementations
// translate out of an agent's own history.
const recoveryWindow = 3

// RecoveryVerdict classifies what forensic recovery found.
type RecoveryVerdict string

const (
	ZombieSuccess RecoveryVerdict = "zombie_success"
	ZombiePartial RecoveryVerdict = "zombie_partial"
	ZombieDead    RecoveryVerdict = "zombie_dead"
)

// Executor is the agent-adapter contract every variant implements.
type Executor interface {
	// Name identifies this executor for logging, metrics, and
	// should_capture_git_commit-style decisions.
	Name() string

	// Execute starts the agent for prompt and returns a StreamHandle.
	// Callers must call Close even on success.
	Execute(ctx context.Context, prompt string) (StreamHandle, error)

	// Translate maps one RawItem to a unified activity.Event. ok is false
	// when item carries no translatable content (e.g. stray preamble
	// bytes already stripped upstream).
	Translate(item RawItem) (ev activity.Event, ok bool)

	// Recover performs executor-specific forensic analysis after a crash
	// or inactivity kill, keyed by oneshotID.
	Recover(ctx context.Context, oneshotID string) (RecoveryResult, error)

	// ShouldCaptureGitCommit reports whether session metadata should
	// record the working directory's HEAD SHA after this executor runs.
	ShouldCaptureGitCommit() bool

	// SystemInstructions returns the system/preamble text for role.
	SystemInstructions(role Role) string

	// FormatPrompt renders the full prompt text for a worker/auditor/
	// reworker turn, in this executor's Dialect.
	FormatPrompt(task, header, context string, role Role) string

	// Dialect reports which prompt dialect FormatPrompt uses.
	Dialect() Dialect
}
