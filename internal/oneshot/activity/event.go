// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package activity defines the unified, executor-agnostic event schema
// every agent's native output is translated into, and the NDJSON envelope
// that wraps each event on its way into the durable activity log.
package activity

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates the variants of a unified activity event.
type EventKind string

const (
	KindPreamble            EventKind = "preamble"
	KindThought             EventKind = "thought"
	KindMessage             EventKind = "message"
	KindToolUse             EventKind = "tool_use"
	KindToolOutput          EventKind = "tool_output"
	KindAPIRequestStarted   EventKind = "api_request_started"
	KindAPIResponseReceived EventKind = "api_response_received"
	KindCompletionResult    EventKind = "completion_result"
	KindError               EventKind = "error"
)

// Event is a tagged union of agent activity. Only the fields
// relevant to Kind are populated; the rest are zero values. A discriminated
// struct (rather than an interface) keeps JSON round-tripping trivial:
// one struct, optional fields, a Kind discriminator.
type Event struct {
	Kind EventKind `json:"kind"`

	// preamble / thought
	Text string `json:"text,omitempty"`

	// message
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// tool_use
	Tool    string `json:"tool,omitempty"`
	Command string `json:"command,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// tool_output
	ToolContent string `json:"tool_content,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`

	// api_request_started
	Model        string `json:"model,omitempty"`
	PromptLength int    `json:"prompt_length,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`

	// api_response_received
	ContentLength int   `json:"content_length,omitempty"`
	DurationMs    int64 `json:"duration_ms,omitempty"`

	// completion_result reuses Text.

	// error
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Preamble builds an unstructured-preamble event.
func Preamble(text string) Event { return Event{Kind: KindPreamble, Text: text} }

// Thought builds a model-internal-reasoning event.
func Thought(text string) Event { return Event{Kind: KindThought, Text: text} }

// Message builds a chat message event. role must be one of
// "assistant", "user", "system".
func Message(role, content string) Event {
	return Event{Kind: KindMessage, Role: role, Content: content}
}

// ToolUse builds a tool-invocation event.
func ToolUse(tool, command, reason string) Event {
	return Event{Kind: KindToolUse, Tool: tool, Command: command, Reason: reason}
}

// ToolOutput builds a tool-result event. exitCode is nil when the
// underlying tool has no process exit status (e.g. a built-in action).
func ToolOutput(tool, content string, exitCode *int) Event {
	return Event{Kind: KindToolOutput, Tool: tool, ToolContent: content, ExitCode: exitCode}
}

// APIRequestStarted builds a synthetic egress event for HTTP executors.
func APIRequestStarted(model string, promptLength int, endpoint string) Event {
	return Event{Kind: KindAPIRequestStarted, Model: model, PromptLength: promptLength, Endpoint: endpoint}
}

// APIResponseReceived builds a synthetic ingress event for HTTP executors.
func APIResponseReceived(contentLength int, durationMs int64) Event {
	return Event{Kind: KindAPIResponseReceived, ContentLength: contentLength, DurationMs: durationMs}
}

// CompletionResult builds the agent's final-answer event — the score anchor
// for the Result Extractor.
func CompletionResult(text string) Event { return Event{Kind: KindCompletionResult, Text: text} }

// Error builds an agent-reported-failure event.
func Error(kind, message string) Event {
	return Event{Kind: KindError, ErrorKind: kind, ErrorMessage: message}
}

// HumanReadable concatenates the fields of e that a human (and the Result
// Extractor's scoring pass) would read as the event's textual content.
func (e Event) HumanReadable() string {
	switch e.Kind {
	case KindPreamble, KindThought, KindCompletionResult:
		return e.Text
	case KindMessage:
		return e.Content
	case KindToolUse:
		return fmt.Sprintf("%s %s (%s)", e.Tool, e.Command, e.Reason)
	case KindToolOutput:
		return e.ToolContent
	case KindAPIRequestStarted:
		return fmt.Sprintf("request to %s model=%s", e.Endpoint, e.Model)
	case KindAPIResponseReceived:
		return fmt.Sprintf("response %d bytes in %dms", e.ContentLength, e.DurationMs)
	case KindError:
		return fmt.Sprintf("%s: %s", e.ErrorKind, e.ErrorMessage)
	default:
		return ""
	}
}

// Validate reports whether e is JSON-serializable and carries a known Kind.
// The NDJSON logger calls this before appending a line; malformed events
// are discarded rather than rewritten.
func (e Event) Validate() error {
	switch e.Kind {
	case KindPreamble, KindThought, KindMessage, KindToolUse, KindToolOutput,
		KindAPIRequestStarted, KindAPIResponseReceived, KindCompletionResult, KindError:
	default:
		return fmt.Errorf("activity: unknown event kind %q", e.Kind)
	}
	if _, err := json.Marshal(e); err != nil {
		return fmt.Errorf("activity: event not JSON-serializable: %w", err)
	}
	return nil
}
