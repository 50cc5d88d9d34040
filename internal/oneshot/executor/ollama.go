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
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/oneshot-run/oneshot/internal/oneshot/activity"
	"github.com/oneshot-run/oneshot/internal/oneshot/prompt"
)

// Ollama talks to an OpenAI-compatible chat-completions endpoint over
// HTTP rather than launching a subprocess, pointed at a configurable base
// URL (Ollama's own /v1 surface by default). It is stateless between
// calls: a crash or inactivity kill always produces ZombieDead, since
// there is no on-disk forensic trail to recover from.
type Ollama struct {
	BaseURL string
	APIKey  string
	Model   string
	Logger  *slog.Logger

	client *openai.Client
}

func (o *Ollama) Name() string { return "ollama:" + o.Model }

func (o *Ollama) ensureClient() *openai.Client {
	if o.client != nil {
		return o.client
	}
	cfg := openai.DefaultConfig(o.APIKey)
	if o.BaseURL != "" {
		cfg.BaseURL = o.BaseURL
	}
	o.client = openai.NewClientWithConfig(cfg)
	return o.client
}

// ollamaStream is a StreamHandle over a single synchronous chat-completion
// call: there is no incremental process output to pump, so Execute
// performs the full round trip up front and hands the result items back
// through the usual channel-based interface the pipeline expects.
type ollamaStream struct {
	items chan RawItem
	err   error
}

func (s *ollamaStream) Items() <-chan RawItem { return s.items }
func (s *ollamaStream) Err() error            { return s.err }
func (s *ollamaStream) Close() error          { return nil }

func (o *Ollama) Execute(ctx context.Context, promptText string) (StreamHandle, error) {
	client := o.ensureClient()
	items := make(chan RawItem, 3)
	stream := &ollamaStream{items: items}

	model := o.Model
	if model == "" {
		model = "llama3"
	}

	items <- RawItem{Object: map[string]any{
		"kind":   "api_request_started",
		"model":  model,
		"length": len(promptText),
		"base":   o.BaseURL,
	}}

	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: promptText},
		},
	})
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		stream.err = fmt.Errorf("ollama: chat completion request failed: %w", err)
		close(items)
		return stream, nil
	}

	if len(resp.Choices) == 0 {
		stream.err = fmt.Errorf("ollama: response carried no choices")
		close(items)
		return stream, nil
	}

	content := resp.Choices[0].Message.Content
	items <- RawItem{Object: map[string]any{
		"kind":        "api_response_received",
		"length":      len(content),
		"duration_ms": elapsed,
	}}
	items <- RawItem{Object: map[string]any{
		"kind": "completion_result",
		"text": content,
	}}
	close(items)
	return stream, nil
}

func (o *Ollama) Translate(item RawItem) (activity.Event, bool) {
	if item.Object == nil {
		return activity.Event{}, false
	}
	kind, _ := item.Object["kind"].(string)
	switch kind {
	case "api_request_started":
		model, _ := item.Object["model"].(string)
		length, _ := item.Object["length"].(int)
		return activity.APIRequestStarted(model, length, o.BaseURL), true
	case "api_response_received":
		length, _ := item.Object["length"].(int)
		duration, _ := item.Object["duration_ms"].(int64)
		return activity.APIResponseReceived(length, duration), true
	case "completion_result":
		text, _ := item.Object["text"].(string)
		return activity.CompletionResult(text), true
	default:
		return activity.Event{}, false
	}
}

func (o *Ollama) Recover(ctx context.Context, oneshotID string) (RecoveryResult, error) {
	return RecoveryResult{Verdict: ZombieDead}, nil
}

func (o *Ollama) ShouldCaptureGitCommit() bool { return false }

func (o *Ollama) SystemInstructions(role Role) string {
	if role == RoleAuditor {
		return "You are reviewing a change for correctness and completeness."
	}
	return "You are completing a coding task autonomously."
}

func (o *Ollama) FormatPrompt(task, header, context string, role Role) string {
	return prompt.Format(prompt.XML, prompt.Role(role), task, header, context)
}

func (o *Ollama) Dialect() Dialect { return DialectXML }

var _ Executor = (*Ollama)(nil)
