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
	"encoding/json"

	"github.com/oneshot-run/oneshot/internal/oneshot/activity"
)

// translateClineStyle maps the {"say": ...} / {"ask": ...} native NDJSON
// shape shared by cline and claude-code-style agents onto a unified
// activity.Event. ok is false when item carries no JSON object, which the
// pipeline's JSON-extraction stage treats as preamble.
func translateClineStyle(item RawItem) (activity.Event, bool) {
	obj := item.Object
	if obj == nil {
		if len(item.Bytes) == 0 {
			return activity.Event{}, false
		}
		var decoded map[string]any
		if err := json.Unmarshal(item.Bytes, &decoded); err != nil {
			return activity.Event{}, false
		}
		obj = decoded
	}

	if say, ok := obj["say"].(string); ok {
		text, _ := obj["text"].(string)
		switch say {
		case "completion_result":
			return activity.CompletionResult(text), true
		case "reasoning", "thinking":
			return activity.Thought(text), true
		case "error":
			return activity.Error("agent_error", text), true
		default:
			return activity.Message("assistant", text), true
		}
	}

	if ask, ok := obj["ask"].(string); ok {
		command, _ := obj["text"].(string)
		switch ask {
		case "command", "tool":
			return activity.ToolUse(ask, command, ""), true
		default:
			return activity.Message("assistant", command), true
		}
	}

	if toolOutput, ok := obj["tool_output"].(string); ok {
		var exitCode *int
		if ec, ok := obj["exit_code"].(float64); ok {
			v := int(ec)
			exitCode = &v
		}
		tool, _ := obj["tool"].(string)
		return activity.ToolOutput(tool, toolOutput, exitCode), true
	}

	return activity.Event{}, false
}
