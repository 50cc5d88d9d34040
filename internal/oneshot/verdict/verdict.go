// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verdict extracts an auditor's DONE/RETRY/IMPOSSIBLE decision from
// free-form agent output, trying increasingly lenient strategies in a
// fixed order until one matches.
package verdict

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/oneshot-run/oneshot/internal/oneshot/activity"
)

// Verdict is DONE, RETRY, IMPOSSIBLE, or UNKNOWN.
type Verdict string

const (
	Done       Verdict = "DONE"
	Retry      Verdict = "RETRY"
	Impossible Verdict = "IMPOSSIBLE"
	Unknown    Verdict = "UNKNOWN"
)

// Result is what Parse returns.
type Result struct {
	Verdict Verdict
	Advice  string
}

// Strategy attempts to extract a verdict from text. ok is false when this
// strategy found nothing it was confident about.
type Strategy func(text string) (Result, bool)

// Strategies is the ordered list Parse tries; first match wins.
var Strategies = []Strategy{
	strictJSON,
	keyRegex,
	freeformTokens,
}

var verdictKeyRegex = regexp.MustCompile(`(?i)"?(?:verdict|status)"?\s*[:=]\s*"?([A-Za-z]+)"?`)

// Free-form tokens match only in upper case, so ordinary prose such as
// "cannot be done" is not read as a verdict.
var (
	doneTokens       = regexp.MustCompile(`\b(DONE|SUCCESS|COMPLETED)\b`)
	retryTokens      = regexp.MustCompile(`\b(RETRY|REITERATE|CONTINUE)\b`)
	impossibleTokens = regexp.MustCompile(`\b(IMPOSSIBLE|REJECTED|CANNOT)\b`)
)

func strictJSON(text string) (Result, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &obj); err != nil {
		return Result{}, false
	}
	for _, key := range []string{"verdict", "status"} {
		if raw, ok := obj[key]; ok {
			if s, ok := raw.(string); ok {
				if v, ok := normalize(s); ok {
					advice, _ := obj["advice"].(string)
					return Result{Verdict: v, Advice: advice}, true
				}
			}
		}
	}
	return Result{}, false
}

func keyRegex(text string) (Result, bool) {
	m := verdictKeyRegex.FindStringSubmatch(text)
	if m == nil {
		return Result{}, false
	}
	v, ok := normalize(m[1])
	if !ok {
		return Result{}, false
	}
	return Result{Verdict: v}, true
}

func freeformTokens(text string) (Result, bool) {
	switch {
	case doneTokens.MatchString(text):
		return Result{Verdict: Done}, true
	case retryTokens.MatchString(text):
		return Result{Verdict: Retry}, true
	case impossibleTokens.MatchString(text):
		return Result{Verdict: Impossible}, true
	default:
		return Result{}, false
	}
}

func normalize(s string) (Verdict, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DONE", "SUCCESS", "COMPLETED":
		return Done, true
	case "RETRY", "REITERATE", "CONTINUE":
		return Retry, true
	case "IMPOSSIBLE", "REJECTED", "CANNOT":
		return Impossible, true
	default:
		return "", false
	}
}

// Parse runs Strategies in order against text, returning the first match,
// or {Unknown, ""} if none apply.
func Parse(text string) Result {
	for _, s := range Strategies {
		if r, ok := s(text); ok {
			return r
		}
	}
	return Result{Verdict: Unknown}
}

// AdviceFromTrailing builds the feedback block injected into the next
// worker prompt from the trailing n envelopes of the auditor's own output
// stream, used when Parse returns Retry without its own advice field.
func AdviceFromTrailing(events []activity.Event, n int) string {
	if n <= 0 || len(events) == 0 {
		return ""
	}
	if n > len(events) {
		n = len(events)
	}
	lines := make([]string, 0, n)
	for _, e := range events[len(events)-n:] {
		if s := e.HumanReadable(); s != "" {
			lines = append(lines, s)
		}
	}
	return strings.Join(lines, "\n")
}
