// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extractor picks the single best candidate envelope from a
// session's activity log to summarize as a ResultSummary for the next
// prompt, scoring each envelope by weighted, tunable heuristics rather
// than picking blindly the last line.
package extractor

import (
	"encoding/json"
	"strings"

	"github.com/oneshot-run/oneshot/internal/oneshot/activity"
)

// ScoreWeights are the tunable point values the scoring pass applies.
// Only their relative ordering is load-bearing: a candidate containing
// DONE and valid JSON must always outscore one that is merely long.
type ScoreWeights struct {
	HasDoneToken     float64
	IsCompletionKind float64
	HasStatusField   float64
	HasResultField   float64
	ValidJSON        float64
	LengthPerChar    float64
	MaxLengthPoints  float64
}

// DefaultScoreWeights matches the monotonicity guarantee: DONE + valid
// JSON together (55 points) always beat pure length (capped at 20).
var DefaultScoreWeights = ScoreWeights{
	HasDoneToken:     30,
	IsCompletionKind: 15,
	HasStatusField:   10,
	HasResultField:   10,
	ValidJSON:        25,
	LengthPerChar:    0.02,
	MaxLengthPoints:  20,
}

// ResultSummary is the Result Extractor's output: the best candidate plus
// up to k neighboring, non-heartbeat envelopes on either side.
type ResultSummary struct {
	Text            string
	TsMs            int64
	LeadingContext  []activity.Envelope
	TrailingContext []activity.Envelope
}

// DefaultContextWindow is k in "up to k preceding and k following
// envelopes".
const DefaultContextWindow = 2

// Extract scores every non-heartbeat envelope in envelopes and returns the
// best one as a ResultSummary, or nil if envelopes is empty.
func Extract(envelopes []activity.Envelope, weights ScoreWeights, k int) *ResultSummary {
	candidates := make([]int, 0, len(envelopes))
	for i, e := range envelopes {
		if e.IsHeartbeat {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return nil
	}

	bestIdx := candidates[0]
	bestScore := score(envelopes[bestIdx], weights)
	for _, idx := range candidates[1:] {
		s := score(envelopes[idx], weights)
		// Ties broken by recency: a later envelope with an equal score wins.
		if s >= bestScore {
			bestScore = s
			bestIdx = idx
		}
	}

	if k <= 0 {
		k = DefaultContextWindow
	}

	return &ResultSummary{
		Text:            envelopes[bestIdx].Data.HumanReadable(),
		TsMs:            envelopes[bestIdx].TsMs,
		LeadingContext:  nonHeartbeatWindow(envelopes, bestIdx, -1, k),
		TrailingContext: nonHeartbeatWindow(envelopes, bestIdx, 1, k),
	}
}

// nonHeartbeatWindow walks away from idx in direction dir (-1 or +1),
// collecting up to k non-heartbeat envelopes, preserving chronological
// order in the returned slice.
func nonHeartbeatWindow(envelopes []activity.Envelope, idx, dir, k int) []activity.Envelope {
	var out []activity.Envelope
	for i := idx + dir; i >= 0 && i < len(envelopes) && len(out) < k; i += dir {
		if envelopes[i].IsHeartbeat {
			continue
		}
		out = append(out, envelopes[i])
	}
	if dir < 0 {
		for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
			out[l], out[r] = out[r], out[l]
		}
	}
	return out
}

func score(e activity.Envelope, w ScoreWeights) float64 {
	text := e.Data.HumanReadable()
	var s float64

	if strings.Contains(strings.ToUpper(text), "DONE") {
		s += w.HasDoneToken
	}
	if e.Data.Kind == activity.KindCompletionResult {
		s += w.IsCompletionKind
	}

	var asJSON map[string]any
	if err := json.Unmarshal([]byte(text), &asJSON); err == nil {
		s += w.ValidJSON
		if _, ok := asJSON["status"]; ok {
			s += w.HasStatusField
		}
		if _, ok := asJSON["result"]; ok {
			s += w.HasResultField
		}
	}

	lengthPoints := float64(len(text)) * w.LengthPerChar
	if lengthPoints > w.MaxLengthPoints {
		lengthPoints = w.MaxLengthPoints
	}
	s += lengthPoints

	return s
}
