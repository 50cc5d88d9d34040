// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package activity

import "encoding/json"

// Executor names an event's originating role, not the Executor variant.
type Executor string

const (
	Worker  Executor = "worker"
	Auditor Executor = "auditor"
)

// Envelope is one line of the NDJSON activity log: a unified Event plus the
// ingress metadata the pipeline attaches. TsMs is ingress time, assigned by
// the pipeline's Timestamp stage — independent of any timestamp inside
// Data. Every Envelope must be independently parseable; the log file may be
// truncated at any line boundary without losing earlier lines.
type Envelope struct {
	TsMs         int64    `json:"ts_ms"`
	ExecutorRole Executor `json:"executor"`
	OneshotID    string   `json:"oneshot_id"`
	Data         Event    `json:"data"`
	IsHeartbeat  bool     `json:"is_heartbeat"`
}

// Validate reports whether the envelope is well-formed and JSON-serializable.
func (e Envelope) Validate() error {
	if err := e.Data.Validate(); err != nil {
		return err
	}
	_, err := json.Marshal(e)
	return err
}

// MarshalNDJSONLine renders the envelope as a single newline-terminated
// JSON line suitable for appending to the activity log.
func (e Envelope) MarshalNDJSONLine() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// ParseLine parses one NDJSON line into an Envelope. Callers that skip
// invalid lines (the Result Extractor, log readers generally) should treat
// any error here as "discard this line and continue."
func ParseLine(line []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(line, &e)
	return e, err
}
