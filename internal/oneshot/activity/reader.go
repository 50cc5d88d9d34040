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

import (
	"bufio"
	"log/slog"
	"os"
)

// ReadLog reads every line of the NDJSON activity log at path, skipping and
// warning on lines that fail to parse, matching the logger's malformed-input
// discard policy. A missing file returns an empty, non-error slice: a session that
// never ran has no log yet.
func ReadLog(path string, logger *slog.Logger) ([]Envelope, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var envelopes []Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := ParseLine(line)
		if err != nil {
			logger.Warn("skipping unparseable activity log line",
				slog.Int("line", lineNum), slog.String("error", err.Error()))
			continue
		}
		envelopes = append(envelopes, env)
	}
	if err := scanner.Err(); err != nil {
		return envelopes, err
	}
	return envelopes, nil
}

// LastTsMs returns the ingress timestamp of the final envelope in the log,
// or 0 if the log is empty. Used by run_recovery to reconcile recovered
// events: only events with a later timestamp are appended.
func LastTsMs(envelopes []Envelope) int64 {
	if len(envelopes) == 0 {
		return 0
	}
	return envelopes[len(envelopes)-1].TsMs
}
