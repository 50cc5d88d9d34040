// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"encoding/json"
	"regexp"

	"github.com/oneshot-run/oneshot/internal/oneshot/executor"
)

// ansiEscapes matches CSI/OSC terminal control sequences, which PTY-backed
// agents interleave with their real output.
var ansiEscapes = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[ -/]*[@-~]|\][^\x07\x1b]*(?:\x07|\x1b\\))`)

// stripANSI removes terminal escape sequences from s.
func stripANSI(s string) string {
	return ansiEscapes.ReplaceAllString(s, "")
}

// jsonExtractor identifies complete top-level JSON objects inside a byte
// stream using brace-depth counting with string-literal and escape
// awareness. Bytes outside any object are accumulated as preamble text.
// State persists across feed calls so an object split across two reads is
// still recognized.
type jsonExtractor struct {
	depth       int
	inString    bool
	escaped     bool
	objectBuf   []byte
	preambleBuf []byte
}

func newJSONExtractor() *jsonExtractor {
	return &jsonExtractor{}
}

// feed appends data and returns every complete top-level JSON object found
// (as decoded RawItem.Object values) plus any accumulated preamble text
// that was not part of an object.
func (x *jsonExtractor) feed(data []byte) ([]executor.RawItem, string) {
	var objects []executor.RawItem

	for _, b := range data {
		if x.depth == 0 {
			if b == '{' {
				x.depth = 1
				x.objectBuf = append(x.objectBuf[:0], b)
				continue
			}
			x.preambleBuf = append(x.preambleBuf, b)
			continue
		}

		x.objectBuf = append(x.objectBuf, b)

		if x.inString {
			switch {
			case x.escaped:
				x.escaped = false
			case b == '\\':
				x.escaped = true
			case b == '"':
				x.inString = false
			}
			continue
		}

		switch b {
		case '"':
			x.inString = true
		case '{':
			x.depth++
		case '}':
			x.depth--
			if x.depth == 0 {
				var obj map[string]any
				if err := json.Unmarshal(x.objectBuf, &obj); err == nil {
					objects = append(objects, executor.RawItem{Object: obj})
				}
				x.objectBuf = x.objectBuf[:0]
			}
		}
	}

	preamble := string(x.preambleBuf)
	x.preambleBuf = x.preambleBuf[:0]
	return objects, preamble
}
