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
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Logger appends envelopes to an NDJSON activity log. It creates the
// underlying file lazily — on the first successful append, not at
// construction — so that a run which never produces a non-heartbeat
// envelope leaves no empty file on disk.
//
// Thread Safety: normally only one pipeline runs at a time, but Logger
// still serializes with a mutex defensively, since the Engine may also
// append recovered events from run_recovery concurrently with a
// late-arriving pipeline flush.
type Logger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	lines  int
	logger *slog.Logger
}

// NewLogger returns a Logger targeting path. No file is created until the
// first call to Append succeeds.
func NewLogger(path string, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{path: path, logger: logger.With(slog.String("component", "activity_logger"))}
}

// Path returns the configured log file path.
func (l *Logger) Path() string {
	return l.path
}

// Lines returns the count of lines successfully appended so far.
func (l *Logger) Lines() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines
}

// Append validates and appends one envelope as a single NDJSON line,
// flushing before returning. Heartbeat envelopes (IsHeartbeat=true) are
// never persisted — the pipeline should not call Append for them at all,
// but Append defends against it anyway. A malformed envelope is discarded
// with a warning on the diagnostic channel rather than rewritten.
func (l *Logger) Append(e Envelope) error {
	if e.IsHeartbeat {
		return nil
	}

	if err := e.Validate(); err != nil {
		l.logger.Warn("discarding malformed activity envelope", slog.String("error", err.Error()))
		return nil
	}

	line, err := e.MarshalNDJSONLine()
	if err != nil {
		l.logger.Warn("discarding unmarshalable activity envelope", slog.String("error", err.Error()))
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureOpenLocked(); err != nil {
		return fmt.Errorf("activity: opening log file: %w", err)
	}

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("activity: writing log line: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("activity: flushing log line: %w", err)
	}
	l.lines++
	return nil
}

func (l *Logger) ensureOpenLocked() error {
	if l.file != nil {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// Close closes the underlying file if one was opened. If no lines were
// ever appended, the lazily-created file (if any) is removed so a
// zero-envelope run leaves no trace on disk.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	lines := l.lines
	path := l.path
	err := l.file.Close()
	l.file = nil

	if lines == 0 {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			l.logger.Warn("failed to clean up empty activity log", slog.String("error", rmErr.Error()))
		}
	}
	return err
}
