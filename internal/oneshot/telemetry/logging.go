// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the oneshot engine.
//
// # Architecture
//
// Logging follows a layered design: stderr by default (Unix CLI
// convention), with an optional file sink, written in the same format,
// when a log directory is configured.
// It is built directly on log/slog — no third-party logging library is
// wired, since slog is exactly what this repo's own logging package is
// built on (see DESIGN.md).
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level mirrors slog's levels under oneshot-specific names so callers don't
// need to import log/slog just to pick a verbosity.
type Level int

const (
	LevelDebug Level = Level(slog.LevelDebug)
	LevelInfo  Level = Level(slog.LevelInfo)
	LevelWarn  Level = Level(slog.LevelWarn)
	LevelError Level = Level(slog.LevelError)
)

// Format selects the stderr handler's rendering.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config configures a Logger.
type Config struct {
	Level  Level
	Format Format
	// LogDir, if non-empty, additionally writes every log line, in the
	// same Format as stderr, to <LogDir>/oneshot_<date>.log. Supports "~"
	// expansion.
	LogDir string
}

// Logger wraps a *slog.Logger and an optional log file, closed together.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New builds a Logger per cfg. Defaults to Info level, text format, stderr
// only, the conventional stderr-by-default CLI behavior.
func New(cfg Config) (*Logger, error) {
	if cfg.Format == "" {
		cfg.Format = FormatText
	}

	var writers []io.Writer
	writers = append(writers, os.Stderr)

	l := &Logger{}

	if cfg.LogDir != "" {
		dir := cfg.LogDir
		if len(dir) > 0 && dir[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				dir = filepath.Join(home, dir[1:])
			}
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("telemetry: creating log dir: %w", err)
		}
		filename := fmt.Sprintf("oneshot_%s.log", time.Now().UTC().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("telemetry: opening log file: %w", err)
		}
		l.file = f
		writers = append(writers, f)
	}

	handlerOpts := &slog.HandlerOptions{Level: slog.Level(cfg.Level)}
	var handler slog.Handler
	dest := io.MultiWriter(writers...)
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(dest, handlerOpts)
	default:
		handler = slog.NewTextHandler(dest, handlerOpts)
	}

	l.Logger = slog.New(handler)
	return l, nil
}

// Default returns a Logger at Info level, text format, stderr only.
func Default() *Logger {
	l, _ := New(Config{Level: LevelInfo, Format: FormatText})
	return l
}

// Close flushes and closes the log file, if one was opened.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
