// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads EngineConfig whenever oneshot.yaml changes on disk.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	logger    *slog.Logger
}

// NewWatcher opens a watch on the directory holding the config file.
// Watching the directory rather than the file itself survives editors
// that save via rename-over-original, which a direct file watch would
// miss once the original inode is replaced.
func NewWatcher(logger *slog.Logger) (*Watcher, error) {
	path, err := configFilePath()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{fsWatcher: fw, path: filepath.Clean(path), logger: logger}, nil
}

// Watch blocks until ctx is cancelled or the watcher is closed, calling
// onChange with the freshly reloaded EngineConfig each time the config
// file is written or replaced. A reload that fails to parse is logged and
// skipped rather than propagated, so a save still in progress never kills
// the watch loop.
func (w *Watcher) Watch(ctx context.Context, onChange func(EngineConfig)) error {
	defer w.fsWatcher.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load()
			if err != nil {
				w.logger.Warn("config: reload after file change failed", slog.String("error", err.Error()))
				continue
			}
			onChange(cfg)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config: watcher error", slog.String("error", err.Error()))
		}
	}
}
