// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ptyutil allocates a pseudo-terminal for subprocess executors
// that refuse to emit their native output format unless stdout looks like
// a terminal. Allocation is platform-specific; a plain pipe pair is used
// wherever a real PTY is unavailable or disabled.
package ptyutil

import (
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// PTY is an allocated pseudo-terminal or its pipe fallback: Master is the
// end the parent process reads/writes, Slave is handed to the child as
// its stdout/stderr.
type PTY struct {
	Master *os.File
	Slave  *os.File

	closeOnce sync.Once
	closeErr  error
}

// Close releases both ends exactly once. Safe to call repeatedly; every
// call after the first returns the result of that first call.
func (p *PTY) Close() error {
	p.closeOnce.Do(func() {
		var firstErr error
		if p.Master != nil {
			firstErr = p.Master.Close()
		}
		if p.Slave != nil {
			if err := p.Slave.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		p.closeErr = firstErr
	})
	return p.closeErr
}

// disableEnv, when set to any non-empty value, forces the pipe fallback
// even on platforms with real PTY support.
const disableEnv = "ONESHOT_DISABLE_PTY"

// Open allocates a PTY, honoring ONESHOT_DISABLE_PTY. Callers that only
// need the fallback explicitly (tests, platforms with no PTY support) can
// call OpenPipe directly instead.
func Open() (*PTY, error) {
	if os.Getenv(disableEnv) != "" {
		return OpenPipe()
	}
	return openPlatform()
}

// OpenPipe allocates a plain os.Pipe pair as Master/Slave: the Slave is
// handed to the child as its stdout, the Master is what the parent reads.
// It has none of a real PTY's line-discipline behavior (no echo, no signal
// generation on control characters), so child tools that check isatty will
// see a pipe and may switch to coarser buffering; streaming stays correct,
// just chunkier.
func OpenPipe() (*PTY, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &PTY{Master: r, Slave: w}, nil
}

// IsTerminal reports whether f looks like a terminal to isatty(3)-style
// detection, covering both native terminals and Windows' Cygwin/MSYS
// emulation.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
