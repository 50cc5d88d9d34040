// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build linux

package ptyutil

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// openPlatform allocates a real PTY pair by opening /dev/ptmx directly and
// driving the unlockpt/ptsname steps (TIOCSPTLCK, TIOCGPTN) through raw
// ioctls, mirroring what glibc's openpty(3) does under the hood without
// pulling in a cgo dependency.
func openPlatform() (*PTY, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ptyutil: opening /dev/ptmx: %w", err)
	}

	if err := unlockPT(master); err != nil {
		master.Close()
		return nil, fmt.Errorf("ptyutil: unlockpt: %w", err)
	}

	slaveName, err := ptsName(master)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("ptyutil: ptsname: %w", err)
	}

	slave, err := os.OpenFile(slaveName, os.O_RDWR, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("ptyutil: opening slave %s: %w", slaveName, err)
	}

	return &PTY{Master: master, Slave: slave}, nil
}

// unlockPT clears the slave pty's lock flag via TIOCSPTLCK, required
// before the slave device node can be opened.
func unlockPT(master *os.File) error {
	return unix.IoctlSetPointerInt(int(master.Fd()), unix.TIOCSPTLCK, 0)
}

// ptsName resolves the slave device path for master via TIOCGPTN, which
// returns the pty number under /dev/pts/.
func ptsName(master *os.File) (string, error) {
	n, err := unix.IoctlGetInt(int(master.Fd()), unix.TIOCGPTN)
	if err != nil {
		return "", err
	}
	return "/dev/pts/" + strconv.Itoa(n), nil
}
