// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import "errors"

// Sentinel errors for the state package.
var (
	// ErrInvalidTransition indicates (state, event) has no mapped next state.
	ErrInvalidTransition = errors.New("oneshot: invalid state transition")

	// ErrResumeDenied indicates a resumed session's state refuses --resume:
	// REJECTED (the agent already refused the task), or INTERRUPTED when
	// the state it interrupted is not one resume can pick back up.
	ErrResumeDenied = errors.New("oneshot: resume denied for this session state")
)
