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

import (
	"fmt"
	"sync"
)

// Machine enforces the transition graph:
//
//	CREATED              → start              → WORKER_EXECUTING
//	WORKER_EXECUTING      → success            → AUDIT_PENDING
//	WORKER_EXECUTING      → crash              → RECOVERY_PENDING
//	WORKER_EXECUTING      → inactivity         → RECOVERY_PENDING
//	WORKER_EXECUTING      → interrupt          → INTERRUPTED
//	RECOVERY_PENDING      → zombie_success     → AUDIT_PENDING
//	RECOVERY_PENDING      → zombie_partial     → REITERATION_PENDING
//	RECOVERY_PENDING      → zombie_dead        → FAILED
//	AUDIT_PENDING         → next               → AUDITOR_EXECUTING
//	AUDITOR_EXECUTING     → done               → COMPLETED
//	AUDITOR_EXECUTING     → retry              → REITERATION_PENDING
//	AUDITOR_EXECUTING     → impossible         → REJECTED
//	AUDITOR_EXECUTING     → crash              → FAILED
//	AUDITOR_EXECUTING     → inactivity         → FAILED
//	AUDITOR_EXECUTING     → interrupt          → INTERRUPTED
//	REITERATION_PENDING   → next               → WORKER_EXECUTING
//	REITERATION_PENDING   → max_iterations     → FAILED
//	(any non-terminal)    → interrupt          → INTERRUPTED
//
// Thread Safety: Machine is safe for concurrent use; it holds no mutable
// session state, only the transition table itself.
type Machine struct {
	mu sync.RWMutex

	// transitions maps from-state -> event -> to-state.
	transitions map[OneshotState]map[Event]OneshotState

	// reasons maps "from->event" -> a human-readable explanation.
	reasons map[string]string
}

// New builds a Machine with every transition wired in.
func New() *Machine {
	m := &Machine{
		transitions: make(map[OneshotState]map[Event]OneshotState),
		reasons:     make(map[string]string),
	}

	for _, s := range AllStates() {
		m.transitions[s] = make(map[Event]OneshotState)
	}

	m.add(Created, EventStart, WorkerExecuting, "user/CLI requested a run")

	m.add(WorkerExecuting, EventSuccess, AuditPending, "worker stream completed cleanly")
	m.add(WorkerExecuting, EventCrash, RecoveryPending, "worker subprocess exited non-zero")
	m.add(WorkerExecuting, EventInactivity, RecoveryPending, "worker produced no activity before the inactivity timeout")
	m.add(WorkerExecuting, EventInterrupt, Interrupted, "user sent a cancellation signal")

	m.add(RecoveryPending, EventZombieSuccess, AuditPending, "forensic recovery found a completed result")
	m.add(RecoveryPending, EventZombiePartial, ReiterationPending, "forensic recovery found partial progress")
	m.add(RecoveryPending, EventZombieDead, Failed, "forensic recovery found nothing usable")

	m.add(AuditPending, EventNext, AuditorExecuting, "dispatching to the auditor")

	m.add(AuditorExecuting, EventDone, Completed, "auditor accepted the result")
	m.add(AuditorExecuting, EventRetry, ReiterationPending, "auditor requested a retry")
	m.add(AuditorExecuting, EventImpossible, Rejected, "auditor declared the task impossible")
	m.add(AuditorExecuting, EventCrash, Failed, "auditor subprocess exited non-zero (fatal, no auditor recovery)")
	m.add(AuditorExecuting, EventInactivity, Failed, "auditor produced no activity before the inactivity timeout (fatal)")
	m.add(AuditorExecuting, EventInterrupt, Interrupted, "user sent a cancellation signal")

	m.add(ReiterationPending, EventNext, WorkerExecuting, "dispatching the reworker")
	m.add(ReiterationPending, EventMaxIterations, Failed, "iteration budget exhausted before another reworker run")

	// Any active or checkpoint state may be interrupted.
	for _, s := range AllStates() {
		if s.IsTerminal() {
			continue
		}
		if _, ok := m.transitions[s][EventInterrupt]; !ok {
			m.add(s, EventInterrupt, Interrupted, "user sent a cancellation signal")
		}
	}

	return m
}

// DefaultMachine is the shared, stateless transition table.
var DefaultMachine = New()

func (m *Machine) add(from OneshotState, ev Event, to OneshotState, reason string) {
	m.transitions[from][ev] = to
	m.reasons[key(from, ev)] = reason
}

func key(from OneshotState, ev Event) string {
	return fmt.Sprintf("%s:%s", from, ev)
}

// CanTransition reports whether (from, event) has a mapped next state.
func (m *Machine) CanTransition(from OneshotState, ev Event) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.transitions[from][ev]
	return ok
}

// Transition returns the next state for (from, event), or
// ErrInvalidTransition if no such transition exists. Terminal states accept
// no events at all.
func (m *Machine) Transition(from OneshotState, ev Event) (OneshotState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if from.IsTerminal() {
		return from, fmt.Errorf("%w: %s is terminal, cannot accept %s", ErrInvalidTransition, from, ev)
	}

	to, ok := m.transitions[from][ev]
	if !ok {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, ev)
	}
	return to, nil
}

// Reason returns the human-readable explanation for a (from, event) pair,
// or "unknown transition" if none is registered.
func (m *Machine) Reason(from OneshotState, ev Event) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.reasons[key(from, ev)]; ok {
		return r
	}
	return "unknown transition"
}

// ValidEventsFrom returns every event with a mapped transition from s.
func (m *Machine) ValidEventsFrom(s OneshotState) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]Event, 0, len(m.transitions[s]))
	for ev := range m.transitions[s] {
		events = append(events, ev)
	}
	return events
}

// NextAction returns the deterministic Action for the current state.
// It does not consult events: which action to run next is a pure function
// of the checkpoint/active/terminal state alone.
func NextAction(s OneshotState) Action {
	switch s {
	case Created, ReiterationPending:
		return Action{Type: ActionRunWorker}
	case AuditPending:
		return Action{Type: ActionRunAuditor}
	case RecoveryPending:
		return Action{Type: ActionRecover}
	case WorkerExecuting, AuditorExecuting:
		return Action{Type: ActionWait}
	default:
		return Action{Type: ActionExit, Payload: map[string]any{"state": s}}
	}
}

// ResumeTransition applies the resume policy when a persisted context is
// reloaded. current is the state on disk; prior is the state the session
// held before its final recorded transition (relevant only when current is
// INTERRUPTED, where it names the state the interrupt tore down).
//
// A session reloaded while WORKER_EXECUTING moves to RECOVERY_PENDING: the
// previous process may have succeeded silently (zombie success). An
// INTERRUPTED session resumes from where the interrupt hit — a torn-down
// worker likewise warrants forensic recovery, a torn-down auditor re-runs
// from AUDIT_PENDING (the worker's result is still on disk), and an
// interrupted checkpoint picks back up in place. A REJECTED session
// refuses resume outright: the agent already refused the task, and
// re-running reproduces the refusal.
func ResumeTransition(current, prior OneshotState) (OneshotState, error) {
	if current == Rejected {
		return current, ErrResumeDenied
	}
	switch current {
	case WorkerExecuting:
		return RecoveryPending, nil
	case AuditorExecuting:
		// Reloaded mid-audit without an interrupt on record: the auditor
		// has no recovery path, so the run is lost.
		return Failed, nil
	case Interrupted:
		switch prior {
		case WorkerExecuting:
			return RecoveryPending, nil
		case AuditorExecuting:
			return AuditPending, nil
		case Created, AuditPending, ReiterationPending, RecoveryPending:
			return prior, nil
		default:
			return current, ErrResumeDenied
		}
	default:
		return current, nil
	}
}
