// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package context persists ExecutionContext, the sole durable record of a
// oneshot run's progress, to <session_dir>/<oneshot_id>-oneshot.json.
// Writes are atomic (temp file + rename) so a crash mid-write never leaves
// a half-written session file behind.
package context

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oneshot-run/oneshot/internal/oneshot/state"
)

// CurrentSchemaVersion is bumped whenever ExecutionContext gains or changes
// a field in a way that requires migration on Load.
const CurrentSchemaVersion = 1

// StateHistoryEntry records one transition applied to a context.
type StateHistoryEntry struct {
	From      state.OneshotState `json:"from"`
	Event     state.Event        `json:"event"`
	To        state.OneshotState `json:"to"`
	Reason    string             `json:"reason,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ResultRecord is the most recent output of one role: the raw text plus
// whatever structure was parsed out of it.
type ResultRecord struct {
	Text    string `json:"text"`
	Verdict string `json:"verdict,omitempty"`
	Advice  string `json:"advice,omitempty"`
}

// ExecutionContext is the full persisted state of a oneshot run.
type ExecutionContext struct {
	SchemaVersion int                `json:"schema_version"`
	OneshotID     string             `json:"oneshot_id"`
	State         state.OneshotState `json:"state"`
	Iteration     int                `json:"iteration"`
	MaxIterations int                `json:"max_iterations"`

	Task            string `json:"task"`
	WorkerExecutor  string `json:"worker_executor"`
	AuditorExecutor string `json:"auditor_executor"`

	Variables map[string]string `json:"variables,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	WorkerResult  *ResultRecord `json:"worker_result,omitempty"`
	AuditorResult *ResultRecord `json:"auditor_result,omitempty"`

	StateHistory []StateHistoryEntry `json:"state_history,omitempty"`

	SessionLogPath string `json:"session_log_path,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	path string
	mu   sync.Mutex
}

// NewOneshotID returns an identifier of the form
// YYYY-MM-DD_HH-MM-SS, with a short uuid suffix appended only when the
// caller reports the bare timestamp already exists, keeping ids both
// human-sortable and collision-free for rapid successive runs.
func NewOneshotID(now time.Time, exists func(id string) bool) string {
	base := now.UTC().Format("2006-01-02_15-04-05")
	if exists == nil || !exists(base) {
		return base
	}
	return base + "-" + uuid.NewString()[:8]
}

// New constructs a fresh ExecutionContext in the CREATED state.
func New(oneshotID, task, workerExecutor, auditorExecutor string, maxIterations int) *ExecutionContext {
	now := time.Now().UTC()
	return &ExecutionContext{
		SchemaVersion:   CurrentSchemaVersion,
		OneshotID:       oneshotID,
		State:           state.Created,
		MaxIterations:   maxIterations,
		Task:            task,
		WorkerExecutor:  workerExecutor,
		AuditorExecutor: auditorExecutor,
		Variables:       map[string]string{},
		Metadata:        map[string]string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// ErrContextCorrupt distinguishes a session file that exists but fails to
// parse from one that is simply absent; callers use this to decide between
// ExitContextCorrupt and a plain "no session found" message.
type ErrContextCorrupt struct {
	Path string
	Err  error
}

func (e *ErrContextCorrupt) Error() string {
	return fmt.Sprintf("context: %s is corrupt: %v", e.Path, e.Err)
}

func (e *ErrContextCorrupt) Unwrap() error { return e.Err }

// contextFileSuffix names session files so they can be globbed and sorted
// by id (ids are monotonic timestamps).
const contextFileSuffix = "-oneshot.json"

// LogFileSuffix is the sibling NDJSON activity log's naming convention.
const LogFileSuffix = "-oneshot-log.json"

// contextFilePath returns <sessionDir>/<oneshotID>-oneshot.json.
func contextFilePath(sessionDir, oneshotID string) string {
	return filepath.Join(sessionDir, oneshotID+contextFileSuffix)
}

// LogFilePath returns the default NDJSON activity log path for oneshotID.
func LogFilePath(sessionDir, oneshotID string) string {
	return filepath.Join(sessionDir, oneshotID+LogFileSuffix)
}

// Exists reports whether a session file for oneshotID is already on disk.
func Exists(sessionDir, oneshotID string) bool {
	_, err := os.Stat(contextFilePath(sessionDir, oneshotID))
	return err == nil
}

// MostRecentID returns the newest session id found in sessionDir, relying
// on ids being monotonically sortable timestamps. os.ErrNotExist is
// returned when the directory holds no session files at all.
func MostRecentID(sessionDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(sessionDir, "*"+contextFileSuffix))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", os.ErrNotExist
	}
	sort.Strings(matches)
	base := filepath.Base(matches[len(matches)-1])
	return strings.TrimSuffix(base, contextFileSuffix), nil
}

// Load reads and migrates the persisted context for oneshotID. A missing
// file returns os.ErrNotExist so callers can distinguish "no prior
// session" from genuine corruption via errors.As(err, *ErrContextCorrupt).
func Load(sessionDir, oneshotID string) (*ExecutionContext, error) {
	return LoadPath(contextFilePath(sessionDir, oneshotID))
}

// LoadPath is Load for an explicit session-file path, for callers resuming
// by path rather than by id.
func LoadPath(path string) (*ExecutionContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("context: reading %s: %w", path, err)
	}

	var ec ExecutionContext
	if err := json.Unmarshal(data, &ec); err != nil {
		return nil, &ErrContextCorrupt{Path: path, Err: err}
	}
	if ec.SchemaVersion > CurrentSchemaVersion {
		// Written by a newer oneshot. Refusing loudly beats silently
		// dropping fields this build does not know about.
		return nil, &ErrContextCorrupt{Path: path, Err: fmt.Errorf("schema version %d is newer than supported %d", ec.SchemaVersion, CurrentSchemaVersion)}
	}

	migrate(&ec)
	ec.path = path
	return &ec, nil
}

// migrate fills in defaults for fields absent from an older schema version.
func migrate(ec *ExecutionContext) {
	if ec.Variables == nil {
		ec.Variables = map[string]string{}
	}
	if ec.Metadata == nil {
		ec.Metadata = map[string]string{}
	}
	if ec.SchemaVersion < CurrentSchemaVersion {
		ec.SchemaVersion = CurrentSchemaVersion
	}
}

// Save atomically persists the context: write to a sibling .tmp file, then
// rename into place, so a crash mid-write never corrupts the live file.
func (ec *ExecutionContext) Save(sessionDir string) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if err := os.MkdirAll(sessionDir, 0750); err != nil {
		return fmt.Errorf("context: creating session dir %s: %w", sessionDir, err)
	}

	path := contextFilePath(sessionDir, ec.OneshotID)
	ec.path = path
	ec.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(ec, "", "  ")
	if err != nil {
		return fmt.Errorf("context: marshaling: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0640); err != nil {
		return fmt.Errorf("context: writing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("context: renaming into place: %w", err)
	}
	return nil
}

// SetState transitions the context's state using the given machine,
// appending a StateHistoryEntry, and returns the resulting state.
func (ec *ExecutionContext) SetState(m *state.Machine, event state.Event, reason string) (state.OneshotState, error) {
	ec.mu.Lock()
	from := ec.State
	ec.mu.Unlock()

	to, err := m.Transition(from, event)
	if err != nil {
		return from, err
	}

	ec.mu.Lock()
	ec.State = to
	ec.StateHistory = append(ec.StateHistory, StateHistoryEntry{
		From:      from,
		Event:     event,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	ec.mu.Unlock()
	return to, nil
}

// Resume restores a reloaded session to the state the resume policy
// picked for it, bypassing the transition table (a terminal INTERRUPTED
// state accepts no machine events) but still recording the restore in
// history.
func (ec *ExecutionContext) Resume(to state.OneshotState, reason string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	from := ec.State
	ec.State = to
	ec.StateHistory = append(ec.StateHistory, StateHistoryEntry{
		From:      from,
		Event:     state.EventResume,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

// PriorState returns the state the session held before its most recent
// recorded transition, or the current state when no history exists. Resume
// uses it to learn what an INTERRUPTED session was doing when the
// interrupt hit.
func (ec *ExecutionContext) PriorState() state.OneshotState {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if len(ec.StateHistory) == 0 {
		return ec.State
	}
	return ec.StateHistory[len(ec.StateHistory)-1].From
}

// IncrementIteration bumps the iteration counter and reports whether the
// configured MaxIterations has now been reached.
func (ec *ExecutionContext) IncrementIteration() (iteration int, capReached bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.Iteration++
	return ec.Iteration, ec.Iteration >= ec.MaxIterations
}

// SetVariable and Variable give callers a stable, mutex-guarded accessor
// pair for the free-form key/value bag threaded through prompts.
func (ec *ExecutionContext) SetVariable(key, value string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.Variables[key] = value
}

func (ec *ExecutionContext) Variable(key string) (string, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.Variables[key]
	return v, ok
}

// SetWorkerResult records the worker's most recent output.
func (ec *ExecutionContext) SetWorkerResult(r *ResultRecord) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.WorkerResult = r
}

// SetAuditorResult records the auditor's most recent output and parsed
// verdict.
func (ec *ExecutionContext) SetAuditorResult(r *ResultRecord) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.AuditorResult = r
}

// SetTask overwrites the stored task text, used when a resume supplies a
// new prompt while keeping the session's history.
func (ec *ExecutionContext) SetTask(task string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.Task = task
}

// SetSessionLogPath records where this session's NDJSON activity log lives.
func (ec *ExecutionContext) SetSessionLogPath(path string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.SessionLogPath = path
}

// CurrentState returns the context's state under lock.
func (ec *ExecutionContext) CurrentState() state.OneshotState {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.State
}

// Path returns the session file path last used by Load or Save.
func (ec *ExecutionContext) Path() string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.path
}
