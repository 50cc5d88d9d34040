// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package context

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oneshot-run/oneshot/internal/oneshot/state"
)

func TestNewOneshotID_NoCollision(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	id := NewOneshotID(now, func(string) bool { return false })
	require.Equal(t, "2026-07-30_10-00-00", id)
}

func TestNewOneshotID_CollisionAppendsSuffix(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	id := NewOneshotID(now, func(string) bool { return true })
	require.True(t, len(id) > len("2026-07-30_10-00-00"))
	require.Contains(t, id, "2026-07-30_10-00-00-")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ec := New("2026-07-30_10-00-00", "fix the bug", "claude", "claude", 5)
	ec.SetVariable("branch", "main")

	require.NoError(t, ec.Save(dir))

	loaded, err := Load(dir, ec.OneshotID)
	require.NoError(t, err)
	require.Equal(t, ec.OneshotID, loaded.OneshotID)
	require.Equal(t, ec.Task, loaded.Task)
	require.Equal(t, state.Created, loaded.State)
	v, ok := loaded.Variable("branch")
	require.True(t, ok)
	require.Equal(t, "main", v)
}

func TestLoad_MissingFileReturnsNotExist(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, "nonexistent")
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestLoad_CorruptFileReturnsErrContextCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad-session-oneshot.json"), []byte("{not json"), 0644))

	_, err := Load(dir, "bad-session")
	require.Error(t, err)
	var corrupt *ErrContextCorrupt
	require.ErrorAs(t, err, &corrupt)
}

func TestLoad_NewerSchemaVersionFailsLoudly(t *testing.T) {
	dir := t.TempDir()
	ec := New("future", "task", "claude", "claude", 5)
	ec.SchemaVersion = CurrentSchemaVersion + 1
	require.NoError(t, ec.Save(dir))

	_, err := Load(dir, "future")
	require.Error(t, err)
	var corrupt *ErrContextCorrupt
	require.ErrorAs(t, err, &corrupt)
}

func TestMostRecentID_PicksNewestByName(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"2026-07-29_09-00-00", "2026-07-30_10-00-00", "2026-07-30_09-59-59"} {
		require.NoError(t, New(id, "task", "claude", "claude", 5).Save(dir))
	}

	id, err := MostRecentID(dir)
	require.NoError(t, err)
	require.Equal(t, "2026-07-30_10-00-00", id)
}

func TestMostRecentID_EmptyDirReturnsNotExist(t *testing.T) {
	_, err := MostRecentID(t.TempDir())
	require.True(t, os.IsNotExist(err))
}

func TestSetState_AppendsHistoryAndPersistsTransition(t *testing.T) {
	ec := New("sess", "task", "claude", "claude", 5)
	m := state.New()

	to, err := ec.SetState(m, state.EventStart, "worker launched")
	require.NoError(t, err)
	require.Equal(t, state.WorkerExecuting, to)
	require.Len(t, ec.StateHistory, 1)
	require.Equal(t, state.Created, ec.StateHistory[0].From)
	require.Equal(t, "worker launched", ec.StateHistory[0].Reason)
}

func TestSetState_InvalidTransitionLeavesStateUnchanged(t *testing.T) {
	ec := New("sess", "task", "claude", "claude", 5)
	m := state.New()

	_, err := ec.SetState(m, state.EventDone, "bogus")
	require.Error(t, err)
	require.Equal(t, state.Created, ec.CurrentState())
	require.Empty(t, ec.StateHistory)
}

func TestIncrementIteration_ReportsCapReached(t *testing.T) {
	ec := New("sess", "task", "claude", "claude", 2)

	i, capped := ec.IncrementIteration()
	require.Equal(t, 1, i)
	require.False(t, capped)

	i, capped = ec.IncrementIteration()
	require.Equal(t, 2, i)
	require.True(t, capped)
}

func TestSave_AtomicWriteLeavesNoTempFileOnSuccess(t *testing.T) {
	dir := t.TempDir()
	ec := New("sess", "task", "claude", "claude", 5)
	require.NoError(t, ec.Save(dir))

	_, err := os.Stat(filepath.Join(dir, "sess-oneshot.json.tmp"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "sess-oneshot.json"))
	require.NoError(t, err)
}

func TestResume_RestoresStateAndRecordsHistory(t *testing.T) {
	ec := New("sess", "task", "claude", "claude", 5)
	m := state.New()

	_, err := ec.SetState(m, state.EventStart, "started")
	require.NoError(t, err)
	_, err = ec.SetState(m, state.EventInterrupt, "ctrl-c")
	require.NoError(t, err)
	require.Equal(t, state.Interrupted, ec.CurrentState())
	require.Equal(t, state.WorkerExecuting, ec.PriorState())

	ec.Resume(state.RecoveryPending, "session resumed from disk")
	require.Equal(t, state.RecoveryPending, ec.CurrentState())

	last := ec.StateHistory[len(ec.StateHistory)-1]
	require.Equal(t, state.EventResume, last.Event)
	require.Equal(t, state.Interrupted, last.From)
}

func TestMigrate_FillsNilMapsAndSchemaVersion(t *testing.T) {
	ec := &ExecutionContext{OneshotID: "sess"}
	migrate(ec)
	require.NotNil(t, ec.Variables)
	require.NotNil(t, ec.Metadata)
	require.Equal(t, CurrentSchemaVersion, ec.SchemaVersion)
}
