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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogger_LazyCreateAndEmptyCleanup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-oneshot-log.json")

	logger := NewLogger(path, nil)
	require.NoError(t, logger.Close())

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "file should not exist when nothing was appended")
}

func TestLogger_AppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-oneshot-log.json")

	logger := NewLogger(path, nil)
	env := Envelope{TsMs: 1000, ExecutorRole: Worker, OneshotID: "sess", Data: CompletionResult("done")}
	require.NoError(t, logger.Append(env))
	require.Equal(t, 1, logger.Lines())
	require.NoError(t, logger.Close())

	envelopes, err := ReadLog(path, nil)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	require.Equal(t, "done", envelopes[0].Data.Text)
}

func TestLogger_HeartbeatsAreNeverPersisted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-oneshot-log.json")

	logger := NewLogger(path, nil)
	require.NoError(t, logger.Append(Envelope{TsMs: 1, IsHeartbeat: true}))
	require.Equal(t, 0, logger.Lines())
	require.NoError(t, logger.Close())

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestLogger_MalformedEnvelopeDiscarded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-oneshot-log.json")

	logger := NewLogger(path, nil)
	require.NoError(t, logger.Append(Envelope{TsMs: 1, Data: Event{Kind: "not-a-real-kind"}}))
	require.Equal(t, 0, logger.Lines())
	require.NoError(t, logger.Close())
}

func TestReadLog_SkipsUnparseableLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-oneshot-log.json")

	content := "{\"ts_ms\":1,\"executor\":\"worker\",\"data\":{\"kind\":\"preamble\",\"text\":\"hi\"}}\n" +
		"not json at all\n" +
		"{\"ts_ms\":2,\"executor\":\"worker\",\"data\":{\"kind\":\"completion_result\",\"text\":\"done\"}}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	envelopes, err := ReadLog(path, nil)
	require.NoError(t, err)
	require.Len(t, envelopes, 2)
	require.Equal(t, int64(2), LastTsMs(envelopes))
}

func TestReadLog_MissingFileReturnsEmpty(t *testing.T) {
	envelopes, err := ReadLog(filepath.Join(t.TempDir(), "missing.json"), nil)
	require.NoError(t, err)
	require.Empty(t, envelopes)
}
