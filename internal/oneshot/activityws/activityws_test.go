// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package activityws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/oneshot-run/oneshot/internal/oneshot/activity"
)

func TestHub_BroadcastsToConnectedClient(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/activity"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give ServeHTTP time to register the client before broadcasting.
	time.Sleep(50 * time.Millisecond)

	want := activity.Envelope{TsMs: 1234, ExecutorRole: activity.Worker, OneshotID: "s1", Data: activity.CompletionResult("done")}
	hub.Broadcast(want)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got activity.Envelope
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, want.OneshotID, got.OneshotID)
	require.Equal(t, want.Data.Text, got.Data.Text)
}

func TestHub_BroadcastWithNoClientsDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	hub.Broadcast(activity.Envelope{OneshotID: "s1"})
}
