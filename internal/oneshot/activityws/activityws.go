// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package activityws broadcasts a session's activity envelopes to
// connected websocket clients in real time, so a viewer can tail a run
// without polling the NDJSON log on disk.
package activityws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oneshot-run/oneshot/internal/oneshot/activity"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// clientBuffer bounds how many envelopes a slow client can fall behind by
// before Hub starts dropping delivery to it rather than blocking the
// pipeline that's broadcasting.
const clientBuffer = 64

// Hub fans out activity.Envelope values to every connected websocket
// client. The zero value is not usable; construct with NewHub.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan activity.Envelope
	logger  *slog.Logger
}

// NewHub constructs an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[*websocket.Conn]chan activity.Envelope), logger: logger}
}

// Broadcast implements pipeline.EmitFunc: it queues env for delivery to
// every connected client. A client whose buffer is full has env dropped
// for it rather than stalling the whole broadcast on one slow reader.
func (h *Hub) Broadcast(env activity.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- env:
		default:
			h.logger.Warn("activityws: dropping envelope for slow client", slog.String("remote", conn.RemoteAddr().String()))
		}
	}
}

// ServeHTTP upgrades the request to a websocket and streams every
// subsequently broadcast envelope to it as JSON until the peer
// disconnects or write fails.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("activityws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	ch := make(chan activity.Envelope, clientBuffer)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// A oneshot session only ever pushes; the read loop exists solely to
	// notice when the peer goes away (gorilla requires reads to process
	// control frames and detect a closed connection).
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for env := range ch {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(env); err != nil {
			return
		}
	}
}

// Serve starts an HTTP listener on addr that upgrades every request on
// /activity to a websocket fed by h, blocking until ctx is cancelled.
func Serve(ctx context.Context, addr string, h *Hub) error {
	mux := http.NewServeMux()
	mux.Handle("/activity", h)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
