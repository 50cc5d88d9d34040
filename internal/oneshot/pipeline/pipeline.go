// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline streams an executor's raw output through extraction,
// translation, timestamping, an inactivity watchdog, and the NDJSON
// activity log, in that order, handing each envelope to a UI callback as
// it is produced.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oneshot-run/oneshot/internal/oneshot/activity"
	"github.com/oneshot-run/oneshot/internal/oneshot/executor"
	"github.com/oneshot-run/oneshot/internal/oneshot/telemetry"
)

// ErrInactivityTimeout is returned by Run when the watchdog fires.
var ErrInactivityTimeout = errors.New("pipeline: inactivity timeout")

// EmitFunc hands a freshly produced envelope to the UI layer. It must not
// block for long; the pipeline calls it synchronously in ingress order.
type EmitFunc func(activity.Envelope)

// Config parameterizes a single Run call.
type Config struct {
	OneshotID         string
	ExecutorRole      activity.Executor
	InactivityTimeout time.Duration
	Logger            *slog.Logger
	ActivityLog       *activity.Logger
	Emit              EmitFunc
}

// Run pulls raw items from stream, extracts/translates/timestamps each
// one, appends it to the activity log, and invokes Emit — all while a
// concurrent watchdog cancels the run if no envelope arrives within
// InactivityTimeout. Run returns when the stream closes, ctx is
// cancelled, or the watchdog fires.
func Run(ctx context.Context, cfg Config, ex executor.Executor, stream executor.StreamHandle) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lastActivity int64 // unix nanos, accessed via atomic-safe mutex below
	var mu sync.Mutex
	touch := func() {
		mu.Lock()
		lastActivity = time.Now().UnixNano()
		mu.Unlock()
	}
	touch()

	var timedOut bool
	var timedOutMu sync.Mutex

	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// The watchdog only observes ctx cancellation; errgroup cancels
		// gCtx on error alone, so a clean stream close must cancel
		// explicitly or the watchdog would idle out the full timeout and
		// misreport the silence as an inactivity kill.
		defer cancel()
		return readLoop(gCtx, cfg, ex, stream, touch)
	})

	if cfg.InactivityTimeout > 0 {
		g.Go(func() error {
			err := watchdog(gCtx, cfg.InactivityTimeout, func() int64 {
				mu.Lock()
				defer mu.Unlock()
				return lastActivity
			}, cancel)
			if errors.Is(err, ErrInactivityTimeout) {
				timedOutMu.Lock()
				timedOut = true
				timedOutMu.Unlock()
			}
			return err
		})
	}

	err := g.Wait()

	// readLoop returning ctx.Err() after the watchdog already fired would
	// otherwise race errgroup's first-error-wins semantics and mask the
	// timeout as a plain cancellation; the flag makes the watchdog's
	// verdict authoritative regardless of which goroutine's error lands
	// first.
	timedOutMu.Lock()
	defer timedOutMu.Unlock()
	if timedOut {
		return ErrInactivityTimeout
	}
	return err
}

// readLoop is stage 1-4, 6, 7: ingest, JSON-extract, translate, timestamp,
// log, emit.
func readLoop(ctx context.Context, cfg Config, ex executor.Executor, stream executor.StreamHandle, touch func()) error {
	extractorState := newJSONExtractor()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-stream.Items():
			if !ok {
				return stream.Err()
			}

			objects, preambleText := extractorState.feed(item.Bytes)
			if preambleText = strings.TrimSpace(stripANSI(preambleText)); preambleText != "" {
				// Text outside any JSON object is offered to the executor's
				// own translator first: line-oriented agents (gemini, aider)
				// carry their real output here, not in JSON objects.
				if ev, ok := ex.Translate(executor.RawItem{Bytes: []byte(preambleText)}); ok {
					emitEvent(cfg, ev, touch)
				} else {
					emitEvent(cfg, activity.Preamble(preambleText), touch)
				}
			}

			if item.Object != nil {
				objects = append(objects, executor.RawItem{Object: item.Object})
			}
			for _, obj := range objects {
				ev, ok := ex.Translate(obj)
				if !ok {
					continue
				}
				emitEvent(cfg, ev, touch)
			}
		}
	}
}

func emitEvent(cfg Config, ev activity.Event, touch func()) {
	touch()
	env := activity.Envelope{
		TsMs:         time.Now().UnixMilli(),
		ExecutorRole: cfg.ExecutorRole,
		OneshotID:    cfg.OneshotID,
		Data:         ev,
	}
	if cfg.ActivityLog != nil {
		if err := cfg.ActivityLog.Append(env); err != nil {
			slog.Default().Warn("pipeline: failed to append envelope", slog.String("error", err.Error()))
		}
	}
	telemetry.RecordEnvelopeEmitted(context.Background(), string(cfg.ExecutorRole))
	if cfg.Emit != nil {
		cfg.Emit(env)
	}
}

// watchdog polls lastActivity at a sub-second granularity and cancels the
// run (via cancel) the moment it has been silent for longer than timeout.
func watchdog(ctx context.Context, timeout time.Duration, lastActivity func() int64, cancel context.CancelFunc) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			silentFor := time.Since(time.Unix(0, lastActivity()))
			if silentFor > timeout {
				cancel()
				return ErrInactivityTimeout
			}
		}
	}
}
