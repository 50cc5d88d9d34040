// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics collects the Prometheus series the Engine, Pipeline, and Executor
// update during a session. One instance should be shared process-wide.
var (
	IterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oneshot_iterations_total",
		Help: "Total sessions that reached a terminal state, by outcome.",
	}, []string{"outcome"})

	StateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oneshot_state_transitions_total",
		Help: "Total state machine transitions, by from-state and event.",
	}, []string{"from", "event"})

	EnvelopesEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oneshot_envelopes_emitted_total",
		Help: "Total non-heartbeat activity envelopes emitted to the UI and log.",
	}, []string{"executor_role"})

	ExecutorLaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oneshot_executor_launches_total",
		Help: "Total agent subprocess/HTTP launches, by executor name and result.",
	}, []string{"executor", "result"})

	ExecutorRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oneshot_executor_run_duration_seconds",
		Help:    "Wall-clock duration of a single executor run.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"executor", "role"})

	InactivityTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oneshot_inactivity_timeouts_total",
		Help: "Total times the inactivity watchdog fired, by role.",
	}, []string{"role"})

	RecoveryResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oneshot_recovery_results_total",
		Help: "Total forensic recovery outcomes, by executor and verdict hint.",
	}, []string{"executor", "verdict_hint"})
)

// meter is the package-wide OTel meter. Prometheus remains the primary
// scrape surface (ServeMetrics below); the OTel counter exists so a
// deployment collecting via OTLP instead of /metrics still sees envelope
// volume without standing up a second exporter path.
var meter = otel.Meter(tracerName)

var envelopesEmittedCounter, _ = meter.Int64Counter(
	"oneshot.envelopes.emitted",
	metric.WithDescription("Non-heartbeat activity envelopes emitted, mirroring oneshot_envelopes_emitted_total."),
)

// RecordEnvelopeEmitted increments both the Prometheus series and its OTel
// counterpart for one freshly emitted, non-heartbeat envelope.
func RecordEnvelopeEmitted(ctx context.Context, executorRole string) {
	EnvelopesEmittedTotal.WithLabelValues(executorRole).Inc()
	envelopesEmittedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("executor_role", executorRole)))
}

// ServeMetrics starts a /metrics HTTP listener on addr and blocks until ctx
// is cancelled. Used only when EngineConfig.MetricsAddr is non-empty.
func ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
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
