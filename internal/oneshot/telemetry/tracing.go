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
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/oneshot-run/oneshot"

// Tracer returns the package-wide oneshot tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTracing installs a process-wide TracerProvider. Without an exporter
// configured, spans are recorded in-process only (no OTLP endpoint is
// required for oneshot to emit trace/span IDs into its own logs); callers
// that want export can register an exporter before calling InitTracing.
func InitTracing(serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(context.Background(), resource.WithAttributes())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// WithTrace returns logger annotated with the trace/span IDs active in ctx,
// a no-op when ctx carries
// no valid span.
func WithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
