// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const sandboxTracerName = "ratchet.sandbox"

// Tracer creates spans for pipeline operations.
//
// # Description
//
// When disabled, every Start returns a noop span so callers never branch
// on whether tracing is on.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a tracer. A nil logger uses slog.Default().
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(sandboxTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// Start opens a span named "sandbox.<op>" for a unit in a namespace.
//
// # Outputs
//
//   - context.Context: Context carrying the span.
//   - trace.Span: Caller must pass it to End.
func (t *Tracer) Start(ctx context.Context, op, namespace, unitID string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	ctx, span := t.tracer.Start(ctx, "sandbox."+op,
		trace.WithAttributes(
			attribute.String("ratchet.namespace", namespace),
			attribute.String("ratchet.unit_id", truncateForTrace(unitID, 128)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	t.logger.DebugContext(ctx, "pipeline operation started",
		slog.String("op", op),
		slog.String("unit_id", unitID))
	return ctx, span
}

// End completes a span, recording err if non-nil.
func (t *Tracer) End(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	defer span.End()
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// EndTrial completes a trial span with the outcome attributes.
func (t *Tracer) EndTrial(span trace.Span, result *TrialResult, err error) {
	if result == nil {
		t.End(span, err)
		return
	}
	t.End(span, err,
		attribute.Bool("ratchet.success", result.Success),
		attribute.Bool("ratchet.reverted", result.Reverted),
		attribute.Int("ratchet.validations", len(result.Validations)),
		attribute.Int64("ratchet.duration_ms", result.Duration.Milliseconds()),
	)
}

// RecordEviction notes a checkpoint dropped by the FIFO bound on the
// current span.
func (t *Tracer) RecordEviction(ctx context.Context, unitID string) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("checkpoint_evicted",
			trace.WithAttributes(attribute.String("ratchet.evicted_unit_id", unitID)))
	}
	t.logger.DebugContext(ctx, "checkpoint evicted", slog.String("unit_id", unitID))
}

// truncateForTrace bounds attribute length.
func truncateForTrace(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		if maxLen <= 0 {
			return ""
		}
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
