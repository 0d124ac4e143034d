// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span wraps an OpenTelemetry span with pipeline helpers. A nil *Span is a
// no-op.
type Span struct {
	span trace.Span
}

// StartEntity creates the span covering one entity's processing.
func StartEntity(ctx context.Context, tracer trace.Tracer, runID, entity string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, "entity.process",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("vgpflow.run_id", runID),
			attribute.String("vgpflow.entity", entity),
		),
	)
	return ctx, &Span{span: span}
}

// StartTick creates a span for one executor tick.
func StartTick(ctx context.Context, tracer trace.Tracer, entity string) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, "entity.tick",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("vgpflow.entity", entity)),
	)
	return ctx, &Span{span: span}
}

// StartSubmission creates a span for one remote job submission.
func StartSubmission(ctx context.Context, tracer trace.Tracer, entity, stage string, attempt int) (context.Context, *Span) {
	ctx, span := tracer.Start(ctx, "stage.submit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("vgpflow.entity", entity),
			attribute.String("vgpflow.stage", stage),
			attribute.Int("vgpflow.attempt", attempt),
		),
	)
	return ctx, &Span{span: span}
}

// SetString adds a string attribute.
func (s *Span) SetString(key, value string) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(attribute.String(key, value))
}

// AddEvent records a named event.
func (s *Span) AddEvent(name string, kv ...attribute.KeyValue) {
	if s == nil || s.span == nil {
		return
	}
	s.span.AddEvent(name, trace.WithAttributes(kv...))
}

// RecordError records an error and marks the span failed.
func (s *Span) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End marks the span as complete.
func (s *Span) End() {
	if s == nil || s.span == nil {
		return
	}
	s.span.End()
}
