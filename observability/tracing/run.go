package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of pipeline spans.
const TracerName = "stageflow.pipeline"

// RunTracer creates the spans of a pipeline run: one per run, with children
// for each stage, step and post-hook step.
type RunTracer struct {
	tracer trace.Tracer
}

// NewRunTracer creates a RunTracer. If tracer is nil, the global tracer
// provider is used.
func NewRunTracer(tracer trace.Tracer) *RunTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer(TracerName)
	}
	return &RunTracer{tracer: tracer}
}

// StartRun begins the root span of a run.
func (t *RunTracer) StartRun(ctx context.Context, pipeline, runID, branch string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "pipeline.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("pipeline.name", pipeline),
			attribute.String("pipeline.run_id", runID),
			attribute.String("pipeline.branch", branch),
		),
	)
}

// StartStage begins a span for an eligible stage.
func (t *RunTracer) StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "pipeline.stage",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("pipeline.stage", stage)),
	)
}

// StartStep begins a span for a stage step.
func (t *RunTracer) StartStep(ctx context.Context, stage, step string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "pipeline.step",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("pipeline.stage", stage),
			attribute.String("pipeline.step", step),
		),
	)
}

// StartHook begins a span for a post-hook step.
func (t *RunTracer) StartHook(ctx context.Context, kind, step string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "pipeline.hook",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("pipeline.hook", kind),
			attribute.String("pipeline.step", step),
		),
	)
}

// RecordError records err on span and marks it failed.
func (t *RunTracer) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks a span as successful.
func (t *RunTracer) SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
