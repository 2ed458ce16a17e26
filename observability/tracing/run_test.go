package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*RunTracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return NewRunTracer(tp.Tracer("test")), exporter
}

func attr(span tracetest.SpanStub, key string) string {
	for _, kv := range span.Attributes {
		if string(kv.Key) == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestRunTracer_Hierarchy(t *testing.T) {
	rt, exporter := newTestTracer(t)

	ctx, run := rt.StartRun(context.Background(), "ci", "run-1", "dev")
	stageCtx, stage := rt.StartStage(ctx, "Build")
	_, step := rt.StartStep(stageCtx, "Build", "compile")
	step.End()
	stage.End()
	_, hook := rt.StartHook(ctx, "always", "cleanup")
	hook.End()
	run.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 4)
	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	require.Len(t, byName, 4, "span names must not embed stage or step names")

	root := byName["pipeline.run"]
	assert.Equal(t, "ci", attr(root, "pipeline.name"))
	assert.Equal(t, "run-1", attr(root, "pipeline.run_id"))
	assert.Equal(t, "dev", attr(root, "pipeline.branch"))

	st := byName["pipeline.stage"]
	assert.Equal(t, root.SpanContext.SpanID(), st.Parent.SpanID())
	assert.Equal(t, "Build", attr(st, "pipeline.stage"))
	sp := byName["pipeline.step"]
	assert.Equal(t, st.SpanContext.SpanID(), sp.Parent.SpanID())
	assert.Equal(t, "compile", attr(sp, "pipeline.step"))
	hk := byName["pipeline.hook"]
	assert.Equal(t, root.SpanContext.SpanID(), hk.Parent.SpanID())
	assert.Equal(t, "cleanup", attr(hk, "pipeline.step"))
	assert.Equal(t, "always", attr(hk, "pipeline.hook"))
}

func TestRunTracer_Status(t *testing.T) {
	rt, exporter := newTestTracer(t)

	_, failed := rt.StartStep(context.Background(), "Test", "unit")
	rt.RecordError(failed, errors.New("exit status 1"))
	failed.End()

	_, ok := rt.StartStep(context.Background(), "Test", "lint")
	rt.SetSuccess(ok)
	ok.End()

	_, untouched := rt.StartStep(context.Background(), "Test", "noop")
	rt.RecordError(untouched, nil)
	untouched.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "exit status 1", spans[0].Status.Description)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, codes.Ok, spans[1].Status.Code)
	assert.Equal(t, codes.Unset, spans[2].Status.Code)
}

func TestNewRunTracer_NilUsesGlobal(t *testing.T) {
	rt := NewRunTracer(nil)
	require.NotNil(t, rt.tracer)
}
