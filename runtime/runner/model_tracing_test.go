package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/model/modeltest"
	"goa.design/loom/runtime/telemetry"
)

type recordingTracer struct {
	spans []*recordingSpan
}

func (t *recordingTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	span := &recordingSpan{name: name}
	t.spans = append(t.spans, span)
	return ctx, span
}

func (t *recordingTracer) Span(context.Context) telemetry.Span {
	if len(t.spans) == 0 {
		return &recordingSpan{}
	}
	return t.spans[len(t.spans)-1]
}

type spanEvent struct {
	name  string
	attrs []any
}

type recordingSpan struct {
	name   string
	ended  bool
	code   codes.Code
	desc   string
	events []spanEvent
	errs   []error
}

func (s *recordingSpan) End(...trace.SpanEndOption) { s.ended = true }

func (s *recordingSpan) AddEvent(name string, attrs ...any) {
	s.events = append(s.events, spanEvent{name: name, attrs: attrs})
}

func (s *recordingSpan) SetStatus(code codes.Code, desc string) {
	s.code, s.desc = code, desc
}

func (s *recordingSpan) RecordError(err error, _ ...trace.EventOption) {
	s.errs = append(s.errs, err)
}

func TestRouteModelsWithoutOverrides(t *testing.T) {
	t.Parallel()
	fallback := modeltest.New()

	assert.Same(t, fallback, routeModels(fallback, nil))
	assert.Same(t, fallback, routeModels(fallback, map[string]model.Client{
		"":        modeltest.New(),
		"ignored": nil,
	}))
}

func TestRouteModelsDispatchesOnRequestModel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fallback := modeltest.New().RespondText("fallback out", 0.001)
	override := modeltest.New().RespondText("override out", 0.002)
	routed := routeModels(fallback, map[string]model.Client{"gpt-4o-mini": override})

	resp, err := routed.Complete(ctx, model.Request{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "override out", resp.Content)

	resp, err = routed.Complete(ctx, model.Request{Model: "claude-3-5-sonnet-20241022"})
	require.NoError(t, err)
	assert.Equal(t, "fallback out", resp.Content)

	assert.Equal(t, 1, override.Calls())
	assert.Equal(t, 1, fallback.Calls())
}

func TestTracedClientRecordsSuccess(t *testing.T) {
	t.Parallel()
	inner := modeltest.New().Respond(model.Response{
		Content:    "ok",
		Cost:       0.01,
		StopReason: model.StopReasonEnd,
		Usage:      model.TokenUsage{InputTokens: 12, OutputTokens: 5, TotalTokens: 17},
	})
	tracer := &recordingTracer{}
	traced := newTracedClient(inner, tracer, nil)

	resp, err := traced.Complete(context.Background(), model.Request{Model: "claude-3-5-sonnet-20241022", MaxTokens: 256})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)

	require.Len(t, tracer.spans, 1)
	span := tracer.spans[0]
	assert.Equal(t, "model.complete", span.name)
	assert.True(t, span.ended)
	assert.Equal(t, codes.Ok, span.code)
	assert.Empty(t, span.errs)
	require.Len(t, span.events, 2)
	assert.Equal(t, "model.usage", span.events[0].name)
	assert.Equal(t, []any{"input_tokens", 12, "output_tokens", 5, "total_tokens", 17}, span.events[0].attrs)
	assert.Equal(t, "model.stop", span.events[1].name)
}

func TestTracedClientRecordsFailure(t *testing.T) {
	t.Parallel()
	inner := modeltest.New().Fail(errors.New("rate limited"))
	tracer := &recordingTracer{}
	traced := newTracedClient(inner, tracer, nil)

	_, err := traced.Complete(context.Background(), model.Request{Model: "claude-3-5-sonnet-20241022"})
	require.EqualError(t, err, "rate limited")

	require.Len(t, tracer.spans, 1)
	span := tracer.spans[0]
	assert.True(t, span.ended)
	assert.Equal(t, codes.Error, span.code)
	require.Len(t, span.errs, 1)
	assert.EqualError(t, span.errs[0], "rate limited")
	assert.Empty(t, span.events)
}

func TestNewTracedClientNilInner(t *testing.T) {
	t.Parallel()
	assert.Nil(t, newTracedClient(nil, &recordingTracer{}, nil))
}
