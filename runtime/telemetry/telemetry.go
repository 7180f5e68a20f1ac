// Package telemetry defines the observability surface used throughout loom.
// Components accept these interfaces in their Options; nil values default to
// the noop implementations so telemetry never becomes a hard dependency.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
// Implementations typically delegate to Clue but the interface is
// intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for runtime
// instrumentation. Loom records invocation counts and durations, node step
// counts, and running spend through this interface.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code can remain agnostic of the
// underlying OpenTelemetry provider. Uses OTEL option types for type safety.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
//
//	ctx, span := tracer.Start(ctx, "loom.invoke_node")
//	defer span.End()
//	span.SetStatus(codes.Ok, "completed")
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names emitted by the runtime. Backends receive them through the
// Metrics interface with "workflow", "node", and "status" tags as applicable.
const (
	MetricInvocations     = "loom.invocations.total"
	MetricInvocationTime  = "loom.invocation.duration"
	MetricNodeInvocations = "loom.node_invocations.total"
	MetricNodeTime        = "loom.node_invocation.duration"
	MetricSteps           = "loom.trace.steps.total"
	MetricSpendUSD        = "loom.spend.usd"
)
