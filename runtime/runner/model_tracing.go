package runner

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/loom/runtime/model"
	"goa.design/loom/runtime/telemetry"
)

// routingClient dispatches completions to per-model clients, falling
// back to the default client for model names without an override. Nodes
// select models by name in the DSL; the routing happens per request so
// one pipeline serves mixed-provider graphs.
type routingClient struct {
	fallback model.Client
	models   map[string]model.Client
}

// routeModels wraps fallback with per-model routing when overrides are
// configured. Without overrides the fallback is returned unchanged.
func routeModels(fallback model.Client, models map[string]model.Client) model.Client {
	if len(models) == 0 {
		return fallback
	}
	routed := make(map[string]model.Client, len(models))
	for id, c := range models {
		if id != "" && c != nil {
			routed[id] = c
		}
	}
	if len(routed) == 0 {
		return fallback
	}
	return &routingClient{fallback: fallback, models: routed}
}

func (c *routingClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if cl, ok := c.models[req.Model]; ok {
		return cl.Complete(ctx, req)
	}
	return c.fallback.Complete(ctx, req)
}

// tracedClient decorates a model client so every provider round emits a
// client span carrying the model, token usage and stop reason.
type tracedClient struct {
	inner  model.Client
	tracer telemetry.Tracer
	logger telemetry.Logger
}

func newTracedClient(inner model.Client, tracer telemetry.Tracer, logger telemetry.Logger) model.Client {
	if inner == nil {
		return nil
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &tracedClient{inner: inner, tracer: tracer, logger: logger}
}

func (c *tracedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	ctx, span := c.tracer.Start(
		ctx,
		"model.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("loom.model", req.Model),
			attribute.Int("loom.tools", len(req.Tools)),
			attribute.Int("loom.max_tokens", req.MaxTokens),
		),
	)
	defer span.End()

	resp, err := c.inner.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model complete failed")
		c.logger.Error(ctx, "model complete failed",
			"model", req.Model,
			"err", err)
		return resp, err
	}
	if (resp.Usage != model.TokenUsage{}) {
		span.AddEvent("model.usage",
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
			"total_tokens", resp.Usage.TotalTokens,
		)
	}
	if resp.StopReason != "" {
		span.AddEvent("model.stop", "reason", resp.StopReason)
	}
	span.SetStatus(codes.Ok, "ok")
	return resp, nil
}
