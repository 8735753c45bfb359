package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for VaultClaw spans.
var (
	AttrAgentID      = attribute.Key("vaultclaw.agent.id")
	AttrSessionID    = attribute.Key("vaultclaw.session.id")
	AttrRunID        = attribute.Key("vaultclaw.run.id")
	AttrStage        = attribute.Key("vaultclaw.turn.stage")
	AttrToolName     = attribute.Key("vaultclaw.tool.name")
	AttrModel        = attribute.Key("vaultclaw.llm.model")
	AttrTokensInput  = attribute.Key("vaultclaw.llm.tokens.input")
	AttrTokensOutput = attribute.Key("vaultclaw.llm.tokens.output")
	AttrScheduleID   = attribute.Key("vaultclaw.schedule.id")
	AttrErrorCode    = attribute.Key("vaultclaw.error.code")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
// A nil tracer yields a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
