package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceDispatch starts a span covering the routing of one request.
func TraceDispatch(ctx context.Context, requestID, channel, handler string) (context.Context, trace.Span) {
	tracer := Tracer("agentos.dispatch")
	return tracer.Start(ctx, "dispatch.route",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("dispatch.channel", channel),
			attribute.String("dispatch.handler", handler),
		),
	)
}

// TraceDispatchResult records the outcome on a dispatch span.
func TraceDispatchResult(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("dispatch.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
