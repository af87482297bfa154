package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentdesk"

// StartSessionSpan starts a span for a coordinator operation on a session.
func StartSessionSpan(ctx context.Context, op, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session."+op,
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
}

// StartDecisionSpan starts a span for one control loop decision.
func StartDecisionSpan(ctx context.Context, sessionID, connector string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "decision",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("ai.connector", connector),
		),
	)
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
