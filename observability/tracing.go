package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xraph/herald"

// Tracer provides OpenTelemetry spans for dispatch cycles and deliveries.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartDeliverySpan starts a span for one delivery attempt.
func (t *Tracer) StartDeliverySpan(ctx context.Context, taskID, subscriptionID string, sequence int64, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "herald.delivery",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("herald.task_id", taskID),
			attribute.String("herald.subscription_id", subscriptionID),
			attribute.Int64("herald.event_sequence", sequence),
			attribute.Int("herald.attempt", attempt),
		),
	)
}

// EndDeliverySpan ends a delivery span with the attempt's outcome.
func (t *Tracer) EndDeliverySpan(span trace.Span, outcome string, statusCode, latencyMs int, detail string) {
	span.SetAttributes(
		attribute.String("herald.outcome", outcome),
		attribute.Int("http.status_code", statusCode),
		attribute.Int("herald.latency_ms", latencyMs),
	)
	if outcome != "sent" {
		span.SetStatus(codes.Error, detail)
	}
	span.End()
}

// StartDispatchSpan starts a span for one dispatcher cycle.
func (t *Tracer) StartDispatchSpan(ctx context.Context, cursor int64) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "herald.dispatch",
		trace.WithAttributes(attribute.Int64("herald.cursor", cursor)),
	)
}
