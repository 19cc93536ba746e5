package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this instrumentation library.
const tracerName = "github.com/BokX1/sage"

// Tracer wraps the OpenTelemetry tracer for the runtime. Span export is
// configured by the embedding process; the runtime only creates spans.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer backed by the global tracer provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// StartTurn begins the root span for one orchestrated turn.
func (t *Tracer) StartTurn(ctx context.Context, traceID, guildID string, route string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "sage.turn",
		trace.WithAttributes(
			attribute.String("sage.trace_id", traceID),
			attribute.String("sage.guild_id", guildID),
			attribute.String("sage.route", route),
		))
}

// StartPhase begins a child span for one pipeline phase (graph, main pass,
// critic, validate).
func (t *Tracer) StartPhase(ctx context.Context, phase string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "sage."+phase)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
