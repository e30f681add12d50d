package statemachine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/dataspace-connector/connector/internal/domain/entity"
)

var (
	propagator = propagation.TraceContext{}
	tracer     = otel.Tracer("github.com/dataspace-connector/connector/statemachine")
)

// InjectTraceContext stores the span context of ctx on the entity so later processing joins the
// trace that created it.
func InjectTraceContext(ctx context.Context, b *entity.Base) {
	if b.TraceContext == nil {
		b.TraceContext = map[string]string{}
	}
	propagator.Inject(ctx, propagation.MapCarrier(b.TraceContext))
}

func startSpan(ctx context.Context, machine, state string, b *entity.Base) (context.Context, trace.Span) {
	ctx = propagator.Extract(ctx, propagation.MapCarrier(b.TraceContext))
	return tracer.Start(ctx, machine+"."+state,
		trace.WithAttributes(
			attribute.String("entity.id", b.ID),
			attribute.Int("entity.state_count", b.StateCount),
		))
}
