package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name of the tracer for tracking operations.
	TracerName = "tracking"
)

// Span attribute keys
const (
	AttrEntityType = "entity_type"
	AttrEntityID   = "entity_id"
	AttrMergeEvent = "merge_event"
	AttrAction     = "action"
	AttrOutcome    = "outcome"
	AttrJobKind    = "job_kind"
)

// Tracer provides distributed tracing for tracking operations.
// A nil *Tracer starts no-op spans.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// NewTracerFrom creates a tracer from an explicit provider.
func NewTracerFrom(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(TracerName)}
}

// StartAction starts a span named tracking.<action>.
func (t *Tracer) StartAction(ctx context.Context, action, entityType string, entityID int64) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return t.tracer.Start(ctx, "tracking."+action,
		trace.WithAttributes(
			attribute.String(AttrAction, action),
			attribute.String(AttrEntityType, entityType),
			attribute.Int64(AttrEntityID, entityID),
		),
	)
}

// StartJob starts a span for a dispatched job.
func (t *Tracer) StartJob(ctx context.Context, kind string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return t.tracer.Start(ctx, "tracking.job",
		trace.WithAttributes(attribute.String(AttrJobKind, kind)),
	)
}

// SetMergeEvent tags the span with the merge event id.
func SetMergeEvent(span trace.Span, event int64) {
	span.SetAttributes(attribute.Int64(AttrMergeEvent, event))
}

// End finishes span, recording err and the outcome label.
func End(span trace.Span, outcome string, err error) {
	if outcome != "" {
		span.SetAttributes(attribute.String(AttrOutcome, outcome))
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
