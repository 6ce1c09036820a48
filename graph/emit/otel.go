package emit

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each event into an OpenTelemetry span.
//
// The span is named after the event type and carries the run, node and
// timing fields as attributes under the "flowforge." namespace. Events that
// carry an error set the span status to Error. Spans are ended immediately:
// an event marks a point in time, and the node's duration is recorded as an
// attribute rather than as span length.
//
// Usage:
//
//	tracer := otel.Tracer("flowforge")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter producing spans through tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and ends a span for the event.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Type)
	defer span.End()

	span.SetAttributes(
		attribute.String("flowforge.run_id", event.RunID),
		attribute.Int("flowforge.iteration", event.Iteration),
	)
	if event.NodeName != "" {
		span.SetAttributes(attribute.String("flowforge.node", event.NodeName))
	}
	if event.CurrentNode != "" {
		span.SetAttributes(attribute.String("flowforge.current_node", event.CurrentNode))
	}
	if event.Status != "" {
		span.SetAttributes(attribute.String("flowforge.status", event.Status))
	}
	if event.DurationMS > 0 {
		span.SetAttributes(attribute.Int64("flowforge.duration_ms", event.DurationMS))
	}
	if event.Type == TypeWorkflowCompleted {
		span.SetAttributes(
			attribute.Int64("flowforge.total_duration_ms", event.TotalDurationMS),
			attribute.Int("flowforge.total_iterations", event.TotalIterations),
		)
	}
	if event.Error != "" {
		span.SetStatus(codes.Error, event.Error)
		span.RecordError(errors.New(event.Error))
	}
}

// Flush forces export of pending spans through the global tracer provider.
// Call before shutdown so batched spans are not lost.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
