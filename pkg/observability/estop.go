// estop-specific instrumentation helpers and semantic attributes.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// estop semantic convention attributes.
var (
	AttrOperation = attribute.Key("estop.operation")
	AttrTarget    = attribute.Key("estop.target.id")
	AttrActor     = attribute.Key("estop.actor.id")

	AttrPlanState = attribute.Key("estop.plan.state")
	AttrPlanSize  = attribute.Key("estop.plan.size")

	AttrPermissionID = attribute.Key("estop.permission.id")
	AttrCapability   = attribute.Key("estop.capability")

	AttrEventKind = attribute.Key("estop.event.kind")
	AttrChainSeq  = attribute.Key("estop.chain.seq")
)

// BrakeOperation creates attributes for one brake entry point call.
func BrakeOperation(operation, target, actor string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String(operation),
		AttrTarget.String(target),
		AttrActor.String(actor),
	}
}

// PlanSnapshot creates attributes describing a target's plan.
func PlanSnapshot(target, state string, size int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTarget.String(target),
		AttrPlanState.String(state),
		AttrPlanSize.Int(size),
	}
}

// JournalAppend creates attributes for one recorded event.
func JournalAppend(kind, target string, seq int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventKind.String(kind),
		AttrTarget.String(target),
		AttrChainSeq.Int64(seq),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records the error on the current span, if any.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
