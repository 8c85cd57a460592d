package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans of the processing core.
var (
	AttrAggregateID   = attribute.Key("aggregate.id")
	AttrAggregateType = attribute.Key("aggregate.type")
	AttrVersion       = attribute.Key("aggregate.version")

	AttrCommandType   = attribute.Key("command.type")
	AttrCommandID     = attribute.Key("command.id")
	AttrCommandStatus = attribute.Key("command.status")

	AttrStreamCount  = attribute.Key("stream.count")
	AttrAppendResult = attribute.Key("append.result")
)

// StartSpan starts a span carrying attrs.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SetSpanError records err on the span in ctx.
func SetSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the trace id in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// CommandAttrs returns the attributes of a command span.
func CommandAttrs(commandType, commandID, aggregateID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCommandType.String(commandType),
		AttrCommandID.String(commandID),
		AttrAggregateID.String(aggregateID),
	}
}
