package observability

import (
	"context"

	"github.com/plaenen/equbledger/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of the ledger's spans.
const TracerName = "equbledger"

// SpanOption configures a span
type SpanOption func(trace.Span)

// WithAttributes adds attributes to a span
func WithAttributes(attrs ...attribute.KeyValue) SpanOption {
	return func(span trace.Span) {
		span.SetAttributes(attrs...)
	}
}

// StartSpan starts a new span with the given name and options
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...SpanOption) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	for _, opt := range opts {
		opt(span)
	}
	return ctx, span
}

// EndSpan ends a span, optionally recording an error
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if de, ok := domain.AsError(err); ok {
			span.SetAttributes(ErrorAttrs(de)...)
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID extracts the trace ID from context as a string
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// Common attribute keys
var (
	AttrEqubID      = attribute.Key("equb.id")
	AttrCommandType = attribute.Key("command.type")
	AttrCommandID   = attribute.Key("command.id")
	AttrActorRole   = attribute.Key("actor.role")
	AttrAuditEvent  = attribute.Key("audit.event_id")
	AttrAbortID     = attribute.Key("abort.id")
	AttrErrorKind   = attribute.Key("error.kind")
	AttrErrorCode   = attribute.Key("error.code")
)

// CommandAttrs returns the attributes of a submitted command
func CommandAttrs(commandType string, env domain.CommandEnvelope) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCommandType.String(commandType),
		AttrCommandID.String(env.CommandID),
		AttrEqubID.String(env.AggregateID),
		AttrActorRole.String(string(env.Actor.Role())),
	}
}

// ErrorAttrs returns the taxonomy attributes of a domain error
func ErrorAttrs(err *domain.Error) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrErrorKind.String(string(err.Kind)),
		AttrErrorCode.String(err.Code),
	}
}
