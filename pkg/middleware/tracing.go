package middleware

import (
	"context"
	"fmt"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/engine"
	"github.com/plaenen/equbledger/pkg/equb"
	"github.com/plaenen/equbledger/pkg/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OpenTelemetryMiddleware adds a span per command using the global tracer provider.
func OpenTelemetryMiddleware(tracerName string) engine.Middleware {
	if tracerName == "" {
		tracerName = observability.TracerName
	}
	return OpenTelemetryMiddlewareWithTracer(otel.Tracer(tracerName))
}

// OpenTelemetryMiddlewareWithTracer creates middleware with a specific tracer.
func OpenTelemetryMiddlewareWithTracer(tracer trace.Tracer) engine.Middleware {
	return func(next engine.Handler) engine.Handler {
		return engine.HandlerFunc(func(ctx context.Context, env domain.CommandEnvelope, cmd equb.Command) (engine.Result, error) {
			commandType := engine.CommandType(cmd)

			spanCtx, span := tracer.Start(ctx, fmt.Sprintf("command.%s", commandType),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(observability.CommandAttrs(commandType, env)...),
			)
			defer span.End()

			res, err := next.Handle(spanCtx, env, cmd)

			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				if de, ok := domain.AsError(err); ok {
					span.SetAttributes(observability.ErrorAttrs(de)...)
				}
				return res, err
			}

			span.SetAttributes(
				observability.AttrAuditEvent.String(res.Event.ID),
			)
			span.SetStatus(codes.Ok, "command executed successfully")
			return res, nil
		})
	}
}
