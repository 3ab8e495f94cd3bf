// Package middleware provides engine.Middleware implementations for
// logging, panic recovery, tracing and metrics.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/engine"
	"github.com/plaenen/equbledger/pkg/equb"
)

// LoggingMiddleware logs command execution with timing information using slog.
func LoggingMiddleware(logger *slog.Logger) engine.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next engine.Handler) engine.Handler {
		return engine.HandlerFunc(func(ctx context.Context, env domain.CommandEnvelope, cmd equb.Command) (engine.Result, error) {
			start := time.Now()
			commandType := engine.CommandType(cmd)

			logger.InfoContext(ctx, "Executing command",
				slog.String("command_type", commandType),
				slog.String("command_id", env.CommandID),
				slog.String("equb_id", env.AggregateID),
				slog.String("actor_id", env.ActorID()),
				slog.String("actor_role", string(env.Actor.Role())),
			)

			res, err := next.Handle(ctx, env, cmd)

			duration := time.Since(start)

			if err != nil {
				attrs := []any{
					slog.String("command_type", commandType),
					slog.String("command_id", env.CommandID),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				}
				if de, ok := domain.AsError(err); ok {
					attrs = append(attrs,
						slog.String("error_type", string(de.Kind)),
						slog.String("code", de.Code),
					)
				}
				logger.ErrorContext(ctx, "Command execution failed", attrs...)
				return res, err
			}

			logger.InfoContext(ctx, "Command executed successfully",
				slog.String("command_type", commandType),
				slog.String("command_id", env.CommandID),
				slog.String("event_id", res.Event.ID),
				slog.Int64("duration_ms", duration.Milliseconds()),
			)

			return res, nil
		})
	}
}
