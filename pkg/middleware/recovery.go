package middleware

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/engine"
	"github.com/plaenen/equbledger/pkg/equb"
)

// RecoveryMiddleware turns a panic in the handler chain into an
// INTERNAL_FAILURE error so it still produces exactly one abort event.
func RecoveryMiddleware(logger *slog.Logger) engine.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next engine.Handler) engine.Handler {
		return engine.HandlerFunc(func(ctx context.Context, env domain.CommandEnvelope, cmd equb.Command) (res engine.Result, err error) {
			defer func() {
				if r := recover(); r != nil {
					stack := string(debug.Stack())

					logger.ErrorContext(ctx, "Command handler panicked",
						slog.String("command_id", env.CommandID),
						slog.String("command_type", engine.CommandType(cmd)),
						slog.Any("panic", r),
						slog.String("stack_trace", stack),
					)

					res = engine.Result{}
					err = domain.NewError(domain.KindGeneric, domain.CodeInternal,
						"command handler panicked: %v", r)
				}
			}()

			return next.Handle(ctx, env, cmd)
		})
	}
}
