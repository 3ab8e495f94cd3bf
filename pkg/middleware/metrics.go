package middleware

import (
	"context"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/engine"
	"github.com/plaenen/equbledger/pkg/equb"
	"github.com/plaenen/equbledger/pkg/observability"
)

// MetricsMiddleware records duration, outcome and lock contention per command.
func MetricsMiddleware(m *observability.Metrics) engine.Middleware {
	return func(next engine.Handler) engine.Handler {
		return engine.HandlerFunc(func(ctx context.Context, env domain.CommandEnvelope, cmd equb.Command) (engine.Result, error) {
			start := time.Now()
			res, err := next.Handle(ctx, env, cmd)
			m.RecordCommand(ctx, engine.CommandType(cmd), time.Since(start), err)
			return res, err
		})
	}
}
