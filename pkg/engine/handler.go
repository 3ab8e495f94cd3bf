package engine

import (
	"context"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/equb"
)

// Result is the outcome of an accepted command.
type Result struct {
	// Event is the audit event committed for the command.
	Event domain.AuditEvent
	// Aggregate is the snapshot after the command.
	Aggregate domain.Aggregate
}

// Handler executes one command.
type Handler interface {
	Handle(ctx context.Context, env domain.CommandEnvelope, cmd equb.Command) (Result, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, env domain.CommandEnvelope, cmd equb.Command) (Result, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env domain.CommandEnvelope, cmd equb.Command) (Result, error) {
	return f(ctx, env, cmd)
}

// Middleware wraps a Handler.
type Middleware func(Handler) Handler

// Chain wraps h so that the first middleware is the outermost.
func Chain(h Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// CommandType names cmd for logs, spans and metrics.
func CommandType(cmd equb.Command) string {
	if cmd == nil {
		return "unknown"
	}
	return cmd.CommandType()
}
