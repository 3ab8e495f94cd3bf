// Package admission decides whether a command may be applied at all:
// it must not have been applied before and it must be newer than everything
// already accepted for its aggregate.
package admission

import (
	"context"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/store"
)

// Gate checks commands against the processed command store. It never
// records anything; recording is part of the commit.
type Gate struct {
	processed store.ProcessedCommandStore
}

// NewGate creates a Gate.
func NewGate(processed store.ProcessedCommandStore) *Gate {
	return &Gate{processed: processed}
}

// Admit returns a DuplicateCommand error if commandID was already applied to
// aggregateID, or a CommandOrdering error if issuedAt does not come strictly
// after the last accepted command. Store errors are returned unmodified.
func (g *Gate) Admit(ctx context.Context, aggregateID, commandID string, issuedAt time.Time) error {
	done, err := g.processed.HasProcessed(ctx, aggregateID, commandID)
	if err != nil {
		return err
	}
	if done {
		return domain.DuplicateCommand(aggregateID, commandID)
	}

	last, ok, err := g.processed.LastTimestamp(ctx, aggregateID)
	if err != nil {
		return err
	}
	if ok && !issuedAt.After(last) {
		return domain.OutOfOrder(aggregateID, issuedAt.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
	}
	return nil
}

// AdmitEnvelope is Admit for a whole envelope.
func (g *Gate) AdmitEnvelope(ctx context.Context, env domain.CommandEnvelope) error {
	return g.Admit(ctx, env.AggregateID, env.CommandID, env.IssuedAt)
}
