package store

import (
	"context"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
)

// ProcessedCommandStore remembers which commands were applied to which
// aggregate and when they were issued.
type ProcessedCommandStore interface {
	// HasProcessed reports whether commandID was already applied to aggregateID.
	HasProcessed(ctx context.Context, aggregateID, commandID string) (bool, error)

	// RecordProcessed marks the envelope's command as applied.
	RecordProcessed(ctx context.Context, env domain.CommandEnvelope) error

	// LastTimestamp returns the issue time of the latest command applied to
	// aggregateID. ok is false when nothing was applied yet.
	LastTimestamp(ctx context.Context, aggregateID string) (last time.Time, ok bool, err error)
}
