package store

import (
	"context"

	"github.com/plaenen/equbledger/pkg/domain"
)

// Store bundles the three contracts the engine needs.
type Store interface {
	AggregateStore
	AuditStore
	ProcessedCommandStore
}

// Mutation is everything one accepted command writes.
type Mutation struct {
	Command      domain.CommandEnvelope
	Event        domain.AuditEvent
	Equb         *domain.Equb
	Contribution *domain.Contribution
	Payout       *domain.Payout
}

// Transactor is implemented by stores that can commit a mutation atomically:
// either the audit event, the entity and the processed record are all
// persisted, or none of them is.
type Transactor interface {
	Commit(ctx context.Context, m Mutation) error
}
