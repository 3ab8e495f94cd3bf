// Package store defines the persistence contracts the engine depends on.
// Implementations live in the memory and sqlite subpackages.
package store

import (
	"context"
	"errors"

	"github.com/plaenen/equbledger/pkg/domain"
)

// ErrNotFound is returned when an equb, contribution or payout does not exist.
var ErrNotFound = errors.New("not found")

// AggregateStore holds the live snapshot of every equb aggregate.
type AggregateStore interface {
	// Get returns the equb with all of its contributions and payouts.
	// Returns ErrNotFound if the equb does not exist.
	Get(ctx context.Context, equbID string) (domain.Aggregate, error)

	// Put creates or replaces the equb root.
	Put(ctx context.Context, equb domain.Equb) error

	// GetContribution loads a single contribution.
	GetContribution(ctx context.Context, id string) (domain.Contribution, error)

	// PutContribution creates or replaces a contribution. Its equb must exist.
	PutContribution(ctx context.Context, c domain.Contribution) error

	// GetPayout loads a single payout.
	GetPayout(ctx context.Context, id string) (domain.Payout, error)

	// PutPayout creates or replaces a payout. Its equb must exist.
	PutPayout(ctx context.Context, p domain.Payout) error

	// List returns the ids of all equbs, sorted.
	List(ctx context.Context) ([]string, error)
}
