package store

import (
	"context"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
)

// AuditStore persists audit events. It is append-only: there is no update
// or delete operation.
type AuditStore interface {
	// Append persists one event. Errors are returned to the caller unmodified.
	Append(ctx context.Context, event domain.AuditEvent) error

	// GetOrdered returns the events of an equb, oldest first. Events with the
	// same timestamp keep their append order.
	GetOrdered(ctx context.Context, equbID string) ([]domain.AuditEvent, error)

	// Query returns the events matching every non-zero field of c, oldest first.
	Query(ctx context.Context, c Criteria) ([]domain.AuditEvent, error)
}

// Criteria filters audit events. Zero fields match everything.
type Criteria struct {
	EqubID    string
	ActorID   string
	CommandID string
	// Before and After bound the event timestamp exclusively.
	Before time.Time
	After  time.Time
}

// Match reports whether e satisfies the criteria.
func (c Criteria) Match(e domain.AuditEvent) bool {
	if c.EqubID != "" && e.EqubID != c.EqubID {
		return false
	}
	if c.ActorID != "" && e.ActorID != c.ActorID {
		return false
	}
	if c.CommandID != "" && e.CommandID != c.CommandID {
		return false
	}
	if !c.Before.IsZero() && !e.Timestamp.Before(c.Before) {
		return false
	}
	if !c.After.IsZero() && !e.Timestamp.After(c.After) {
		return false
	}
	return true
}
