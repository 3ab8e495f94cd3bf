// Package audit owns the audit trail: the append-only log, the deterministic
// replayer that folds it into derived state, and the verifier that compares
// that state with the live snapshot.
package audit

import (
	"context"
	"slices"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/store"
)

// Log is the append-only audit log of every equb.
type Log struct {
	store store.AuditStore
}

// NewLog creates a Log over s.
func NewLog(s store.AuditStore) *Log {
	return &Log{store: s}
}

// Append persists one event. Malformed events are rejected before they reach
// the store; store errors are returned unmodified.
func (l *Log) Append(ctx context.Context, e domain.AuditEvent) error {
	if err := ValidateEvent(e); err != nil {
		return err
	}
	return l.store.Append(ctx, e)
}

// Events returns the history of an equb, oldest first.
func (l *Log) Events(ctx context.Context, equbID string) ([]domain.AuditEvent, error) {
	return l.store.GetOrdered(ctx, equbID)
}

// EventsReversed returns the history of an equb, newest first.
func (l *Log) EventsReversed(ctx context.Context, equbID string) ([]domain.AuditEvent, error) {
	events, err := l.store.GetOrdered(ctx, equbID)
	if err != nil {
		return nil, err
	}
	slices.Reverse(events)
	return events, nil
}

// Query returns the events matching c, oldest first.
func (l *Log) Query(ctx context.Context, c store.Criteria) ([]domain.AuditEvent, error) {
	return l.store.Query(ctx, c)
}

// ValidateEvent checks the event's vocabulary and required fields.
func ValidateEvent(e domain.AuditEvent) error {
	if e.ID == "" || e.EqubID == "" || e.TargetID == "" || e.CommandID == "" {
		return domain.Invalid(domain.CodeInvalidAuditEvent,
			"audit event %q is missing an id, equb, target or command", e.ID)
	}
	if !e.ActionType.Valid() {
		return domain.Invalid(domain.CodeInvalidAuditEvent,
			"audit event %s has unknown action %q", e.ID, e.ActionType)
	}
	if e.Timestamp.IsZero() {
		return domain.Invalid(domain.CodeInvalidAuditEvent,
			"audit event %s has no timestamp", e.ID)
	}
	if want := expectedTarget(e.ActionType); e.TargetType != want {
		return domain.Invalid(domain.CodeInvalidAuditEvent,
			"audit event %s: %s must target %s, got %q", e.ID, e.ActionType, want, e.TargetType)
	}
	if _, err := domain.ParseRole(string(e.ActorRole)); err != nil {
		return domain.Invalid(domain.CodeInvalidAuditEvent,
			"audit event %s has unknown actor role %q", e.ID, e.ActorRole)
	}
	return nil
}

func expectedTarget(a domain.ActionType) domain.TargetType {
	switch a {
	case domain.ActionContributionStatusChanged:
		return domain.TargetContribution
	case domain.ActionPayoutStatusChanged:
		return domain.TargetPayout
	default:
		return domain.TargetEqub
	}
}
