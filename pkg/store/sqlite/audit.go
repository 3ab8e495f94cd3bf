package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/store"
)

const (
	insertAuditEvent = `INSERT INTO audit_events (event_id, equb_id, action_type, target_id, target_type,
		actor_id, actor_role, previous_value, new_value, reason, command_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectAuditEvents = `SELECT event_id, equb_id, action_type, target_id, target_type,
		actor_id, actor_role, previous_value, new_value, reason, command_id, timestamp
		FROM audit_events`
)

// Append persists one audit event.
func (s *Store) Append(ctx context.Context, event domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEvent(ctx, s.db, event)
}

// GetOrdered returns the equb's events, oldest first.
func (s *Store) GetOrdered(ctx context.Context, equbID string) ([]domain.AuditEvent, error) {
	return s.Query(ctx, store.Criteria{EqubID: equbID})
}

// Query returns the events matching c, oldest first.
func (s *Store) Query(ctx context.Context, c store.Criteria) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if c.EqubID != "" {
		where = append(where, "equb_id = ?")
		args = append(args, c.EqubID)
	}
	if c.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, c.ActorID)
	}
	if c.CommandID != "" {
		where = append(where, "command_id = ?")
		args = append(args, c.CommandID)
	}
	if !c.Before.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, c.Before.UnixNano())
	}
	if !c.After.IsZero() {
		where = append(where, "timestamp > ?")
		args = append(args, c.After.UnixNano())
	}

	query := selectAuditEvents
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp, position"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var (
			e  domain.AuditEvent
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.EqubID, &e.ActionType, &e.TargetID, &e.TargetType,
			&e.ActorID, &e.ActorRole, &e.PreviousValue, &e.NewValue, &e.Reason, &e.CommandID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Timestamp = fromNanos(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

func appendEvent(ctx context.Context, q DBTX, e domain.AuditEvent) error {
	_, err := q.ExecContext(ctx, insertAuditEvent,
		e.ID, e.EqubID, string(e.ActionType), e.TargetID, string(e.TargetType),
		e.ActorID, string(e.ActorRole), e.PreviousValue, e.NewValue, e.Reason, e.CommandID, e.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event %s: %w", e.ID, err)
	}
	return nil
}
