package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
)

// HasProcessed reports whether commandID was applied to aggregateID.
func (s *Store) HasProcessed(ctx context.Context, aggregateID, commandID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_commands WHERE aggregate_id = ? AND command_id = ?`,
		aggregateID, commandID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query processed command: %w", err)
	}
	return n > 0, nil
}

// RecordProcessed marks the envelope's command as applied.
func (s *Store) RecordProcessed(ctx context.Context, env domain.CommandEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordProcessed(ctx, s.db, env, s.now())
}

// LastTimestamp returns the latest issue time applied to aggregateID.
func (s *Store) LastTimestamp(ctx context.Context, aggregateID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(issued_at) FROM processed_commands WHERE aggregate_id = ?`, aggregateID,
	).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last command time: %w", err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return fromNanos(last.Int64), true, nil
}

func recordProcessed(ctx context.Context, q DBTX, env domain.CommandEnvelope, at time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO processed_commands (aggregate_id, command_id, issued_at, processed_at) VALUES (?, ?, ?, ?)`,
		env.AggregateID, env.CommandID, env.IssuedAt.UnixNano(), at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record command %s: %w", env.CommandID, err)
	}
	return nil
}
