// Package memory is an in-process implementation of the store contracts.
//
// Aggregates are kept as copy-on-write snapshots: every write clones the
// current aggregate, modifies the clone and swaps it in, so a snapshot handed
// to a reader is never changed underneath it.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/store"
)

var (
	_ store.Store      = (*Store)(nil)
	_ store.Transactor = (*Store)(nil)
)

// Store is safe for concurrent use.
type Store struct {
	mu           sync.RWMutex
	aggregates   map[string]domain.Aggregate
	contribOwner map[string]string
	payoutOwner  map[string]string
	events       []domain.AuditEvent
	processed    map[string]map[string]struct{}
	last         map[string]time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		aggregates:   make(map[string]domain.Aggregate),
		contribOwner: make(map[string]string),
		payoutOwner:  make(map[string]string),
		processed:    make(map[string]map[string]struct{}),
		last:         make(map[string]time.Time),
	}
}

// Get returns a snapshot of the aggregate.
func (s *Store) Get(_ context.Context, equbID string) (domain.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.aggregates[equbID]
	if !ok {
		return domain.Aggregate{}, fmt.Errorf("equb %s: %w", equbID, store.ErrNotFound)
	}
	return agg.Clone(), nil
}

// Put creates or replaces the equb root.
func (s *Store) Put(_ context.Context, equb domain.Equb) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putEqub(equb)
	return nil
}

func (s *Store) putEqub(equb domain.Equb) {
	agg, ok := s.aggregates[equb.ID]
	if !ok {
		s.aggregates[equb.ID] = domain.NewAggregate(equb.Clone())
		return
	}
	next := agg.Clone()
	next.Equb = equb.Clone()
	s.aggregates[equb.ID] = next
}

// GetContribution loads a single contribution.
func (s *Store) GetContribution(_ context.Context, id string) (domain.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.aggregates[s.contribOwner[id]].Contributions[id]
	if !ok {
		return domain.Contribution{}, fmt.Errorf("contribution %s: %w", id, store.ErrNotFound)
	}
	return c, nil
}

// PutContribution creates or replaces a contribution.
func (s *Store) PutContribution(_ context.Context, c domain.Contribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putContribution(c)
}

func (s *Store) putContribution(c domain.Contribution) error {
	agg, ok := s.aggregates[c.EqubID]
	if !ok {
		return fmt.Errorf("equb %s: %w", c.EqubID, store.ErrNotFound)
	}
	next := agg.Clone()
	next.Contributions[c.ID] = c
	s.aggregates[c.EqubID] = next
	s.contribOwner[c.ID] = c.EqubID
	return nil
}

// GetPayout loads a single payout.
func (s *Store) GetPayout(_ context.Context, id string) (domain.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.aggregates[s.payoutOwner[id]].Payouts[id]
	if !ok {
		return domain.Payout{}, fmt.Errorf("payout %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

// PutPayout creates or replaces a payout.
func (s *Store) PutPayout(_ context.Context, p domain.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putPayout(p)
}

func (s *Store) putPayout(p domain.Payout) error {
	agg, ok := s.aggregates[p.EqubID]
	if !ok {
		return fmt.Errorf("equb %s: %w", p.EqubID, store.ErrNotFound)
	}
	next := agg.Clone()
	next.Payouts[p.ID] = p
	s.aggregates[p.EqubID] = next
	s.payoutOwner[p.ID] = p.EqubID
	return nil
}

// List returns all equb ids, sorted.
func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.aggregates))
	for id := range s.aggregates {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Append adds an event to the log.
func (s *Store) Append(_ context.Context, event domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// GetOrdered returns the equb's events, oldest first.
func (s *Store) GetOrdered(ctx context.Context, equbID string) ([]domain.AuditEvent, error) {
	return s.Query(ctx, store.Criteria{EqubID: equbID})
}

// Query returns matching events, oldest first.
func (s *Store) Query(_ context.Context, c store.Criteria) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEvent
	for _, e := range s.events {
		if c.Match(e) {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.AuditEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

// HasProcessed reports whether the command was applied.
func (s *Store) HasProcessed(_ context.Context, aggregateID, commandID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[aggregateID][commandID]
	return ok, nil
}

// RecordProcessed marks the command as applied.
func (s *Store) RecordProcessed(_ context.Context, env domain.CommandEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(env)
	return nil
}

func (s *Store) record(env domain.CommandEnvelope) {
	ids, ok := s.processed[env.AggregateID]
	if !ok {
		ids = make(map[string]struct{})
		s.processed[env.AggregateID] = ids
	}
	ids[env.CommandID] = struct{}{}
	if last, ok := s.last[env.AggregateID]; !ok || env.IssuedAt.After(last) {
		s.last[env.AggregateID] = env.IssuedAt
	}
}

// LastTimestamp returns the latest accepted issue time.
func (s *Store) LastTimestamp(_ context.Context, aggregateID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last, ok := s.last[aggregateID]
	return last, ok, nil
}

// Commit applies a mutation atomically.
func (s *Store) Commit(_ context.Context, m store.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.aggregates[m.Command.AggregateID]; !ok {
		return fmt.Errorf("equb %s: %w", m.Command.AggregateID, store.ErrNotFound)
	}
	switch {
	case m.Equb != nil:
		s.putEqub(*m.Equb)
	case m.Contribution != nil:
		if err := s.putContribution(*m.Contribution); err != nil {
			return err
		}
	case m.Payout != nil:
		if err := s.putPayout(*m.Payout); err != nil {
			return err
		}
	}
	s.events = append(s.events, m.Event)
	s.record(m.Command)
	return nil
}
