package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/store"
	"github.com/plaenen/equbledger/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Put(ctx, domain.Equb{ID: "e1", Status: domain.EqubActive, Members: []string{"m1"}}))
	require.NoError(t, s.PutContribution(ctx, domain.Contribution{ID: "c1", EqubID: "e1", MemberID: "m1", Status: domain.ContributionPending}))
	require.NoError(t, s.PutPayout(ctx, domain.Payout{ID: "p1", EqubID: "e1", MemberID: "m1", Status: domain.PayoutPending}))

	t.Run("SnapshotsAreIsolated", func(t *testing.T) {
		snap, err := s.Get(ctx, "e1")
		require.NoError(t, err)

		require.NoError(t, s.PutContribution(ctx, domain.Contribution{ID: "c1", EqubID: "e1", MemberID: "m1", Status: domain.ContributionConfirmed}))
		assert.Equal(t, domain.ContributionPending, snap.Contributions["c1"].Status)

		snap.Equb.Members[0] = "changed"
		again, err := s.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "m1", again.Equb.Members[0])
		assert.Equal(t, domain.ContributionConfirmed, again.Contributions["c1"].Status)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.True(t, errors.Is(err, store.ErrNotFound))
		_, err = s.GetPayout(ctx, "missing")
		assert.True(t, errors.Is(err, store.ErrNotFound))
		err = s.PutContribution(ctx, domain.Contribution{ID: "c9", EqubID: "missing"})
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})

	t.Run("ProcessedCommands", func(t *testing.T) {
		_, ok, err := s.LastTimestamp(ctx, "e1")
		require.NoError(t, err)
		assert.False(t, ok)

		env, err := domain.NewCommandEnvelope(domain.MustIdentity("a", domain.RoleAdmin), "e1", "cmd-1", base)
		require.NoError(t, err)
		require.NoError(t, s.RecordProcessed(ctx, env))

		done, err := s.HasProcessed(ctx, "e1", "cmd-1")
		require.NoError(t, err)
		assert.True(t, done)
		done, err = s.HasProcessed(ctx, "e2", "cmd-1")
		require.NoError(t, err)
		assert.False(t, done)

		last, ok, err := s.LastTimestamp(ctx, "e1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, last.Equal(base))
	})

	t.Run("QueryOrdersByTimestamp", func(t *testing.T) {
		require.NoError(t, s.Append(ctx, domain.AuditEvent{ID: "late", EqubID: "e1", ActorID: "a", Timestamp: base.Add(time.Minute)}))
		require.NoError(t, s.Append(ctx, domain.AuditEvent{ID: "early", EqubID: "e1", ActorID: "b", Timestamp: base}))
		require.NoError(t, s.Append(ctx, domain.AuditEvent{ID: "tie", EqubID: "e1", ActorID: "a", Timestamp: base}))

		events, err := s.GetOrdered(ctx, "e1")
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, []string{"early", "tie", "late"}, []string{events[0].ID, events[1].ID, events[2].ID})

		byActor, err := s.Query(ctx, store.Criteria{ActorID: "a", Before: base.Add(time.Minute)})
		require.NoError(t, err)
		require.Len(t, byActor, 1)
		assert.Equal(t, "tie", byActor[0].ID)
	})

	t.Run("CommitWritesEverything", func(t *testing.T) {
		env, err := domain.NewCommandEnvelope(domain.MustIdentity("a", domain.RoleAdmin), "e1", "cmd-2", base.Add(time.Hour))
		require.NoError(t, err)
		p := domain.Payout{ID: "p1", EqubID: "e1", MemberID: "m1", Status: domain.PayoutAdminConfirmed, AdminConfirmedBy: "a"}
		require.NoError(t, s.Commit(ctx, store.Mutation{
			Command: env,
			Event:   domain.AuditEvent{ID: "ev-commit", EqubID: "e1", CommandID: "cmd-2", Timestamp: env.IssuedAt},
			Payout:  &p,
		}))

		got, err := s.GetPayout(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, domain.PayoutAdminConfirmed, got.Status)

		done, err := s.HasProcessed(ctx, "e1", "cmd-2")
		require.NoError(t, err)
		assert.True(t, done)

		events, err := s.Query(ctx, store.Criteria{CommandID: "cmd-2"})
		require.NoError(t, err)
		require.Len(t, events, 1)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, domain.Equb{ID: "a0", Status: domain.EqubDraft}))
		ids, err := s.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a0", "e1"}, ids)
	})
}
