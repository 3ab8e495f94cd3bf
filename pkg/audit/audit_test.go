package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plaenen/equbledger/pkg/audit"
	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/store"
	"github.com/plaenen/equbledger/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func event(id string, action domain.ActionType, targetID, prev, next string, at time.Time) domain.AuditEvent {
	target := domain.TargetEqub
	switch action {
	case domain.ActionContributionStatusChanged:
		target = domain.TargetContribution
	case domain.ActionPayoutStatusChanged:
		target = domain.TargetPayout
	}
	return domain.AuditEvent{
		ID:            id,
		EqubID:        "e1",
		ActionType:    action,
		TargetID:      targetID,
		TargetType:    target,
		ActorID:       "admin-1",
		ActorRole:     domain.RoleAdmin,
		PreviousValue: prev,
		NewValue:      next,
		CommandID:     "cmd-" + id,
		Timestamp:     at,
	}
}

func history() []domain.AuditEvent {
	return []domain.AuditEvent{
		event("1", domain.ActionEqubStatusChanged, "e1", "draft", "planned", t0),
		event("2", domain.ActionMembersUpdated, "e1", `{}`, `{"members":["m1"]}`, t0.Add(time.Second)),
		event("3", domain.ActionEqubStatusChanged, "e1", "planned", "active", t0.Add(2*time.Second)),
		event("4", domain.ActionContributionStatusChanged, "c1", "pending", "confirmed", t0.Add(3*time.Second)),
		event("5", domain.ActionPayoutStatusChanged, "p1", "pending", "admin_confirmed", t0.Add(4*time.Second)),
		event("6", domain.ActionEqubDetailsUpdated, "e1", `{}`, `{"name":"x"}`, t0.Add(5*time.Second)),
	}
}

func TestReplay(t *testing.T) {
	t.Run("FoldsHistory", func(t *testing.T) {
		state, err := audit.Replay(audit.NewDerivedState("e1"), history())
		require.NoError(t, err)

		assert.Equal(t, domain.EqubActive, state.EqubStatus)
		assert.Equal(t, domain.ContributionConfirmed, state.Contributions["c1"])
		assert.Equal(t, domain.PayoutAdminConfirmed, state.Payouts["p1"])
		assert.Equal(t, 1, state.DetailsRevision)
		assert.Equal(t, 1, state.MembersRevision)
		assert.Equal(t, 6, state.Applied)
		assert.Equal(t, "6", state.LastEventID)
	})

	t.Run("Deterministic", func(t *testing.T) {
		a, err := audit.Replay(audit.NewDerivedState("e1"), history())
		require.NoError(t, err)
		b, err := audit.Replay(audit.NewDerivedState("e1"), history())
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("ResortsByTimestamp", func(t *testing.T) {
		events := history()
		shuffled := []domain.AuditEvent{events[4], events[2], events[0], events[5], events[3], events[1]}
		before := append([]domain.AuditEvent(nil), shuffled...)

		state, err := audit.Replay(audit.NewDerivedState("e1"), shuffled)
		require.NoError(t, err)
		assert.Equal(t, domain.EqubActive, state.EqubStatus)
		assert.Equal(t, before, shuffled, "input must not be reordered")
	})

	t.Run("TiesKeepLogOrder", func(t *testing.T) {
		events := []domain.AuditEvent{
			event("a", domain.ActionContributionStatusChanged, "c1", "pending", "on_hold", t0),
			event("b", domain.ActionContributionStatusChanged, "c1", "on_hold", "confirmed", t0),
		}
		state, err := audit.Replay(audit.NewDerivedState("e1"), events)
		require.NoError(t, err)
		assert.Equal(t, domain.ContributionConfirmed, state.Contributions["c1"])
	})

	t.Run("InitialStateNotMutated", func(t *testing.T) {
		initial := audit.NewDerivedState("e1")
		initial.Contributions["c1"] = domain.ContributionPending

		_, err := audit.Replay(initial, history())
		require.NoError(t, err)
		assert.Equal(t, domain.ContributionPending, initial.Contributions["c1"])
		assert.Empty(t, initial.EqubStatus)
	})

	t.Run("SeedsFromPreviousValue", func(t *testing.T) {
		events := []domain.AuditEvent{
			event("1", domain.ActionPayoutStatusChanged, "p9", "admin_confirmed", "member_confirmed", t0),
		}
		state, err := audit.Replay(audit.NewDerivedState("e1"), events)
		require.NoError(t, err)
		assert.Equal(t, domain.PayoutMemberConfirmed, state.Payouts["p9"])
	})

	t.Run("DriftHalts", func(t *testing.T) {
		events := append(history(),
			event("7", domain.ActionContributionStatusChanged, "c1", "pending", "rejected", t0.Add(10*time.Second)),
			event("8", domain.ActionEqubStatusChanged, "e1", "active", "completed", t0.Add(11*time.Second)),
		)
		_, err := audit.Replay(audit.NewDerivedState("e1"), events)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrStateDrift))

		de, ok := domain.AsError(err)
		require.True(t, ok)
		assert.Equal(t, domain.CodeAuditDrift, de.Code)
		assert.Equal(t, "7", de.Details["event_id"])
	})

	t.Run("UnknownVocabulary", func(t *testing.T) {
		for name, e := range map[string]domain.AuditEvent{
			"status": event("1", domain.ActionContributionStatusChanged, "c1", "pending", "unpaid", t0),
			"action": event("1", domain.ActionType("contributionDeleted"), "c1", "pending", "confirmed", t0),
			"target": func() domain.AuditEvent {
				e := event("1", domain.ActionPayoutStatusChanged, "p1", "pending", "completed", t0)
				e.TargetType = domain.TargetContribution
				return e
			}(),
		} {
			t.Run(name, func(t *testing.T) {
				_, err := audit.Replay(audit.NewDerivedState("e1"), []domain.AuditEvent{e})
				de, ok := domain.AsError(err)
				require.True(t, ok)
				assert.Equal(t, domain.KindGeneric, de.Kind)
				assert.Equal(t, domain.CodeInvalidAuditEvent, de.Code)
			})
		}
	})

	t.Run("ForeignEqub", func(t *testing.T) {
		e := event("1", domain.ActionEqubStatusChanged, "e2", "draft", "planned", t0)
		e.EqubID = "e2"
		_, err := audit.Replay(audit.NewDerivedState("e1"), []domain.AuditEvent{e})
		assert.True(t, errors.Is(err, &domain.Error{Kind: domain.KindGeneric, Code: domain.CodeInvalidAuditEvent}))
	})
}

func seed(t *testing.T, s *memory.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, domain.Equb{ID: "e1", Status: domain.EqubActive, Members: []string{"m1", "m2"}}))
	require.NoError(t, s.PutContribution(ctx, domain.Contribution{ID: "c1", EqubID: "e1", MemberID: "m1", RoundNumber: 1, Status: domain.ContributionConfirmed}))
	require.NoError(t, s.PutContribution(ctx, domain.Contribution{ID: "c2", EqubID: "e1", MemberID: "m2", RoundNumber: 1, Status: domain.ContributionPending}))
	require.NoError(t, s.PutPayout(ctx, domain.Payout{ID: "p1", EqubID: "e1", MemberID: "m1", RoundNumber: 1, Status: domain.PayoutAdminConfirmed}))
	for _, e := range history() {
		require.NoError(t, s.Append(ctx, e))
	}
}

func TestVerifier(t *testing.T) {
	ctx := context.Background()

	t.Run("Consistent", func(t *testing.T) {
		s := memory.New()
		seed(t, s)
		require.NoError(t, audit.NewVerifier(s, s).Verify(ctx, "e1"))
	})

	t.Run("StatusDrift", func(t *testing.T) {
		s := memory.New()
		seed(t, s)
		require.NoError(t, s.PutContribution(ctx, domain.Contribution{ID: "c1", EqubID: "e1", MemberID: "m1", RoundNumber: 1, Status: domain.ContributionRejected}))

		err := audit.NewVerifier(s, s).Verify(ctx, "e1")
		de, ok := domain.AsError(err)
		require.True(t, ok)
		assert.Equal(t, domain.CodeStateDrift, de.Code)
		assert.Contains(t, de.Message, "contribution c1")

		live, err := s.GetContribution(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, domain.ContributionRejected, live.Status, "drift is reported, never repaired")
	})

	t.Run("EntityWithoutHistoryMustBeInitial", func(t *testing.T) {
		s := memory.New()
		seed(t, s)
		require.NoError(t, s.PutPayout(ctx, domain.Payout{ID: "p2", EqubID: "e1", MemberID: "m2", RoundNumber: 2, Status: domain.PayoutCompleted}))

		err := audit.NewVerifier(s, s).Verify(ctx, "e1")
		assert.True(t, errors.Is(err, domain.ErrStateDrift))
	})

	t.Run("HistoryWithoutLiveRecord", func(t *testing.T) {
		s := memory.New()
		seed(t, s)
		require.NoError(t, s.Append(ctx, event("9", domain.ActionContributionStatusChanged, "ghost", "pending", "confirmed", t0.Add(time.Minute))))

		err := audit.NewVerifier(s, s).Verify(ctx, "e1")
		assert.True(t, errors.Is(err, domain.ErrStateDrift))
	})

	t.Run("MissingEqub", func(t *testing.T) {
		err := audit.NewVerifier(memory.New(), memory.New()).Verify(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestLog(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	log := audit.NewLog(s)
	for _, e := range history() {
		require.NoError(t, log.Append(ctx, e))
	}

	events, err := log.Events(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, events, 6)
	assert.Equal(t, "1", events[0].ID)

	reversed, err := log.EventsReversed(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "6", reversed[0].ID)

	byCmd, err := log.Query(ctx, store.Criteria{CommandID: "cmd-3"})
	require.NoError(t, err)
	require.Len(t, byCmd, 1)
	assert.Equal(t, "3", byCmd[0].ID)

	bad := event("x", domain.ActionContributionStatusChanged, "c1", "pending", "confirmed", t0)
	bad.ActionType = "dropped"
	err = log.Append(ctx, bad)
	assert.True(t, errors.Is(err, domain.ErrGeneric))
}
