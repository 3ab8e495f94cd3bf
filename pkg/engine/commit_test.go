package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/equb"
	"github.com/plaenen/equbledger/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitRejectsMalformedEvents(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for name, opts := range map[string][]Option{
		"Atomic":     nil,
		"StepByStep": {WithoutTransactions()},
	} {
		t.Run(name, func(t *testing.T) {
			mem := memory.New()
			e := New(mem, opts...)

			env, err := domain.NewCommandEnvelope(domain.MustIdentity("admin-1", domain.RoleAdmin), "e1", "cmd-1", at)
			require.NoError(t, err)
			c := domain.Contribution{ID: "c1", EqubID: "e1", MemberID: "m1", RoundNumber: 1, Status: domain.ContributionConfirmed}
			ev := domain.NewAuditEvent(env, domain.ActionType("contributionDeleted"), domain.TargetContribution,
				"c1", "pending", "confirmed", "")

			err = e.commit(ctx, env, equb.Transition{Event: ev, Contribution: &c})
			assert.True(t, errors.Is(err, &domain.Error{Kind: domain.KindGeneric, Code: domain.CodeInvalidAuditEvent}), "%v", err)

			events, err := mem.GetOrdered(ctx, "e1")
			require.NoError(t, err)
			assert.Empty(t, events)

			processed, err := mem.HasProcessed(ctx, "e1", "cmd-1")
			require.NoError(t, err)
			assert.False(t, processed)
		})
	}
}
