package audit

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/plaenen/equbledger/pkg/store"
)

// Initial statuses of entities that have no audit history.
const (
	InitialEqubStatus         = domain.EqubDraft
	InitialContributionStatus = domain.ContributionPending
	InitialPayoutStatus       = domain.PayoutPending
)

// Verifier compares live snapshots with their replayed history. It reports
// drift and never repairs it.
type Verifier struct {
	aggregates store.AggregateStore
	audit      store.AuditStore
	logger     *slog.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithLogger sets the logger used to report drift.
func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = l
	}
}

// NewVerifier creates a Verifier.
func NewVerifier(aggregates store.AggregateStore, audit store.AuditStore, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		aggregates: aggregates,
		audit:      audit,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify replays the history of aggregateID from an empty state and compares
// every tracked status with the live snapshot. Any mismatch fails with a
// STATE_DRIFT_DETECTED error listing all differences; replay errors
// (AUDIT_DRIFT_DETECTED, INVALID_AUDIT_EVENT) and store errors are returned
// unmodified.
func (v *Verifier) Verify(ctx context.Context, aggregateID string) error {
	agg, err := v.aggregates.Get(ctx, aggregateID)
	if err != nil {
		return err
	}
	events, err := v.audit.GetOrdered(ctx, aggregateID)
	if err != nil {
		return err
	}
	derived, err := Replay(NewDerivedState(aggregateID), events)
	if err != nil {
		return err
	}

	diffs := Compare(agg, derived)
	if len(diffs) == 0 {
		return nil
	}

	v.logger.WarnContext(ctx, "state drift detected",
		slog.String("equb_id", aggregateID),
		slog.Int("differences", len(diffs)),
		slog.String("first", diffs[0]),
	)
	return domain.Drift(domain.CodeStateDrift,
		"equb %s disagrees with its audit history: %s", aggregateID, strings.Join(diffs, "; ")).
		WithDetail("equb_id", aggregateID)
}

// Compare lists every tracked status on which agg and derived disagree,
// sorted for stable output.
func Compare(agg domain.Aggregate, derived DerivedState) []string {
	var diffs []string

	wantEqub := derived.EqubStatus
	if wantEqub == "" {
		wantEqub = InitialEqubStatus
	}
	if agg.Equb.Status != wantEqub {
		diffs = append(diffs, fmt.Sprintf("equb %s is %s, history says %s", agg.Equb.ID, agg.Equb.Status, wantEqub))
	}

	for id, c := range agg.Contributions {
		want, ok := derived.Contributions[id]
		if !ok {
			want = InitialContributionStatus
		}
		if c.Status != want {
			diffs = append(diffs, fmt.Sprintf("contribution %s is %s, history says %s", id, c.Status, want))
		}
	}
	for id := range derived.Contributions {
		if _, ok := agg.Contributions[id]; !ok {
			diffs = append(diffs, fmt.Sprintf("contribution %s has history but no live record", id))
		}
	}

	for id, p := range agg.Payouts {
		want, ok := derived.Payouts[id]
		if !ok {
			want = InitialPayoutStatus
		}
		if p.Status != want {
			diffs = append(diffs, fmt.Sprintf("payout %s is %s, history says %s", id, p.Status, want))
		}
	}
	for id := range derived.Payouts {
		if _, ok := agg.Payouts[id]; !ok {
			diffs = append(diffs, fmt.Sprintf("payout %s has history but no live record", id))
		}
	}

	slices.Sort(diffs)
	return diffs
}
