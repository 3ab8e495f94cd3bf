package equb

import (
	"fmt"
	"strings"

	"github.com/plaenen/equbledger/pkg/domain"
)

// ConfirmPayout records a confirmation by the acting identity. An admin
// confirmation must exist before the owning member may confirm.
type ConfirmPayout struct {
	PayoutID string
}

func (ConfirmPayout) CommandType() string { return "payout.Confirm" }

// CompletePayout closes a payout both sides have confirmed.
type CompletePayout struct {
	PayoutID string
}

func (CompletePayout) CommandType() string { return "payout.Complete" }

// RejectPayout cancels a payout that has not been completed.
type RejectPayout struct {
	PayoutID string
	Reason   string
}

func (RejectPayout) CommandType() string { return "payout.Reject" }

// UnresolvedContributions blocks a payout while any contribution of its round
// is not confirmed.
var UnresolvedContributions = BlockEvaluatorFunc(func(agg domain.Aggregate, payout domain.Payout) string {
	var open []string
	for _, c := range agg.RoundContributions(payout.RoundNumber) {
		if c.Status != domain.ContributionConfirmed {
			open = append(open, fmt.Sprintf("%s (%s)", c.ID, c.Status))
		}
	}
	if len(open) == 0 {
		return ""
	}
	return "unresolved contributions: " + strings.Join(open, ", ")
})

func (d *Decider) blockedReason(agg domain.Aggregate, p domain.Payout) string {
	if reason := strings.TrimSpace(p.BlockedReason); reason != "" {
		return reason
	}
	if d.blocks != nil {
		return strings.TrimSpace(d.blocks.BlockedReason(agg, p))
	}
	return ""
}

func lookupPayout(agg domain.Aggregate, id string) (domain.Payout, error) {
	p, ok := agg.Payouts[id]
	if !ok || p.EqubID != agg.Equb.ID {
		return domain.Payout{}, domain.Invalid(domain.CodePayoutNotFound,
			"payout %s not found in equb %s", id, agg.Equb.ID)
	}
	if err := requireActive(agg.Equb); err != nil {
		return domain.Payout{}, err
	}
	if p.Status.IsFinal() {
		return domain.Payout{}, domain.PayoutLock(domain.CodePayoutFinalized,
			"payout %s is already %s", p.ID, p.Status)
	}
	return p, nil
}

func (d *Decider) confirmPayout(agg domain.Aggregate, env domain.CommandEnvelope, cmd ConfirmPayout) (Transition, error) {
	current, err := lookupPayout(agg, cmd.PayoutID)
	if err != nil {
		return Transition{}, err
	}
	if reason := d.blockedReason(agg, current); reason != "" {
		return Transition{}, domain.PayoutLock(domain.CodePayoutBlocked,
			"payout %s is blocked: %s", current.ID, reason)
	}

	next := current
	switch env.Actor.Role() {
	case domain.RoleAdmin:
		if current.Status == domain.PayoutPending {
			next.Status = domain.PayoutAdminConfirmed
		}
		next.AdminConfirmedBy = env.ActorID()
		next.AdminConfirmedAt = env.IssuedAt

	case domain.RoleMember:
		if current.MemberID != env.ActorID() {
			return Transition{}, domain.RolePermission(domain.CodeNotPayoutOwner,
				"member %s cannot confirm payout %s owned by %s", env.ActorID(), current.ID, current.MemberID)
		}
		if !current.AdminConfirmed() {
			return Transition{}, domain.PayoutLock(domain.CodePayoutAwaitingAdmin,
				"payout %s needs an admin confirmation before the member confirms", current.ID)
		}
		next.Status = domain.PayoutMemberConfirmed
		next.MemberConfirmedAt = env.IssuedAt

	case domain.RoleCollector:
		return Transition{}, domain.RolePermission(domain.CodeCollectorCannotConfirm,
			"collectors may not confirm payouts")

	default:
		return Transition{}, domain.RolePermission(domain.CodeRoleNotAllowed,
			"role %s may not confirm payouts", env.Actor.Role())
	}

	event := domain.NewAuditEvent(env, domain.ActionPayoutStatusChanged, domain.TargetPayout,
		current.ID, string(current.Status), string(next.Status), "")
	return Transition{Event: event, Payout: &next}, nil
}

func (d *Decider) completePayout(agg domain.Aggregate, env domain.CommandEnvelope, cmd CompletePayout) (Transition, error) {
	if err := requireActive(agg.Equb); err != nil {
		return Transition{}, err
	}
	if err := requireRole(env, "complete payouts", domain.RoleAdmin); err != nil {
		return Transition{}, err
	}
	current, err := lookupPayout(agg, cmd.PayoutID)
	if err != nil {
		return Transition{}, err
	}
	if reason := d.blockedReason(agg, current); reason != "" {
		return Transition{}, domain.PayoutLock(domain.CodePayoutBlocked,
			"payout %s is blocked: %s", current.ID, reason)
	}
	if current.Status != domain.PayoutMemberConfirmed {
		return Transition{}, domain.PayoutLock(domain.CodePayoutNotConfirmed,
			"payout %s is %s; both confirmations are required", current.ID, current.Status)
	}

	next := current
	next.Status = domain.PayoutCompleted
	event := domain.NewAuditEvent(env, domain.ActionPayoutStatusChanged, domain.TargetPayout,
		current.ID, string(current.Status), string(next.Status), "")
	return Transition{Event: event, Payout: &next}, nil
}

func rejectPayout(agg domain.Aggregate, env domain.CommandEnvelope, cmd RejectPayout) (Transition, error) {
	if err := requireActive(agg.Equb); err != nil {
		return Transition{}, err
	}
	if err := requireRole(env, "reject payouts", domain.RoleAdmin); err != nil {
		return Transition{}, err
	}
	current, err := lookupPayout(agg, cmd.PayoutID)
	if err != nil {
		return Transition{}, err
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		return Transition{}, domain.PayoutLock(domain.CodePayoutRejectReasonRequired,
			"rejecting payout %s requires a reason", current.ID)
	}

	next := current
	next.Status = domain.PayoutRejected
	next.Reason = reason
	event := domain.NewAuditEvent(env, domain.ActionPayoutStatusChanged, domain.TargetPayout,
		current.ID, string(current.Status), string(next.Status), reason)
	return Transition{Event: event, Payout: &next}, nil
}
