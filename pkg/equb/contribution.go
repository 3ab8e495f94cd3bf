package equb

import (
	"strings"

	"github.com/plaenen/equbledger/pkg/domain"
)

// SetContributionStatus records a contribution's status. Re-setting the same
// status is an override and is audited like any other change.
type SetContributionStatus struct {
	ContributionID string
	Status         domain.ContributionStatus
	Reason         string
}

func (SetContributionStatus) CommandType() string { return "contribution.SetStatus" }

func setContributionStatus(agg domain.Aggregate, env domain.CommandEnvelope, cmd SetContributionStatus) (Transition, error) {
	if err := requireActive(agg.Equb); err != nil {
		return Transition{}, err
	}
	if err := requireRole(env, "set contribution status", domain.RoleAdmin, domain.RoleCollector); err != nil {
		return Transition{}, err
	}
	current, ok := agg.Contributions[cmd.ContributionID]
	if !ok || current.EqubID != agg.Equb.ID {
		return Transition{}, domain.Invalid(domain.CodeContributionNotFound,
			"contribution %s not found in equb %s", cmd.ContributionID, agg.Equb.ID)
	}
	target, err := domain.ParseContributionStatus(string(cmd.Status))
	if err != nil {
		return Transition{}, err
	}

	reason := strings.TrimSpace(cmd.Reason)
	if target == domain.ContributionOnHold && reason == "" {
		return Transition{}, domain.ContributionStatusViolation(domain.CodeOnHoldReasonRequired,
			"putting contribution %s on hold requires a reason", current.ID)
	}
	if current.Status == domain.ContributionOnHold && target != domain.ContributionOnHold && reason == "" {
		return Transition{}, domain.ContributionStatusViolation(domain.CodeOnHoldClearReasonRequired,
			"clearing the hold on contribution %s requires a reason", current.ID)
	}

	next := current
	next.Status = target
	next.SetBy = env.ActorID()
	next.SetAt = env.IssuedAt
	next.Reason = reason

	event := domain.NewAuditEvent(env, domain.ActionContributionStatusChanged, domain.TargetContribution,
		current.ID, string(current.Status), string(target), reason)
	return Transition{Event: event, Contribution: &next}, nil
}
