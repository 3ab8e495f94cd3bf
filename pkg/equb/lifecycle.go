package equb

import (
	"strings"

	"github.com/plaenen/equbledger/pkg/domain"
)

// ChangeEqubStatus moves the equb through its lifecycle.
type ChangeEqubStatus struct {
	Target domain.EqubStatus
	Reason string
}

func (ChangeEqubStatus) CommandType() string { return "equb.ChangeStatus" }

// transitions lists the allowed next states. Completed and terminated have none.
var transitions = map[domain.EqubStatus][]domain.EqubStatus{
	domain.EqubDraft:   {domain.EqubPlanned},
	domain.EqubPlanned: {domain.EqubActive, domain.EqubTerminated},
	domain.EqubActive:  {domain.EqubOnHold, domain.EqubCompleted, domain.EqubTerminated},
	domain.EqubOnHold:  {domain.EqubActive, domain.EqubTerminated},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to domain.EqubStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func changeEqubStatus(agg domain.Aggregate, env domain.CommandEnvelope, cmd ChangeEqubStatus) (Transition, error) {
	if err := requireRole(env, "change equb status", domain.RoleAdmin); err != nil {
		return Transition{}, err
	}
	current := agg.Equb
	if err := requireWritable(current); err != nil {
		return Transition{}, err
	}
	target, err := domain.ParseEqubStatus(string(cmd.Target))
	if err != nil {
		return Transition{}, err
	}
	if !CanTransition(current.Status, target) {
		return Transition{}, domain.Lifecycle(domain.CodeInvalidTransition,
			"equb %s cannot move from %s to %s", current.ID, current.Status, target)
	}
	reason := strings.TrimSpace(cmd.Reason)
	if target == domain.EqubTerminated && reason == "" {
		return Transition{}, domain.Lifecycle(domain.CodeTerminationReasonRequired,
			"terminating equb %s requires a reason", current.ID)
	}

	next := current.Clone()
	next.Status = target
	if target == domain.EqubActive && next.CurrentRoundNumber == 0 {
		next.CurrentRoundNumber = 1
	}

	event := domain.NewAuditEvent(env, domain.ActionEqubStatusChanged, domain.TargetEqub,
		current.ID, string(current.Status), string(target), reason)
	return Transition{Event: event, Equb: &next}, nil
}
