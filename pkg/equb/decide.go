// Package equb holds the aggregate state machine: the equb lifecycle, the
// contribution status rules and the payout dual-confirmation rules.
//
// Decide is a pure function of (aggregate snapshot, envelope, command). It
// never mutates its input; an accepted command yields a Transition carrying
// the single changed entity and exactly one audit event.
package equb

import (
	"github.com/plaenen/equbledger/pkg/domain"
)

// Command is a validated request to change an aggregate.
type Command interface {
	// CommandType returns the name of the command, used in logs and spans.
	CommandType() string
}

// Transition is the outcome of an accepted command.
type Transition struct {
	Event        domain.AuditEvent
	Equb         *domain.Equb
	Contribution *domain.Contribution
	Payout       *domain.Payout
}

// Apply returns a copy of agg with the transition applied.
func (t Transition) Apply(agg domain.Aggregate) domain.Aggregate {
	next := agg.Clone()
	if t.Equb != nil {
		next.Equb = t.Equb.Clone()
	}
	if t.Contribution != nil {
		next.Contributions[t.Contribution.ID] = *t.Contribution
	}
	if t.Payout != nil {
		next.Payouts[t.Payout.ID] = *t.Payout
	}
	return next
}

// BlockEvaluator computes why a payout cannot be confirmed yet.
// An empty string means the payout is not blocked.
type BlockEvaluator interface {
	BlockedReason(agg domain.Aggregate, payout domain.Payout) string
}

// BlockEvaluatorFunc is a function adapter for BlockEvaluator.
type BlockEvaluatorFunc func(agg domain.Aggregate, payout domain.Payout) string

// BlockedReason implements BlockEvaluator.
func (f BlockEvaluatorFunc) BlockedReason(agg domain.Aggregate, payout domain.Payout) string {
	return f(agg, payout)
}

// Decider validates commands against aggregate state.
type Decider struct {
	blocks BlockEvaluator
}

// Option configures a Decider.
type Option func(*Decider)

// WithBlockEvaluator sets the collaborator that computes payout blocked reasons.
// Without one, only the blocked reason stored on the payout is honored.
func WithBlockEvaluator(e BlockEvaluator) Option {
	return func(d *Decider) {
		d.blocks = e
	}
}

// NewDecider creates a Decider.
func NewDecider(opts ...Option) *Decider {
	d := &Decider{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decide validates cmd against agg and returns the resulting transition.
func (d *Decider) Decide(agg domain.Aggregate, env domain.CommandEnvelope, cmd Command) (Transition, error) {
	if env.AggregateID != agg.Equb.ID {
		return Transition{}, domain.Invalid(domain.CodeInvalidCommand,
			"envelope targets %s but aggregate is %s", env.AggregateID, agg.Equb.ID)
	}
	// Read-only equbs reject every command before any role check.
	if cmd != nil {
		if err := requireWritable(agg.Equb); err != nil {
			return Transition{}, err
		}
	}

	switch c := cmd.(type) {
	case ChangeEqubStatus:
		return changeEqubStatus(agg, env, c)
	case UpdateEqubDetails:
		return updateEqubDetails(agg, env, c)
	case UpdateMembers:
		return updateMembers(agg, env, c)
	case SetContributionStatus:
		return setContributionStatus(agg, env, c)
	case ConfirmPayout:
		return d.confirmPayout(agg, env, c)
	case CompletePayout:
		return d.completePayout(agg, env, c)
	case RejectPayout:
		return rejectPayout(agg, env, c)
	case nil:
		return Transition{}, domain.Invalid(domain.CodeInvalidCommand, "command is required")
	default:
		return Transition{}, domain.Invalid(domain.CodeInvalidCommand, "unsupported command %s", cmd.CommandType())
	}
}

// Decide runs a default Decider.
func Decide(agg domain.Aggregate, env domain.CommandEnvelope, cmd Command) (Transition, error) {
	return NewDecider().Decide(agg, env, cmd)
}

func requireRole(env domain.CommandEnvelope, action string, allowed ...domain.Role) error {
	role := env.Actor.Role()
	for _, r := range allowed {
		if r == role {
			return nil
		}
	}
	return domain.RolePermission(domain.CodeRoleNotAllowed,
		"role %s may not %s", role, action)
}

// requireWritable rejects any edit of a completed or terminated equb.
func requireWritable(e domain.Equb) error {
	if e.Status.IsTerminal() {
		return domain.Lifecycle(domain.CodeEqubReadOnly,
			"equb %s is %s and read-only", e.ID, e.Status)
	}
	return nil
}

// requireActive guards contribution and payout mutations.
func requireActive(e domain.Equb) error {
	if err := requireWritable(e); err != nil {
		return err
	}
	if e.Status != domain.EqubActive {
		return domain.Lifecycle(domain.CodeEqubNotActive,
			"equb %s is %s, not active", e.ID, e.Status)
	}
	return nil
}
