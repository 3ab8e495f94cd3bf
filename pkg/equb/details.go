package equb

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/plaenen/equbledger/pkg/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

const maxNameRunes = "120"

// UpdateEqubDetails replaces the descriptive fields of an equb. Values arrive
// in external vocabulary and are parsed here.
type UpdateEqubDetails struct {
	Name               string
	ContributionAmount string
	Frequency          string
	StartDate          string // YYYY-MM-DD
}

func (UpdateEqubDetails) CommandType() string { return "equb.UpdateDetails" }

// UpdateMembers replaces the member list and the payout order.
type UpdateMembers struct {
	Members     []string
	PayoutOrder []string
}

func (UpdateMembers) CommandType() string { return "equb.UpdateMembers" }

// detailsValue is the audited rendering of an equb's details.
type detailsValue struct {
	Name               string `json:"name"`
	ContributionAmount string `json:"contributionAmount"`
	Frequency          string `json:"frequency"`
	StartDate          string `json:"startDate"`
}

type membersValue struct {
	Members     []string `json:"members"`
	PayoutOrder []string `json:"payoutOrder"`
}

func renderDetails(e domain.Equb) string {
	v := detailsValue{
		Name:               e.Name,
		ContributionAmount: e.ContributionAmount.String(),
		Frequency:          string(e.Frequency),
	}
	if !e.StartDate.IsZero() {
		v.StartDate = e.StartDate.Format(time.DateOnly)
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func renderMembers(e domain.Equb) string {
	v := membersValue{Members: e.Members, PayoutOrder: e.PayoutOrder}
	if v.Members == nil {
		v.Members = []string{}
	}
	if v.PayoutOrder == nil {
		v.PayoutOrder = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func updateEqubDetails(agg domain.Aggregate, env domain.CommandEnvelope, cmd UpdateEqubDetails) (Transition, error) {
	if err := requireRole(env, "edit equb details", domain.RoleAdmin); err != nil {
		return Transition{}, err
	}
	current := agg.Equb
	if err := requireWritable(current); err != nil {
		return Transition{}, err
	}

	name := norm.NFC.String(strings.TrimSpace(cmd.Name))
	if govalidator.IsNull(name) || !govalidator.RuneLength(name, "1", maxNameRunes) {
		return Transition{}, domain.Invalid(domain.CodeInvalidDetails,
			"equb name must be 1 to %s characters", maxNameRunes)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(cmd.ContributionAmount))
	if err != nil {
		return Transition{}, domain.Invalid(domain.CodeInvalidDetails,
			"contribution amount %q is not a number", cmd.ContributionAmount)
	}
	if !amount.IsPositive() {
		return Transition{}, domain.Invalid(domain.CodeInvalidDetails,
			"contribution amount must be positive, got %s", amount)
	}
	freq, err := domain.ParseFrequency(cmd.Frequency)
	if err != nil {
		return Transition{}, err
	}
	start, err := time.Parse(time.DateOnly, strings.TrimSpace(cmd.StartDate))
	if err != nil {
		return Transition{}, domain.Invalid(domain.CodeInvalidDate,
			"start date %q is not YYYY-MM-DD", cmd.StartDate)
	}

	next := current.Clone()
	next.Name = name
	next.ContributionAmount = amount
	next.Frequency = freq
	next.StartDate = start

	event := domain.NewAuditEvent(env, domain.ActionEqubDetailsUpdated, domain.TargetEqub,
		current.ID, renderDetails(current), renderDetails(next), "")
	return Transition{Event: event, Equb: &next}, nil
}

func updateMembers(agg domain.Aggregate, env domain.CommandEnvelope, cmd UpdateMembers) (Transition, error) {
	if err := requireRole(env, "edit equb members", domain.RoleAdmin); err != nil {
		return Transition{}, err
	}
	current := agg.Equb
	if err := requireWritable(current); err != nil {
		return Transition{}, err
	}

	seen := make(map[string]bool, len(cmd.Members))
	for _, id := range cmd.Members {
		if govalidator.IsNull(id) || govalidator.HasWhitespace(id) {
			return Transition{}, domain.Invalid(domain.CodeInvalidMembers, "member id %q is invalid", id)
		}
		if seen[id] {
			return Transition{}, domain.Invalid(domain.CodeInvalidMembers, "member %s listed twice", id)
		}
		seen[id] = true
	}
	if len(cmd.PayoutOrder) != len(cmd.Members) {
		return Transition{}, domain.Invalid(domain.CodeInvalidMembers,
			"payout order has %d entries for %d members", len(cmd.PayoutOrder), len(cmd.Members))
	}
	placed := make(map[string]bool, len(cmd.PayoutOrder))
	for _, id := range cmd.PayoutOrder {
		if !seen[id] || placed[id] {
			return Transition{}, domain.Invalid(domain.CodeInvalidMembers,
				"payout order must list every member exactly once, got %q", id)
		}
		placed[id] = true
	}

	next := current.Clone()
	next.Members = slices.Clone(cmd.Members)
	next.PayoutOrder = slices.Clone(cmd.PayoutOrder)
	next.TotalRounds = len(cmd.PayoutOrder)

	event := domain.NewAuditEvent(env, domain.ActionMembersUpdated, domain.TargetEqub,
		current.ID, renderMembers(current), renderMembers(next), "")
	return Transition{Event: event, Equb: &next}, nil
}
