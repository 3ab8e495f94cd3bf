package domain

import "strings"

// EqubStatus is the lifecycle state of an equb.
type EqubStatus string

const (
	EqubDraft      EqubStatus = "draft"
	EqubPlanned    EqubStatus = "planned"
	EqubActive     EqubStatus = "active"
	EqubOnHold     EqubStatus = "on_hold"
	EqubCompleted  EqubStatus = "completed"
	EqubTerminated EqubStatus = "terminated"
)

// IsTerminal reports whether the equb is read-only.
func (s EqubStatus) IsTerminal() bool {
	return s == EqubCompleted || s == EqubTerminated
}

// ParseEqubStatus parses external vocabulary.
func ParseEqubStatus(s string) (EqubStatus, error) {
	switch v := EqubStatus(normalize(s)); v {
	case EqubDraft, EqubPlanned, EqubActive, EqubOnHold, EqubCompleted, EqubTerminated:
		return v, nil
	}
	return "", Invalid(CodeInvalidStatus, "unknown equb status %q", s)
}

// ContributionStatus is the state of one member's contribution for a period.
// "pending" is the only vocabulary for an unpaid contribution.
type ContributionStatus string

const (
	ContributionPending   ContributionStatus = "pending"
	ContributionConfirmed ContributionStatus = "confirmed"
	ContributionRejected  ContributionStatus = "rejected"
	ContributionOnHold    ContributionStatus = "on_hold"
)

// ParseContributionStatus parses external vocabulary.
func ParseContributionStatus(s string) (ContributionStatus, error) {
	switch v := ContributionStatus(normalize(s)); v {
	case ContributionPending, ContributionConfirmed, ContributionRejected, ContributionOnHold:
		return v, nil
	}
	return "", Invalid(CodeInvalidStatus, "unknown contribution status %q", s)
}

// PayoutStatus is the state of a round's payout.
type PayoutStatus string

const (
	PayoutPending         PayoutStatus = "pending"
	PayoutAdminConfirmed  PayoutStatus = "admin_confirmed"
	PayoutMemberConfirmed PayoutStatus = "member_confirmed"
	PayoutCompleted       PayoutStatus = "completed"
	PayoutRejected        PayoutStatus = "rejected"
)

// IsFinal reports whether the payout accepts no further commands.
func (s PayoutStatus) IsFinal() bool {
	return s == PayoutCompleted || s == PayoutRejected
}

// ParsePayoutStatus parses external vocabulary.
func ParsePayoutStatus(s string) (PayoutStatus, error) {
	switch v := PayoutStatus(normalize(s)); v {
	case PayoutPending, PayoutAdminConfirmed, PayoutMemberConfirmed, PayoutCompleted, PayoutRejected:
		return v, nil
	}
	return "", Invalid(CodeInvalidStatus, "unknown payout status %q", s)
}

// Frequency is how often contributions are collected.
type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// ParseFrequency parses external vocabulary.
func ParseFrequency(s string) (Frequency, error) {
	switch v := Frequency(normalize(s)); v {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
		return v, nil
	}
	return "", Invalid(CodeInvalidFrequency, "unknown frequency %q", s)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
