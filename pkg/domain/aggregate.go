package domain

import (
	"cmp"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Equb is the root of the aggregate: one rotating savings group.
type Equb struct {
	ID                 string
	Name               string
	ContributionAmount decimal.Decimal
	Frequency          Frequency
	StartDate          time.Time
	Status             EqubStatus
	Members            []string
	PayoutOrder        []string
	CurrentRoundNumber int
	TotalRounds        int
}

// Clone returns a deep copy.
func (e Equb) Clone() Equb {
	e.Members = slices.Clone(e.Members)
	e.PayoutOrder = slices.Clone(e.PayoutOrder)
	return e
}

// HasMember reports whether memberID belongs to the equb.
func (e Equb) HasMember(memberID string) bool {
	return slices.Contains(e.Members, memberID)
}

// Contribution is one member's payment for one period.
type Contribution struct {
	ID          string
	EqubID      string
	MemberID    string
	Period      string
	RoundNumber int
	Status      ContributionStatus
	SetBy       string
	SetAt       time.Time
	Reason      string
}

// Payout is the pot paid to one member for one round.
type Payout struct {
	ID                string
	EqubID            string
	MemberID          string
	RoundNumber       int
	Status            PayoutStatus
	BlockedReason     string
	AdminConfirmedBy  string
	AdminConfirmedAt  time.Time
	MemberConfirmedAt time.Time
	Reason            string
}

// AdminConfirmed reports whether an admin confirmation has been recorded.
func (p Payout) AdminConfirmed() bool {
	return p.AdminConfirmedBy != ""
}

// Aggregate is the consistency boundary guarded by the single-writer lock:
// one equb plus its contributions and payouts keyed by id.
//
// Aggregates handed out by stores are snapshots. Writers Clone before mutating.
type Aggregate struct {
	Equb          Equb
	Contributions map[string]Contribution
	Payouts       map[string]Payout
}

// NewAggregate creates an aggregate with empty sub-entity maps.
func NewAggregate(equb Equb) Aggregate {
	return Aggregate{
		Equb:          equb,
		Contributions: make(map[string]Contribution),
		Payouts:       make(map[string]Payout),
	}
}

// ID returns the aggregate's unique identifier.
func (a Aggregate) ID() string {
	return a.Equb.ID
}

// Clone returns a deep copy safe to mutate.
func (a Aggregate) Clone() Aggregate {
	cp := Aggregate{
		Equb:          a.Equb.Clone(),
		Contributions: make(map[string]Contribution, len(a.Contributions)),
		Payouts:       make(map[string]Payout, len(a.Payouts)),
	}
	for id, c := range a.Contributions {
		cp.Contributions[id] = c
	}
	for id, p := range a.Payouts {
		cp.Payouts[id] = p
	}
	return cp
}

// RoundContributions returns the contributions of a round ordered by id.
func (a Aggregate) RoundContributions(round int) []Contribution {
	var out []Contribution
	for _, c := range a.Contributions {
		if c.RoundNumber == round {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(x, y Contribution) int {
		return cmp.Compare(x.ID, y.ID)
	})
	return out
}

// TimeFunc is a function that returns the current time.
// This can be overridden for testing.
var TimeFunc = time.Now

// Now returns the current time using the configured TimeFunc.
func Now() time.Time {
	return TimeFunc()
}
