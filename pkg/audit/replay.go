package audit

import (
	"maps"
	"slices"
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
)

// DerivedState is what the audit history says an equb's tracked statuses are.
// Empty statuses and missing map entries mean no event has touched the entity.
type DerivedState struct {
	EqubID        string
	EqubStatus    domain.EqubStatus
	Contributions map[string]domain.ContributionStatus
	Payouts       map[string]domain.PayoutStatus

	// Details and member edits do not affect status tracking; they are
	// counted so a replay still accounts for every event.
	DetailsRevision int
	MembersRevision int

	Applied       int
	LastEventID   string
	LastTimestamp time.Time
}

// NewDerivedState returns the empty state of an equb.
func NewDerivedState(equbID string) DerivedState {
	return DerivedState{
		EqubID:        equbID,
		Contributions: make(map[string]domain.ContributionStatus),
		Payouts:       make(map[string]domain.PayoutStatus),
	}
}

// Clone returns a deep copy.
func (s DerivedState) Clone() DerivedState {
	cp := s
	cp.Contributions = maps.Clone(s.Contributions)
	cp.Payouts = maps.Clone(s.Payouts)
	if cp.Contributions == nil {
		cp.Contributions = make(map[string]domain.ContributionStatus)
	}
	if cp.Payouts == nil {
		cp.Payouts = make(map[string]domain.PayoutStatus)
	}
	return cp
}

// Replay folds events into initial and returns the resulting state. Events
// are re-sorted by timestamp (stable, so ties keep their log order) before
// folding. The first event whose previous value disagrees with the state
// built so far stops the replay with an AUDIT_DRIFT_DETECTED error.
//
// Replay reads no clock and touches no store; neither initial nor events is
// modified.
func Replay(initial DerivedState, events []domain.AuditEvent) (DerivedState, error) {
	state := initial.Clone()

	ordered := slices.Clone(events)
	slices.SortStableFunc(ordered, func(a, b domain.AuditEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	for _, e := range ordered {
		if err := state.apply(e); err != nil {
			return DerivedState{}, err
		}
	}
	return state, nil
}

func (s *DerivedState) apply(e domain.AuditEvent) error {
	if err := ValidateEvent(e); err != nil {
		return err
	}
	if s.EqubID == "" {
		s.EqubID = e.EqubID
	}
	if e.EqubID != s.EqubID {
		return domain.Invalid(domain.CodeInvalidAuditEvent,
			"audit event %s belongs to equb %s, replaying %s", e.ID, e.EqubID, s.EqubID)
	}

	switch e.ActionType {
	case domain.ActionEqubStatusChanged:
		prev, next, err := parsePair(e, domain.ParseEqubStatus)
		if err != nil {
			return err
		}
		if s.EqubStatus != "" && s.EqubStatus != prev {
			return drift(e, string(s.EqubStatus))
		}
		s.EqubStatus = next

	case domain.ActionContributionStatusChanged:
		prev, next, err := parsePair(e, domain.ParseContributionStatus)
		if err != nil {
			return err
		}
		if cur, ok := s.Contributions[e.TargetID]; ok && cur != prev {
			return drift(e, string(cur))
		}
		s.Contributions[e.TargetID] = next

	case domain.ActionPayoutStatusChanged:
		prev, next, err := parsePair(e, domain.ParsePayoutStatus)
		if err != nil {
			return err
		}
		if cur, ok := s.Payouts[e.TargetID]; ok && cur != prev {
			return drift(e, string(cur))
		}
		s.Payouts[e.TargetID] = next

	case domain.ActionEqubDetailsUpdated:
		s.DetailsRevision++

	case domain.ActionMembersUpdated:
		s.MembersRevision++
	}

	s.Applied++
	s.LastEventID = e.ID
	s.LastTimestamp = e.Timestamp
	return nil
}

// parsePair parses previous and new values with the status vocabulary of the
// event's target. Vocabulary errors become INVALID_AUDIT_EVENT.
func parsePair[S ~string](e domain.AuditEvent, parse func(string) (S, error)) (S, S, error) {
	prev, err := parse(e.PreviousValue)
	if err != nil {
		return "", "", domain.Invalid(domain.CodeInvalidAuditEvent,
			"audit event %s has unknown previous value %q", e.ID, e.PreviousValue)
	}
	next, err := parse(e.NewValue)
	if err != nil {
		return "", "", domain.Invalid(domain.CodeInvalidAuditEvent,
			"audit event %s has unknown new value %q", e.ID, e.NewValue)
	}
	return prev, next, nil
}

func drift(e domain.AuditEvent, have string) error {
	return domain.Drift(domain.CodeAuditDrift,
		"audit event %s expects %s %s to be %q, replayed state has %q",
		e.ID, e.TargetType, e.TargetID, e.PreviousValue, have).
		WithDetail("event_id", e.ID).
		WithDetail("target_id", e.TargetID)
}
