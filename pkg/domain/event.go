package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ActionType names the kind of transition an audit event records.
type ActionType string

const (
	ActionContributionStatusChanged ActionType = "contributionStatusChanged"
	ActionPayoutStatusChanged       ActionType = "payoutStatusChanged"
	ActionEqubStatusChanged         ActionType = "equbStatusChanged"
	ActionEqubDetailsUpdated        ActionType = "equbDetailsUpdated"
	ActionMembersUpdated            ActionType = "membersUpdated"
)

// Valid reports whether a is part of the audit vocabulary.
func (a ActionType) Valid() bool {
	switch a {
	case ActionContributionStatusChanged, ActionPayoutStatusChanged, ActionEqubStatusChanged,
		ActionEqubDetailsUpdated, ActionMembersUpdated:
		return true
	}
	return false
}

// TargetType names the entity an audit event is about.
type TargetType string

const (
	TargetEqub         TargetType = "equb"
	TargetContribution TargetType = "contribution"
	TargetPayout       TargetType = "payout"
)

// AuditEvent is an immutable record of one accepted state transition.
// Events are write-once: nothing in this module updates or deletes them.
type AuditEvent struct {
	ID            string     `json:"id"`
	EqubID        string     `json:"equbId"`
	ActionType    ActionType `json:"actionType"`
	TargetID      string     `json:"targetId"`
	TargetType    TargetType `json:"targetType"`
	ActorID       string     `json:"actorId"`
	ActorRole     Role       `json:"actorRole"`
	PreviousValue string     `json:"previousValue"`
	NewValue      string     `json:"newValue"`
	Reason        string     `json:"reason,omitempty"`
	CommandID     string     `json:"commandId"`
	Timestamp     time.Time  `json:"timestamp"`
}

// NewAuditEvent stamps an event from the envelope that caused it. The id is
// derived from the command, so re-deciding the same command yields the same id,
// and the timestamp is the command's issue time rather than the wall clock.
func NewAuditEvent(env CommandEnvelope, action ActionType, targetType TargetType, targetID, previous, next, reason string) AuditEvent {
	return AuditEvent{
		ID:            GenerateDeterministicEventID(env.CommandID, env.AggregateID, 0),
		EqubID:        env.AggregateID,
		ActionType:    action,
		TargetID:      targetID,
		TargetType:    targetType,
		ActorID:       env.ActorID(),
		ActorRole:     env.Actor.Role(),
		PreviousValue: previous,
		NewValue:      next,
		Reason:        reason,
		CommandID:     env.CommandID,
		Timestamp:     env.IssuedAt,
	}
}

// GenerateDeterministicEventID generates a deterministic event ID from command context.
func GenerateDeterministicEventID(commandID, aggregateID string, sequence int) string {
	h := sha256.New()
	h.Write([]byte(fmt.Sprintf("%s:%s:%d", commandID, aggregateID, sequence)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
