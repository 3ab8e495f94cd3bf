package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CommandEnvelope binds a command to its id, issue time, verified actor and
// target aggregate. The command id must be provided by the client for idempotency.
type CommandEnvelope struct {
	CommandID   string
	IssuedAt    time.Time
	AggregateID string
	Actor       IdentityContext
}

// NewCommandEnvelope builds an envelope. The actor can only come from an
// IdentityContext, so an envelope never carries an unverified actor id.
func NewCommandEnvelope(actor IdentityContext, aggregateID, commandID string, issuedAt time.Time) (CommandEnvelope, error) {
	if actor.IsZero() {
		return CommandEnvelope{}, Invalid(CodeInvalidIdentity, "command requires a verified identity")
	}
	if strings.TrimSpace(aggregateID) == "" {
		return CommandEnvelope{}, Invalid(CodeInvalidCommand, "aggregate id is required")
	}
	if strings.TrimSpace(commandID) == "" {
		return CommandEnvelope{}, Invalid(CodeInvalidCommand, "command id is required")
	}
	if issuedAt.IsZero() {
		return CommandEnvelope{}, Invalid(CodeInvalidDate, "command issue time is required")
	}
	return CommandEnvelope{
		CommandID:   commandID,
		IssuedAt:    issuedAt.UTC(),
		AggregateID: aggregateID,
		Actor:       actor,
	}, nil
}

// ActorID returns the verified actor id.
func (e CommandEnvelope) ActorID() string { return e.Actor.ActorID() }

// NewCommandID returns a fresh random command id for clients that do not
// carry their own.
func NewCommandID() string {
	return uuid.NewString()
}
