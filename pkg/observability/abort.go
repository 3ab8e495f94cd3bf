package observability

import (
	"time"

	"github.com/plaenen/equbledger/pkg/domain"
)

// AbortEvent describes one failed operation. Exactly one is emitted per
// failure, after the failure has already been decided.
type AbortEvent struct {
	ID        string          `json:"id"`
	ErrorType domain.Kind     `json:"errorType"`
	Code      string          `json:"code"`
	Severity  domain.Severity `json:"severity"`
	EqubID    string          `json:"equbId,omitempty"`
	ActorID   string          `json:"actorId,omitempty"`
	ActorRole domain.Role     `json:"actorRole,omitempty"`
	CommandID string          `json:"commandId,omitempty"`
	Operation string          `json:"operation,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// AbortContext carries what is known about the failed operation. Every
// field is optional: verification failures have no command, and envelope
// construction failures have no actor.
type AbortContext struct {
	Operation string
	EqubID    string
	Envelope  *domain.CommandEnvelope
}

// newAbortEvent classifies err. Errors outside the domain taxonomy, such as
// store I/O failures, are reported as INTERNAL_FAILURE of the generic kind.
func newAbortEvent(id string, at time.Time, err error, ac AbortContext) AbortEvent {
	ev := AbortEvent{
		ID:        id,
		Operation: ac.Operation,
		EqubID:    ac.EqubID,
		Timestamp: at,
		Reason:    err.Error(),
	}
	if de, ok := domain.AsError(err); ok {
		ev.ErrorType = de.Kind
		ev.Code = de.Code
		ev.Severity = de.Severity
		ev.Reason = de.Message
	} else {
		ev.ErrorType = domain.KindGeneric
		ev.Code = domain.CodeInternal
		ev.Severity = domain.SeverityExternalDataCorruption
	}
	if env := ac.Envelope; env != nil {
		ev.EqubID = env.AggregateID
		ev.ActorID = env.ActorID()
		ev.ActorRole = env.Actor.Role()
		ev.CommandID = env.CommandID
	}
	return ev
}
