package domain

import (
	"errors"
	"fmt"
)

// Kind tags every failure the ledger core can raise.
type Kind string

const (
	KindDuplicateCommand   Kind = "duplicate_command"
	KindCommandOrdering    Kind = "command_ordering"
	KindConcurrency        Kind = "concurrency_violation"
	KindEqubLifecycle      Kind = "equb_lifecycle"
	KindContributionStatus Kind = "contribution_status"
	KindPayoutLock         Kind = "payout_lock"
	KindRolePermission     Kind = "role_permission"
	KindStateDrift         Kind = "state_drift"
	KindGeneric            Kind = "domain"
)

// Severity classifies how bad a failure is.
type Severity string

const (
	SeverityInvariantViolation     Severity = "invariant_violation"
	SeverityForbiddenAction        Severity = "forbidden_action"
	SeverityExternalDataCorruption Severity = "external_data_corruption"
)

// Reaction is the only response a caller is allowed to take.
type Reaction string

// ReactionAbortOnly means the operation fails as a whole: no retry, no default.
const ReactionAbortOnly Reaction = "abort_only"

// Stable technical codes.
const (
	CodeDuplicateCommand           = "DUPLICATE_COMMAND"
	CodeCommandOutOfOrder          = "COMMAND_OUT_OF_ORDER"
	CodeCommandInFuture            = "COMMAND_TIMESTAMP_IN_FUTURE"
	CodeAggregateLocked            = "AGGREGATE_LOCKED"
	CodeLockNotHeld                = "LOCK_NOT_HELD"
	CodeInvalidTransition          = "EQUB_INVALID_TRANSITION"
	CodeEqubReadOnly               = "EQUB_READ_ONLY"
	CodeTerminationReasonRequired  = "EQUB_TERMINATION_REASON_REQUIRED"
	CodeEqubNotActive              = "EQUB_NOT_ACTIVE"
	CodeOnHoldReasonRequired       = "CONTRIBUTION_ON_HOLD_REASON_REQUIRED"
	CodeOnHoldClearReasonRequired  = "CONTRIBUTION_ON_HOLD_CLEAR_REASON_REQUIRED"
	CodePayoutBlocked              = "PAYOUT_BLOCKED"
	CodePayoutAwaitingAdmin        = "PAYOUT_AWAITING_ADMIN_CONFIRMATION"
	CodePayoutFinalized            = "PAYOUT_FINALIZED"
	CodePayoutNotConfirmed         = "PAYOUT_NOT_MEMBER_CONFIRMED"
	CodePayoutRejectReasonRequired = "PAYOUT_REJECT_REASON_REQUIRED"
	CodeCollectorCannotConfirm     = "COLLECTOR_CANNOT_CONFIRM_PAYOUT"
	CodeNotPayoutOwner             = "NOT_PAYOUT_OWNER"
	CodeRoleNotAllowed             = "ROLE_NOT_ALLOWED"
	CodeAuditDrift                 = "AUDIT_DRIFT_DETECTED"
	CodeStateDrift                 = "STATE_DRIFT_DETECTED"
	CodeInvalidAuditEvent          = "INVALID_AUDIT_EVENT"
	CodeInvalidStatus              = "INVALID_STATUS"
	CodeInvalidFrequency           = "INVALID_FREQUENCY"
	CodeInvalidDate                = "INVALID_DATE"
	CodeInvalidRole                = "INVALID_ROLE"
	CodeInvalidIdentity            = "INVALID_IDENTITY"
	CodeInvalidCommand             = "INVALID_COMMAND"
	CodeInvalidDetails             = "INVALID_EQUB_DETAILS"
	CodeInvalidMembers             = "INVALID_MEMBERS"
	CodeContributionNotFound       = "CONTRIBUTION_NOT_FOUND"
	CodePayoutNotFound             = "PAYOUT_NOT_FOUND"
	CodeEqubNotFound               = "EQUB_NOT_FOUND"
	CodeInternal                   = "INTERNAL_FAILURE"
	CodeArchiveCorrupted           = "AUDIT_ARCHIVE_CORRUPTED"
)

// Error is the single failure type of the core. Callers switch on Kind
// instead of relying on type identity.
type Error struct {
	Kind     Kind
	Code     string
	Severity Severity
	Message  string
	Details  map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Recoverable is always false.
func (e *Error) Recoverable() bool { return false }

// Reaction is always abort-only.
func (e *Error) Reaction() Reaction { return ReactionAbortOnly }

// Is matches any *Error of the same kind, so the Err* sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is. They carry only a kind.
var (
	ErrDuplicateCommand   = &Error{Kind: KindDuplicateCommand}
	ErrCommandOrdering    = &Error{Kind: KindCommandOrdering}
	ErrConcurrency        = &Error{Kind: KindConcurrency}
	ErrEqubLifecycle      = &Error{Kind: KindEqubLifecycle}
	ErrContributionStatus = &Error{Kind: KindContributionStatus}
	ErrPayoutLock         = &Error{Kind: KindPayoutLock}
	ErrRolePermission     = &Error{Kind: KindRolePermission}
	ErrStateDrift         = &Error{Kind: KindStateDrift}
	ErrGeneric            = &Error{Kind: KindGeneric}
)

// defaultSeverity is the fixed severity of each kind.
func defaultSeverity(kind Kind) Severity {
	switch kind {
	case KindRolePermission, KindDuplicateCommand, KindConcurrency:
		return SeverityForbiddenAction
	case KindStateDrift, KindGeneric:
		return SeverityExternalDataCorruption
	default:
		return SeverityInvariantViolation
	}
}

// NewError creates an error of the given kind with its fixed severity.
func NewError(kind Kind, code, format string, args ...any) *Error {
	return &Error{
		Kind:     kind,
		Code:     code,
		Severity: defaultSeverity(kind),
		Message:  fmt.Sprintf(format, args...),
	}
}

// WithDetail returns a copy of e with an extra detail attached.
func (e *Error) WithDetail(key, value string) *Error {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// DuplicateCommand reports a command id that was already applied.
func DuplicateCommand(aggregateID, commandID string) *Error {
	return NewError(KindDuplicateCommand, CodeDuplicateCommand,
		"command %s already processed for aggregate %s", commandID, aggregateID)
}

// OutOfOrder reports a command whose timestamp does not advance the aggregate clock.
func OutOfOrder(aggregateID string, issuedAt, last string) *Error {
	return NewError(KindCommandOrdering, CodeCommandOutOfOrder,
		"command issued at %s is not after last accepted %s for aggregate %s", issuedAt, last, aggregateID)
}

// Lifecycle reports an illegal equb transition or edit.
func Lifecycle(code, format string, args ...any) *Error {
	return NewError(KindEqubLifecycle, code, format, args...)
}

// ContributionStatusViolation reports a contribution status rule violation.
func ContributionStatusViolation(code, format string, args ...any) *Error {
	return NewError(KindContributionStatus, code, format, args...)
}

// PayoutLock reports a confirmation attempted against a locked payout.
func PayoutLock(code, format string, args ...any) *Error {
	return NewError(KindPayoutLock, code, format, args...)
}

// RolePermission reports a role or ownership boundary violation.
func RolePermission(code, format string, args ...any) *Error {
	return NewError(KindRolePermission, code, format, args...)
}

// Drift reports disagreement between history and state.
func Drift(code, format string, args ...any) *Error {
	return NewError(KindStateDrift, code, format, args...)
}

// Invalid reports malformed external data.
func Invalid(code, format string, args ...any) *Error {
	return NewError(KindGeneric, code, format, args...)
}

// AsError extracts the *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// KindOf returns the kind of err, or the empty kind for foreign errors.
func KindOf(err error) Kind {
	if de, ok := AsError(err); ok {
		return de.Kind
	}
	return ""
}
