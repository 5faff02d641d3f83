// Package brokererr defines the closed taxonomy of error kinds the broker
// surfaces to callers (spec §7) and the relationship-event classification
// that goes with each one.
package brokererr

import "fmt"

// Kind is one of the public error kinds named in spec §7. It is a closed
// enumeration: every admission-pipeline step and lifecycle rule maps to
// exactly one Kind.
type Kind string

const (
	// Authentication
	KindBadSignature     Kind = "bad_signature"
	KindUnknownSender    Kind = "unknown_sender"
	KindBindingMismatch  Kind = "binding_mismatch"
	KindExpiredKey       Kind = "expired_key"

	// Relationship lifecycle
	KindUnknownRelationship Kind = "unknown_relationship"
	KindClosedRelationship  Kind = "closed_relationship"
	KindDepthExceeded       Kind = "depth_exceeded"
	KindExpired             Kind = "expired"
	KindOutsideWindow       Kind = "outside_window"
	KindAlreadyClosed       Kind = "already_closed"
	KindParticipantMismatch Kind = "participant_mismatch"
	KindPredecessorActive   Kind = "predecessor_active"

	// Policy
	KindTrustLevelInsufficient Kind = "trust_level_insufficient"
	KindConsentMissing         Kind = "consent_missing"
	KindFilterRejected         Kind = "filter_rejected"
	KindRiskTooLow             Kind = "risk_too_low"

	// Protocol misuse
	KindWrongDirection  Kind = "wrong_direction"
	KindNotAdmitted     Kind = "not_admitted"
	KindAlreadyFinal    Kind = "already_finalized"
	KindDuplicate       Kind = "duplicate"

	// Capacity / time
	KindTimeout             Kind = "timeout"
	KindDeliveryTimeout     Kind = "delivery_timeout"
	KindResponderOverloaded Kind = "responder_overloaded"

	// Catch-all
	KindInternal Kind = "internal_error"
)

// EventClass says whether a failure is recorded as a benign rejection or
// as a breach attempt, per spec §4.4 / §7. Only relevant for kinds that
// are ever recorded against a relationship at all; KindInternal is never
// recorded (spec §7: "internal_error is unrecorded at the relationship
// level").
type EventClass string

const (
	// ClassRejection is recorded as intent_rejected.
	ClassRejection EventClass = "intent_rejected"
	// ClassBreach is recorded as breach_attempt — a misuse signal, not a
	// benign user error, and additionally surfaced to oversight when the
	// policy entry flags it.
	ClassBreach EventClass = "breach_attempt"
	// ClassUnrecorded is never written to the relationship log.
	ClassUnrecorded EventClass = ""
)

// classOf is the fixed mapping from Kind to EventClass named across §4.4.
var classOf = map[Kind]EventClass{
	KindBadSignature:           ClassUnrecorded, // L1 runs before a relationship is resolved
	KindUnknownSender:          ClassUnrecorded,
	KindBindingMismatch:        ClassUnrecorded,
	KindExpiredKey:             ClassUnrecorded,
	KindUnknownRelationship:    ClassUnrecorded, // no relationship to record against
	KindClosedRelationship:     ClassBreach,      // step 1: recorded against the closed relationship
	KindDepthExceeded:          ClassRejection,   // step 5
	KindExpired:                ClassRejection,   // step 4 activity-based
	KindOutsideWindow:          ClassBreach,      // step 4 strict appointment
	KindAlreadyClosed:          ClassUnrecorded,  // idempotent close, no new event
	KindParticipantMismatch:    ClassUnrecorded,
	KindPredecessorActive:      ClassUnrecorded,
	KindTrustLevelInsufficient: ClassRejection, // step 3
	KindConsentMissing:         ClassRejection, // step 6
	KindFilterRejected:         ClassRejection, // step 7
	KindRiskTooLow:             ClassRejection, // step 8
	KindWrongDirection:         ClassBreach,    // step 2: first loop-prevention barrier
	KindNotAdmitted:            ClassUnrecorded,
	KindAlreadyFinal:           ClassUnrecorded,
	KindDuplicate:              ClassUnrecorded,
	KindTimeout:                ClassRejection,
	KindDeliveryTimeout:        ClassUnrecorded, // recorded as response_recorded, handled by delivery
	KindResponderOverloaded:    ClassRejection,  // step 8 signal responder_overloaded
	KindInternal:               ClassUnrecorded,
}

// EventClass reports how a Kind should be recorded against a relationship.
func (k Kind) EventClass() EventClass {
	return classOf[k]
}

// Error is the structured error value carried through the admission
// pipeline and returned to callers. It is never an `error` built from
// fmt.Errorf wrapping alone — callers switch on Kind, not on message text.
type Error struct {
	Kind          Kind
	Detail        string
	Signal        string // extra machine-readable detail, e.g. "responder_overloaded"
	Correlation   string // set only for KindInternal
}

func (e *Error) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Detail, e.Signal)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// New builds a pipeline error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// WithSignal attaches a machine-readable signal (e.g. responder_overloaded).
func (e *Error) WithSignal(signal string) *Error {
	e.Signal = signal
	return e
}

// Internal builds a KindInternal error carrying a correlation ID for
// operator lookup. The underlying cause is logged by the caller, never
// serialized back to the client or into a relationship event.
func Internal(correlation string, cause error) *Error {
	detail := "an internal error occurred"
	if cause != nil {
		detail = cause.Error()
	}
	return &Error{Kind: KindInternal, Detail: detail, Correlation: correlation}
}
