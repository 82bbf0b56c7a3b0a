package attendance

import (
	"fmt"

	"github.com/cjeanneret/RollGo/internal/logic/payload"
)

// Operator-facing messages.
const (
	MsgRecorded           = "Attendance marked successfully!"
	MsgAlreadyMarked      = "Already marked present"
	MsgInvalidPayload     = "Invalid QR Code. Please try again."
	MsgPersistenceFailure = "Failed to update details."
)

// OutcomeKind is the terminal result of one cycle.
type OutcomeKind int

const (
	Recorded OutcomeKind = iota
	AlreadyMarked
	RejectedInvalidPayload
	RejectedPersistenceFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case Recorded:
		return "Recorded"
	case AlreadyMarked:
		return "AlreadyMarked"
	case RejectedInvalidPayload:
		return "RejectedInvalidPayload"
	case RejectedPersistenceFailure:
		return "RejectedPersistenceFailure"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Message returns the fixed operator message for the kind.
func (k OutcomeKind) Message() string {
	switch k {
	case Recorded:
		return MsgRecorded
	case AlreadyMarked:
		return MsgAlreadyMarked
	case RejectedInvalidPayload:
		return MsgInvalidPayload
	default:
		return MsgPersistenceFailure
	}
}

// Severity is the colour class of an outcome.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Outcome is shown once, then discarded on acknowledgment.
type Outcome struct {
	Kind     OutcomeKind             `json:"kind"`
	Message  string                  `json:"message"`
	Identity *payload.IdentityRecord `json:"identity,omitempty"`
	// Err is the underlying failure for rejected outcomes.
	Err error `json:"-"`
}

func (o Outcome) Severity() Severity {
	switch o.Kind {
	case Recorded:
		return SeveritySuccess
	case AlreadyMarked:
		return SeverityWarning
	default:
		return SeverityError
	}
}

func newOutcome(kind OutcomeKind, id *payload.IdentityRecord, err error) Outcome {
	return Outcome{Kind: kind, Message: kind.Message(), Identity: id, Err: err}
}

// PersistenceOp names the store call that failed.
type PersistenceOp int

const (
	LookupFailed PersistenceOp = iota
	InsertFailed
)

func (op PersistenceOp) String() string {
	if op == InsertFailed {
		return "InsertFailed"
	}
	return "LookupFailed"
}

// PersistenceError is carried by RejectedPersistenceFailure outcomes.
type PersistenceError struct {
	Op  PersistenceOp
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
