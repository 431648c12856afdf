package ceremony

import (
	"errors"
	"fmt"
)

// ErrorKind classifies caller-correctable ceremony errors. None of them
// mutates the ceremony.
type ErrorKind int

const (
	NotAccepting ErrorKind = iota + 1
	AlreadyAdmitted
	InsufficientParticipants
	NotAdmitted
	NotYourTurn
	InvalidIdentity
	AdmissionClosed
	UnknownCeremony
)

func (k ErrorKind) String() string {
	switch k {
	case NotAccepting:
		return "NotAccepting"
	case AlreadyAdmitted:
		return "AlreadyAdmitted"
	case InsufficientParticipants:
		return "InsufficientParticipants"
	case NotAdmitted:
		return "NotAdmitted"
	case NotYourTurn:
		return "NotYourTurn"
	case InvalidIdentity:
		return "InvalidIdentity"
	case AdmissionClosed:
		return "AdmissionClosed"
	case UnknownCeremony:
		return "UnknownCeremony"
	default:
		return "Unknown"
	}
}

// CeremonyError is returned for requests the ceremony cannot serve in its
// current state.
type CeremonyError struct {
	Kind ErrorKind
	Msg  string
}

func (e *CeremonyError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is matches any CeremonyError of the same kind.
func (e *CeremonyError) Is(target error) bool {
	var t *CeremonyError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind ErrorKind, format string, args ...interface{}) error {
	return &CeremonyError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

var (
	ErrNotAccepting             = &CeremonyError{Kind: NotAccepting}
	ErrAlreadyAdmitted          = &CeremonyError{Kind: AlreadyAdmitted}
	ErrInsufficientParticipants = &CeremonyError{Kind: InsufficientParticipants}
	ErrNotAdmitted              = &CeremonyError{Kind: NotAdmitted}
	ErrNotYourTurn              = &CeremonyError{Kind: NotYourTurn}
	ErrInvalidIdentity          = &CeremonyError{Kind: InvalidIdentity}
	ErrAdmissionClosed          = &CeremonyError{Kind: AdmissionClosed}
	ErrUnknownCeremony          = &CeremonyError{Kind: UnknownCeremony}
)

func InvalidStateChange(from, to Status) error {
	return fmt.Errorf("invalid transition attempt from %s to %s", from, to)
}
