// Package verifier checks that a contribution is a valid, non-trivial
// rescaling of the current parameters by a participant who knows the
// rescaling factor.
package verifier

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/drand/kyber/util/random"

	"github.com/drand/ceremony/contribution"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/srs"
)

// Kind classifies verification failures.
type Kind int

const (
	InvalidProof Kind = iota + 1
	StateMismatch
	ReplayedKey
)

func (k Kind) String() string {
	switch k {
	case InvalidProof:
		return "InvalidProof"
	case StateMismatch:
		return "StateMismatch"
	case ReplayedKey:
		return "ReplayedKey"
	default:
		return "Unknown"
	}
}

// VerificationError is returned for any rejected contribution.
type VerificationError struct {
	Kind   Kind
	Reason string
}

func (e *VerificationError) Error() string {
	if e.Reason == "" {
		return "verification failed: " + e.Kind.String()
	}
	return fmt.Sprintf("verification failed: %s: %s", e.Kind, e.Reason)
}

// Is matches any VerificationError of the same kind, so that
// errors.Is(err, ErrInvalidProof) works whatever the reason.
func (e *VerificationError) Is(target error) bool {
	var t *VerificationError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidProof  = &VerificationError{Kind: InvalidProof}
	ErrStateMismatch = &VerificationError{Kind: StateMismatch}
	ErrReplayedKey   = &VerificationError{Kind: ReplayedKey}
)

func invalid(format string, args ...interface{}) error {
	return &VerificationError{Kind: InvalidProof, Reason: fmt.Sprintf(format, args...)}
}

// KeySet answers whether a participant key already contributed.
type KeySet interface {
	Contains(participantKey []byte) bool
}

// Keys is a KeySet backed by a map, keyed by the encoded participant key.
type Keys map[string]struct{}

// Contains implements KeySet.
func (k Keys) Contains(participantKey []byte) bool {
	_, ok := k[string(participantKey)]
	return ok
}

// Add records a key.
func (k Keys) Add(participantKey []byte) {
	k[string(participantKey)] = struct{}{}
}

// Verifier runs the checks of one scheme. It holds no ceremony state.
type Verifier struct {
	scheme *crypto.Scheme
}

// New returns a verifier for the given scheme.
func New(sch *crypto.Scheme) *Verifier {
	return &Verifier{scheme: sch}
}

// Verify checks c against the parameters prev whose logged hash is prevHash.
// Checks run in order: state linkage, then proofs, then key replay, and the
// first failure is returned.
func (v *Verifier) Verify(prev *srs.Parameters, prevHash []byte, c *contribution.Contribution, seen KeySet) error {
	if c == nil || c.Participant == nil || c.Parameters == nil || c.Witness == nil {
		return invalid("incomplete contribution")
	}
	if !bytes.Equal(prevHash, c.PrevHash) {
		return &VerificationError{Kind: StateMismatch, Reason: "contribution does not build on the latest state"}
	}
	if !bytes.Equal(prev.Hash(), c.PrevHash) {
		return &VerificationError{Kind: StateMismatch, Reason: "current parameters do not hash to the claimed previous state"}
	}
	if err := v.CheckUpdate(prev, c); err != nil {
		return err
	}
	if seen != nil && seen.Contains(c.ParticipantKey()) {
		return &VerificationError{Kind: ReplayedKey, Reason: "participant key already contributed"}
	}
	return nil
}

// CheckUpdate runs the proof checks only.
func (v *Verifier) CheckUpdate(prev *srs.Parameters, c *contribution.Contribution) error {
	sch := v.scheme
	next := c.Parameters
	if next.Degree != prev.Degree || next.Len() != prev.Len() {
		return invalid("expected %d powers, got %d", prev.Len(), next.Len())
	}
	g1 := sch.G1.Point().Base()
	g2 := sch.G2.Point().Base()
	if !next.G1Powers[0].Equal(g1) {
		return invalid("first power is not the generator")
	}
	if c.Witness.Equal(sch.G2.Point().Null()) || c.Witness.Equal(g2) {
		return invalid("trivial update")
	}
	msg := contribution.ProofMessage(sch, c.PrevHash, c.ParticipantKey())
	if err := sch.ProofScheme.Verify(c.Witness, msg, c.Proof); err != nil {
		return invalid("proof of knowledge: %v", err)
	}

	pair := sch.Pairing.Pair
	// the first power moved by exactly the witnessed factor
	if !pair(next.G1Powers[1], g2).Equal(pair(prev.G1Powers[1], c.Witness)) {
		return invalid("update is not a rescaling by the witnessed factor")
	}
	// the verification key carries the same tau as the first power
	if !pair(g1, next.VerificationKey).Equal(pair(next.G1Powers[1], g2)) {
		return invalid("verification key inconsistent with the powers")
	}
	// successive powers differ by tau, checked all at once with random weights
	left := sch.G1.Point().Null()
	right := sch.G1.Point().Null()
	stream := random.New()
	for i := 1; i < next.Len(); i++ {
		r := sch.G1.Scalar().Pick(stream)
		left = sch.G1.Point().Add(left, sch.G1.Point().Mul(r, next.G1Powers[i]))
		right = sch.G1.Point().Add(right, sch.G1.Point().Mul(r, next.G1Powers[i-1]))
	}
	if !pair(left, g2).Equal(pair(right, next.VerificationKey)) {
		return invalid("powers are not consecutive")
	}
	return nil
}
