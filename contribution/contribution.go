// Package contribution defines a participant's update of the ceremony
// parameters and the participant-side code producing it.
package contribution

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/drand/kyber"

	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/entropy"
	"github.com/drand/ceremony/key"
	"github.com/drand/ceremony/srs"
)

const proofDomain = "ceremony-contribution-pok-v1"

// Contribution is one participant's rescaling of the parameters. The
// rescaling factor x never appears: Witness is x*G2 and Proof is a signature
// made with x, binding the update to the state it builds on and to the
// participant key.
type Contribution struct {
	Participant *key.Identity
	PrevHash    []byte
	Parameters  *srs.Parameters
	Witness     kyber.Point
	Proof       []byte
	Timestamp   time.Time
}

// UpdatedParameters implements srs.Update.
func (c *Contribution) UpdatedParameters() *srs.Parameters {
	return c.Parameters
}

// PostHash returns the state hash of the updated parameters.
func (c *Contribution) PostHash() []byte {
	return c.Parameters.Hash()
}

// ParticipantKey returns the encoded participant public key.
func (c *Contribution) ParticipantKey() []byte {
	return c.Participant.KeyBytes()
}

func (c *Contribution) String() string {
	return fmt.Sprintf("contribution{participant: %s, prev: %s}", c.Participant.Name, shortHex(c.PrevHash))
}

// ProofMessage is the message signed by the rescaling factor.
func ProofMessage(sch *crypto.Scheme, prevHash, participantKey []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(prevHash)))
	return sch.Hash([]byte(proofDomain), lenBuf[:], prevHash, participantKey)
}

// ErrNoSecret is returned when Create is called without a secret.
var ErrNoSecret = errors.New("no secret to contribute with")

// Create builds a contribution on top of prev. The secret is consumed and
// wiped by this call, successful or not.
func Create(prev *srs.Parameters, participant *key.Identity, secret *entropy.Secret, now time.Time) (*Contribution, error) {
	if secret == nil {
		return nil, ErrNoSecret
	}
	sch := prev.Scheme()
	prevHash := prev.Hash()
	c := &Contribution{
		Participant: participant,
		PrevHash:    prevHash,
		Timestamp:   now.UTC(),
	}
	err := secret.Use(sch.G2, func(x kyber.Scalar) error {
		c.Parameters = srs.Rescale(prev, x)
		c.Witness = sch.G2.Point().Mul(x, nil)
		proof, err := sch.ProofScheme.Sign(x, ProofMessage(sch, prevHash, participant.KeyBytes()))
		if err != nil {
			return err
		}
		c.Proof = proof
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating contribution: %w", err)
	}
	return c, nil
}

// Packet is the wire form of a contribution, JSON encoded with hex byte
// fields.
type Packet struct {
	ParticipantKey       []byte `json:"participant_key"`
	ParticipantName      string `json:"participant_name"`
	ParticipantSignature []byte `json:"participant_signature"`
	PrevHash             []byte `json:"prev_hash"`
	Parameters           []byte `json:"parameters"`
	Witness              []byte `json:"witness"`
	Proof                []byte `json:"proof"`
	Timestamp            int64  `json:"timestamp"`
}

// ToPacket converts the contribution to its wire form.
func (c *Contribution) ToPacket() (*Packet, error) {
	params, err := c.Parameters.MarshalBinary()
	if err != nil {
		return nil, err
	}
	witness, err := c.Witness.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Packet{
		ParticipantKey:       c.Participant.KeyBytes(),
		ParticipantName:      c.Participant.Name,
		ParticipantSignature: c.Participant.Signature,
		PrevHash:             c.PrevHash,
		Parameters:           params,
		Witness:              witness,
		Proof:                c.Proof,
		Timestamp:            c.Timestamp.UnixNano(),
	}, nil
}

// FromPacket decodes a wire contribution. Only the encoding is checked here,
// validity is the verifier's job.
func FromPacket(sch *crypto.Scheme, p *Packet) (*Contribution, error) {
	if p == nil {
		return nil, errors.New("nil contribution packet")
	}
	id, err := key.IdentityFromBytes(sch, p.ParticipantName, p.ParticipantKey, p.ParticipantSignature)
	if err != nil {
		return nil, err
	}
	params, err := srs.UnmarshalParameters(sch, p.Parameters)
	if err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	witness := sch.G2.Point()
	if err := witness.UnmarshalBinary(p.Witness); err != nil {
		return nil, fmt.Errorf("invalid witness: %w", err)
	}
	return &Contribution{
		Participant: id,
		PrevHash:    p.PrevHash,
		Parameters:  params,
		Witness:     witness,
		Proof:       p.Proof,
		Timestamp:   time.Unix(0, p.Timestamp).UTC(),
	}, nil
}

// Equal compares two contributions field by field.
func (c *Contribution) Equal(o *Contribution) bool {
	return c.Participant.Equal(o.Participant) &&
		bytes.Equal(c.PrevHash, o.PrevHash) &&
		c.Parameters.Equal(o.Parameters) &&
		c.Witness.Equal(o.Witness) &&
		bytes.Equal(c.Proof, o.Proof) &&
		c.Timestamp.Equal(o.Timestamp)
}

func shortHex(b []byte) string {
	s := hex.EncodeToString(b)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
