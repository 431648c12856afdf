// Package key manages participant identities: a long-term key pair on G1
// whose public half is self-signed so the coordinator can check ownership
// at admission time.
package key

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"

	"github.com/drand/ceremony/crypto"
)

// Pair is a wrapper around a random scalar and the corresponding public key
type Pair struct {
	Key    kyber.Scalar
	Public *Identity
}

// Identity is the public side of a participant key pair. Name is a free form
// handle shown in the transcript; it is not covered by the self signature so
// it may change while the key stays the same.
type Identity struct {
	Key       kyber.Point
	Name      string
	Signature []byte
	Scheme    *crypto.Scheme
}

func (i *Identity) String() string {
	return fmt.Sprintf("{%s - %s}", i.Name, PointToString(i.Key))
}

// Hash returns the hash of the public key. The hash is the input to the self
// signature.
func (i *Identity) Hash() []byte {
	buff, _ := i.Key.MarshalBinary()
	return i.Scheme.Hash(buff)
}

// ValidSignature returns an error if the self signature of this identity is
// not valid.
func (i *Identity) ValidSignature() error {
	if i.Scheme == nil || i.Key == nil {
		return errors.New("incomplete identity")
	}
	return i.Scheme.IdentityScheme.Verify(i.Key, i.signedMessage(), i.Signature)
}

// we prepend the scheme name to avoid cross-scheme confusion
func (i *Identity) signedMessage() []byte {
	msg := []byte(i.Scheme.Name)
	return append(msg, i.Hash()...)
}

// KeyBytes returns the canonical encoding of the public key.
func (i *Identity) KeyBytes() []byte {
	buff, _ := i.Key.MarshalBinary()
	return buff
}

// Equal indicates if two identities hold the same key
func (i *Identity) Equal(i2 *Identity) bool {
	if i == nil || i2 == nil {
		return i == i2
	}
	return i.Key.Equal(i2.Key)
}

// SelfSign signs the public key with the key pair
func (p *Pair) SelfSign() error {
	signature, err := p.Public.Scheme.IdentityScheme.Sign(p.Key, p.Public.signedMessage())
	if err != nil {
		return err
	}
	p.Public.Signature = signature
	return nil
}

// NewKeyPair returns a freshly created, self-signed key pair.
func NewKeyPair(name string, sch *crypto.Scheme) (*Pair, error) {
	if sch == nil {
		var err error
		sch, err = crypto.GetSchemeFromEnv()
		if err != nil {
			return nil, err
		}
	}
	priv := sch.G1.Scalar().Pick(random.New())
	pub := sch.G1.Point().Mul(priv, nil)
	p := &Pair{
		Key: priv,
		Public: &Identity{
			Key:    pub,
			Name:   name,
			Scheme: sch,
		},
	}
	return p, p.SelfSign()
}

// PairTOML is the TOML-able version of a private key
type PairTOML struct {
	Key        string
	SchemeName string
}

// PublicTOML is the TOML-able version of a public key
type PublicTOML struct {
	Name       string
	Key        string
	Signature  string
	SchemeName string
}

// TOML returns a struct that can be marshalled using a TOML-encoding library
func (p *Pair) TOML() interface{} {
	return &PairTOML{Key: ScalarToString(p.Key), SchemeName: p.Public.Scheme.Name}
}

// FromTOML constructs the private key from an unmarshalled structure from TOML
func (p *Pair) FromTOML(i interface{}) error {
	ptoml, ok := i.(*PairTOML)
	if !ok {
		return errors.New("private can't decode toml from non PairTOML struct")
	}
	sch, err := crypto.GetSchemeByIDWithDefault(ptoml.SchemeName)
	if err != nil {
		return err
	}
	p.Key, err = StringToScalar(sch.G1, ptoml.Key)
	if err != nil {
		return err
	}
	p.Public = &Identity{Scheme: sch}
	return nil
}

// TOMLValue returns an empty TOML-compatible interface value
func (p *Pair) TOMLValue() interface{} {
	return &PairTOML{}
}

// TOML returns a TOML-compatible version of the public key
func (i *Identity) TOML() interface{} {
	return &PublicTOML{
		Name:       i.Name,
		Key:        PointToString(i.Key),
		Signature:  hex.EncodeToString(i.Signature),
		SchemeName: i.Scheme.Name,
	}
}

// FromTOML loads the TOML description of the public key
func (i *Identity) FromTOML(t interface{}) error {
	ptoml, ok := t.(*PublicTOML)
	if !ok {
		return errors.New("public can't decode from non PublicTOML struct")
	}
	sch, err := crypto.GetSchemeByIDWithDefault(ptoml.SchemeName)
	if err != nil {
		return err
	}
	i.Scheme = sch
	i.Name = ptoml.Name
	i.Key, err = StringToPoint(sch.G1, ptoml.Key)
	if err != nil {
		return err
	}
	i.Signature, err = hex.DecodeString(ptoml.Signature)
	return err
}

// TOMLValue returns a TOML-compatible interface value
func (i *Identity) TOMLValue() interface{} {
	return &PublicTOML{}
}

// IdentityFromBytes rebuilds an identity from its wire form.
func IdentityFromBytes(sch *crypto.Scheme, name string, pub, signature []byte) (*Identity, error) {
	p := sch.G1.Point()
	if err := p.UnmarshalBinary(pub); err != nil {
		return nil, fmt.Errorf("invalid identity key: %w", err)
	}
	return &Identity{Key: p, Name: name, Signature: signature, Scheme: sch}, nil
}
