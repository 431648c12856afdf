// Package srs holds the universal parameters of the proving system, the
// powers of a hidden tau in G1 together with [tau]G2, and the accumulator
// that evolves them one contribution at a time.
package srs

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/drand/kyber"

	"github.com/drand/ceremony/crypto"
)

// MaxDegree bounds the degree accepted when decoding parameters.
const MaxDegree = 1 << 24

var magic = []byte("PTAU")

const encodingVersion uint16 = 1

// ErrInvalidDegree is returned for degrees outside [1, MaxDegree].
var ErrInvalidDegree = errors.New("degree must be between 1 and MaxDegree")

// Parameters is the structured reference string: G1Powers[i] = tau^i * G1 for
// i in [0, Degree] and VerificationKey = tau * G2. A Parameters value is never
// modified once built; every update returns a new value.
type Parameters struct {
	Degree          int
	G1Powers        []kyber.Point
	VerificationKey kyber.Point

	scheme *crypto.Scheme
}

// New returns the genesis parameters of the given degree, where tau = 1.
func New(sch *crypto.Scheme, degree int) (*Parameters, error) {
	if degree < 1 || degree > MaxDegree {
		return nil, ErrInvalidDegree
	}
	powers := make([]kyber.Point, degree+1)
	for i := range powers {
		powers[i] = sch.G1.Point().Base()
	}
	return &Parameters{
		Degree:          degree,
		G1Powers:        powers,
		VerificationKey: sch.G2.Point().Base(),
		scheme:          sch,
	}, nil
}

// Scheme returns the scheme the parameters are defined over.
func (p *Parameters) Scheme() *crypto.Scheme {
	return p.scheme
}

// Len returns the number of G1 powers.
func (p *Parameters) Len() int {
	return len(p.G1Powers)
}

// Rescale multiplies the i-th power by x^i and the verification key by x. It
// is the participant side of a contribution: the result encodes tau*x
// without either factor ever being known to the other party.
func Rescale(p *Parameters, x kyber.Scalar) *Parameters {
	g1 := p.scheme.G1
	powers := make([]kyber.Point, len(p.G1Powers))
	xi := g1.Scalar().One()
	for i, pt := range p.G1Powers {
		powers[i] = g1.Point().Mul(xi, pt)
		xi = g1.Scalar().Mul(xi, x)
	}
	xi.Zero()
	return &Parameters{
		Degree:          p.Degree,
		G1Powers:        powers,
		VerificationKey: p.scheme.G2.Point().Mul(x, p.VerificationKey),
		scheme:          p.scheme,
	}
}

// Equal returns true when both parameter sets have identical points.
func (p *Parameters) Equal(q *Parameters) bool {
	if p == nil || q == nil {
		return p == q
	}
	if p.Degree != q.Degree || len(p.G1Powers) != len(q.G1Powers) {
		return false
	}
	for i := range p.G1Powers {
		if !p.G1Powers[i].Equal(q.G1Powers[i]) {
			return false
		}
	}
	return p.VerificationKey.Equal(q.VerificationKey)
}

// Hash returns the state hash of the parameters, computed over their binary
// encoding.
func (p *Parameters) Hash() []byte {
	buff, err := p.MarshalBinary()
	if err != nil {
		// points of a valid group always marshal
		panic(err)
	}
	return p.scheme.Hash(buff)
}

// Digest returns the hex encoded state hash.
func (p *Parameters) Digest() string {
	return hex.EncodeToString(p.Hash())
}

// MarshalBinary encodes the parameters as
//
//	[4]byte  magic "PTAU"
//	[2]byte  version
//	[4]byte  degree
//	[4]byte  number of G1 points, then each compressed G1 point
//	[4]byte  size of the G2 key, then the compressed G2 key
//
// with big endian integers.
func (p *Parameters) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	b.Write(magic)
	_ = binary.Write(&b, binary.BigEndian, encodingVersion)
	_ = binary.Write(&b, binary.BigEndian, uint32(p.Degree))
	_ = binary.Write(&b, binary.BigEndian, uint32(len(p.G1Powers)))
	for i, pt := range p.G1Powers {
		if _, err := pt.MarshalTo(&b); err != nil {
			return nil, fmt.Errorf("g1 power %d: %w", i, err)
		}
	}
	_ = binary.Write(&b, binary.BigEndian, uint32(p.VerificationKey.MarshalSize()))
	if _, err := p.VerificationKey.MarshalTo(&b); err != nil {
		return nil, fmt.Errorf("verification key: %w", err)
	}
	return b.Bytes(), nil
}

// UnmarshalParameters decodes parameters encoded with MarshalBinary.
func UnmarshalParameters(sch *crypto.Scheme, buff []byte) (*Parameters, error) {
	r := bytes.NewReader(buff)
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(r, head); err != nil || !bytes.Equal(head, magic) {
		return nil, errors.New("srs: invalid magic")
	}
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, err
	}
	if version != encodingVersion {
		return nil, fmt.Errorf("srs: unsupported encoding version %d", version)
	}
	var degree, count uint32
	if err := binary.Read(r, binary.BigEndian, &degree); err != nil {
		return nil, err
	}
	if degree < 1 || degree > MaxDegree {
		return nil, ErrInvalidDegree
	}
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	if count != degree+1 {
		return nil, fmt.Errorf("srs: %d powers for degree %d", count, degree)
	}
	pointLen := sch.G1.PointLen()
	if r.Len() < int(count)*pointLen {
		return nil, io.ErrUnexpectedEOF
	}
	powers := make([]kyber.Point, count)
	for i := range powers {
		powers[i] = sch.G1.Point()
		if _, err := powers[i].UnmarshalFrom(r); err != nil {
			return nil, fmt.Errorf("srs: g1 power %d: %w", i, err)
		}
	}
	var keyLen uint32
	if err := binary.Read(r, binary.BigEndian, &keyLen); err != nil {
		return nil, err
	}
	if int(keyLen) != sch.G2.PointLen() {
		return nil, fmt.Errorf("srs: verification key size %d", keyLen)
	}
	vk := sch.G2.Point()
	if _, err := vk.UnmarshalFrom(r); err != nil {
		return nil, fmt.Errorf("srs: verification key: %w", err)
	}
	if r.Len() != 0 {
		return nil, errors.New("srs: trailing bytes")
	}
	return &Parameters{
		Degree:          int(degree),
		G1Powers:        powers,
		VerificationKey: vk,
		scheme:          sch,
	}, nil
}
