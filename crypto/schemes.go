// Package crypto holds the pairing suite and the signature schemes used by
// the ceremony: identity authentication for participants and the proof of
// knowledge binding a contribution to its hidden rescaling factor.
package crypto

import (
	"crypto/cipher"
	"fmt"
	"hash"
	"os"

	"golang.org/x/crypto/blake2b"

	"github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/pairing"
	"github.com/drand/kyber/sign"

	// No aggregation is ever performed with these signatures, so the rogue
	// public-key weakness of this package does not apply.
	//nolint:staticcheck
	signBls "github.com/drand/kyber/sign/bls"
	"github.com/drand/kyber/sign/schnorr"
	"github.com/drand/kyber/util/random"
)

// Scheme bundles the groups and signature schemes a ceremony runs over. The
// structured reference string lives in G1 and its verification key in G2,
// so ProofScheme signs on G1 with keys on G2: the contribution witness [x]G2
// doubles as the public key of the proof of knowledge.
//
// Note: Scheme is not meant to be marshaled directly. Instead use SchemeFromName.
type Scheme struct {
	// Name of the scheme, recorded in the ceremony state
	Name string
	// Pairing is the bilinear pairing used to check parameter updates
	Pairing pairing.Suite
	// G1 holds the powers of tau and participant identities
	G1 kyber.Group
	// G2 holds the verification key and contribution witnesses
	G2 kyber.Group
	// IdentityScheme is used by participants to self-sign their identity key
	IdentityScheme sign.Scheme
	// ProofScheme is the proof of knowledge of a contribution's rescaling factor
	ProofScheme sign.Scheme
	// StateHash hashes parameter encodings, transcript entries and backups
	StateHash func() hash.Hash `toml:"-"`
}

func (s *Scheme) String() string {
	if s != nil {
		return s.Name
	}
	return ""
}

// Hash returns the StateHash digest of the concatenation of the given buffers.
func (s *Scheme) Hash(chunks ...[]byte) []byte {
	h := s.StateHash()
	for _, c := range chunks {
		_, _ = h.Write(c)
	}
	return h.Sum(nil)
}

type schnorrSuite struct {
	kyber.Group
}

func (s *schnorrSuite) RandomStream() cipher.Stream {
	return random.New()
}

// DefaultSchemeID is the BLS12-381 powers of tau scheme.
const DefaultSchemeID = "bls12381-powersoftau"

// NewBLS12381PowersOfTau instantiates the default scheme: parameters over
// BLS12-381 with blake2b-256 state hashes.
func NewBLS12381PowersOfTau() *Scheme {
	var Pairing = bls.NewBLS12381Suite()
	var G1 = Pairing.G1()
	var G2 = Pairing.G2()

	return &Scheme{
		Name:           DefaultSchemeID,
		Pairing:        Pairing,
		G1:             G1,
		G2:             G2,
		IdentityScheme: schnorr.NewScheme(&schnorrSuite{G1}),
		ProofScheme:    signBls.NewSchemeOnG1(Pairing),
		StateHash: func() hash.Hash {
			h, _ := blake2b.New256(nil)
			return h
		},
	}
}

// SchemeFromName returns the scheme registered under the given name.
func SchemeFromName(schemeName string) (*Scheme, error) {
	switch schemeName {
	case DefaultSchemeID:
		return NewBLS12381PowersOfTau(), nil
	default:
		return nil, fmt.Errorf("invalid scheme name '%s'", schemeName)
	}
}

// ListSchemes will return a slice of valid scheme ids
func ListSchemes() []string {
	return []string{DefaultSchemeID}
}

// GetSchemeByIDWithDefault returns the scheme for id, or the default one
// when id is empty.
func GetSchemeByIDWithDefault(id string) (*Scheme, error) {
	if id == "" {
		id = DefaultSchemeID
	}
	return SchemeFromName(id)
}

// GetSchemeFromEnv returns the scheme named by the SCHEME_ID environment variable.
func GetSchemeFromEnv() (*Scheme, error) {
	return GetSchemeByIDWithDefault(os.Getenv("SCHEME_ID"))
}
