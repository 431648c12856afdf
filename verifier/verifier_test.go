package verifier

import (
	"errors"
	"testing"
	"time"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/drand/ceremony/contribution"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/key"
	"github.com/drand/ceremony/srs"
)

func contribute(t require.TestingT, prev *srs.Parameters, id *key.Identity, x kyber.Scalar) *contribution.Contribution {
	sch := prev.Scheme()
	c := &contribution.Contribution{
		Participant: id,
		PrevHash:    prev.Hash(),
		Parameters:  srs.Rescale(prev, x),
		Witness:     sch.G2.Point().Mul(x, nil),
		Timestamp:   time.Now(),
	}
	proof, err := sch.ProofScheme.Sign(x, contribution.ProofMessage(sch, c.PrevHash, id.KeyBytes()))
	require.NoError(t, err)
	c.Proof = proof
	return c
}

func identity(t require.TestingT, sch *crypto.Scheme, name string) *key.Identity {
	p, err := key.NewKeyPair(name, sch)
	require.NoError(t, err)
	return p.Public
}

func setup(t *testing.T, degree int) (*crypto.Scheme, *srs.Parameters, *Verifier) {
	sch := crypto.NewBLS12381PowersOfTau()
	genesis, err := srs.New(sch, degree)
	require.NoError(t, err)
	return sch, genesis, New(sch)
}

func randomScalar(sch *crypto.Scheme) kyber.Scalar {
	return sch.G1.Scalar().Pick(random.New())
}

func TestVerifyChain(t *testing.T) {
	sch, genesis, v := setup(t, 4)
	seen := Keys{}

	alice := identity(t, sch, "alice")
	c1 := contribute(t, genesis, alice, randomScalar(sch))
	require.NoError(t, v.Verify(genesis, genesis.Hash(), c1, seen))
	seen.Add(c1.ParticipantKey())

	bob := identity(t, sch, "bob")
	c2 := contribute(t, c1.Parameters, bob, randomScalar(sch))
	require.NoError(t, v.Verify(c1.Parameters, c1.PostHash(), c2, seen))
}

func TestVerifyStateMismatch(t *testing.T) {
	sch, genesis, v := setup(t, 3)
	alice := identity(t, sch, "alice")
	c1 := contribute(t, genesis, alice, randomScalar(sch))

	// built on genesis while the ceremony moved on
	stale := contribute(t, genesis, identity(t, sch, "bob"), randomScalar(sch))
	err := v.Verify(c1.Parameters, c1.PostHash(), stale, Keys{})
	require.ErrorIs(t, err, ErrStateMismatch)

	// logged hash and parameters disagree
	err = v.Verify(genesis, c1.PostHash(), stale, Keys{})
	require.ErrorIs(t, err, ErrStateMismatch)
}

func TestVerifyInvalidProof(t *testing.T) {
	sch, genesis, v := setup(t, 3)
	alice := identity(t, sch, "alice")

	tests := []struct {
		name   string
		mutate func(c *contribution.Contribution)
	}{
		{"tampered power", func(c *contribution.Contribution) {
			c.Parameters.G1Powers[2] = sch.G1.Point().Add(c.Parameters.G1Powers[2], sch.G1.Point().Base())
		}},
		{"wrong generator", func(c *contribution.Contribution) {
			c.Parameters.G1Powers[0] = sch.G1.Point().Mul(randomScalar(sch), nil)
		}},
		{"wrong witness", func(c *contribution.Contribution) {
			c.Witness = sch.G2.Point().Mul(randomScalar(sch), nil)
		}},
		{"wrong verification key", func(c *contribution.Contribution) {
			c.Parameters.VerificationKey = sch.G2.Point().Mul(randomScalar(sch), nil)
		}},
		{"bad signature", func(c *contribution.Contribution) {
			c.Proof = append([]byte{}, c.Proof...)
			c.Proof[len(c.Proof)-1] ^= 0x01
		}},
		{"proof for another participant", func(c *contribution.Contribution) {
			c.Participant = identity(t, sch, "mallory")
		}},
		{"truncated", func(c *contribution.Contribution) {
			c.Parameters.G1Powers = c.Parameters.G1Powers[:2]
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := contribute(t, genesis, alice, randomScalar(sch))
			tt.mutate(c)
			err := v.Verify(genesis, genesis.Hash(), c, Keys{})
			require.ErrorIs(t, err, ErrInvalidProof)
			var verr *VerificationError
			require.True(t, errors.As(err, &verr))
			require.NotEmpty(t, verr.Reason)
		})
	}
}

func TestVerifyTrivialUpdate(t *testing.T) {
	sch, genesis, v := setup(t, 2)
	c := contribute(t, genesis, identity(t, sch, "lazy"), sch.G1.Scalar().One())
	require.ErrorIs(t, v.Verify(genesis, genesis.Hash(), c, Keys{}), ErrInvalidProof)
}

func TestVerifyReplayedKey(t *testing.T) {
	sch, genesis, v := setup(t, 4)
	seen := Keys{}
	alice := identity(t, sch, "alice")
	c1 := contribute(t, genesis, alice, randomScalar(sch))
	require.NoError(t, v.Verify(genesis, genesis.Hash(), c1, seen))
	seen.Add(c1.ParticipantKey())

	// a second, otherwise valid, contribution under alice's key
	again := contribute(t, c1.Parameters, alice, randomScalar(sch))
	require.ErrorIs(t, v.Verify(c1.Parameters, c1.PostHash(), again, seen), ErrReplayedKey)

	// a stale replay reports the state problem first
	stale := contribute(t, genesis, alice, randomScalar(sch))
	require.ErrorIs(t, v.Verify(c1.Parameters, c1.PostHash(), stale, seen), ErrStateMismatch)
}

func TestErrorKinds(t *testing.T) {
	err := &VerificationError{Kind: ReplayedKey, Reason: "x"}
	require.ErrorIs(t, err, ErrReplayedKey)
	require.NotErrorIs(t, err, ErrInvalidProof)
	require.Contains(t, err.Error(), "ReplayedKey")
}

func TestHonestRescalingAlwaysVerifies(t *testing.T) {
	sch := crypto.NewBLS12381PowersOfTau()
	v := New(sch)
	rapid.Check(t, func(t *rapid.T) {
		degree := rapid.IntRange(1, 4).Draw(t, "degree")
		seed := rapid.Int64Range(2, 1<<40).Draw(t, "x")
		genesis, err := srs.New(sch, degree)
		require.NoError(t, err)
		x := sch.G1.Scalar().SetInt64(seed)
		c := contribute(t, genesis, identity(t, sch, "p"), x)
		require.NoError(t, v.Verify(genesis, genesis.Hash(), c, Keys{}))
	})
}
