package crypto

import (
	"testing"

	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"
)

func TestSchemeFromName(t *testing.T) {
	sch, err := GetSchemeByIDWithDefault("")
	require.NoError(t, err)
	require.Equal(t, DefaultSchemeID, sch.Name)

	_, err = SchemeFromName("nope")
	require.Error(t, err)
	require.Contains(t, ListSchemes(), DefaultSchemeID)
}

func TestProofSchemeKeysOnG2(t *testing.T) {
	sch := NewBLS12381PowersOfTau()
	x := sch.G2.Scalar().Pick(random.New())
	witness := sch.G2.Point().Mul(x, nil)

	msg := []byte("previous state")
	sig, err := sch.ProofScheme.Sign(x, msg)
	require.NoError(t, err)
	require.Len(t, sig, sch.G1.PointLen())
	require.NoError(t, sch.ProofScheme.Verify(witness, msg, sig))
	require.Error(t, sch.ProofScheme.Verify(witness, []byte("other state"), sig))
}

func TestIdentitySchemeOnG1(t *testing.T) {
	sch := NewBLS12381PowersOfTau()
	priv := sch.G1.Scalar().Pick(random.New())
	pub := sch.G1.Point().Mul(priv, nil)

	sig, err := sch.IdentityScheme.Sign(priv, []byte("alice"))
	require.NoError(t, err)
	require.NoError(t, sch.IdentityScheme.Verify(pub, []byte("alice"), sig))
}

func TestHashIsStable(t *testing.T) {
	sch := NewBLS12381PowersOfTau()
	a := sch.Hash([]byte("ab"), []byte("c"))
	b := sch.Hash([]byte("abc"))
	require.Equal(t, a, b)
	require.Len(t, a, 32)
}
