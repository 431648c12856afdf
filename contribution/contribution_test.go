package contribution

import (
	"context"
	"testing"
	"time"

	json "github.com/nikkolasg/hexjson"
	"github.com/stretchr/testify/require"

	"github.com/drand/ceremony/common/testlogger"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/entropy"
	"github.com/drand/ceremony/key"
	"github.com/drand/ceremony/srs"
)

func newSecret(t *testing.T) *entropy.Secret {
	t.Helper()
	c := entropy.NewCollector(testlogger.New(t), entropy.DefaultConfig(),
		entropy.OSSource{}, &entropy.ReaderSource{Label: "os2", Reader: osReader{}, PerByte: 8})
	s, err := c.Collect(context.Background())
	require.NoError(t, err)
	return s
}

type osReader struct{}

func (osReader) Read(p []byte) (int, error) {
	b, err := entropy.GetRandom(uint32(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

func TestCreate(t *testing.T) {
	sch := crypto.NewBLS12381PowersOfTau()
	genesis, err := srs.New(sch, 3)
	require.NoError(t, err)
	pair, err := key.NewKeyPair("alice", sch)
	require.NoError(t, err)

	secret := newSecret(t)
	now := time.Unix(1700000000, 0)
	c, err := Create(genesis, pair.Public, secret, now)
	require.NoError(t, err)

	require.Equal(t, genesis.Hash(), c.PrevHash)
	require.Equal(t, genesis.Len(), c.Parameters.Len())
	require.False(t, c.Parameters.Equal(genesis))
	require.True(t, c.Parameters.G1Powers[0].Equal(sch.G1.Point().Base()))
	// witness and verification key coincide on top of genesis
	require.True(t, c.Witness.Equal(c.Parameters.VerificationKey))
	require.NoError(t, sch.ProofScheme.Verify(c.Witness, ProofMessage(sch, c.PrevHash, pair.Public.KeyBytes()), c.Proof))
	require.True(t, c.Timestamp.Equal(now))

	// the secret is gone
	_, err = Create(genesis, pair.Public, secret, now)
	require.ErrorIs(t, err, entropy.ErrSecretConsumed)

	_, err = Create(genesis, pair.Public, nil, now)
	require.ErrorIs(t, err, ErrNoSecret)
}

func TestPacketRoundTrip(t *testing.T) {
	sch := crypto.NewBLS12381PowersOfTau()
	genesis, err := srs.New(sch, 2)
	require.NoError(t, err)
	pair, err := key.NewKeyPair("bob", sch)
	require.NoError(t, err)
	c, err := Create(genesis, pair.Public, newSecret(t), time.Now())
	require.NoError(t, err)

	p, err := c.ToPacket()
	require.NoError(t, err)
	buff, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded Packet
	require.NoError(t, json.Unmarshal(buff, &decoded))
	c2, err := FromPacket(sch, &decoded)
	require.NoError(t, err)
	require.True(t, c.Equal(c2))
	require.NoError(t, c2.Participant.ValidSignature())

	decoded.Witness = []byte{1, 2, 3}
	_, err = FromPacket(sch, &decoded)
	require.Error(t, err)
	_, err = FromPacket(sch, nil)
	require.Error(t, err)
}
