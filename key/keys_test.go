package key

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drand/ceremony/crypto"
)

func TestKeyPairSelfSigned(t *testing.T) {
	sch := crypto.NewBLS12381PowersOfTau()
	p, err := NewKeyPair("alice", sch)
	require.NoError(t, err)
	require.NoError(t, p.Public.ValidSignature())

	other, err := NewKeyPair("mallory", sch)
	require.NoError(t, err)
	forged := &Identity{Key: p.Public.Key, Name: "mallory", Signature: other.Public.Signature, Scheme: sch}
	require.Error(t, forged.ValidSignature())

	// the name is not covered by the signature
	renamed := &Identity{Key: p.Public.Key, Name: "alice2", Signature: p.Public.Signature, Scheme: sch}
	require.NoError(t, renamed.ValidSignature())
	require.True(t, renamed.Equal(p.Public))
	require.False(t, renamed.Equal(other.Public))
}

func TestIdentityFromBytes(t *testing.T) {
	sch := crypto.NewBLS12381PowersOfTau()
	p, err := NewKeyPair("bob", sch)
	require.NoError(t, err)

	id, err := IdentityFromBytes(sch, "bob", p.Public.KeyBytes(), p.Public.Signature)
	require.NoError(t, err)
	require.NoError(t, id.ValidSignature())

	_, err = IdentityFromBytes(sch, "bob", []byte{1, 2, 3}, nil)
	require.Error(t, err)
}

func TestKeyStoreRoundTrip(t *testing.T) {
	tmp := path.Join(t.TempDir(), "participant")
	require.NoError(t, os.MkdirAll(tmp, 0700))
	store, err := NewFileStore(tmp)
	require.NoError(t, err)

	p, err := NewKeyPair("carol", crypto.NewBLS12381PowersOfTau())
	require.NoError(t, err)
	require.NoError(t, store.SaveKeyPair(p))

	loaded, err := store.LoadKeyPair()
	require.NoError(t, err)
	require.True(t, loaded.Key.Equal(p.Key))
	require.True(t, loaded.Public.Equal(p.Public))
	require.Equal(t, "carol", loaded.Public.Name)
	require.NoError(t, loaded.Public.ValidSignature())
}
