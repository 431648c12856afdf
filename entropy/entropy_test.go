package entropy

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drand/kyber"
	"github.com/stretchr/testify/require"

	"github.com/drand/ceremony/common/testlogger"
	"github.com/drand/ceremony/crypto"
)

type constReader byte

func (c constReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(c)
	}
	return len(p), nil
}

type blockingReader struct {
	release chan struct{}
}

func (b *blockingReader) Read(p []byte) (int, error) {
	<-b.release
	return 0, errors.New("released")
}

type failingSource struct{}

func (failingSource) Name() string            { return "broken" }
func (failingSource) EntropyPerByte() float64 { return 8 }
func (failingSource) Read(context.Context, int) ([]byte, error) {
	return nil, errors.New("device unplugged")
}

func fixed(label string, b byte) Source {
	return &ReaderSource{Label: label, Reader: constReader(b), PerByte: 8}
}

func TestGetRandom(t *testing.T) {
	r1, err := GetRandom(32)
	require.NoError(t, err)
	require.Len(t, r1, 32)
	r2, err := GetRandom(32)
	require.NoError(t, err)
	require.False(t, bytes.Equal(r1, r2))
}

func TestCollectDeterministicCombination(t *testing.T) {
	g := crypto.NewBLS12381PowersOfTau().G1
	l := testlogger.New(t)
	scalarOf := func(c *Collector) kyber.Scalar {
		s, err := c.Collect(context.Background())
		require.NoError(t, err)
		var out kyber.Scalar
		require.NoError(t, s.Use(g, func(x kyber.Scalar) error {
			out = x.Clone()
			return nil
		}))
		return out
	}

	a := scalarOf(NewCollector(l, Config{}, fixed("a", 1), fixed("b", 2)))
	b := scalarOf(NewCollector(l, Config{}, fixed("a", 1), fixed("b", 2)))
	require.True(t, a.Equal(b))

	// swapping which source produced which sample changes the result
	c := scalarOf(NewCollector(l, Config{}, fixed("a", 2), fixed("b", 1)))
	require.False(t, a.Equal(c))
}

func TestCollectRealSources(t *testing.T) {
	c := NewCollector(testlogger.New(t), Config{}, OSSource{}, JitterSource{}, fixed("hw", 7))
	s, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	s.Destroy()
	require.ErrorIs(t, s.Use(crypto.NewBLS12381PowersOfTau().G1, func(kyber.Scalar) error { return nil }), ErrSecretConsumed)
}

func TestCollectInsufficientSources(t *testing.T) {
	c := NewCollector(testlogger.New(t), Config{MinSources: 2}, OSSource{}, failingSource{})
	_, err := c.Collect(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInsufficientSources)

	var entErr *EntropyError
	require.True(t, errors.As(err, &entErr))
	require.Equal(t, 1, entErr.Responded)
	require.Contains(t, entErr.Failures, "broken")
}

func TestCollectTimedOutSourceIsAbsent(t *testing.T) {
	blocker := &blockingReader{release: make(chan struct{})}
	t.Cleanup(func() { close(blocker.release) })
	slow := &ReaderSource{Label: "slow", Reader: blocker, PerByte: 8}

	conf := Config{MinSources: 2, SourceTimeout: 50 * time.Millisecond}
	c := NewCollector(testlogger.New(t), conf, OSSource{}, fixed("hw", 3), slow)
	s, err := c.Collect(context.Background())
	require.NoError(t, err)
	s.Destroy()

	conf.MinSources = 3
	c = NewCollector(testlogger.New(t), conf, OSSource{}, fixed("hw", 3), slow)
	_, err = c.Collect(context.Background())
	require.ErrorIs(t, err, ErrInsufficientSources)
}

func TestCollectBelowFloor(t *testing.T) {
	weak := &ReaderSource{Label: "weak", Reader: constReader(9), PerByte: 0.5}
	c := NewCollector(testlogger.New(t), Config{MinSources: 2, SampleSize: 32}, weak, JitterSource{})
	_, err := c.Collect(context.Background())
	require.ErrorIs(t, err, ErrBelowFloor)
}

func TestSecretSingleUse(t *testing.T) {
	g := crypto.NewBLS12381PowersOfTau().G1
	c := NewCollector(testlogger.New(t), Config{}, OSSource{}, fixed("hw", 5))
	s, err := c.Collect(context.Background())
	require.NoError(t, err)

	var kept kyber.Scalar
	require.NoError(t, s.Use(g, func(x kyber.Scalar) error {
		kept = x
		return nil
	}))
	// the scalar handed to the callback is wiped once it returns
	require.True(t, kept.Equal(g.Scalar().Zero()))
	require.Equal(t, [64]byte{}, s.seed)
	require.ErrorIs(t, s.Use(g, func(kyber.Scalar) error { return nil }), ErrSecretConsumed)
}

func TestScriptSourceMissingPath(t *testing.T) {
	_, err := (&ScriptSource{}).Read(context.Background(), 8)
	require.Error(t, err)
	require.Equal(t, "script:/bin/x", NewScriptSource("/bin/x").Name())
}
