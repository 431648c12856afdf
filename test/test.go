// test package offers common helpers used by the tests of several ceremony
// packages: participant keys, hand-built contributions and free ports.
package test

import (
	n "net"
	"strconv"
	"time"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"

	"github.com/drand/ceremony/contribution"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/key"
	"github.com/drand/ceremony/srs"
)

// Addresses returns a list of TCP localhost addresses on free ports.
func Addresses(n int) []string {
	addrs := make([]string, n)
	for i := 0; i < n; i++ {
		addrs[i] = "127.0.0.1:" + strconv.Itoa(FreePort())
	}
	return addrs
}

// FreePort returns a free TCP port.
// Taken from https://github.com/phayes/freeport/blob/master/freeport.go
func FreePort() int {
	addr, err := n.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		panic(err)
	}

	l, err := n.ListenTCP("tcp", addr)
	if err != nil {
		panic(err)
	}
	defer l.Close()
	return l.Addr().(*n.TCPAddr).Port
}

// GenerateIDs returns n self-signed participant key pairs named p0..pn-1.
func GenerateIDs(sch *crypto.Scheme, n int) []*key.Pair {
	keys := make([]*key.Pair, n)
	for i := range keys {
		p, err := key.NewKeyPair("p"+strconv.Itoa(i), sch)
		if err != nil {
			panic(err)
		}
		keys[i] = p
	}
	return keys
}

// RandomScalar picks a uniformly random scalar, never zero or one in practice.
func RandomScalar(sch *crypto.Scheme) kyber.Scalar {
	return sch.G1.Scalar().Pick(random.New())
}

// Contribute builds the contribution of id rescaling prev by x, the way a
// participant would, without going through entropy collection.
func Contribute(prev *srs.Parameters, id *key.Identity, x kyber.Scalar, now time.Time) *contribution.Contribution {
	sch := prev.Scheme()
	c := &contribution.Contribution{
		Participant: id,
		PrevHash:    prev.Hash(),
		Parameters:  srs.Rescale(prev, x),
		Witness:     sch.G2.Point().Mul(x, nil),
		Timestamp:   now.UTC(),
	}
	proof, err := sch.ProofScheme.Sign(x, contribution.ProofMessage(sch, c.PrevHash, id.KeyBytes()))
	if err != nil {
		panic(err)
	}
	c.Proof = proof
	return c
}

// Chain returns len(ids) contributions, each built on the previous one,
// starting at genesis.
func Chain(genesis *srs.Parameters, ids []*key.Pair, now time.Time) []*contribution.Contribution {
	sch := genesis.Scheme()
	out := make([]*contribution.Contribution, len(ids))
	prev := genesis
	for i, id := range ids {
		out[i] = Contribute(prev, id.Public, RandomScalar(sch), now.Add(time.Duration(i)*time.Second))
		prev = out[i].Parameters
	}
	return out
}
