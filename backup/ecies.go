package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"hash"
	"io"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"

	"github.com/drand/ceremony/entropy"
)

// This file provides an implementation of the ECIES scheme used to seal
// backups under the recovery key.

const keyLength = 32

const eciesInfo = "ceremony-backup-ecies-v1"

// DefaultHash is the KDF hash.
var DefaultHash = func() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

// Sealed is an ECIES ciphertext: the ephemeral DH point, the AES-GCM nonce
// and the ciphertext itself.
type Sealed struct {
	Ephemeral  []byte
	Nonce      []byte
	Ciphertext []byte
}

// Encrypt performs an ephemeral-static DH exchange, derives the symmetric key
// from it with hkdf and seals msg with AES-GCM.
func Encrypt(g kyber.Group, fn func() hash.Hash, public kyber.Point, msg []byte) (*Sealed, error) {
	r := g.Scalar().Pick(random.New())
	defer r.Zero()
	eph, err := g.Point().Mul(r, nil).MarshalBinary()
	if err != nil {
		return nil, err
	}
	aesgcm, err := deriveAEAD(g, fn, g.Point().Mul(r, public), eph)
	if err != nil {
		return nil, err
	}
	nonce, err := entropy.GetRandom(uint32(aesgcm.NonceSize()))
	if err != nil {
		return nil, err
	}
	return &Sealed{
		Ephemeral:  eph,
		Nonce:      nonce,
		Ciphertext: aesgcm.Seal(nil, nonce, msg, eph),
	}, nil
}

// Decrypt redoes the DH exchange with the private key and opens the
// ciphertext.
func Decrypt(g kyber.Group, fn func() hash.Hash, priv kyber.Scalar, o *Sealed) ([]byte, error) {
	eph := g.Point()
	if err := eph.UnmarshalBinary(o.Ephemeral); err != nil {
		return nil, err
	}
	aesgcm, err := deriveAEAD(g, fn, g.Point().Mul(priv, eph), o.Ephemeral)
	if err != nil {
		return nil, err
	}
	return aesgcm.Open(nil, o.Nonce, o.Ciphertext, o.Ephemeral)
}

func deriveAEAD(g kyber.Group, fn func() hash.Hash, dh kyber.Point, salt []byte) (cipher.AEAD, error) {
	dhBuff, err := dh.MarshalBinary()
	if err != nil {
		return nil, err
	}
	reader := hkdf.New(fn, dhBuff, salt, []byte(eciesInfo))
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, errors.New("not enough bits from the shared secret")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// MarshalBinary frames the three fields, each prefixed by its uint32 length.
func (s *Sealed) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 12+len(s.Ephemeral)+len(s.Nonce)+len(s.Ciphertext))
	for _, f := range [][]byte{s.Ephemeral, s.Nonce, s.Ciphertext} {
		out = binary.BigEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}
	return out, nil
}

// UnmarshalBinary reads the output of MarshalBinary.
func (s *Sealed) UnmarshalBinary(buff []byte) error {
	fields, err := splitFields(buff, 3)
	if err != nil {
		return err
	}
	s.Ephemeral, s.Nonce, s.Ciphertext = fields[0], fields[1], fields[2]
	return nil
}

var errTruncated = errors.New("truncated backup encoding")

func splitFields(buff []byte, n int) ([][]byte, error) {
	fields := make([][]byte, n)
	for i := range fields {
		if len(buff) < 4 {
			return nil, errTruncated
		}
		l := binary.BigEndian.Uint32(buff)
		buff = buff[4:]
		if uint64(len(buff)) < uint64(l) {
			return nil, errTruncated
		}
		fields[i] = append([]byte(nil), buff[:l]...)
		buff = buff[l:]
	}
	if len(buff) != 0 {
		return nil, errors.New("trailing bytes in backup encoding")
	}
	return fields, nil
}
