package transcript

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/drand/ceremony/contribution"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/key"
	"github.com/drand/ceremony/srs"
)

// Entry records one accepted contribution. It carries the post-state
// parameters so the whole state sequence can be rebuilt from the log alone.
type Entry struct {
	Seq          uint64
	PreHash      []byte
	PostHash     []byte
	Contribution *contribution.Contribution
}

// NewEntry wraps an accepted contribution as entry number seq.
func NewEntry(seq uint64, c *contribution.Contribution) *Entry {
	return &Entry{
		Seq:          seq,
		PreHash:      c.PrevHash,
		PostHash:     c.PostHash(),
		Contribution: c,
	}
}

// Participant returns the contributor's identity.
func (e *Entry) Participant() *key.Identity {
	return e.Contribution.Participant
}

// Timestamp returns the contribution time.
func (e *Entry) Timestamp() time.Time {
	return e.Contribution.Timestamp
}

// Hash returns the digest binding every field of the entry.
func (e *Entry) Hash(sch *crypto.Scheme) []byte {
	buff, err := e.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return sch.Hash(buff)
}

// MarshalBinary encodes the entry as
//
//	[8]byte seq
//	[8]byte timestamp (unix nanoseconds)
//	then, each prefixed by its uint32 length: pre-state hash, post-state
//	hash, participant key, participant name, participant signature,
//	witness, proof, post-state parameters
func (e *Entry) MarshalBinary() ([]byte, error) {
	c := e.Contribution
	witness, err := c.Witness.MarshalBinary()
	if err != nil {
		return nil, err
	}
	params, err := c.Parameters.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], e.Seq)
	b.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], uint64(c.Timestamp.UnixNano()))
	b.Write(u64[:])
	for _, field := range [][]byte{
		e.PreHash,
		e.PostHash,
		c.ParticipantKey(),
		[]byte(c.Participant.Name),
		c.Participant.Signature,
		witness,
		c.Proof,
		params,
	} {
		writeField(&b, field)
	}
	return b.Bytes(), nil
}

const numFields = 8

var errShortEntry = errors.New("entry truncated")

// UnmarshalEntry decodes an entry produced by MarshalBinary.
func UnmarshalEntry(sch *crypto.Scheme, buff []byte) (*Entry, error) {
	if len(buff) < 16 {
		return nil, errShortEntry
	}
	seq := binary.BigEndian.Uint64(buff[:8])
	ts := int64(binary.BigEndian.Uint64(buff[8:16]))
	rest := buff[16:]
	fields := make([][]byte, numFields)
	for i := range fields {
		if len(rest) < 4 {
			return nil, errShortEntry
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(len(rest)) < uint64(n) {
			return nil, errShortEntry
		}
		fields[i] = rest[:n]
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after entry", len(rest))
	}
	id, err := key.IdentityFromBytes(sch, string(fields[3]), fields[2], clone(fields[4]))
	if err != nil {
		return nil, err
	}
	witness := sch.G2.Point()
	if err := witness.UnmarshalBinary(fields[5]); err != nil {
		return nil, fmt.Errorf("invalid witness: %w", err)
	}
	params, err := srs.UnmarshalParameters(sch, fields[7])
	if err != nil {
		return nil, err
	}
	return &Entry{
		Seq:      seq,
		PreHash:  clone(fields[0]),
		PostHash: clone(fields[1]),
		Contribution: &contribution.Contribution{
			Participant: id,
			PrevHash:    clone(fields[0]),
			Parameters:  params,
			Witness:     witness,
			Proof:       clone(fields[6]),
			Timestamp:   time.Unix(0, ts).UTC(),
		},
	}, nil
}

func writeField(b *bytes.Buffer, field []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(field)))
	b.Write(n[:])
	b.Write(field)
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// Encode frames entries one after the other, each prefixed by its length.
// It is the format of transcript files and backup snapshots.
func Encode(entries []*Entry) ([]byte, error) {
	var b bytes.Buffer
	for _, e := range entries {
		buff, err := e.MarshalBinary()
		if err != nil {
			return nil, err
		}
		writeField(&b, buff)
	}
	return b.Bytes(), nil
}

// Decode reads the output of Encode.
func Decode(sch *crypto.Scheme, buff []byte) ([]*Entry, error) {
	return readEntries(sch, bytes.NewReader(buff), int64(len(buff)))
}
