package backup

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/srs"
	"github.com/drand/ceremony/transcript"
)

// Snapshot is the plaintext content of a backup: enough to rebuild and
// re-audit a ceremony.
type Snapshot struct {
	CeremonyID string
	Genesis    *srs.Parameters
	Entries    []*transcript.Entry
}

// Seq is the sequence number of the last entry covered by the snapshot.
func (s *Snapshot) Seq() uint64 {
	return uint64(len(s.Entries))
}

// Parameters returns the parameters after the last entry.
func (s *Snapshot) Parameters() *srs.Parameters {
	if len(s.Entries) == 0 {
		return s.Genesis
	}
	return s.Entries[len(s.Entries)-1].Contribution.Parameters
}

// MarshalBinary encodes the ceremony id, the genesis parameters and the
// transcript, each prefixed by its uint32 length.
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	genesis, err := s.Genesis.MarshalBinary()
	if err != nil {
		return nil, err
	}
	entries, err := transcript.Encode(s.Entries)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, f := range [][]byte{[]byte(s.CeremonyID), genesis, entries} {
		out = binary.BigEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}
	return out, nil
}

// UnmarshalSnapshot decodes the output of Snapshot.MarshalBinary.
func UnmarshalSnapshot(sch *crypto.Scheme, buff []byte) (*Snapshot, error) {
	fields, err := splitFields(buff, 3)
	if err != nil {
		return nil, err
	}
	genesis, err := srs.UnmarshalParameters(sch, fields[1])
	if err != nil {
		return nil, err
	}
	entries, err := transcript.Decode(sch, fields[2])
	if err != nil {
		return nil, err
	}
	return &Snapshot{CeremonyID: string(fields[0]), Genesis: genesis, Entries: entries}, nil
}

// Record is one encrypted snapshot as stored at a location.
type Record struct {
	Seq         uint64
	Location    string
	ContentHash []byte
	Ciphertext  []byte
	CreatedAt   time.Time
}

func (r *Record) String() string {
	return fmt.Sprintf("backup{seq: %d, location: %s, hash: %s}", r.Seq, r.Location, hex.EncodeToString(r.ContentHash))
}

// Check recomputes the content hash.
func (r *Record) Check(sch *crypto.Scheme) error {
	if !bytes.Equal(sch.Hash(r.Ciphertext), r.ContentHash) {
		return &IntegrityError{Seq: r.Seq, Location: r.Location}
	}
	return nil
}

// MarshalBinary encodes the record as
//
//	[8]byte seq
//	[8]byte creation time (unix nanoseconds)
//	[4]byte content hash length, then the hash
//	[4]byte ciphertext length, then the ciphertext
//
// The location is not encoded: it is wherever the record is read from.
func (r *Record) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 24+len(r.ContentHash)+len(r.Ciphertext))
	out = binary.BigEndian.AppendUint64(out, r.Seq)
	out = binary.BigEndian.AppendUint64(out, uint64(r.CreatedAt.UnixNano()))
	for _, f := range [][]byte{r.ContentHash, r.Ciphertext} {
		out = binary.BigEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}
	return out, nil
}

// UnmarshalRecord decodes a record read from location.
func UnmarshalRecord(location string, buff []byte) (*Record, error) {
	if len(buff) < 16 {
		return nil, errTruncated
	}
	fields, err := splitFields(buff[16:], 2)
	if err != nil {
		return nil, err
	}
	return &Record{
		Seq:         binary.BigEndian.Uint64(buff[:8]),
		CreatedAt:   timeFromNanos(int64(binary.BigEndian.Uint64(buff[8:16]))),
		Location:    location,
		ContentHash: fields[0],
		Ciphertext:  fields[1],
	}, nil
}

func timeFromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
