package backup

import (
	"context"
	"encoding/binary"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var backupBucket = []byte("backups")

// BoltFileName is the name of the file boltdb writes backups to
const BoltFileName = "backups.db"

// BoltLocation stores records in a bbolt database, keyed by big endian
// sequence number.
type BoltLocation struct {
	path string
	db   *bolt.DB
}

// NewBoltLocation opens or creates the database in folder.
func NewBoltLocation(folder string, opts *bolt.Options) (*BoltLocation, error) {
	path := filepath.Join(folder, BoltFileName)
	db, err := bolt.Open(path, 0600, opts)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(backupBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltLocation{path: path, db: db}, nil
}

func (b *BoltLocation) ID() string { return "bolt:" + b.path }

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func (b *BoltLocation) Write(ctx context.Context, r *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buff, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(backupBucket)
		if bucket.Get(seqKey(r.Seq)) != nil {
			return ErrAlreadyExists
		}
		return bucket.Put(seqKey(r.Seq), buff)
	})
}

func (b *BoltLocation) Read(ctx context.Context, seq uint64) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var r *Record
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(backupBucket).Get(seqKey(seq))
		if v == nil {
			return ErrNotFound
		}
		var err error
		r, err = UnmarshalRecord(b.ID(), v)
		return err
	})
	return r, err
}

func (b *BoltLocation) List(ctx context.Context) ([]uint64, error) {
	var seqs []uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(backupBucket).ForEach(func(k, _ []byte) error {
			seqs = append(seqs, binary.BigEndian.Uint64(k))
			return nil
		})
	})
	return seqs, err
}

func (b *BoltLocation) Close() error {
	return b.db.Close()
}
