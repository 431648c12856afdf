// Package backup seals ceremony snapshots under a recovery key and writes
// them, write-once, to several independent locations.
package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drand/kyber"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/metrics"
)

var (
	// ErrAlreadyExists is returned by a location asked to overwrite a record.
	ErrAlreadyExists = errors.New("backup record already exists")
	// ErrNotFound is returned by a location that holds no such record.
	ErrNotFound = errors.New("backup record not found")
	// ErrNoBackup is returned by Latest when no location holds a valid record.
	ErrNoBackup = errors.New("no valid backup available")
)

// BackupError is returned when no location accepted a record.
type BackupError struct {
	Seq   uint64
	Cause error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backup %d failed on every location: %v", e.Seq, e.Cause)
}

func (e *BackupError) Unwrap() error { return e.Cause }

// IntegrityError is returned when a stored record does not match its content
// hash.
type IntegrityError struct {
	Seq      uint64
	Location string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("backup %d at %s: content hash mismatch", e.Seq, e.Location)
}

// Location is a destination for backup records. Writes never overwrite.
type Location interface {
	ID() string
	Write(ctx context.Context, r *Record) error
	Read(ctx context.Context, seq uint64) (*Record, error)
	List(ctx context.Context) ([]uint64, error)
	Close() error
}

// DefaultWriteTimeout bounds the write of one record to one location.
const DefaultWriteTimeout = 30 * time.Second

// System fans backups out to every configured location.
type System struct {
	log          log.Logger
	scheme       *crypto.Scheme
	recovery     kyber.Point
	clock        clockwork.Clock
	locations    []Location
	writeTimeout time.Duration
	wg           sync.WaitGroup
}

// NewSystem returns a backup system sealing snapshots under recovery, a G1
// public key whose private half stays offline.
func NewSystem(l log.Logger, sch *crypto.Scheme, recovery kyber.Point, clock clockwork.Clock, locations ...Location) *System {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &System{
		log:       l.Named("backup"),
		scheme:    sch,
		recovery:     recovery,
		clock:        clock,
		locations:    locations,
		writeTimeout: DefaultWriteTimeout,
	}
}

// SetWriteTimeout changes the time a location gets to store one record. A
// location that does not answer in time counts as failed.
func (s *System) SetWriteTimeout(d time.Duration) {
	s.writeTimeout = d
}

// Locations returns the configured locations.
func (s *System) Locations() []Location {
	return s.locations
}

// Seal encrypts a snapshot into a record.
func (s *System) Seal(snap *Snapshot) (*Record, error) {
	plain, err := snap.MarshalBinary()
	if err != nil {
		return nil, err
	}
	sealed, err := Encrypt(s.scheme.G1, DefaultHash, s.recovery, plain)
	if err != nil {
		return nil, fmt.Errorf("encrypting snapshot: %w", err)
	}
	ciphertext, err := sealed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &Record{
		Seq:         snap.Seq(),
		ContentHash: s.scheme.Hash(ciphertext),
		Ciphertext:  ciphertext,
		CreatedAt:   s.clock.Now().UTC(),
	}, nil
}

// CreateBackup seals the snapshot and writes it concurrently to every
// location. It only fails when every location failed; partial failures are
// logged and counted.
func (s *System) CreateBackup(ctx context.Context, snap *Snapshot) error {
	rec, err := s.Seal(snap)
	if err != nil {
		return &BackupError{Seq: snap.Seq(), Cause: err}
	}
	if len(s.locations) == 0 {
		return nil
	}

	var mu sync.Mutex
	var merr *multierror.Error
	failed := 0
	var wg sync.WaitGroup
	for _, loc := range s.locations {
		wg.Add(1)
		go func(loc Location) {
			defer wg.Done()
			r := *rec
			r.Location = loc.ID()
			wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			defer cancel()
			if err := loc.Write(wctx, &r); err != nil {
				metrics.BackupFailures.WithLabelValues(loc.ID()).Inc()
				s.log.Warnw("backup write failed", "location", loc.ID(), "seq", rec.Seq, "err", err)
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", loc.ID(), err))
				failed++
				mu.Unlock()
				return
			}
			metrics.BackupWrites.WithLabelValues(loc.ID()).Inc()
		}(loc)
	}
	wg.Wait()

	if failed == len(s.locations) {
		return &BackupError{Seq: rec.Seq, Cause: merr.ErrorOrNil()}
	}
	s.log.Debugw("backup written", "seq", rec.Seq, "failed", failed)
	return nil
}

// Go runs CreateBackup in the background. Failures are only logged.
func (s *System) Go(ctx context.Context, snap *Snapshot) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.CreateBackup(ctx, snap); err != nil {
			s.log.Errorw("backup lost", "seq", snap.Seq(), "err", err)
		}
	}()
}

// Wait blocks until the background backups started with Go are done.
func (s *System) Wait() {
	s.wg.Wait()
}

// Restore reads record seq from loc and checks its content hash.
func (s *System) Restore(ctx context.Context, loc Location, seq uint64) (*Record, error) {
	r, err := loc.Read(ctx, seq)
	if err != nil {
		return nil, err
	}
	r.Location = loc.ID()
	if err := r.Check(s.scheme); err != nil {
		return nil, err
	}
	return r, nil
}

// Latest returns the valid record with the highest sequence number across
// all locations. Corrupted records are skipped in favour of older ones.
func (s *System) Latest(ctx context.Context) (*Record, error) {
	var best *Record
	for _, loc := range s.locations {
		seqs, err := loc.List(ctx)
		if err != nil {
			s.log.Warnw("listing backups failed", "location", loc.ID(), "err", err)
			continue
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
		for _, seq := range seqs {
			if best != nil && seq <= best.Seq {
				break
			}
			r, err := s.Restore(ctx, loc, seq)
			if err != nil {
				s.log.Warnw("skipping unreadable backup", "location", loc.ID(), "seq", seq, "err", err)
				continue
			}
			best = r
			break
		}
	}
	if best == nil {
		return nil, ErrNoBackup
	}
	return best, nil
}

// Close closes every location.
func (s *System) Close() error {
	s.Wait()
	var merr *multierror.Error
	for _, loc := range s.locations {
		if err := loc.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// Open decrypts a record with the recovery private key.
func Open(sch *crypto.Scheme, recovery kyber.Scalar, r *Record) (*Snapshot, error) {
	if err := r.Check(sch); err != nil {
		return nil, err
	}
	var sealed Sealed
	if err := sealed.UnmarshalBinary(r.Ciphertext); err != nil {
		return nil, err
	}
	plain, err := Decrypt(sch.G1, DefaultHash, recovery, &sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypting backup %d: %w", r.Seq, err)
	}
	return UnmarshalSnapshot(sch, plain)
}
