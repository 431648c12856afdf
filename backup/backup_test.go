package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/drand/ceremony/common/testlogger"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/key"
	"github.com/drand/ceremony/srs"
	"github.com/drand/ceremony/test"
	"github.com/drand/ceremony/transcript"
)

type failingLocation struct{ id string }

func (f failingLocation) ID() string { return f.id }
func (f failingLocation) Write(context.Context, *Record) error {
	return errors.New("disk on fire")
}
func (f failingLocation) Read(context.Context, uint64) (*Record, error) { return nil, ErrNotFound }
func (f failingLocation) List(context.Context) ([]uint64, error) {
	return nil, errors.New("disk on fire")
}
func (f failingLocation) Close() error { return nil }

func snapshot(t *testing.T, sch *crypto.Scheme, n int) *Snapshot {
	t.Helper()
	genesis, err := srs.New(sch, 2)
	require.NoError(t, err)
	contribs := test.Chain(genesis, test.GenerateIDs(sch, n), time.Unix(1700000000, 0))
	entries := make([]*transcript.Entry, n)
	for i, c := range contribs {
		entries[i] = transcript.NewEntry(uint64(i+1), c)
	}
	return &Snapshot{CeremonyID: "c1", Genesis: genesis, Entries: entries}
}

func locations(t *testing.T) []Location {
	dir := t.TempDir()
	folder, err := NewFolderLocation(filepath.Join(dir, "folder"))
	require.NoError(t, err)
	bolt, err := NewBoltLocation(dir, nil)
	require.NoError(t, err)
	sqlite, err := NewSQLiteLocation(filepath.Join(dir, "backups.sqlite"))
	require.NoError(t, err)
	return []Location{folder, bolt, sqlite}
}

func TestCreateAndRestore(t *testing.T) {
	sch := crypto.NewBLS12381PowersOfTau()
	recovery, err := key.NewKeyPair("recovery", sch)
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	locs := locations(t)
	sys := NewSystem(testlogger.New(t), sch, recovery.Public.Key, clock, locs...)
	defer sys.Close()

	ctx := context.Background()
	snap := snapshot(t, sch, 2)
	require.NoError(t, sys.CreateBackup(ctx, snap))

	for _, loc := range locs {
		r, err := sys.Restore(ctx, loc, 2)
		require.NoError(t, err, loc.ID())
		require.Equal(t, loc.ID(), r.Location)
		require.True(t, r.CreatedAt.Equal(clock.Now()))

		restored, err := Open(sch, recovery.Key, r)
		require.NoError(t, err)
		require.Equal(t, "c1", restored.CeremonyID)
		require.True(t, restored.Genesis.Equal(snap.Genesis))
		require.True(t, restored.Parameters().Equal(snap.Parameters()))
		require.Len(t, restored.Entries, 2)

		_, err = sys.Restore(ctx, loc, 7)
		require.ErrorIs(t, err, ErrNotFound)
	}

	// write once
	err = sys.CreateBackup(ctx, snap)
	var berr *BackupError
	require.ErrorAs(t, err, &berr)
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.Equal(t, uint64(2), berr.Seq)
}

func TestPartialFailure(t *testing.T) {
	sch := crypto.NewBLS12381PowersOfTau()
	recovery, err := key.NewKeyPair("recovery", sch)
	require.NoError(t, err)
	folder, err := NewFolderLocation(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	sys := NewSystem(testlogger.New(t), sch, recovery.Public.Key, nil, failingLocation{"a"}, folder)
	require.NoError(t, sys.CreateBackup(ctx, snapshot(t, sch, 1)))

	sys = NewSystem(testlogger.New(t), sch, recovery.Public.Key, nil, failingLocation{"a"}, failingLocation{"b"})
	err = sys.CreateBackup(ctx, snapshot(t, sch, 1))
	var berr *BackupError
	require.ErrorAs(t, err, &berr)

	// background writes only log
	sys.Go(ctx, snapshot(t, sch, 1))
	sys.Wait()
}

func TestLatestSkipsCorruptedRecords(t *testing.T) {
	sch := crypto.NewBLS12381PowersOfTau()
	recovery, err := key.NewKeyPair("recovery", sch)
	require.NoError(t, err)
	dir := t.TempDir()
	folder, err := NewFolderLocation(dir)
	require.NoError(t, err)
	sys := NewSystem(testlogger.New(t), sch, recovery.Public.Key, nil, failingLocation{"broken"}, folder)

	ctx := context.Background()
	_, err = NewSystem(testlogger.New(t), sch, recovery.Public.Key, nil).Latest(ctx)
	require.ErrorIs(t, err, ErrNoBackup)

	require.NoError(t, sys.CreateBackup(ctx, snapshot(t, sch, 1)))
	require.NoError(t, sys.CreateBackup(ctx, snapshot(t, sch, 3)))

	latest, err := sys.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), latest.Seq)

	// flip a ciphertext byte of the newest record
	path := folder.path(3)
	buff, err := os.ReadFile(path)
	require.NoError(t, err)
	buff[len(buff)-1] ^= 0x01
	require.NoError(t, os.WriteFile(path, buff, 0600))

	_, err = sys.Restore(ctx, folder, 3)
	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)

	latest, err = sys.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), latest.Seq)
}

// stuckLocation never completes a write before its context expires.
type stuckLocation struct{ failingLocation }

func (s stuckLocation) Write(ctx context.Context, _ *Record) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestWriteTimeout(t *testing.T) {
	sch := crypto.NewBLS12381PowersOfTau()
	recovery, err := key.NewKeyPair("recovery", sch)
	require.NoError(t, err)
	folder, err := NewFolderLocation(t.TempDir())
	require.NoError(t, err)
	sys := NewSystem(testlogger.New(t), sch, recovery.Public.Key, nil, stuckLocation{failingLocation{"stuck"}}, folder)
	sys.SetWriteTimeout(50 * time.Millisecond)

	ctx := context.Background()
	start := time.Now()
	require.NoError(t, sys.CreateBackup(ctx, snapshot(t, sch, 1)))
	require.Less(t, time.Since(start), 5*time.Second)

	sys = NewSystem(testlogger.New(t), sch, recovery.Public.Key, nil, stuckLocation{failingLocation{"stuck"}})
	sys.SetWriteTimeout(10 * time.Millisecond)
	err = sys.CreateBackup(ctx, snapshot(t, sch, 1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
