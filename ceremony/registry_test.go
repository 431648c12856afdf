package ceremony

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/drand/ceremony/common/testlogger"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/key"
	"github.com/drand/ceremony/srs"
	"github.com/drand/ceremony/test"
	"github.com/drand/ceremony/transcript"
)

func TestRegistryRunsIndependentCeremonies(t *testing.T) {
	ctx := context.Background()
	conf, _ := newTestConfig(t)
	r := NewRegistry(conf)
	defer r.Close()

	small, err := r.Start(ctx, Terms{Degree: 2, MinParticipants: 1})
	require.NoError(t, err)
	large, err := r.Start(ctx, Terms{Degree: 5, MinParticipants: 1})
	require.NoError(t, err)
	require.NotEqual(t, small.ID(), large.ID())

	got, err := r.Get(small.ID())
	require.NoError(t, err)
	require.Equal(t, small, got)
	_, err = r.Get("nope")
	require.ErrorIs(t, err, ErrUnknownCeremony)
	require.Len(t, r.List(), 2)

	ids := admitAll(t, small, 1)
	submit(t, small, ids[0].Public, test.RandomScalar(small.Scheme()))
	_, err = small.Finalize(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, large.Status().Contributions)
	require.Equal(t, Active, large.Status().Status)

	require.Equal(t, []string{small.ID()}, r.Prune())
	require.Len(t, r.List(), 1)
	require.NoError(t, r.Remove(large.ID()))
	require.ErrorIs(t, r.Remove(large.ID()), ErrUnknownCeremony)
}

func TestRegistryRecover(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()
	dataDir := t.TempDir()
	backupDir := t.TempDir()
	opts := []ConfigOption{WithStore(store), WithDataFolder(dataDir), WithBackups(backupsIn(t, backupDir))}

	conf, _ := newTestConfig(t, opts...)
	r := NewRegistry(conf)
	active, err := r.Start(ctx, Terms{Degree: 2, MinParticipants: 2})
	require.NoError(t, err)
	ids := admitAll(t, active, 2)
	submit(t, active, ids[0].Public, test.RandomScalar(active.Scheme()))
	done, err := r.Start(ctx, Terms{Degree: 2, MinParticipants: 1})
	require.NoError(t, err)
	require.NoError(t, done.Abort("test"))
	broken, err := r.Start(ctx, Terms{Degree: 2, MinParticipants: 2})
	require.NoError(t, err)
	brokenIDs := admitAll(t, broken, 2)
	honest := submit(t, broken, brokenIDs[0].Public, test.RandomScalar(broken.Scheme()))
	params := active.Parameters()
	r.Close()

	// a second entry that links to the first but carries a stolen proof
	sch := broken.Scheme()
	forged := test.Contribute(honest.Parameters, brokenIDs[1].Public, test.RandomScalar(sch), epoch)
	forged.Proof = honest.Proof
	genesis, err := srs.New(sch, 2)
	require.NoError(t, err)
	fstore, err := transcript.OpenFileStore(sch, filepath.Join(dataDir, broken.ID()))
	require.NoError(t, err)
	tampered, err := transcript.NewLog(genesis, fstore)
	require.NoError(t, err)
	require.NoError(t, tampered.Append(transcript.NewEntry(2, forged)))
	require.NoError(t, tampered.Close())

	// from the local transcript
	conf, _ = newTestConfig(t, opts...)
	r = NewRegistry(conf)
	resumed, err := r.Recover(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []string{active.ID()}, resumed)
	c, err := r.Get(active.ID())
	require.NoError(t, err)
	require.True(t, c.Parameters().Equal(params))
	_, err = r.Get(broken.ID())
	require.ErrorIs(t, err, ErrUnknownCeremony)
	r.Close()

	failed, err := store.Load(broken.ID())
	require.NoError(t, err)
	require.Equal(t, Failed, failed.Status)
	require.Contains(t, failed.FailureReason, "transcript audit failed at entry 2")

	_, err = Resume(failed, nil, conf)
	require.ErrorIs(t, err, transcript.ErrBrokenChain)
	var cerr *transcript.ChainError
	require.ErrorAs(t, err, &cerr)
	require.NotNil(t, cerr.Report)
	require.Equal(t, uint64(2), cerr.Report.FailedSeq)
	require.Equal(t, 1, cerr.Report.Entries)
	require.Equal(t, []string{brokenIDs[0].Public.Name}, cerr.Report.Participants)

	// from the backups
	conf, _ = newTestConfig(t, WithStore(store), WithDataFolder(t.TempDir()), WithBackups(backupsIn(t, backupDir)))
	r = NewRegistry(conf)
	defer r.Close()
	resumed, err = r.Recover(ctx, recoveryKey(t).Key)
	require.NoError(t, err)
	require.Equal(t, []string{active.ID()}, resumed)
	c, err = r.Get(active.ID())
	require.NoError(t, err)
	require.True(t, c.Parameters().Equal(params))
	submit(t, c, ids[1].Public, test.RandomScalar(c.Scheme()))
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()
	sch := crypto.NewBLS12381PowersOfTau()
	ids := test.GenerateIDs(sch, 2)
	state := &State{
		ID:       "c1",
		SchemeID: sch.Name,
		Status:   Active,
		Terms: Terms{
			Degree:          8,
			MinParticipants: 2,
			MaxDuration:     90 * time.Minute,
			Admission:       CloseAtQuorum,
			Ordering:        Scheduled,
		},
		StartTime:     time.Unix(1700000000, 0).UTC(),
		Participants:  []*key.Identity{ids[0].Public, ids[1].Public},
		Contributions: 1,
		Digest:        "abcd",
	}
	require.NoError(t, store.Save(state))
	got, err := store.Load("c1")
	require.NoError(t, err)
	require.Equal(t, state.Terms, got.Terms)
	require.Equal(t, state.Status, got.Status)
	require.True(t, state.StartTime.Equal(got.StartTime))
	require.Len(t, got.Participants, 2)
	require.True(t, got.Participants[1].Equal(ids[1].Public))
	require.NoError(t, got.Participants[0].ValidSignature())
	require.Equal(t, ids[0].Public.Name, got.Participants[0].Name)

	_, err = store.Load("missing")
	require.ErrorIs(t, err, ErrNoState)
	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestFinalizeNeedsQuorum(t *testing.T) {
	sch := crypto.NewBLS12381PowersOfTau()
	rapid.Check(t, func(rt *rapid.T) {
		degree := rapid.IntRange(1, 3).Draw(rt, "degree")
		quorum := rapid.IntRange(1, 4).Draw(rt, "min")
		n := rapid.IntRange(0, 4).Draw(rt, "contributions")

		conf := NewConfig(WithLogger(testlogger.New(t)), WithScheme(sch))
		c, err := New("prop", Terms{Degree: degree, MinParticipants: quorum}, conf)
		require.NoError(rt, err)
		defer c.Close()
		require.NoError(rt, c.Start(context.Background()))
		for _, id := range test.GenerateIDs(sch, n) {
			require.NoError(rt, c.Admit(id.Public))
			contrib := test.Contribute(c.Parameters(), id.Public, test.RandomScalar(sch), epoch)
			_, _, err := c.Submit(context.Background(), contrib)
			require.NoError(rt, err)
		}
		_, err = c.Finalize(context.Background())
		if n < quorum {
			require.ErrorIs(rt, err, ErrInsufficientParticipants)
			require.Equal(rt, Active, c.Status().Status)
		} else {
			require.NoError(rt, err)
			require.Equal(rt, Completed, c.Status().Status)
		}
	})
}
