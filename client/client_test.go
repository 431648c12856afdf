package client_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drand/ceremony/ceremony"
	"github.com/drand/ceremony/client"
	"github.com/drand/ceremony/client/test/mock"
	"github.com/drand/ceremony/common/testlogger"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/entropy"
	"github.com/drand/ceremony/test"
	"github.com/drand/ceremony/transcript"
	"github.com/drand/ceremony/verifier"
)

func secret(t *testing.T) *entropy.Secret {
	t.Helper()
	c := entropy.NewCollector(testlogger.New(t), entropy.Config{MinSources: 1}, entropy.OSSource{})
	s, err := c.Collect(context.Background())
	require.NoError(t, err)
	return s
}

func TestCeremonyOverHTTP(t *testing.T) {
	ctx := context.Background()
	sch := crypto.NewBLS12381PowersOfTau()
	url, reg := mock.NewMockHTTPServer(t, ceremony.WithScheme(sch))
	c := client.New(testlogger.New(t), url, sch, nil)
	defer c.Close()

	version, err := c.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, "test", version)

	state, err := c.Start(ctx, ceremony.Terms{Degree: 3, MinParticipants: 2, MaxDuration: time.Hour})
	require.NoError(t, err)
	require.Equal(t, "Active", state.Status)
	require.NotZero(t, state.Deadline)
	id := state.ID

	ids := test.GenerateIDs(sch, 2)
	for _, p := range ids {
		_, err := c.Admit(ctx, id, p.Public)
		require.NoError(t, err)
	}
	_, err = c.Admit(ctx, id, ids[0].Public)
	require.ErrorIs(t, err, ceremony.ErrAlreadyAdmitted)

	genesis, err := c.Parameters(ctx, id)
	require.NoError(t, err)

	resp, err := c.Contribute(ctx, id, ids[0].Public, secret(t))
	require.NoError(t, err)
	require.Equal(t, uint64(1), resp.Seq)

	// stale parameters
	stale := test.Contribute(genesis, ids[1].Public, test.RandomScalar(sch), time.Now())
	_, err = c.Submit(ctx, id, stale)
	require.ErrorIs(t, err, verifier.ErrStateMismatch)
	var rerr *client.ResponseError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, http.StatusUnprocessableEntity, rerr.Code)

	_, err = c.Finalize(ctx, id)
	require.ErrorIs(t, err, ceremony.ErrInsufficientParticipants)

	resp, err = c.Contribute(ctx, id, ids[1].Public, secret(t))
	require.NoError(t, err)
	require.Equal(t, uint64(2), resp.Seq)

	final, err := c.Finalize(ctx, id)
	require.NoError(t, err)

	coord, err := reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, coord.Parameters().Hash(), final.ParametersHash)

	tr, err := c.Transcript(ctx, id)
	require.NoError(t, err)
	require.Equal(t, final.Digest, tr.Digest)
	g, entries, err := tr.Decode()
	require.NoError(t, err)
	require.True(t, g.Equal(genesis))
	report, err := transcript.Audit(verifier.New(sch), g, entries)
	require.NoError(t, err)
	require.True(t, report.Valid())
	require.Equal(t, tr.Digest, report.Digest)
	require.Equal(t, final.ParametersHash, report.Final.Hash())

	status, err := c.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Completed", status.Status)
	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	sch := crypto.NewBLS12381PowersOfTau()
	url, _ := mock.NewMockHTTPServer(t, ceremony.WithScheme(sch))
	c := client.New(testlogger.New(t), url, sch, nil)

	_, err := c.Status(ctx, "missing")
	require.ErrorIs(t, err, ceremony.ErrUnknownCeremony)

	_, err = c.Start(ctx, ceremony.Terms{Degree: 0, MinParticipants: 1})
	var rerr *client.ResponseError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, http.StatusBadRequest, rerr.Code)

	state, err := c.Start(ctx, ceremony.Terms{Degree: 2, MinParticipants: 1})
	require.NoError(t, err)
	ids := test.GenerateIDs(sch, 2)

	_, err = c.Contribute(ctx, state.ID, ids[0].Public, secret(t))
	require.ErrorIs(t, err, ceremony.ErrNotAdmitted)

	forged := *ids[1].Public
	forged.Signature = ids[0].Public.Signature
	_, err = c.Admit(ctx, state.ID, &forged)
	require.ErrorIs(t, err, ceremony.ErrInvalidIdentity)

	aborted, err := c.Abort(ctx, state.ID, "operator")
	require.NoError(t, err)
	require.Equal(t, "Failed", aborted.Status)
	require.Contains(t, aborted.FailureReason, "operator")

	_, err = c.Admit(ctx, state.ID, ids[1].Public)
	require.ErrorIs(t, err, ceremony.ErrNotAccepting)
}
