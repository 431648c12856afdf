package ceremonycli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	json "github.com/nikkolasg/hexjson"
	"github.com/urfave/cli/v2"

	"github.com/drand/ceremony/api"
	"github.com/drand/ceremony/ceremony"
	"github.com/drand/ceremony/client"
	"github.com/drand/ceremony/common"
	"github.com/drand/ceremony/entropy"
	"github.com/drand/ceremony/key"
	"github.com/drand/ceremony/srs"
	"github.com/drand/ceremony/transcript"
	"github.com/drand/ceremony/verifier"
)

const refreshRate = 200 * time.Millisecond

func startCmd(c *cli.Context) error {
	admission, err := ceremony.ParseAdmissionPolicy(c.String(admissionFlag.Name))
	if err != nil {
		return err
	}
	ordering, err := ceremony.ParseOrderingPolicy(c.String(orderingFlag.Name))
	if err != nil {
		return err
	}
	terms := ceremony.Terms{
		Degree:          c.Int(degreeFlag.Name),
		MinParticipants: c.Int(minParticipantsFlag.Name),
		MaxDuration:     c.Duration(maxDurationFlag.Name),
		Admission:       admission,
		Ordering:        ordering,
	}
	if err := terms.Validate(); err != nil {
		return err
	}
	cl, err := coordinatorClient(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	state, err := cl.Start(c.Context, terms)
	if err != nil {
		return fmt.Errorf("starting ceremony: %w", err)
	}
	fmt.Fprintf(output, "ceremony %s started\n", state.ID)
	return printJSON(state)
}

func admitCmd(c *cli.Context) error {
	var identity *key.Identity
	if path := c.String(identityFlag.Name); path != "" {
		id, err := loadIdentity(path)
		if err != nil {
			return fmt.Errorf("loading identity %s: %w", path, err)
		}
		identity = id
	} else {
		pair, err := loadKeyPair(c.String(folderFlag.Name))
		if err != nil {
			return err
		}
		identity = pair.Public
	}
	cl, err := coordinatorClient(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	state, err := cl.Admit(c.Context, c.String(ceremonyFlag.Name), identity)
	if err != nil {
		return fmt.Errorf("admitting %s: %w", identity, err)
	}
	fmt.Fprintf(output, "%s admitted into ceremony %s (%d participants)\n", identity, state.ID, len(state.Participants))
	return nil
}

func entropySources(c *cli.Context) []entropy.Source {
	sources := []entropy.Source{entropy.OSSource{}}
	for _, path := range c.StringSlice(sourceFlag.Name) {
		sources = append(sources, entropy.NewScriptSource(path))
	}
	if c.Bool(jitterFlag.Name) {
		sources = append(sources, entropy.JitterSource{})
	}
	return sources
}

func contributeCmd(c *cli.Context) error {
	pair, err := loadKeyPair(c.String(folderFlag.Name))
	if err != nil {
		return err
	}
	l := logger(c)
	id := c.String(ceremonyFlag.Name)
	cl, err := coordinatorClient(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	if err := checkVersion(c, cl); err != nil {
		return err
	}

	state, err := cl.Status(c.Context, id)
	if err != nil {
		return err
	}
	if state.NextContributor != nil && !bytes.Equal(state.NextContributor.Key, pair.Public.KeyBytes()) {
		return fmt.Errorf("%w: ceremony %s waits on %s", ceremony.ErrNotYourTurn, id, state.NextContributor.Name)
	}

	conf := entropy.DefaultConfig()
	conf.MinSources = c.Int(minSourcesFlag.Name)
	secret, err := entropy.NewCollector(l, conf, entropySources(c)...).Collect(c.Context)
	if err != nil {
		return err
	}

	s := spinner.New(spinner.CharSets[9], refreshRate, spinner.WithWriter(output))
	s.Suffix = fmt.Sprintf("  contributing to ceremony %s with %d powers", id, state.Terms.Degree)
	s.FinalMSG = "\n"
	s.Start()
	resp, err := cl.Contribute(c.Context, id, pair.Public, secret)
	s.Stop()
	if err != nil {
		return fmt.Errorf("contributing: %w", err)
	}
	fmt.Fprintf(output, "contribution accepted as entry %d, new state %x\n", resp.Seq, resp.PostHash)
	return nil
}

// checkVersion refuses coordinators this binary may disagree with on the
// contribution format.
func checkVersion(c *cli.Context, cl *client.Client) error {
	remote, err := cl.Health(c.Context)
	if err != nil {
		return err
	}
	v, err := common.ParseVersion(remote)
	if err != nil {
		return fmt.Errorf("coordinator version: %w", err)
	}
	if !common.GetAppVersion().IsCompatible(v) {
		return fmt.Errorf("coordinator runs %s, incompatible with %s", v, common.GetAppVersion())
	}
	return nil
}

func finalizeCmd(c *cli.Context) error {
	cl, err := coordinatorClient(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	resp, err := cl.Finalize(c.Context, c.String(ceremonyFlag.Name))
	if err != nil {
		return fmt.Errorf("finalizing: %w", err)
	}
	fmt.Fprintf(output, "ceremony %s completed\nparameters: %x\ntranscript: %s\n",
		c.String(ceremonyFlag.Name), resp.ParametersHash, resp.Digest)
	return nil
}

func abortCmd(c *cli.Context) error {
	cl, err := coordinatorClient(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	state, err := cl.Abort(c.Context, c.String(ceremonyFlag.Name), c.String(reasonFlag.Name))
	if err != nil {
		return fmt.Errorf("aborting: %w", err)
	}
	fmt.Fprintf(output, "ceremony %s: %s\n", state.ID, state.FailureReason)
	return nil
}

func statusCmd(c *cli.Context) error {
	cl, err := coordinatorClient(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	if id := c.String(ceremonyFlag.Name); id != "" {
		state, err := cl.Status(c.Context, id)
		if err != nil {
			return err
		}
		return printJSON(state)
	}
	list, err := cl.List(c.Context)
	if err != nil {
		return err
	}
	return printJSON(list)
}

func transcriptCmd(c *cli.Context) error {
	cl, err := coordinatorClient(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	tr, err := cl.Transcript(c.Context, c.String(ceremonyFlag.Name))
	if err != nil {
		return err
	}
	buff, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return err
	}
	return writeOut(c, buff)
}

func parametersCmd(c *cli.Context) error {
	cl, err := coordinatorClient(c)
	if err != nil {
		return err
	}
	defer cl.Close()
	params, err := cl.Parameters(c.Context, c.String(ceremonyFlag.Name))
	if err != nil {
		return err
	}
	buff, err := params.MarshalBinary()
	if err != nil {
		return err
	}
	if !c.IsSet(outFlag.Name) {
		fmt.Fprintf(output, "degree %d, hash %s\n", params.Degree, params.Digest())
		return nil
	}
	return writeOut(c, buff)
}

// verifyCmd replays a transcript from its genesis and prints the audit report.
func verifyCmd(c *cli.Context) error {
	if !c.Args().Present() {
		return errors.New("missing transcript file argument")
	}
	path := c.Args().First()
	genesis, entries, err := readTranscript(c, path)
	if err != nil {
		return err
	}
	report, err := transcript.Audit(verifier.New(genesis.Scheme()), genesis, entries)
	fmt.Fprintf(output, "entries:      %d\n", report.Entries)
	fmt.Fprintf(output, "participants: %s\n", strings.Join(report.Participants, ", "))
	fmt.Fprintf(output, "parameters:   %s\n", report.Final.Digest())
	fmt.Fprintf(output, "transcript:   %s\n", report.Digest)
	if err != nil {
		fmt.Fprintf(output, "INVALID at entry %d\n", report.FailedSeq)
		return err
	}
	fmt.Fprintln(output, "transcript is valid")
	return nil
}

func readTranscript(c *cli.Context, path string) (*srs.Parameters, []*transcript.Entry, error) {
	if filepath.Ext(path) == ".json" {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		p := new(api.TranscriptPacket)
		if err := json.NewDecoder(f).Decode(p); err != nil {
			return nil, nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		return p.Decode()
	}
	sch, err := scheme(c)
	if err != nil {
		return nil, nil, err
	}
	entries, err := transcript.ReadFile(sch, path)
	if err != nil {
		return nil, nil, err
	}
	degree := c.Int(degreeFlag.Name)
	if len(entries) > 0 {
		degree = entries[0].Contribution.Parameters.Degree
	}
	if degree < 1 {
		return nil, nil, fmt.Errorf("empty transcript: --%s is needed", degreeFlag.Name)
	}
	genesis, err := srs.New(sch, degree)
	if err != nil {
		return nil, nil, err
	}
	return genesis, entries, nil
}

func printJSON(v interface{}) error {
	buff, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(output, string(buff))
	return nil
}

func writeOut(c *cli.Context, buff []byte) error {
	if !c.IsSet(outFlag.Name) {
		_, err := io.Copy(output, bytes.NewReader(buff))
		return err
	}
	return os.WriteFile(c.String(outFlag.Name), buff, 0o644)
}
