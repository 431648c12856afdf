// Package ceremonycli implements the ceremony command line: the coordinator
// daemon and the participant and operator commands talking to it.
package ceremonycli

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	nhttp "net/http"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"

	"github.com/drand/ceremony/client"
	"github.com/drand/ceremony/common"
	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/key"
)

// default output of the operational commands, the daemon uses its own
// logging.
var output io.Writer = os.Stdout

// gitCommit and buildDate are set through -ldflags
// Example: go install -ldflags "-X github.com/drand/ceremony/cmd/ceremony-cli.gitCommit=`git rev-parse HEAD`"
var (
	version   = common.GetAppVersion().String()
	gitCommit = "none"
	buildDate = "unknown"
)

func banner() {
	fmt.Fprintf(output, "ceremony %v (date %v, commit %v)\n", version, buildDate, gitCommit)
}

// DefaultConfigFolder is ~/.ceremony, or the working directory when the home
// folder is unknown.
func DefaultConfigFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ceremony"
	}
	return filepath.Join(home, ".ceremony")
}

var folderFlag = &cli.StringFlag{
	Name:  "folder",
	Value: DefaultConfigFolder(),
	Usage: "Folder keeping the key pair, and for the daemon the ceremony state and transcripts.",
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "If set, verbosity is at the debug level",
}

var jsonLogsFlag = &cli.BoolFlag{
	Name:  "json-logs",
	Usage: "Log in JSON instead of the console format",
}

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "TOML daemon configuration file. Flags override its values.",
}

var listenFlag = &cli.StringFlag{
	Name:  "listen",
	Usage: "host:port the daemon serves the ceremony API on",
}

var metricsFlag = &cli.StringFlag{
	Name:  "metrics",
	Usage: "Launch a metrics server at the specified (host:)port.",
}

var tlsCertFlag = &cli.StringFlag{
	Name: "tls-cert",
	Usage: "TLS certificate (PEM). The daemon serves with it; the other commands trust it, " +
		"which is needed for self signed coordinators.",
}

var tlsKeyFlag = &cli.StringFlag{
	Name:  "tls-key",
	Usage: "TLS private key (PEM) of the daemon",
}

var selfSignedFlag = &cli.BoolFlag{
	Name:  "tls-self-signed",
	Usage: "Generate a self signed certificate for the listen host in the folder if none exists, and serve with it",
}

var accessLogFlag = &cli.StringFlag{
	Name:  "access-log",
	Usage: "file to log http accesses to, stdout by default",
}

var recoveryFlag = &cli.StringFlag{
	Name: "recovery-folder",
	Usage: "Folder holding the recovery key pair (see keygen). Backups are encrypted to its public key " +
		"and, on restart, decrypted with it to resume ceremonies.",
}

var coordinatorFlag = &cli.StringFlag{
	Name:    "coordinator",
	Aliases: []string{"c"},
	Value:   "http://127.0.0.1:8080",
	Usage:   "URL of the coordinator daemon",
}

var ceremonyFlag = &cli.StringFlag{
	Name:     "ceremony",
	Aliases:  []string{"id"},
	Usage:    "ID of the ceremony",
	Required: true,
}

var nameFlag = &cli.StringFlag{
	Name:  "name",
	Usage: "Human readable name bound to the key pair",
}

var degreeFlag = &cli.IntFlag{
	Name:     "degree",
	Usage:    "Number of G1 powers, the maximum polynomial degree the parameters support",
	Required: true,
}

var minParticipantsFlag = &cli.IntFlag{
	Name:  "min-participants",
	Value: 1,
	Usage: "Number of accepted contributions needed to finalize",
}

var maxDurationFlag = &cli.DurationFlag{
	Name:  "max-duration",
	Usage: "Time after start when contributions stop being accepted, unbounded when unset",
}

var admissionFlag = &cli.StringFlag{
	Name:  "admission",
	Value: "admit-until-finalize",
	Usage: "Admission policy: admit-until-finalize or close-at-quorum",
}

var orderingFlag = &cli.StringFlag{
	Name:  "ordering",
	Value: "first-come",
	Usage: "Ordering policy: first-come or scheduled (admission order)",
}

var identityFlag = &cli.StringFlag{
	Name:  "identity",
	Usage: "Public key TOML file of the participant to admit. Defaults to the key pair of --folder.",
}

var sourceFlag = &cli.StringSliceFlag{
	Name:  "source",
	Usage: "Executable whose output is mixed into the contribution secret. Can be repeated.",
}

var jitterFlag = &cli.BoolFlag{
	Name:  "jitter",
	Usage: "Add CPU timing jitter as an entropy source",
}

var minSourcesFlag = &cli.IntFlag{
	Name:  "min-sources",
	Value: 1,
	Usage: "Number of entropy sources that must answer",
}

var reasonFlag = &cli.StringFlag{
	Name:  "reason",
	Value: "aborted by operator",
	Usage: "Reason recorded in the failed ceremony",
}

var outFlag = &cli.StringFlag{
	Name:  "out",
	Usage: "Write the output into this file instead of stdout",
}

var schemeFlag = &cli.StringFlag{
	Name:    "scheme",
	Value:   crypto.DefaultSchemeID,
	EnvVars: []string{"SCHEME_ID"},
	Usage:   "Pairing scheme of the parameters",
}

var appCommands = []*cli.Command{
	{
		Name:  "daemon",
		Usage: "Run the coordinator daemon serving the ceremony API.",
		Flags: toArray(configFlag, folderFlag, listenFlag, metricsFlag, tlsCertFlag, tlsKeyFlag,
			selfSignedFlag, accessLogFlag, recoveryFlag, schemeFlag, verboseFlag, jsonLogsFlag),
		Action: func(c *cli.Context) error {
			banner()
			return daemonCmd(c)
		},
	},
	{
		Name:   "keygen",
		Usage:  "Generate a self-signed key pair in --folder. Participants and the recovery key use it.",
		Flags:  toArray(folderFlag, nameFlag, schemeFlag),
		Action: keygenCmd,
	},
	{
		Name:  "start",
		Usage: "Create and start a ceremony on the coordinator.",
		Flags: toArray(coordinatorFlag, tlsCertFlag, schemeFlag, degreeFlag, minParticipantsFlag,
			maxDurationFlag, admissionFlag, orderingFlag),
		Action: startCmd,
	},
	{
		Name:   "admit",
		Usage:  "Admit a participant identity into a ceremony.",
		Flags:  toArray(coordinatorFlag, tlsCertFlag, schemeFlag, ceremonyFlag, folderFlag, identityFlag),
		Action: admitCmd,
	},
	{
		Name: "contribute",
		Usage: "Collect entropy, rescale the current parameters and submit the contribution. " +
			"The secret never leaves this process and is erased once used.",
		Flags: toArray(coordinatorFlag, tlsCertFlag, schemeFlag, ceremonyFlag, folderFlag,
			sourceFlag, jitterFlag, minSourcesFlag, verboseFlag),
		Action: contributeCmd,
	},
	{
		Name:   "finalize",
		Usage:  "Complete a ceremony once enough contributions were accepted.",
		Flags:  toArray(coordinatorFlag, tlsCertFlag, schemeFlag, ceremonyFlag),
		Action: finalizeCmd,
	},
	{
		Name:   "abort",
		Usage:  "Fail a ceremony.",
		Flags:  toArray(coordinatorFlag, tlsCertFlag, schemeFlag, ceremonyFlag, reasonFlag),
		Action: abortCmd,
	},
	{
		Name:  "status",
		Usage: "Show one ceremony, or all of them when --ceremony is not given.",
		Flags: toArray(coordinatorFlag, tlsCertFlag, schemeFlag, &cli.StringFlag{
			Name:  ceremonyFlag.Name,
			Usage: ceremonyFlag.Usage,
		}),
		Action: statusCmd,
	},
	{
		Name:   "transcript",
		Usage:  "Download the transcript of a ceremony as JSON.",
		Flags:  toArray(coordinatorFlag, tlsCertFlag, schemeFlag, ceremonyFlag, outFlag),
		Action: transcriptCmd,
	},
	{
		Name:   "parameters",
		Usage:  "Download the current parameters of a ceremony in their binary encoding.",
		Flags:  toArray(coordinatorFlag, tlsCertFlag, schemeFlag, ceremonyFlag, outFlag),
		Action: parametersCmd,
	},
	{
		Name: "verify",
		Usage: "Audit a transcript offline: a JSON transcript downloaded with the transcript command, " +
			"or a transcript.dat file of the daemon folder.",
		ArgsUsage: "<transcript file>",
		Flags: toArray(schemeFlag, &cli.IntFlag{
			Name:  degreeFlag.Name,
			Usage: "Degree of the ceremony, only needed for empty transcript.dat files",
		}),
		Action: verifyCmd,
	},
}

// CLI runs the ceremony app
func CLI() *cli.App {
	app := cli.NewApp()
	app.Name = "ceremony"
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(output, "ceremony %v (date %v, commit %v)\n", version, buildDate, gitCommit)
	}

	app.ExitErrHandler = func(context *cli.Context, err error) {
		// override to prevent default behavior of calling OS.exit(1),
		// when tests expect to be able to run multiple commands.
	}
	app.Version = version
	app.Usage = "universal trusted setup ceremony"
	app.Commands = appCommands
	return app
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

func logger(c *cli.Context) log.Logger {
	level := log.InfoLevel
	if c.Bool(verboseFlag.Name) {
		level = log.DebugLevel
	}
	return log.New(nil, level, c.Bool(jsonLogsFlag.Name))
}

func scheme(c *cli.Context) (*crypto.Scheme, error) {
	return crypto.GetSchemeByIDWithDefault(c.String(schemeFlag.Name))
}

func keygenCmd(c *cli.Context) error {
	sch, err := scheme(c)
	if err != nil {
		return err
	}
	folder := c.String(folderFlag.Name)
	store, err := key.NewFileStore(folder)
	if err != nil {
		return err
	}
	if _, err := store.LoadKeyPair(); err == nil {
		fmt.Fprintf(output, "Keypair already present in `%s`.\nRemove them before generating new one\n", folder)
		return nil
	}
	pair, err := key.NewKeyPair(c.String(nameFlag.Name), sch)
	if err != nil {
		return err
	}
	if err := store.SaveKeyPair(pair); err != nil {
		return fmt.Errorf("could not save key: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(folder, key.KeyFolderName))
	if err != nil {
		return fmt.Errorf("err getting full path: %w", err)
	}
	fmt.Fprintln(output, "Generated keys at", absPath)
	var buff bytes.Buffer
	if err := toml.NewEncoder(&buff).Encode(pair.Public.TOML()); err != nil {
		return err
	}
	buff.WriteString("\n")
	fmt.Fprintln(output, buff.String())
	return nil
}

func loadKeyPair(folder string) (*key.Pair, error) {
	store, err := key.NewFileStore(folder)
	if err != nil {
		return nil, err
	}
	pair, err := store.LoadKeyPair()
	if err != nil {
		return nil, fmt.Errorf("loading key pair from %s (run keygen first?): %w", folder, err)
	}
	return pair, nil
}

func loadIdentity(path string) (*key.Identity, error) {
	id := new(key.Identity)
	if err := key.Load(path, id); err != nil {
		return nil, err
	}
	return id, nil
}

func transport(c *cli.Context) (nhttp.RoundTripper, error) {
	if !c.IsSet(tlsCertFlag.Name) {
		return nil, nil
	}
	pem, err := os.ReadFile(c.String(tlsCertFlag.Name))
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificate found in " + c.String(tlsCertFlag.Name))
	}
	t := nhttp.DefaultTransport.(*nhttp.Transport).Clone()
	t.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	return t, nil
}

func coordinatorClient(c *cli.Context) (*client.Client, error) {
	sch, err := scheme(c)
	if err != nil {
		return nil, err
	}
	t, err := transport(c)
	if err != nil {
		return nil, err
	}
	return client.New(logger(c), c.String(coordinatorFlag.Name), sch, t), nil
}
