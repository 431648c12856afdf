package ceremonycli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/drand/ceremony/client"
	"github.com/drand/ceremony/client/test/mock"
	"github.com/drand/ceremony/common/testlogger"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/key"
	"github.com/drand/ceremony/transcript"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buff := new(bytes.Buffer)
	prev := output
	output = buff
	t.Cleanup(func() { output = prev })
	return buff
}

func run(t *testing.T, args ...string) {
	t.Helper()
	require.NoError(t, CLI().Run(append([]string{"ceremony"}, args...)))
}

func TestKeygen(t *testing.T) {
	out := captureOutput(t)
	tmp := t.TempDir()

	run(t, "keygen", "--folder", tmp, "--name", "alice")
	require.Contains(t, out.String(), "Generated keys at")

	pair, err := loadKeyPair(tmp)
	require.NoError(t, err)
	require.Equal(t, "alice", pair.Public.Name)
	require.NoError(t, pair.Public.ValidSignature())

	out.Reset()
	run(t, "keygen", "--folder", tmp)
	require.Contains(t, out.String(), "already present")
	again, err := loadKeyPair(tmp)
	require.NoError(t, err)
	require.True(t, pair.Public.Equal(again.Public))
}

func TestDaemonConfigFile(t *testing.T) {
	tmp := t.TempDir()
	file := filepath.Join(tmp, "config.toml")
	f, err := os.Create(file)
	require.NoError(t, err)
	require.NoError(t, toml.NewEncoder(f).Encode(&DaemonConfig{
		Folder:         tmp,
		Listen:         "127.0.0.1:9999",
		MaxConnections: 12,
		RecoveryFolder: filepath.Join(tmp, "recovery"),
		Backup: []BackupConfig{
			{Kind: FolderBackup, Path: filepath.Join(tmp, "backups")},
			{Kind: S3Backup, Region: "eu-west-1", Bucket: "ceremonies", Prefix: "prod"},
		},
	}))
	require.NoError(t, f.Close())

	var got *DaemonConfig
	app := CLI()
	app.Commands = []*cli.Command{{
		Name:  "load",
		Flags: appCommands[0].Flags,
		Action: func(c *cli.Context) (err error) {
			got, err = loadDaemonConfig(c)
			return err
		},
	}}
	require.NoError(t, app.Run([]string{"ceremony", "load", "--config", file, "--listen", "127.0.0.1:7777"}))
	require.Equal(t, "127.0.0.1:7777", got.Listen)
	require.Equal(t, 12, got.MaxConnections)
	require.Equal(t, tmp, got.Folder)
	require.Len(t, got.Backup, 2)
	require.Equal(t, "ceremonies", got.Backup[1].Bucket)
	require.Equal(t, filepath.Join(tmp, transcriptFolder), got.TranscriptFolder())

	require.Error(t, app.Run([]string{"ceremony", "load", "--config", file, "--tls-cert", "cert.pem"}))
}

func TestDaemonConfigValidate(t *testing.T) {
	cases := []struct {
		conf DaemonConfig
		ok   bool
	}{
		{DaemonConfig{}, true},
		{DaemonConfig{TLSCert: "a", TLSKey: "b"}, true},
		{DaemonConfig{TLSCert: "a"}, false},
		{DaemonConfig{TLSSelfSigned: true, TLSCert: "a", TLSKey: "b"}, false},
		{DaemonConfig{Backup: []BackupConfig{{Kind: FolderBackup, Path: "x"}}}, false},
		{DaemonConfig{RecoveryFolder: "r", Backup: []BackupConfig{{Kind: FolderBackup, Path: "x"}}}, true},
		{DaemonConfig{RecoveryFolder: "r", Backup: []BackupConfig{{Kind: BoltBackup}}}, false},
		{DaemonConfig{RecoveryFolder: "r", Backup: []BackupConfig{{Kind: S3Backup, Bucket: "b"}}}, false},
		{DaemonConfig{RecoveryFolder: "r", Backup: []BackupConfig{{Kind: "tape"}}}, false},
	}
	for i, c := range cases {
		err := c.conf.validate()
		if c.ok {
			require.NoError(t, err, "case %d", i)
		} else {
			require.Error(t, err, "case %d", i)
		}
	}
}

// startDaemon runs the daemon until the test ends or stop is called, and
// returns its URL once it answers.
func startDaemon(t *testing.T, conf *DaemonConfig) (url string, stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- runDaemon(ctx, conf, ready) }()

	select {
	case addr := <-ready:
		url = "http://" + addr
	case err := <-done:
		cancel()
		t.Fatalf("daemon exited: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("daemon did not start")
	}

	cl := client.New(testlogger.New(t), url, crypto.NewBLS12381PowersOfTau(), nil)
	defer cl.Close()
	rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
	defer rcancel()
	require.NoError(t, client.IsServerReady(rctx, cl, 50*time.Millisecond))

	var once bool
	stop = func() {
		if once {
			return
		}
		once = true
		cancel()
		require.NoError(t, <-done)
	}
	t.Cleanup(stop)
	return url, stop
}

func ceremonyID(t *testing.T, out string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if fields := strings.Fields(line); len(fields) == 3 && fields[0] == "ceremony" && fields[2] == "started" {
			return fields[1]
		}
	}
	t.Fatalf("no ceremony id in %q", out)
	return ""
}

func TestCeremonyThroughDaemon(t *testing.T) {
	out := captureOutput(t)
	tmp := t.TempDir()
	recovery := filepath.Join(tmp, "recovery")
	alice := filepath.Join(tmp, "alice")
	bob := filepath.Join(tmp, "bob")
	run(t, "keygen", "--folder", recovery, "--name", "recovery")
	run(t, "keygen", "--folder", alice, "--name", "alice")
	run(t, "keygen", "--folder", bob, "--name", "bob")

	conf := &DaemonConfig{
		Folder:         filepath.Join(tmp, "daemon"),
		Listen:         "127.0.0.1:0",
		MaxConnections: 8,
		AccessLog:      filepath.Join(tmp, "access.log"),
		RecoveryFolder: recovery,
		Backup: []BackupConfig{
			{Kind: FolderBackup, Path: filepath.Join(tmp, "backups", "files")},
			{Kind: BoltBackup, Path: filepath.Join(tmp, "backups", "bolt")},
		},
	}
	require.NoError(t, conf.validate())
	url, stop := startDaemon(t, conf)

	out.Reset()
	run(t, "start", "--coordinator", url, "--degree", "3", "--min-participants", "2", "--ordering", "scheduled")
	id := ceremonyID(t, out.String())

	run(t, "admit", "--coordinator", url, "--ceremony", id, "--folder", alice)
	bobPublic := filepath.Join(bob, key.KeyFolderName, "participant_id.public")
	run(t, "admit", "--coordinator", url, "--id", id, "--identity", bobPublic)

	// bob is second in line
	err := CLI().Run([]string{"ceremony", "contribute", "--coordinator", url, "--ceremony", id, "--folder", bob})
	require.Error(t, err)

	out.Reset()
	run(t, "contribute", "--coordinator", url, "--ceremony", id, "--folder", alice)
	require.Contains(t, out.String(), "accepted as entry 1")

	// the daemon resumes the ceremony from its backups after a restart
	stop()
	url, _ = startDaemon(t, conf)

	out.Reset()
	run(t, "status", "--coordinator", url, "--ceremony", id)
	require.Contains(t, out.String(), `"status": "Active"`)

	run(t, "contribute", "--coordinator", url, "--ceremony", id, "--folder", bob)

	out.Reset()
	run(t, "finalize", "--coordinator", url, "--ceremony", id)
	require.Contains(t, out.String(), "completed")

	jsonPath := filepath.Join(tmp, "transcript.json")
	run(t, "transcript", "--coordinator", url, "--ceremony", id, "--out", jsonPath)

	out.Reset()
	run(t, "verify", jsonPath)
	require.Contains(t, out.String(), "transcript is valid")
	require.Contains(t, out.String(), "alice, bob")

	out.Reset()
	run(t, "verify", filepath.Join(conf.TranscriptFolder(), id, transcript.FileName))
	require.Contains(t, out.String(), "transcript is valid")

	paramsPath := filepath.Join(tmp, "params.bin")
	run(t, "parameters", "--coordinator", url, "--ceremony", id, "--out", paramsPath)
	info, err := os.Stat(paramsPath)
	require.NoError(t, err)
	require.NotZero(t, info.Size())

	access, err := os.ReadFile(conf.AccessLog)
	require.NoError(t, err)
	require.Contains(t, string(access), "/contributions")
}

func TestAbortThroughDaemon(t *testing.T) {
	out := captureOutput(t)
	tmp := t.TempDir()
	url, _ := startDaemon(t, &DaemonConfig{Folder: tmp, Listen: "127.0.0.1:0"})

	run(t, "start", "--coordinator", url, "--degree", "2")
	id := ceremonyID(t, out.String())

	out.Reset()
	run(t, "abort", "--coordinator", url, "--ceremony", id, "--reason", "testing")
	require.Contains(t, out.String(), "testing")

	out.Reset()
	run(t, "status", "--coordinator", url)
	require.Contains(t, out.String(), `"status": "Failed"`)

	require.Error(t, CLI().Run([]string{"ceremony", "finalize", "--coordinator", url, "--ceremony", id}))
}

func TestContributeChecksCoordinatorVersion(t *testing.T) {
	captureOutput(t)
	tmp := t.TempDir()
	run(t, "keygen", "--folder", tmp)
	// the mock coordinator reports the version "test"
	url, _ := mock.NewMockHTTPServer(t)
	err := CLI().Run([]string{"ceremony", "contribute", "--coordinator", url, "--ceremony", "any", "--folder", tmp})
	require.ErrorContains(t, err, "coordinator version")
}
