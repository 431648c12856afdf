package ceremonycli

import (
	"context"
	"errors"
	"fmt"
	"net"
	nhttp "net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/drand/kyber"
	"github.com/gorilla/handlers"
	"github.com/jonboulle/clockwork"
	"github.com/kabukky/httpscerts"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/netutil"

	"github.com/drand/ceremony/ceremony"
	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/fs"
	chttp "github.com/drand/ceremony/http"
	"github.com/drand/ceremony/metrics"
	"github.com/drand/ceremony/metrics/pprof"
)

const (
	accessLogPerm   = 0o600
	shutdownTimeout = 10 * time.Second
)

// daemonCmd runs the coordinator until it receives SIGINT or SIGTERM.
func daemonCmd(c *cli.Context) error {
	conf, err := loadDaemonConfig(c)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runDaemon(ctx, conf, nil)
}

// runDaemon serves the API until ctx is done. ready, when not nil, receives
// the bound address once the listener is up.
//
//nolint:gocyclo
func runDaemon(ctx context.Context, conf *DaemonConfig, ready chan<- string) error {
	l := conf.logger().Named("daemon")
	ctx = log.ToContext(ctx, l)

	if fs.CreateSecureFolder(conf.Folder) == "" {
		return fmt.Errorf("cannot create folder %s", conf.Folder)
	}
	sch, err := crypto.GetSchemeByIDWithDefault(conf.Scheme)
	if err != nil {
		return err
	}

	store, err := ceremony.NewStore(conf.Folder, nil)
	if err != nil {
		return fmt.Errorf("opening ceremony store: %w", err)
	}
	defer store.Close()

	opts := []ceremony.ConfigOption{
		ceremony.WithLogger(l),
		ceremony.WithClock(clockwork.NewRealClock()),
		ceremony.WithScheme(sch),
		ceremony.WithDataFolder(conf.TranscriptFolder()),
		ceremony.WithStore(store),
	}
	var recovery kyber.Scalar
	if conf.RecoveryFolder != "" {
		pair, err := loadKeyPair(conf.RecoveryFolder)
		if err != nil {
			return fmt.Errorf("recovery key: %w", err)
		}
		recovery = pair.Key
		if f := conf.backupFactory(l, sch, pair.Public.Key); f != nil {
			opts = append(opts, ceremony.WithBackups(f))
		}
	}
	reg := ceremony.NewRegistry(ceremony.NewConfig(opts...))
	defer reg.Close()

	resumed, err := reg.Recover(ctx, recovery)
	if err != nil {
		return fmt.Errorf("recovering ceremonies: %w", err)
	}
	if len(resumed) > 0 {
		l.Infow("resumed ceremonies", "ids", resumed)
	}

	if conf.Metrics != "" {
		if ml := metrics.Start(l, conf.Metrics, pprof.WithProfile()); ml != nil {
			defer ml.Close()
		}
	}

	handler, err := chttp.New(ctx, reg, version)
	if err != nil {
		return fmt.Errorf("failed to create rest handler: %w", err)
	}
	accessLog := os.Stdout
	if conf.AccessLog != "" {
		f, err := os.OpenFile(conf.AccessLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, accessLogPerm)
		if err != nil {
			return fmt.Errorf("failed to open access log: %w", err)
		}
		defer f.Close()
		accessLog = f
	}
	handler.SetHTTPHandler(handlers.CombinedLoggingHandler(accessLog, handler.GetHTTPHandler()))

	listener, err := net.Listen("tcp", conf.Listen)
	if err != nil {
		return err
	}
	if conf.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, conf.MaxConnections)
	}
	server := &nhttp.Server{
		Handler:           handler.GetHTTPHandler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	certPath, keyPath := conf.tlsPaths()
	if conf.TLSSelfSigned {
		if err := selfSigned(certPath, keyPath, listener.Addr().String()); err != nil {
			_ = listener.Close()
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if certPath != "" {
			errCh <- server.ServeTLS(listener, certPath, keyPath)
			return
		}
		errCh <- server.Serve(listener)
	}()
	l.Infow("serving ceremony API", "addr", listener.Addr().String(), "tls", certPath != "")
	if ready != nil {
		ready <- listener.Addr().String()
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, nhttp.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	l.Infow("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(sctx)
}

// selfSigned generates a certificate for the listen host unless a valid one
// already exists.
func selfSigned(certPath, keyPath, addr string) error {
	if httpscerts.Check(certPath, keyPath) == nil {
		return nil
	}
	if fs.CreateSecureFolder(filepath.Dir(certPath)) == "" {
		return fmt.Errorf("cannot create %s", filepath.Dir(certPath))
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if err := httpscerts.Generate(certPath, keyPath, host); err != nil {
		return fmt.Errorf("generating self signed certificate: %w", err)
	}
	return nil
}
