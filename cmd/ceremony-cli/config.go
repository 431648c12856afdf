package ceremonycli

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/drand/kyber"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/drand/ceremony/backup"
	"github.com/drand/ceremony/ceremony"
	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/fs"
)

const (
	defaultListen         = "127.0.0.1:8080"
	defaultMaxConnections = 256
	transcriptFolder      = "transcripts"
	tlsFolder             = "tls"
)

// Backup location kinds of the daemon config.
const (
	FolderBackup = "folder"
	BoltBackup   = "bolt"
	SQLiteBackup = "sqlite"
	S3Backup     = "s3"
)

// BackupConfig describes one backup location. Each ceremony gets its own
// sub folder, database file or key prefix inside it.
type BackupConfig struct {
	Kind string
	// Path is the base folder of folder, bolt and sqlite locations.
	Path   string
	Region string
	Bucket string
	Prefix string
}

// DaemonConfig is the TOML configuration of the daemon.
type DaemonConfig struct {
	Folder         string
	Listen         string
	Metrics        string
	MaxConnections int
	TLSCert        string
	TLSKey         string
	TLSSelfSigned  bool
	AccessLog      string
	Scheme         string
	// RecoveryFolder holds the recovery key pair. Backups are disabled
	// without it.
	RecoveryFolder string
	Backup         []BackupConfig
	Verbose        bool
	JSONLogs       bool
}

// loadDaemonConfig reads the --config file, if any, then applies the flags
// set on the command line.
func loadDaemonConfig(c *cli.Context) (*DaemonConfig, error) {
	conf := &DaemonConfig{
		Folder:         c.String(folderFlag.Name),
		Listen:         defaultListen,
		MaxConnections: defaultMaxConnections,
		Scheme:         c.String(schemeFlag.Name),
	}
	if c.IsSet(configFlag.Name) {
		if _, err := toml.DecodeFile(c.String(configFlag.Name), conf); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", c.String(configFlag.Name), err)
		}
	}
	if c.IsSet(folderFlag.Name) {
		conf.Folder = c.String(folderFlag.Name)
	}
	if c.IsSet(listenFlag.Name) {
		conf.Listen = c.String(listenFlag.Name)
	}
	if c.IsSet(metricsFlag.Name) {
		conf.Metrics = c.String(metricsFlag.Name)
	}
	if c.IsSet(tlsCertFlag.Name) {
		conf.TLSCert = c.String(tlsCertFlag.Name)
	}
	if c.IsSet(tlsKeyFlag.Name) {
		conf.TLSKey = c.String(tlsKeyFlag.Name)
	}
	if c.IsSet(selfSignedFlag.Name) {
		conf.TLSSelfSigned = c.Bool(selfSignedFlag.Name)
	}
	if c.IsSet(accessLogFlag.Name) {
		conf.AccessLog = c.String(accessLogFlag.Name)
	}
	if c.IsSet(recoveryFlag.Name) {
		conf.RecoveryFolder = c.String(recoveryFlag.Name)
	}
	if c.IsSet(schemeFlag.Name) {
		conf.Scheme = c.String(schemeFlag.Name)
	}
	if c.IsSet(verboseFlag.Name) {
		conf.Verbose = c.Bool(verboseFlag.Name)
	}
	if c.IsSet(jsonLogsFlag.Name) {
		conf.JSONLogs = c.Bool(jsonLogsFlag.Name)
	}
	return conf, conf.validate()
}

func (d *DaemonConfig) validate() error {
	if (d.TLSCert == "") != (d.TLSKey == "") {
		return errors.New("tls-cert and tls-key go together")
	}
	if d.TLSSelfSigned && d.TLSCert != "" {
		return errors.New("tls-self-signed cannot be combined with tls-cert")
	}
	if len(d.Backup) > 0 && d.RecoveryFolder == "" {
		return errors.New("backups need a recovery key pair folder")
	}
	for i, b := range d.Backup {
		switch b.Kind {
		case FolderBackup, BoltBackup, SQLiteBackup:
			if b.Path == "" {
				return fmt.Errorf("backup %d: %s location needs a Path", i, b.Kind)
			}
		case S3Backup:
			if b.Bucket == "" || b.Region == "" {
				return fmt.Errorf("backup %d: s3 location needs a Region and a Bucket", i)
			}
		default:
			return fmt.Errorf("backup %d: unknown kind %q", i, b.Kind)
		}
	}
	return nil
}

func (d *DaemonConfig) logger() log.Logger {
	level := log.InfoLevel
	if d.Verbose {
		level = log.DebugLevel
	}
	return log.New(nil, level, d.JSONLogs)
}

// TranscriptFolder is where the daemon keeps one transcript folder per
// ceremony.
func (d *DaemonConfig) TranscriptFolder() string {
	return filepath.Join(d.Folder, transcriptFolder)
}

func (d *DaemonConfig) tlsPaths() (string, string) {
	if d.TLSSelfSigned {
		folder := filepath.Join(d.Folder, tlsFolder)
		return filepath.Join(folder, "server.crt"), filepath.Join(folder, "server.key")
	}
	return d.TLSCert, d.TLSKey
}

// openLocation opens the location of b dedicated to one ceremony.
func (b *BackupConfig) openLocation(ceremonyID string) (backup.Location, error) {
	switch b.Kind {
	case FolderBackup:
		return backup.NewFolderLocation(filepath.Join(b.Path, ceremonyID))
	case BoltBackup:
		folder := fs.CreateSecureFolder(filepath.Join(b.Path, ceremonyID))
		if folder == "" {
			return nil, fmt.Errorf("cannot create %s", filepath.Join(b.Path, ceremonyID))
		}
		return backup.NewBoltLocation(folder, bolt.DefaultOptions)
	case SQLiteBackup:
		if fs.CreateSecureFolder(b.Path) == "" {
			return nil, fmt.Errorf("cannot create %s", b.Path)
		}
		return backup.NewSQLiteLocation(filepath.Join(b.Path, ceremonyID+".db"))
	case S3Backup:
		return backup.NewS3Location(b.Region, b.Bucket, path.Join(b.Prefix, ceremonyID))
	default:
		return nil, fmt.Errorf("unknown backup kind %q", b.Kind)
	}
}

// backupFactory opens every configured location for a ceremony. A location
// that cannot be opened is skipped as long as one other can.
func (d *DaemonConfig) backupFactory(l log.Logger, sch *crypto.Scheme, recovery kyber.Point) ceremony.BackupFactory {
	if len(d.Backup) == 0 {
		return nil
	}
	return func(id string) (*backup.System, error) {
		var locations []backup.Location
		var errs *multierror.Error
		for i := range d.Backup {
			loc, err := d.Backup[i].openLocation(id)
			if err != nil {
				errs = multierror.Append(errs, err)
				l.Warnw("backup location unavailable", "ceremony", id, "kind", d.Backup[i].Kind, "err", err)
				continue
			}
			locations = append(locations, loc)
		}
		if len(locations) == 0 {
			return nil, errs.ErrorOrNil()
		}
		return backup.NewSystem(l, sch, recovery, nil, locations...), nil
	}
}
