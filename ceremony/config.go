package ceremony

import (
	"path/filepath"

	"github.com/jonboulle/clockwork"

	"github.com/drand/ceremony/backup"
	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/transcript"
)

// ConfigOption is a function that applies a specific setting to a Config.
type ConfigOption func(*Config)

// BackupFactory returns the backup system of one ceremony. Sequence numbers
// are per ceremony so each one gets its own locations.
type BackupFactory func(ceremonyID string) (*backup.System, error)

// Config holds what coordinators need beyond their terms.
type Config struct {
	logger     log.Logger
	clock      clockwork.Clock
	scheme     *crypto.Scheme
	dataFolder string
	backups    BackupFactory
	store      Store
}

// NewConfig returns the default config updated by the given options.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		logger: log.DefaultLogger(),
		clock:  clockwork.NewRealClock(),
		scheme: crypto.NewBLS12381PowersOfTau(),
	}
	for i := range opts {
		opts[i](c)
	}
	return c
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) ConfigOption {
	return func(c *Config) {
		c.logger = l
	}
}

// WithClock sets the clock deadlines are evaluated with.
func WithClock(clock clockwork.Clock) ConfigOption {
	return func(c *Config) {
		c.clock = clock
	}
}

// WithScheme sets the pairing scheme of new ceremonies.
func WithScheme(sch *crypto.Scheme) ConfigOption {
	return func(c *Config) {
		c.scheme = sch
	}
}

// WithDataFolder persists transcripts under folder/<ceremony id>. Without it
// transcripts only live in memory.
func WithDataFolder(folder string) ConfigOption {
	return func(c *Config) {
		c.dataFolder = folder
	}
}

// WithBackups enables backups after every accepted contribution.
func WithBackups(f BackupFactory) ConfigOption {
	return func(c *Config) {
		c.backups = f
	}
}

// WithStore saves the ceremony state on every transition.
func WithStore(s Store) ConfigOption {
	return func(c *Config) {
		c.store = s
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() log.Logger {
	return c.logger
}

// Scheme returns the configured scheme.
func (c *Config) Scheme() *crypto.Scheme {
	return c.scheme
}

func (c *Config) transcriptStore(id string) (transcript.Store, error) {
	if c.dataFolder == "" {
		return transcript.NewMemStore(), nil
	}
	return transcript.OpenFileStore(c.scheme, filepath.Join(c.dataFolder, id))
}
