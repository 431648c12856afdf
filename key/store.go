package key

import (
	"errors"
	"os"
	"path"

	"github.com/BurntSushi/toml"

	"github.com/drand/ceremony/fs"
)

// KeyFolderName is the name of the folder holding the participant key pair
const KeyFolderName = "key"

const (
	keyFileName  = "participant_id"
	privateExt   = ".private"
	publicExt    = ".public"
	keyFilePerms = 0600
)

// Tomler represents any struct that can be (un)marshaled into/from toml format
type Tomler interface {
	TOML() interface{}
	FromTOML(i interface{}) error
	TOMLValue() interface{}
}

// Store abstracts the loading and saving of a participant key pair
type Store interface {
	SaveKeyPair(p *Pair) error
	LoadKeyPair() (*Pair, error)
}

// ErrStoreFolder is returned when the key folder cannot be created securely.
var ErrStoreFolder = errors.New("key folder has unsafe permissions")

type fileStore struct {
	baseFolder     string
	privateKeyFile string
	publicKeyFile  string
}

// NewFileStore returns a Store writing the key pair as TOML files under
// baseFolder/key.
func NewFileStore(baseFolder string) (Store, error) {
	keyFolder := fs.CreateSecureFolder(path.Join(baseFolder, KeyFolderName))
	if keyFolder == "" {
		return nil, ErrStoreFolder
	}
	return &fileStore{
		baseFolder:     baseFolder,
		privateKeyFile: path.Join(keyFolder, keyFileName) + privateExt,
		publicKeyFile:  path.Join(keyFolder, keyFileName) + publicExt,
	}, nil
}

// SaveKeyPair first saves the private key in a file with tight permissions
// and then saves the public part in another file.
func (f *fileStore) SaveKeyPair(p *Pair) error {
	if err := Save(f.privateKeyFile, p, true); err != nil {
		return err
	}
	return Save(f.publicKeyFile, p.Public, false)
}

// LoadKeyPair decodes the private key first then the public key.
func (f *fileStore) LoadKeyPair() (*Pair, error) {
	p := new(Pair)
	if err := Load(f.privateKeyFile, p); err != nil {
		return nil, err
	}
	if err := Load(f.publicKeyFile, p.Public); err != nil {
		return nil, err
	}
	return p, nil
}

// Save encodes t as TOML into filePath.
func Save(filePath string, t Tomler, secure bool) error {
	var fd *os.File
	var err error
	if secure {
		fd, err = fs.CreateSecureFile(filePath)
	} else {
		fd, err = os.Create(filePath)
	}
	if err != nil {
		return err
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(t.TOML())
}

// Load decodes the TOML file at filePath into t.
func Load(filePath string, t Tomler) error {
	tomlValue := t.TOMLValue()
	if _, err := toml.DecodeFile(filePath, tomlValue); err != nil {
		return err
	}
	return t.FromTOML(tomlValue)
}
