package ceremony

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/BurntSushi/toml"
	bolt "go.etcd.io/bbolt"
)

// Store persists ceremony states.
type Store interface {
	Save(s *State) error
	Load(id string) (*State, error)
	List() ([]*State, error)
	Close() error
}

type boltStore struct {
	sync.RWMutex
	db *bolt.DB
}

const BoltFileName = "ceremonies.db"
const BoltStoreOpenPerm = 0660
const DirPerm = 0700

var stateBucket = []byte("ceremonies")

// ErrNoState is returned by Load for an unknown ceremony.
var ErrNoState = errors.New("no state saved for this ceremony")

// NewStore opens the bolt database in baseFolder.
func NewStore(baseFolder string, options *bolt.Options) (Store, error) {
	if err := os.MkdirAll(baseFolder, DirPerm); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path.Join(baseFolder, BoltFileName), BoltStoreOpenPerm, options)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Save(state *State) error {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(state.TOML()); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put([]byte(state.ID), b.Bytes())
	})
}

func decodeState(value []byte) (*State, error) {
	t := StateTOML{}
	if _, err := toml.NewDecoder(bytes.NewReader(value)).Decode(&t); err != nil {
		return nil, err
	}
	return t.FromTOML()
}

func (s *boltStore) Load(id string) (*State, error) {
	s.RLock()
	defer s.RUnlock()
	var state *State
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(stateBucket).Get([]byte(id))
		if value == nil {
			return ErrNoState
		}
		var err error
		state, err = decodeState(value)
		return err
	})
	return state, err
}

func (s *boltStore) List() ([]*State, error) {
	s.RLock()
	defer s.RUnlock()
	var states []*State
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).ForEach(func(k, v []byte) error {
			state, err := decodeState(v)
			if err != nil {
				return fmt.Errorf("ceremony %s: %w", k, err)
			}
			states = append(states, state)
			return nil
		})
	})
	return states, err
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
