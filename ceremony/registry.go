package ceremony

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/drand/kyber"
	"github.com/google/uuid"

	"github.com/drand/ceremony/backup"
	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/transcript"
)

// Registry runs independent ceremonies side by side, keyed by ceremony ID.
type Registry struct {
	sync.RWMutex
	conf       *Config
	log        log.Logger
	ceremonies map[string]*Coordinator
}

// NewRegistry returns an empty registry whose ceremonies share conf.
func NewRegistry(conf *Config) *Registry {
	return &Registry{
		conf:       conf,
		log:        conf.logger.Named("registry"),
		ceremonies: make(map[string]*Coordinator),
	}
}

// Create registers a new Pending ceremony under a fresh ID.
func (r *Registry) Create(terms Terms) (*Coordinator, error) {
	c, err := New(uuid.NewString(), terms, r.conf)
	if err != nil {
		return nil, err
	}
	r.Lock()
	r.ceremonies[c.ID()] = c
	r.Unlock()
	return c, nil
}

// Start creates and starts a ceremony.
func (r *Registry) Start(ctx context.Context, terms Terms) (*Coordinator, error) {
	c, err := r.Create(terms)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the ceremony with the given ID.
func (r *Registry) Get(id string) (*Coordinator, error) {
	r.RLock()
	defer r.RUnlock()
	c, ok := r.ceremonies[id]
	if !ok {
		return nil, newError(UnknownCeremony, "%s", id)
	}
	return c, nil
}

// List returns the state of every registered ceremony, sorted by start time.
func (r *Registry) List() []*State {
	r.RLock()
	list := make([]*Coordinator, 0, len(r.ceremonies))
	for _, c := range r.ceremonies {
		list = append(list, c)
	}
	r.RUnlock()
	states := make([]*State, len(list))
	for i, c := range list {
		states[i] = c.Status()
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].StartTime.Equal(states[j].StartTime) {
			return states[i].ID < states[j].ID
		}
		return states[i].StartTime.Before(states[j].StartTime)
	})
	return states
}

// Remove tears a ceremony down. Its saved state and transcript stay on disk.
func (r *Registry) Remove(id string) error {
	r.Lock()
	c, ok := r.ceremonies[id]
	delete(r.ceremonies, id)
	r.Unlock()
	if !ok {
		return newError(UnknownCeremony, "%s", id)
	}
	return c.Close()
}

// Prune removes every ceremony in a terminal state and returns their IDs.
func (r *Registry) Prune() []string {
	var ids []string
	for _, s := range r.List() {
		if s.Status.Terminal() {
			if err := r.Remove(s.ID); err == nil {
				ids = append(ids, s.ID)
			}
		}
	}
	return ids
}

// Resume reloads a ceremony from its state and an optional snapshot.
func (r *Registry) Resume(state *State, snap *backup.Snapshot) (*Coordinator, error) {
	c, err := Resume(state, snap, r.conf)
	if err != nil {
		return nil, err
	}
	r.Lock()
	defer r.Unlock()
	if _, ok := r.ceremonies[state.ID]; ok {
		_ = c.Close()
		return nil, errors.New("ceremony already registered")
	}
	r.ceremonies[state.ID] = c
	return c, nil
}

// Recover resumes every non terminal ceremony of the store. With a recovery
// key the latest backup of each ceremony is used; otherwise the local
// transcript alone, which is also the fallback when the backup does not
// verify. Ceremonies whose local transcript does not verify are saved as
// Failed; those and any other ceremony that fails to resume are logged and
// skipped.
func (r *Registry) Recover(ctx context.Context, recovery kyber.Scalar) ([]string, error) {
	if r.conf.store == nil {
		return nil, nil
	}
	states, err := r.conf.store.List()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, state := range states {
		if state.Status.Terminal() {
			continue
		}
		var snap *backup.Snapshot
		if recovery != nil && r.conf.backups != nil {
			snap = r.latestSnapshot(ctx, state.ID, recovery)
		}
		_, err := r.Resume(state, snap)
		if errors.Is(err, ErrUnusableSnapshot) {
			r.log.Warnw("ignoring backup, resuming from the local transcript", "ceremony", state.ID, "err", err)
			_, err = r.Resume(state, nil)
		}
		if err != nil {
			var cerr *transcript.ChainError
			if errors.As(err, &cerr) && cerr.Report != nil {
				r.log.Errorw("transcript audit failed, ceremony marked failed", "ceremony", state.ID,
					"failed_seq", cerr.Report.FailedSeq, "valid_entries", cerr.Report.Entries,
					"participants", cerr.Report.Participants, "err", err)
				continue
			}
			r.log.Errorw("could not resume ceremony", "ceremony", state.ID, "err", err)
			continue
		}
		ids = append(ids, state.ID)
	}
	return ids, nil
}

func (r *Registry) latestSnapshot(ctx context.Context, id string, recovery kyber.Scalar) *backup.Snapshot {
	sys, err := r.conf.backups(id)
	if err != nil {
		r.log.Warnw("opening backups", "ceremony", id, "err", err)
		return nil
	}
	defer sys.Close()
	rec, err := sys.Latest(ctx)
	if err != nil {
		r.log.Warnw("no usable backup", "ceremony", id, "err", err)
		return nil
	}
	snap, err := backup.Open(r.conf.scheme, recovery, rec)
	if err != nil {
		r.log.Warnw("cannot open backup", "ceremony", id, "seq", rec.Seq, "err", err)
		return nil
	}
	return snap
}

// Close tears down every ceremony.
func (r *Registry) Close() {
	r.Lock()
	defer r.Unlock()
	for id, c := range r.ceremonies {
		if err := c.Close(); err != nil {
			r.log.Warnw("closing ceremony", "ceremony", id, "err", err)
		}
		delete(r.ceremonies, id)
	}
}
