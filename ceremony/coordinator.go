// Package ceremony drives powers of tau ceremonies: it admits participants,
// serializes their contributions, enforces the deadline and quorum rules and
// finalizes or fails each ceremony.
package ceremony

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/drand/ceremony/backup"
	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/contribution"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/key"
	"github.com/drand/ceremony/metrics"
	"github.com/drand/ceremony/srs"
	"github.com/drand/ceremony/transcript"
	"github.com/drand/ceremony/verifier"
)

// Coordinator owns one ceremony. Every operation that reads or changes the
// ceremony runs under mu, which doubles as the contribution lock: two
// contributions are never verified or applied concurrently.
type Coordinator struct {
	mu sync.Mutex

	conf   *Config
	log    log.Logger
	clock  clockwork.Clock
	scheme *crypto.Scheme

	state    *State
	verifier *verifier.Verifier
	acc      *srs.Accumulator
	chain    *transcript.Log
	backups  *backup.System
	report   *transcript.AuditReport

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a Pending ceremony.
func New(id string, terms Terms, conf *Config) (*Coordinator, error) {
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	state := &State{
		ID:       id,
		SchemeID: conf.scheme.Name,
		Status:   Pending,
		Terms:    terms,
	}
	c, err := newCoordinator(state, conf)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveLocked()
	return c, nil
}

func newCoordinator(state *State, conf *Config) (*Coordinator, error) {
	sch, err := crypto.GetSchemeByIDWithDefault(state.SchemeID)
	if err != nil {
		return nil, err
	}
	genesis, err := srs.New(sch, state.Terms.Degree)
	if err != nil {
		return nil, err
	}
	store, err := conf.transcriptStore(state.ID)
	if err != nil {
		return nil, err
	}
	chain, err := transcript.NewLog(genesis, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	c := &Coordinator{
		conf:     conf,
		log:      conf.logger.Named("ceremony").With("ceremony", state.ID),
		clock:    conf.clock,
		scheme:   sch,
		state:    state,
		verifier: verifier.New(sch),
		chain:    chain,
		done:     make(chan struct{}),
	}
	if conf.backups != nil {
		c.backups, err = conf.backups(state.ID)
		if err != nil {
			_ = chain.Close()
			return nil, fmt.Errorf("opening backups: %w", err)
		}
	}
	c.acc = srs.NewAccumulator(genesis)
	if n := chain.Len(); n > 0 {
		if _, err := c.acc.Apply(chain.Entries()[n-1].Contribution); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	state.Digest = chain.Digest()
	if state.Status.Terminal() {
		c.doneOnce.Do(func() { close(c.done) })
	}
	metrics.CeremonyStatus.WithLabelValues(state.ID).Set(float64(state.Status))
	return c, nil
}

// ID returns the ceremony identifier.
func (c *Coordinator) ID() string {
	return c.state.ID
}

// Scheme returns the pairing scheme of the ceremony.
func (c *Coordinator) Scheme() *crypto.Scheme {
	return c.scheme
}

// Start moves a Pending ceremony to Active and arms the deadline.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !isValidStateChange(c.state.Status, Active) {
		return InvalidStateChange(c.state.Status, Active)
	}
	c.state.StartTime = c.clock.Now().UTC()
	c.transitionLocked(Active, "")
	c.armDeadlineLocked()
	c.log.Infow("ceremony started", "degree", c.state.Terms.Degree,
		"min_participants", c.state.Terms.MinParticipants, "max_duration", c.state.Terms.MaxDuration)
	return nil
}

func (c *Coordinator) armDeadlineLocked() {
	deadline, ok := c.state.Deadline()
	if !ok {
		return
	}
	go c.watchDeadline(deadline.Sub(c.clock.Now()))
}

// watchDeadline evaluates the deadline when it passes. It takes the
// contribution lock, so an in-flight contribution always completes first.
func (c *Coordinator) watchDeadline(d time.Duration) {
	if d < 0 {
		d = 0
	}
	select {
	case <-c.clock.After(d):
		c.mu.Lock()
		c.checkDeadlineLocked()
		c.mu.Unlock()
	case <-c.done:
	}
}

// checkDeadlineLocked fails the ceremony, or closes it to new work when the
// quorum is reached, once the deadline passed.
func (c *Coordinator) checkDeadlineLocked() {
	if c.state.Status != Active || c.state.Closed {
		return
	}
	deadline, ok := c.state.Deadline()
	if !ok || c.clock.Now().Before(deadline) {
		return
	}
	if !c.state.QuorumReached() {
		c.transitionLocked(Failed, fmt.Sprintf("max duration elapsed with %d of %d contributions",
			c.state.Contributions, c.state.Terms.MinParticipants))
		return
	}
	c.state.Closed = true
	c.log.Infow("deadline passed with quorum, waiting for finalize", "contributions", c.state.Contributions)
	c.saveLocked()
}

func (c *Coordinator) acceptingLocked() error {
	c.checkDeadlineLocked()
	if c.state.Status != Active {
		return newError(NotAccepting, "ceremony is %s", c.state.Status)
	}
	if c.state.Closed {
		return newError(NotAccepting, "deadline passed, ceremony awaits finalize")
	}
	return nil
}

// Admit adds a participant. Admission order is the contribution order under
// the Scheduled policy.
func (c *Coordinator) Admit(id *key.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.acceptingLocked(); err != nil {
		return err
	}
	if id == nil || id.ValidSignature() != nil {
		return newError(InvalidIdentity, "identity self signature does not verify")
	}
	if c.state.admitted(id) {
		return newError(AlreadyAdmitted, "%s", id)
	}
	if c.state.Terms.Admission == CloseAtQuorum && c.state.QuorumReached() {
		return newError(AdmissionClosed, "quorum of %d reached", c.state.Terms.MinParticipants)
	}
	c.state.Participants = append(c.state.Participants, id)
	c.saveLocked()
	c.log.Infow("participant admitted", "participant", id.Name, "position", len(c.state.Participants))
	return nil
}

// contributedLocked reports whether the key is in the transcript.
func (c *Coordinator) contributedLocked(id *key.Identity) bool {
	return c.chain.Contains(id.KeyBytes())
}

// NextContributor returns the participant expected next under the Scheduled
// policy, or nil when every admitted participant contributed.
func (c *Coordinator) NextContributor() *key.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextLocked()
}

func (c *Coordinator) nextLocked() *key.Identity {
	for _, p := range c.state.Participants {
		if !c.contributedLocked(p) {
			return p
		}
	}
	return nil
}

// Submit verifies and applies a contribution, then logs it and starts a
// backup. It returns the transcript sequence number of the contribution and
// the new state hash.
func (c *Coordinator) Submit(ctx context.Context, contrib *contribution.Contribution) (uint64, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.acceptingLocked(); err != nil {
		return 0, nil, err
	}
	if contrib == nil || contrib.Participant == nil {
		return 0, nil, c.reject(&verifier.VerificationError{Kind: verifier.InvalidProof, Reason: "empty contribution"})
	}
	if !c.state.admitted(contrib.Participant) {
		return 0, nil, newError(NotAdmitted, "%s", contrib.Participant)
	}
	// a key that already contributed falls through to the verifier, which
	// reports the replay
	if c.state.Terms.Ordering == Scheduled && !c.contributedLocked(contrib.Participant) {
		if next := c.nextLocked(); next != nil && !next.Equal(contrib.Participant) {
			return 0, nil, newError(NotYourTurn, "waiting for %s", next.Name)
		}
	}

	prev := c.acc.Current()
	start := time.Now()
	err := c.verifier.Verify(prev, c.chain.LastHash(), contrib, c.chain)
	metrics.VerificationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, nil, c.reject(err)
	}

	next, err := c.acc.Apply(contrib)
	if err != nil {
		c.transitionLocked(Failed, "accumulator rejected a verified contribution: "+err.Error())
		return 0, nil, err
	}
	entry := transcript.NewEntry(uint64(c.chain.Len())+1, contrib)
	if err := c.chain.Append(entry); err != nil {
		c.transitionLocked(Failed, "transcript append failed: "+err.Error())
		return 0, nil, err
	}
	c.state.Contributions++
	c.state.Digest = c.chain.Digest()
	c.saveLocked()
	metrics.ContributionsAccepted.WithLabelValues(c.state.ID).Inc()
	c.log.Infow("contribution accepted", "participant", contrib.Participant.Name,
		"seq", entry.Seq, "state", next.Digest())

	if c.backups != nil {
		c.backups.Go(context.Background(), c.snapshotLocked())
	}
	return entry.Seq, next.Hash(), nil
}

func (c *Coordinator) reject(err error) error {
	reason := "other"
	var verr *verifier.VerificationError
	if errors.As(err, &verr) {
		reason = verr.Kind.String()
	}
	metrics.ContributionsRejected.WithLabelValues(c.state.ID, reason).Inc()
	c.log.Warnw("contribution rejected", "reason", reason, "err", err)
	return err
}

// Finalize completes the ceremony and returns the final parameters.
func (c *Coordinator) Finalize(ctx context.Context) (*srs.Parameters, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkDeadlineLocked()
	if c.state.Status != Active {
		return nil, newError(NotAccepting, "ceremony is %s", c.state.Status)
	}
	if !c.state.QuorumReached() {
		return nil, newError(InsufficientParticipants, "%d of %d contributions",
			c.state.Contributions, c.state.Terms.MinParticipants)
	}
	c.transitionLocked(Completed, "")
	final := c.acc.Current()
	c.log.Infow("ceremony completed", "contributions", c.state.Contributions,
		"parameters", final.Digest(), "transcript", c.state.Digest)
	return final, nil
}

// Abort fails the ceremony.
func (c *Coordinator) Abort(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !isValidStateChange(c.state.Status, Failed) {
		return InvalidStateChange(c.state.Status, Failed)
	}
	c.transitionLocked(Failed, "aborted: "+reason)
	return nil
}

func (c *Coordinator) transitionLocked(to Status, reason string) {
	from := c.state.Status
	c.state.Status = to
	if reason != "" {
		c.state.FailureReason = reason
	}
	metrics.CeremonyStatus.WithLabelValues(c.state.ID).Set(float64(to))
	if to == Failed {
		c.log.Errorw("ceremony failed", "from", from, "reason", reason)
	}
	c.saveLocked()
	if to.Terminal() {
		c.doneOnce.Do(func() { close(c.done) })
	}
}

func (c *Coordinator) saveLocked() {
	if c.conf.store == nil {
		return
	}
	if err := c.conf.store.Save(c.state); err != nil {
		c.log.Errorw("saving ceremony state", "err", err)
	}
}

func (c *Coordinator) snapshotLocked() *backup.Snapshot {
	return &backup.Snapshot{
		CeremonyID: c.state.ID,
		Genesis:    c.chain.Genesis(),
		Entries:    c.chain.Entries(),
	}
}

// Status returns a copy of the ceremony state, after evaluating the deadline.
func (c *Coordinator) Status() *State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkDeadlineLocked()
	return c.state.Clone()
}

// Parameters returns the current parameters.
func (c *Coordinator) Parameters() *srs.Parameters {
	return c.acc.Current()
}

// CurrentParameters returns the current parameters and their state hash,
// which is kept alongside so callers never encode the parameters to get it.
func (c *Coordinator) CurrentParameters() (*srs.Parameters, []byte) {
	return c.acc.State()
}

// Transcript returns the ceremony transcript, read-only for callers.
func (c *Coordinator) Transcript() *transcript.Log {
	return c.chain
}

// Snapshot returns the content of a backup of the current state.
func (c *Coordinator) Snapshot() *backup.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Audit replays the transcript. A broken chain fails the ceremony.
func (c *Coordinator) Audit() (*transcript.AuditReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	report, err := c.chain.VerifyChain(c.verifier)
	c.report = report
	if err != nil {
		c.failAuditLocked(err)
	}
	return report, err
}

func (c *Coordinator) failAuditLocked(err error) {
	if c.state.Status.Terminal() {
		return
	}
	c.transitionLocked(Failed, auditFailure(err))
}

func auditFailure(err error) string {
	var cerr *transcript.ChainError
	if errors.As(err, &cerr) {
		return fmt.Sprintf("transcript audit failed at entry %d: %v", cerr.Seq, err)
	}
	return "transcript audit failed: " + err.Error()
}

// LastAudit returns the report of the last audit, nil if none ran.
func (c *Coordinator) LastAudit() *transcript.AuditReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

// Done is closed when the ceremony reaches a terminal state.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Close releases the transcript file and backup locations. The ceremony
// state is left as is. Pending backups are waited for without holding the
// ceremony lock; each location write is bounded by the backup write timeout.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.doneOnce.Do(func() { close(c.done) })
	backups := c.backups
	c.mu.Unlock()
	if backups != nil {
		if err := backups.Close(); err != nil {
			c.log.Warnw("closing backups", "err", err)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chain.Close()
}

// ErrUnusableSnapshot is returned by Resume when the backup snapshot does not
// verify on its own or disagrees with the local transcript. Nothing of the
// snapshot was written and the ceremony can be resumed without it.
var ErrUnusableSnapshot = errors.New("unusable backup snapshot")

// Resume rebuilds a ceremony from its saved state and, when given, a backup
// snapshot. The snapshot is audited from genesis before anything of it is
// written locally, then only the verified entries the local transcript lacks
// are appended. A local transcript that does not verify fails the ceremony:
// the Failed state is saved and the returned ChainError carries the report.
func Resume(state *State, snap *backup.Snapshot, conf *Config) (*Coordinator, error) {
	var snapReport *transcript.AuditReport
	if snap != nil {
		var err error
		if snapReport, err = auditSnapshot(state, snap); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnusableSnapshot, err)
		}
	}
	c, err := newCoordinator(state.Clone(), conf)
	if err != nil {
		if errors.Is(err, transcript.ErrBrokenChain) {
			saveFailed(conf, state, err)
		}
		return nil, err
	}

	c.mu.Lock()
	report, err := c.chain.VerifyChain(c.verifier)
	c.report = report
	if err != nil {
		c.failAuditLocked(err)
		c.mu.Unlock()
		_ = c.Close()
		return nil, err
	}
	if snap != nil {
		if err := c.extendLocked(snap.Entries); err != nil {
			c.mu.Unlock()
			_ = c.Close()
			return nil, fmt.Errorf("%w: %w", ErrUnusableSnapshot, err)
		}
		if snapReport.Entries > report.Entries {
			c.report = snapReport
		}
	}
	defer c.mu.Unlock()
	c.state.Contributions = c.report.Entries
	c.state.Digest = c.chain.Digest()
	c.saveLocked()
	if c.state.Status == Active {
		c.armDeadlineLocked()
	}
	c.log.Infow("ceremony resumed", "status", c.state.Status, "contributions", c.report.Entries,
		"transcript", c.state.Digest, "from_backup", c.report == snapReport)
	return c, nil
}

// auditSnapshot replays a backup snapshot from the genesis of the ceremony.
func auditSnapshot(state *State, snap *backup.Snapshot) (*transcript.AuditReport, error) {
	if snap.CeremonyID != state.ID {
		return nil, fmt.Errorf("snapshot of ceremony %s cannot resume %s", snap.CeremonyID, state.ID)
	}
	sch, err := crypto.GetSchemeByIDWithDefault(state.SchemeID)
	if err != nil {
		return nil, err
	}
	genesis, err := srs.New(sch, state.Terms.Degree)
	if err != nil {
		return nil, err
	}
	if snap.Genesis != nil && !snap.Genesis.Equal(genesis) {
		return nil, fmt.Errorf("snapshot genesis does not match a degree %d ceremony", state.Terms.Degree)
	}
	return transcript.Audit(verifier.New(sch), genesis, snap.Entries)
}

// extendLocked appends the audited snapshot entries the local transcript
// lacks. Entries present on both sides must be identical.
func (c *Coordinator) extendLocked(entries []*transcript.Entry) error {
	local := c.chain.Entries()
	shared := len(local)
	if len(entries) < shared {
		shared = len(entries)
	}
	for i := 0; i < shared; i++ {
		if !bytes.Equal(local[i].Hash(c.scheme), entries[i].Hash(c.scheme)) {
			return &transcript.ChainError{Seq: local[i].Seq, Reason: "local transcript diverges from the backup"}
		}
	}
	if len(entries) == shared {
		return nil
	}
	for _, e := range entries[shared:] {
		if err := c.chain.Append(e); err != nil {
			return err
		}
	}
	_, err := c.acc.Apply(entries[len(entries)-1].Contribution)
	return err
}

// saveFailed records a ceremony whose transcript cannot be loaded as Failed.
func saveFailed(conf *Config, state *State, err error) {
	if conf.store == nil || state.Status.Terminal() {
		return
	}
	failed := state.Clone()
	failed.Status = Failed
	failed.FailureReason = auditFailure(err)
	metrics.CeremonyStatus.WithLabelValues(state.ID).Set(float64(Failed))
	if serr := conf.store.Save(failed); serr != nil {
		conf.logger.Errorw("saving failed ceremony state", "ceremony", state.ID, "err", serr)
	}
}
