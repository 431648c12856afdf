// Package transcript holds the append-only, hash-chained record of every
// accepted contribution and the audit that replays it.
package transcript

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/srs"
	"github.com/drand/ceremony/verifier"
)

var (
	// ErrBrokenChain matches every ChainError with errors.Is.
	ErrBrokenChain = errors.New("transcript chain broken")
	// ErrCorruptRecord is returned when a transcript file cannot be framed.
	ErrCorruptRecord = errors.New("corrupt transcript record")
)

// ChainError reports the first entry that does not extend the chain. Report
// is set when the error comes from an audit and covers the valid prefix.
type ChainError struct {
	Seq    uint64
	Reason string
	Cause  error
	Report *AuditReport
}

func (e *ChainError) Error() string {
	msg := fmt.Sprintf("transcript entry %d: %s", e.Seq, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ChainError) Unwrap() error { return e.Cause }

func (e *ChainError) Is(target error) bool { return target == ErrBrokenChain }

// Store persists entries. Implementations are append-only.
type Store interface {
	Append(e *Entry) error
	Entries() ([]*Entry, error)
	Close() error
}

// Log is the transcript of one ceremony.
type Log struct {
	sync.RWMutex
	scheme      *crypto.Scheme
	genesis     *srs.Parameters
	genesisHash []byte
	entries     []*Entry
	head        []byte
	store       Store
}

// NewLog opens the transcript starting at genesis. Entries already in the
// store are loaded and their linkage is checked; run VerifyChain for the full
// audit.
func NewLog(genesis *srs.Parameters, store Store) (*Log, error) {
	if store == nil {
		store = NewMemStore()
	}
	l := &Log{
		scheme:      genesis.Scheme(),
		genesis:     genesis,
		genesisHash: genesis.Hash(),
		store:       store,
	}
	l.head = l.genesisHash
	stored, err := store.Entries()
	if err != nil {
		return nil, fmt.Errorf("loading transcript: %w", err)
	}
	for _, e := range stored {
		if err := l.link(e); err != nil {
			return nil, err
		}
		l.entries = append(l.entries, e)
		l.head = l.nextHead(e)
	}
	return l, nil
}

// link checks e extends the current chain tip.
func (l *Log) link(e *Entry) error {
	want := uint64(len(l.entries)) + 1
	if e.Seq != want {
		return &ChainError{Seq: e.Seq, Reason: fmt.Sprintf("expected sequence number %d", want)}
	}
	if !bytes.Equal(e.PreHash, l.lastPostHash()) {
		return &ChainError{Seq: e.Seq, Reason: "pre-state hash does not match the previous post-state hash"}
	}
	return nil
}

func (l *Log) lastPostHash() []byte {
	if len(l.entries) == 0 {
		return l.genesisHash
	}
	return l.entries[len(l.entries)-1].PostHash
}

func (l *Log) nextHead(e *Entry) []byte {
	return l.scheme.Hash(l.head, e.Hash(l.scheme))
}

// Append adds e at the end of the log. Nothing is written when e does not
// extend the chain.
func (l *Log) Append(e *Entry) error {
	l.Lock()
	defer l.Unlock()
	if err := l.link(e); err != nil {
		return err
	}
	if err := l.store.Append(e); err != nil {
		return &ChainError{Seq: e.Seq, Reason: "persisting entry", Cause: err}
	}
	l.entries = append(l.entries, e)
	l.head = l.nextHead(e)
	return nil
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.RLock()
	defer l.RUnlock()
	return len(l.entries)
}

// LastHash returns the post-state hash of the last entry, or the genesis hash
// for an empty log.
func (l *Log) LastHash() []byte {
	l.RLock()
	defer l.RUnlock()
	return l.lastPostHash()
}

// Entries returns a copy of the entry list.
func (l *Log) Entries() []*Entry {
	l.RLock()
	defer l.RUnlock()
	return append([]*Entry(nil), l.entries...)
}

// Genesis returns the parameters the chain starts from.
func (l *Log) Genesis() *srs.Parameters {
	return l.genesis
}

// Contains reports whether a participant key appears in the log. It lets the
// log serve as the verifier's replay set.
func (l *Log) Contains(participantKey []byte) bool {
	l.RLock()
	defer l.RUnlock()
	for _, e := range l.entries {
		if bytes.Equal(e.Contribution.ParticipantKey(), participantKey) {
			return true
		}
	}
	return false
}

// Head returns the running hash over genesis and every entry.
func (l *Log) Head() []byte {
	l.RLock()
	defer l.RUnlock()
	return l.head
}

// Digest returns the hex encoded head.
func (l *Log) Digest() string {
	return hex.EncodeToString(l.Head())
}

// Close closes the underlying store.
func (l *Log) Close() error {
	return l.store.Close()
}

// AuditReport summarizes a replay of the transcript.
type AuditReport struct {
	Entries      int
	Participants []string
	Final        *srs.Parameters
	Digest       string
	// FailedSeq is the first failing entry, zero when the chain is valid.
	FailedSeq uint64
}

// Valid reports whether the whole chain verified.
func (r *AuditReport) Valid() bool {
	return r.FailedSeq == 0
}

// VerifyChain replays the log from genesis, re-running the verifier on each
// entry against the reconstructed state. On failure the report still covers
// the valid prefix.
func (l *Log) VerifyChain(v *verifier.Verifier) (*AuditReport, error) {
	return Audit(v, l.genesis, l.Entries())
}

// Audit verifies a standalone list of entries starting at genesis.
func Audit(v *verifier.Verifier, genesis *srs.Parameters, entries []*Entry) (*AuditReport, error) {
	sch := genesis.Scheme()
	report := &AuditReport{Final: genesis}
	head := genesis.Hash()
	prev := genesis
	seen := verifier.Keys{}
	fail := func(e *Entry, reason string, cause error) (*AuditReport, error) {
		report.FailedSeq = e.Seq
		if report.FailedSeq == 0 {
			report.FailedSeq = uint64(report.Entries) + 1
		}
		report.Digest = hex.EncodeToString(head)
		return report, &ChainError{Seq: report.FailedSeq, Reason: reason, Cause: cause, Report: report}
	}
	for i, e := range entries {
		if e.Seq != uint64(i)+1 {
			return fail(e, fmt.Sprintf("expected sequence number %d", i+1), nil)
		}
		if err := VerifyEntry(v, prev, e, seen); err != nil {
			return fail(e, "entry does not verify", err)
		}
		seen.Add(e.Contribution.ParticipantKey())
		prev = e.Contribution.Parameters
		head = sch.Hash(head, e.Hash(sch))
		report.Entries++
		report.Participants = append(report.Participants, e.Participant().Name)
		report.Final = prev
	}
	report.Digest = hex.EncodeToString(head)
	return report, nil
}

// VerifyEntry checks a logged entry against the state it claims to extend.
func VerifyEntry(v *verifier.Verifier, prev *srs.Parameters, e *Entry, seen verifier.KeySet) error {
	c := e.Contribution
	if c == nil || c.Parameters == nil {
		return errors.New("entry without contribution")
	}
	if !bytes.Equal(e.PreHash, prev.Hash()) {
		return &verifier.VerificationError{Kind: verifier.StateMismatch, Reason: "pre-state hash does not match the rebuilt state"}
	}
	if !bytes.Equal(e.PostHash, c.PostHash()) {
		return &verifier.VerificationError{Kind: verifier.StateMismatch, Reason: "post-state hash does not match the logged parameters"}
	}
	return v.Verify(prev, e.PreHash, c, seen)
}
