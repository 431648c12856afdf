// Package api holds the JSON packets exchanged between the ceremony HTTP
// server and its clients. Byte fields are hex encoded through hexjson.
package api

import (
	"bytes"
	"fmt"
	"time"

	"github.com/drand/ceremony/ceremony"
	"github.com/drand/ceremony/contribution"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/key"
	"github.com/drand/ceremony/srs"
	"github.com/drand/ceremony/transcript"
)

// StartRequest carries the terms of a new ceremony.
type StartRequest struct {
	Degree          int    `json:"degree"`
	MinParticipants int    `json:"min_participants"`
	MaxDuration     string `json:"max_duration,omitempty"`
	Admission       string `json:"admission,omitempty"`
	Ordering        string `json:"ordering,omitempty"`
}

// Terms parses the request. Empty policies select the defaults.
func (r *StartRequest) Terms() (ceremony.Terms, error) {
	t := ceremony.Terms{Degree: r.Degree, MinParticipants: r.MinParticipants}
	if r.MaxDuration != "" {
		d, err := time.ParseDuration(r.MaxDuration)
		if err != nil {
			return t, fmt.Errorf("max duration: %w", err)
		}
		t.MaxDuration = d
	}
	if r.Admission != "" {
		a, err := ceremony.ParseAdmissionPolicy(r.Admission)
		if err != nil {
			return t, err
		}
		t.Admission = a
	}
	if r.Ordering != "" {
		o, err := ceremony.ParseOrderingPolicy(r.Ordering)
		if err != nil {
			return t, err
		}
		t.Ordering = o
	}
	return t, t.Validate()
}

// NewStartRequest is the inverse of Terms.
func NewStartRequest(t ceremony.Terms) *StartRequest {
	r := &StartRequest{
		Degree:          t.Degree,
		MinParticipants: t.MinParticipants,
		Admission:       t.Admission.String(),
		Ordering:        t.Ordering.String(),
	}
	if t.MaxDuration > 0 {
		r.MaxDuration = t.MaxDuration.String()
	}
	return r
}

// IdentityPacket is a self-signed participant identity.
type IdentityPacket struct {
	Key       []byte `json:"key"`
	Name      string `json:"name"`
	Signature []byte `json:"signature"`
}

// NewIdentityPacket encodes id.
func NewIdentityPacket(id *key.Identity) *IdentityPacket {
	return &IdentityPacket{Key: id.KeyBytes(), Name: id.Name, Signature: id.Signature}
}

// Identity decodes the packet. The self-signature is not checked.
func (p *IdentityPacket) Identity(sch *crypto.Scheme) (*key.Identity, error) {
	return key.IdentityFromBytes(sch, p.Name, p.Key, p.Signature)
}

// StatePacket is the public view of a ceremony.
type StatePacket struct {
	ID              string            `json:"id"`
	Scheme          string            `json:"scheme"`
	Status          string            `json:"status"`
	Terms           *StartRequest     `json:"terms"`
	StartTime       int64             `json:"start_time,omitempty"`
	Deadline        int64             `json:"deadline,omitempty"`
	Participants    []*IdentityPacket `json:"participants"`
	Contributions   int               `json:"contributions"`
	Closed          bool              `json:"closed,omitempty"`
	NextContributor *IdentityPacket   `json:"next_contributor,omitempty"`
	ParametersHash  []byte            `json:"parameters_hash"`
	Digest          string            `json:"digest,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
}

// NewStatePacket encodes a ceremony state. next and params may be nil.
func NewStatePacket(s *ceremony.State, next *key.Identity, params *srs.Parameters) *StatePacket {
	p := &StatePacket{
		ID:            s.ID,
		Scheme:        s.SchemeID,
		Status:        s.Status.String(),
		Terms:         NewStartRequest(s.Terms),
		Participants:  make([]*IdentityPacket, len(s.Participants)),
		Contributions: s.Contributions,
		Closed:        s.Closed,
		Digest:        s.Digest,
		FailureReason: s.FailureReason,
	}
	if !s.StartTime.IsZero() {
		p.StartTime = s.StartTime.Unix()
	}
	if d, ok := s.Deadline(); ok {
		p.Deadline = d.Unix()
	}
	for i, id := range s.Participants {
		p.Participants[i] = NewIdentityPacket(id)
	}
	if next != nil {
		p.NextContributor = NewIdentityPacket(next)
	}
	if params != nil {
		p.ParametersHash = params.Hash()
	}
	return p
}

// SubmitResponse acknowledges an accepted contribution.
type SubmitResponse struct {
	Seq      uint64 `json:"seq"`
	PostHash []byte `json:"post_hash"`
}

// FinalizeResponse describes the final parameters.
type FinalizeResponse struct {
	ParametersHash []byte `json:"parameters_hash"`
	Digest         string `json:"digest"`
}

// AbortRequest carries the reason recorded in the failed state.
type AbortRequest struct {
	Reason string `json:"reason"`
}

// EntryPacket is one transcript entry.
type EntryPacket struct {
	Seq          uint64               `json:"seq"`
	PreHash      []byte               `json:"pre_hash"`
	PostHash     []byte               `json:"post_hash"`
	Contribution *contribution.Packet `json:"contribution"`
}

// TranscriptPacket is the full transcript with the genesis parameters it
// starts from.
type TranscriptPacket struct {
	CeremonyID string         `json:"ceremony_id"`
	Scheme     string         `json:"scheme"`
	Genesis    []byte         `json:"genesis"`
	Entries    []*EntryPacket `json:"entries"`
	Digest     string         `json:"digest"`
}

// NewTranscriptPacket encodes the transcript of ceremony id.
func NewTranscriptPacket(id string, log *transcript.Log) (*TranscriptPacket, error) {
	genesis := log.Genesis()
	buff, err := genesis.MarshalBinary()
	if err != nil {
		return nil, err
	}
	entries := log.Entries()
	p := &TranscriptPacket{
		CeremonyID: id,
		Scheme:     genesis.Scheme().Name,
		Genesis:    buff,
		Entries:    make([]*EntryPacket, len(entries)),
		Digest:     log.Digest(),
	}
	for i, e := range entries {
		c, err := e.Contribution.ToPacket()
		if err != nil {
			return nil, err
		}
		p.Entries[i] = &EntryPacket{Seq: e.Seq, PreHash: e.PreHash, PostHash: e.PostHash, Contribution: c}
	}
	return p, nil
}

// Decode returns the genesis parameters and the entries. Entry hashes are
// recomputed from the contributions; a mismatch with the advertised hashes is
// an error.
func (p *TranscriptPacket) Decode() (*srs.Parameters, []*transcript.Entry, error) {
	sch, err := crypto.SchemeFromName(p.Scheme)
	if err != nil {
		return nil, nil, err
	}
	genesis, err := srs.UnmarshalParameters(sch, p.Genesis)
	if err != nil {
		return nil, nil, fmt.Errorf("genesis: %w", err)
	}
	entries := make([]*transcript.Entry, len(p.Entries))
	for i, ep := range p.Entries {
		c, err := contribution.FromPacket(sch, ep.Contribution)
		if err != nil {
			return nil, nil, fmt.Errorf("entry %d: %w", ep.Seq, err)
		}
		e := transcript.NewEntry(ep.Seq, c)
		if !bytes.Equal(e.PostHash, ep.PostHash) || !bytes.Equal(e.PreHash, ep.PreHash) {
			return nil, nil, fmt.Errorf("entry %d: hashes do not match its contribution", ep.Seq)
		}
		entries[i] = e
	}
	return genesis, entries, nil
}

// ErrorPacket is the body of every non 2xx response.
type ErrorPacket struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
