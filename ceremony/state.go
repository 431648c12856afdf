package ceremony

import (
	"fmt"
	"time"

	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/key"
)

type Status uint32

const (
	// Pending is the state of a ceremony created but not yet started
	Pending Status = iota
	// Active means participants can be admitted and contributions are accepted
	Active
	// Completed means the ceremony was finalized with enough contributions; the
	// parameters are final
	Completed
	// Failed is reached when the deadline passed before quorum, when the
	// transcript could not be extended, or on abort
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Active:
		return "Active"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

func isValidStateChange(current, next Status) bool {
	switch current {
	case Pending:
		return next == Active || next == Failed
	case Active:
		return next == Completed || next == Failed
	}
	return false
}

// AdmissionPolicy decides whether participants are still admitted once the
// quorum of contributions is reached.
type AdmissionPolicy uint8

const (
	// AdmitUntilFinalize keeps admitting participants until finalize.
	AdmitUntilFinalize AdmissionPolicy = iota
	// CloseAtQuorum stops admissions once MinParticipants contributions were
	// accepted.
	CloseAtQuorum
)

func (a AdmissionPolicy) String() string {
	if a == CloseAtQuorum {
		return "close-at-quorum"
	}
	return "admit-until-finalize"
}

// ParseAdmissionPolicy is the inverse of AdmissionPolicy.String.
func ParseAdmissionPolicy(s string) (AdmissionPolicy, error) {
	switch s {
	case "", "admit-until-finalize":
		return AdmitUntilFinalize, nil
	case "close-at-quorum":
		return CloseAtQuorum, nil
	}
	return 0, fmt.Errorf("unknown admission policy %q", s)
}

// OrderingPolicy decides which admitted participant may contribute next.
type OrderingPolicy uint8

const (
	// FirstCome accepts a contribution from any admitted participant that has
	// not contributed yet; the contribution lock serializes them.
	FirstCome OrderingPolicy = iota
	// Scheduled only accepts a contribution from the earliest admitted
	// participant that has not contributed yet.
	Scheduled
)

func (o OrderingPolicy) String() string {
	if o == Scheduled {
		return "scheduled"
	}
	return "first-come"
}

// ParseOrderingPolicy is the inverse of OrderingPolicy.String.
func ParseOrderingPolicy(s string) (OrderingPolicy, error) {
	switch s {
	case "", "first-come":
		return FirstCome, nil
	case "scheduled":
		return Scheduled, nil
	}
	return 0, fmt.Errorf("unknown ordering policy %q", s)
}

// Terms are fixed when the ceremony is created.
type Terms struct {
	Degree          int
	MinParticipants int
	// MaxDuration is counted from Start; zero means no deadline.
	MaxDuration time.Duration
	Admission   AdmissionPolicy
	Ordering    OrderingPolicy
}

// Validate checks the terms can run a ceremony.
func (t Terms) Validate() error {
	if t.Degree < 1 {
		return fmt.Errorf("degree must be positive, got %d", t.Degree)
	}
	if t.MinParticipants < 1 {
		return fmt.Errorf("min participants must be positive, got %d", t.MinParticipants)
	}
	if t.MaxDuration < 0 {
		return fmt.Errorf("max duration cannot be negative")
	}
	return nil
}

// State is the persisted view of a ceremony.
// !!! if you add a field, add it to StateTOML and to the TOML()/FromTOML()
// functions too !!!
type State struct {
	ID        string
	SchemeID  string
	Status    Status
	Terms     Terms
	StartTime time.Time
	// Participants in admission order, never reordered
	Participants []*key.Identity
	// Contributions is the number of accepted contributions
	Contributions int
	// Closed is set once the deadline passed with quorum reached: only
	// finalize remains possible.
	Closed        bool
	Digest        string
	FailureReason string
}

// Deadline returns the time after which no contribution is accepted, and
// false when the ceremony has no deadline or did not start.
func (s *State) Deadline() (time.Time, bool) {
	if s.Terms.MaxDuration == 0 || s.StartTime.IsZero() {
		return time.Time{}, false
	}
	return s.StartTime.Add(s.Terms.MaxDuration), true
}

// QuorumReached reports whether enough contributions were accepted to
// finalize.
func (s *State) QuorumReached() bool {
	return s.Contributions >= s.Terms.MinParticipants
}

func (s *State) admitted(id *key.Identity) bool {
	for _, p := range s.Participants {
		if p.Equal(id) {
			return true
		}
	}
	return false
}

// Clone returns a copy safe to hand out.
func (s *State) Clone() *State {
	c := *s
	c.Participants = append([]*key.Identity(nil), s.Participants...)
	return &c
}

// StateTOML is the TOML encoding of a State.
type StateTOML struct {
	ID              string
	SchemeID        string
	Status          Status
	Degree          int
	MinParticipants int
	MaxDuration     time.Duration
	Admission       string
	Ordering        string
	StartTime       time.Time
	Participants    []*key.PublicTOML
	Contributions   int
	Closed          bool
	Digest          string
	FailureReason   string
}

func (s *State) TOML() *StateTOML {
	participants := make([]*key.PublicTOML, len(s.Participants))
	for i, p := range s.Participants {
		participants[i] = p.TOML().(*key.PublicTOML)
	}
	return &StateTOML{
		ID:              s.ID,
		SchemeID:        s.SchemeID,
		Status:          s.Status,
		Degree:          s.Terms.Degree,
		MinParticipants: s.Terms.MinParticipants,
		MaxDuration:     s.Terms.MaxDuration,
		Admission:       s.Terms.Admission.String(),
		Ordering:        s.Terms.Ordering.String(),
		StartTime:       s.StartTime,
		Participants:    participants,
		Contributions:   s.Contributions,
		Closed:          s.Closed,
		Digest:          s.Digest,
		FailureReason:   s.FailureReason,
	}
}

func (t *StateTOML) FromTOML() (*State, error) {
	if _, err := crypto.GetSchemeByIDWithDefault(t.SchemeID); err != nil {
		return nil, err
	}
	admission, err := ParseAdmissionPolicy(t.Admission)
	if err != nil {
		return nil, err
	}
	ordering, err := ParseOrderingPolicy(t.Ordering)
	if err != nil {
		return nil, err
	}
	participants := make([]*key.Identity, len(t.Participants))
	for i, p := range t.Participants {
		id := new(key.Identity)
		if err := id.FromTOML(p); err != nil {
			return nil, fmt.Errorf("participant %d: %w", i, err)
		}
		participants[i] = id
	}
	return &State{
		ID:       t.ID,
		SchemeID: t.SchemeID,
		Status:   t.Status,
		Terms: Terms{
			Degree:          t.Degree,
			MinParticipants: t.MinParticipants,
			MaxDuration:     t.MaxDuration,
			Admission:       admission,
			Ordering:        ordering,
		},
		StartTime:     t.StartTime,
		Participants:  participants,
		Contributions: t.Contributions,
		Closed:        t.Closed,
		Digest:        t.Digest,
		FailureReason: t.FailureReason,
	}, nil
}
