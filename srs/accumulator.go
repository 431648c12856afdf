package srs

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
)

// ErrShapeMismatch is returned when an update does not have the degree of the
// accumulated parameters.
var ErrShapeMismatch = errors.New("updated parameters do not match the accumulator shape")

// Update is anything carrying verified updated parameters, typically an
// accepted contribution.
type Update interface {
	UpdatedParameters() *Parameters
}

// Accumulator holds the current parameters of a ceremony. It performs no
// cryptographic checks: callers apply only updates that passed verification.
type Accumulator struct {
	sync.RWMutex
	current *Parameters
	hash    []byte
}

// NewAccumulator starts accumulating from the given parameters.
func NewAccumulator(initial *Parameters) *Accumulator {
	return &Accumulator{current: initial, hash: initial.Hash()}
}

// Current returns the current parameters. The value must not be modified.
func (a *Accumulator) Current() *Parameters {
	a.RLock()
	defer a.RUnlock()
	return a.current
}

// Hash returns the state hash of the current parameters.
func (a *Accumulator) Hash() []byte {
	a.RLock()
	defer a.RUnlock()
	return append([]byte(nil), a.hash...)
}

// State returns the current parameters together with their state hash, read
// atomically.
func (a *Accumulator) State() (*Parameters, []byte) {
	a.RLock()
	defer a.RUnlock()
	return a.current, append([]byte(nil), a.hash...)
}

// Apply installs the parameters of a verified update and returns them. The
// result is deterministic in the prior state and the update.
func (a *Accumulator) Apply(u Update) (*Parameters, error) {
	next := u.UpdatedParameters()
	if next == nil {
		return nil, ErrShapeMismatch
	}
	a.Lock()
	defer a.Unlock()
	if next.Degree != a.current.Degree || next.Len() != a.current.Len() {
		return nil, fmt.Errorf("%w: degree %d, want %d", ErrShapeMismatch, next.Degree, a.current.Degree)
	}
	a.current = next
	a.hash = next.Hash()
	return next, nil
}

// Matches returns true if hash is the state hash of the current parameters.
func (a *Accumulator) Matches(hash []byte) bool {
	a.RLock()
	defer a.RUnlock()
	return bytes.Equal(a.hash, hash)
}
