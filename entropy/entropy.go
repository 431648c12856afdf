// Package entropy gathers randomness from several independent sources and
// combines it into the secret scalar of a single contribution.
package entropy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drand/kyber"
	"golang.org/x/crypto/blake2b"

	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/metrics"
)

const (
	// DefaultFloorBits is the minimum combined min-entropy estimate.
	DefaultFloorBits = 256
	// DefaultMinSources is the minimum number of sources that must respond.
	DefaultMinSources = 2
	// DefaultSourceTimeout bounds the time spent polling a single source.
	DefaultSourceTimeout = 5 * time.Second
	// DefaultSampleSize is the number of bytes requested from each source.
	DefaultSampleSize = 64
)

const combineDomain = "ceremony-entropy-v1"

// ErrInsufficientSources means fewer sources than required answered in time.
var ErrInsufficientSources = errors.New("not enough entropy sources responded")

// ErrBelowFloor means the combined min-entropy estimate is under the floor.
var ErrBelowFloor = errors.New("combined entropy estimate below floor")

// EntropyError is returned when a secret cannot be collected. It is fatal to
// the contribution attempt only; the participant may retry.
type EntropyError struct {
	Responded int
	Required  int
	Bits      float64
	Floor     float64
	Failures  map[string]error
	cause     error
}

func (e *EntropyError) Error() string {
	var failed []string
	for name, err := range e.Failures {
		failed = append(failed, fmt.Sprintf("%s: %v", name, err))
	}
	sort.Strings(failed)
	msg := fmt.Sprintf("entropy: %v (sources %d/%d, estimate %.0f/%.0f bits)",
		e.cause, e.Responded, e.Required, e.Bits, e.Floor)
	if len(failed) > 0 {
		msg += " [" + strings.Join(failed, "; ") + "]"
	}
	return msg
}

func (e *EntropyError) Unwrap() error {
	return e.cause
}

// Config holds the collector thresholds.
type Config struct {
	FloorBits     float64
	MinSources    int
	SourceTimeout time.Duration
	SampleSize    int
}

// DefaultConfig returns the default collector thresholds.
func DefaultConfig() Config {
	return Config{
		FloorBits:     DefaultFloorBits,
		MinSources:    DefaultMinSources,
		SourceTimeout: DefaultSourceTimeout,
		SampleSize:    DefaultSampleSize,
	}
}

// Collector polls its sources in parallel and hashes their samples together.
type Collector struct {
	conf    Config
	sources []Source
	log     log.Logger
}

// NewCollector returns a collector over the given sources. Zero values in
// conf are replaced by the defaults.
func NewCollector(l log.Logger, conf Config, sources ...Source) *Collector {
	def := DefaultConfig()
	if conf.FloorBits <= 0 {
		conf.FloorBits = def.FloorBits
	}
	if conf.MinSources <= 0 {
		conf.MinSources = def.MinSources
	}
	if conf.SourceTimeout <= 0 {
		conf.SourceTimeout = def.SourceTimeout
	}
	if conf.SampleSize <= 0 {
		conf.SampleSize = def.SampleSize
	}
	return &Collector{conf: conf, sources: sources, log: l.Named("entropy")}
}

type sample struct {
	name string
	data []byte
	bits float64
	err  error
}

// Collect polls every source and returns the combined secret. It fails
// rather than degrade when too few sources answer or the estimate is too low.
func (c *Collector) Collect(ctx context.Context) (*Secret, error) {
	samples := make([]sample, len(c.sources))
	var wg sync.WaitGroup
	for i, src := range c.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, c.conf.SourceTimeout)
			defer cancel()
			data, err := src.Read(sctx, c.conf.SampleSize)
			if err == nil && len(data) != c.conf.SampleSize {
				err = fmt.Errorf("short read: %d of %d bytes", len(data), c.conf.SampleSize)
			}
			samples[i] = sample{name: src.Name(), data: data, err: err}
			if err == nil {
				samples[i].bits = estimate(src.EntropyPerByte(), len(data))
			}
		}(i, src)
	}
	wg.Wait()

	failures := make(map[string]error)
	responded := 0
	var bits float64
	for _, s := range samples {
		if s.err != nil {
			failures[s.name] = s.err
			continue
		}
		responded++
		bits += s.bits
	}
	// the output is a 512 bit digest, more cannot be claimed
	if bits > 8*blake2b.Size {
		bits = 8 * blake2b.Size
	}

	entErr := &EntropyError{
		Responded: responded,
		Required:  c.conf.MinSources,
		Bits:      bits,
		Floor:     c.conf.FloorBits,
		Failures:  failures,
	}
	switch {
	case responded < c.conf.MinSources:
		entErr.cause = ErrInsufficientSources
	case bits < c.conf.FloorBits:
		entErr.cause = ErrBelowFloor
	}
	if entErr.cause != nil {
		wipeSamples(samples)
		metrics.EntropyCollections.WithLabelValues("failed").Inc()
		c.log.Warnw("entropy collection failed", "responded", responded, "required", c.conf.MinSources,
			"bits", bits, "floor", c.conf.FloorBits)
		return nil, entErr
	}

	h, _ := blake2b.New512(nil)
	_, _ = h.Write([]byte(combineDomain))
	var lenBuf [4]byte
	for _, s := range samples {
		if s.err != nil {
			continue
		}
		for _, chunk := range [][]byte{[]byte(s.name), s.data} {
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(chunk)))
			_, _ = h.Write(lenBuf[:])
			_, _ = h.Write(chunk)
		}
	}
	secret := &Secret{}
	copy(secret.seed[:], h.Sum(nil))
	wipeSamples(samples)

	metrics.EntropyCollections.WithLabelValues("ok").Inc()
	c.log.Debugw("entropy collected", "responded", responded, "bits", bits)
	return secret, nil
}

func estimate(perByte float64, n int) float64 {
	if perByte < 0 {
		perByte = 0
	}
	if perByte > 8 {
		perByte = 8
	}
	return perByte * float64(n)
}

func wipeSamples(samples []sample) {
	for _, s := range samples {
		for i := range s.data {
			s.data[i] = 0
		}
	}
}

// ErrSecretConsumed is returned when a secret is used a second time.
var ErrSecretConsumed = errors.New("secret already consumed")

// Secret is a single-use contribution secret. The only way to reach the
// scalar is Use, which wipes the secret when the callback returns.
type Secret struct {
	mu       sync.Mutex
	seed     [blake2b.Size]byte
	consumed bool
}

// Use derives the secret scalar in group g, hands it to fn and zeroizes both
// the scalar and the seed afterwards, whatever fn returns.
func (s *Secret) Use(g kyber.Group, fn func(x kyber.Scalar) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumed {
		return ErrSecretConsumed
	}
	s.consumed = true

	x := g.Scalar().SetBytes(s.seed[:])
	defer func() {
		x.Zero()
		s.wipe()
	}()
	if x.Equal(g.Scalar().Zero()) || x.Equal(g.Scalar().One()) {
		return errors.New("degenerate secret scalar")
	}
	return fn(x)
}

// Destroy zeroizes a secret that will not be used.
func (s *Secret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed = true
	s.wipe()
}

func (s *Secret) wipe() {
	for i := range s.seed {
		s.seed[i] = 0
	}
}
