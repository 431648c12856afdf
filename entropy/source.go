package entropy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Source is one independent origin of randomness. EntropyPerByte is the
// min-entropy estimate, in bits, of each byte returned by Read.
type Source interface {
	Name() string
	Read(ctx context.Context, n int) ([]byte, error)
	EntropyPerByte() float64
}

// GetRandom reads n bytes from crypto/rand. It is meant for nonces and
// other public randomness, never for contribution secrets.
func GetRandom(n uint32) ([]byte, error) {
	randomBytes := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, randomBytes); err != nil {
		return nil, err
	}
	return randomBytes, nil
}

// OSSource reads from the operating system CSPRNG.
type OSSource struct{}

// Name implements Source
func (OSSource) Name() string { return "os" }

// EntropyPerByte implements Source
func (OSSource) EntropyPerByte() float64 { return 8 }

// Read implements Source
func (OSSource) Read(ctx context.Context, n int) ([]byte, error) {
	return readWithContext(ctx, rand.Reader, n)
}

// ReaderSource wraps any io.Reader, typically a hardware RNG device file.
type ReaderSource struct {
	Label   string
	Reader  io.Reader
	PerByte float64
}

// Name implements Source
func (r *ReaderSource) Name() string { return r.Label }

// EntropyPerByte implements Source
func (r *ReaderSource) EntropyPerByte() float64 { return r.PerByte }

// Read implements Source
func (r *ReaderSource) Read(ctx context.Context, n int) ([]byte, error) {
	if r.Reader == nil {
		return nil, errors.New("no reader was provided")
	}
	return readWithContext(ctx, r.Reader, n)
}

// readWithContext does a blocking ReadFull in a goroutine so a stuck device
// does not outlive the caller's deadline.
func readWithContext(ctx context.Context, r io.Reader, n int) ([]byte, error) {
	type result struct {
		buff []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		buff := make([]byte, n)
		_, err := io.ReadFull(r, buff)
		done <- result{buff, err}
	}()
	select {
	case res := <-done:
		return res.buff, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ScriptSource runs a user provided executable as many times as needed and
// uses its standard output as entropy.
type ScriptSource struct {
	Path    string
	PerByte float64
}

// DefaultScriptEntropyPerByte is the estimate applied to script output when
// the operator does not configure one.
const DefaultScriptEntropyPerByte = 4

// NewScriptSource creates a new ScriptSource
func NewScriptSource(path string) *ScriptSource {
	return &ScriptSource{Path: path, PerByte: DefaultScriptEntropyPerByte}
}

// Name implements Source
func (s *ScriptSource) Name() string { return "script:" + s.Path }

// EntropyPerByte implements Source
func (s *ScriptSource) EntropyPerByte() float64 { return s.PerByte }

// Read calls the executable until n bytes have been gathered.
func (s *ScriptSource) Read(ctx context.Context, n int) ([]byte, error) {
	if s.Path == "" {
		return nil, errors.New("no script was provided")
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		var b bytes.Buffer
		w := bufio.NewWriter(&b)
		cmd := exec.CommandContext(ctx, s.Path) // #nosec
		cmd.Stdout = w
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("entropy script %s: %w", s.Path, err)
		}
		if err := w.Flush(); err != nil {
			return nil, err
		}
		if b.Len() == 0 {
			return nil, fmt.Errorf("entropy script %s produced no output", s.Path)
		}
		out = append(out, b.Bytes()...)
	}
	return out[:n], nil
}

// JitterSource derives bytes from scheduling and timer jitter. Each output
// byte compresses several timing deltas; the estimate stays conservative.
type JitterSource struct {
	Now func() time.Time
}

// Name implements Source
func (JitterSource) Name() string { return "jitter" }

// EntropyPerByte implements Source
func (JitterSource) EntropyPerByte() float64 { return 1 }

const jitterRoundsPerByte = 64

// Read implements Source
func (j JitterSource) Read(ctx context.Context, n int) ([]byte, error) {
	now := j.Now
	if now == nil {
		now = time.Now
	}
	out := make([]byte, 0, n)
	var scratch [8]byte
	h, _ := blake2b.New256(nil)
	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h.Reset()
		for i := 0; i < jitterRoundsPerByte; i++ {
			start := now()
			sum := blake2b.Sum256(scratch[:])
			binary.BigEndian.PutUint64(scratch[:], uint64(now().Sub(start).Nanoseconds())^uint64(sum[0]))
			_, _ = h.Write(scratch[:])
		}
		out = append(out, h.Sum(nil)[0])
	}
	return out, nil
}
