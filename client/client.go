// Package client talks to a ceremony coordinator over its HTTP API. It is
// what participants and operators run on their own machines.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nhttp "net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	json "github.com/nikkolasg/hexjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drand/ceremony/api"
	"github.com/drand/ceremony/ceremony"
	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/contribution"
	"github.com/drand/ceremony/crypto"
	"github.com/drand/ceremony/entropy"
	"github.com/drand/ceremony/key"
	"github.com/drand/ceremony/metrics"
	"github.com/drand/ceremony/srs"
	"github.com/drand/ceremony/verifier"
)

const defaultClientExec = "unknown"

// contributions of large ceremonies take a while to upload and verify
const defaultHTTPTimeout = 10 * time.Minute

// Client issues requests to one coordinator.
type Client struct {
	root   string
	client *nhttp.Client
	sch    *crypto.Scheme
	l      log.Logger
	Agent  string
}

// New creates a client for the coordinator at root. A nil transport uses
// the default one.
func New(l log.Logger, root string, sch *crypto.Scheme, transport nhttp.RoundTripper) *Client {
	if transport == nil {
		transport = nhttp.DefaultTransport
	}
	root = strings.TrimSuffix(root, "/")
	pn, err := os.Executable()
	if err != nil {
		pn = defaultClientExec
	}
	return &Client{
		root:   root,
		client: instrumentClient(root, transport),
		sch:    sch,
		l:      l,
		Agent:  fmt.Sprintf("ceremony-client-%s/1.0", path.Base(pn)),
	}
}

// Instruments an HTTP client around a transport
func instrumentClient(root string, transport nhttp.RoundTripper) *nhttp.Client {
	urlLabel := prometheus.Labels{"url": root}
	transport = promhttp.InstrumentRoundTripperInFlight(metrics.ClientInFlight.With(urlLabel),
		promhttp.InstrumentRoundTripperCounter(metrics.ClientRequests.MustCurryWith(urlLabel),
			promhttp.InstrumentRoundTripperDuration(metrics.ClientLatencyVec.MustCurryWith(urlLabel),
				transport)))
	return &nhttp.Client{
		Timeout:   defaultHTTPTimeout,
		Transport: transport,
	}
}

// String returns the name of this client.
func (c *Client) String() string {
	return fmt.Sprintf("HTTP(%q)", c.root)
}

// Health returns the version advertised by the coordinator.
func (c *Client) Health(ctx context.Context) (string, error) {
	var out map[string]string
	if err := c.do(ctx, nhttp.MethodGet, "/health", nil, &out); err != nil {
		return "", err
	}
	return out["version"], nil
}

// Start creates and starts a ceremony with the given terms.
func (c *Client) Start(ctx context.Context, terms ceremony.Terms) (*api.StatePacket, error) {
	out := new(api.StatePacket)
	return out, c.do(ctx, nhttp.MethodPost, "/ceremonies/", api.NewStartRequest(terms), out)
}

// List returns every ceremony of the coordinator.
func (c *Client) List(ctx context.Context) ([]*api.StatePacket, error) {
	var out []*api.StatePacket
	return out, c.do(ctx, nhttp.MethodGet, "/ceremonies/", nil, &out)
}

// Status returns the state of ceremony id.
func (c *Client) Status(ctx context.Context, id string) (*api.StatePacket, error) {
	out := new(api.StatePacket)
	return out, c.do(ctx, nhttp.MethodGet, ceremonyPath(id, ""), nil, out)
}

// Admit registers identity as a participant of ceremony id.
func (c *Client) Admit(ctx context.Context, id string, identity *key.Identity) (*api.StatePacket, error) {
	out := new(api.StatePacket)
	return out, c.do(ctx, nhttp.MethodPost, ceremonyPath(id, "participants"), api.NewIdentityPacket(identity), out)
}

// Parameters downloads the current parameters of ceremony id.
func (c *Client) Parameters(ctx context.Context, id string) (*srs.Parameters, error) {
	req, err := c.request(ctx, nhttp.MethodGet, ceremonyPath(id, "parameters"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != nhttp.StatusOK {
		return nil, decodeError(resp)
	}
	buff, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading parameters: %w", err)
	}
	return srs.UnmarshalParameters(c.sch, buff)
}

// Submit uploads a contribution to ceremony id.
func (c *Client) Submit(ctx context.Context, id string, contrib *contribution.Contribution) (*api.SubmitResponse, error) {
	p, err := contrib.ToPacket()
	if err != nil {
		return nil, err
	}
	out := new(api.SubmitResponse)
	return out, c.do(ctx, nhttp.MethodPost, ceremonyPath(id, "contributions"), p, out)
}

// Contribute downloads the current parameters of ceremony id, rescales them
// with secret and submits the result. The secret is consumed.
func (c *Client) Contribute(ctx context.Context, id string, participant *key.Identity, secret *entropy.Secret) (*api.SubmitResponse, error) {
	prev, err := c.Parameters(ctx, id)
	if err != nil {
		secret.Destroy()
		return nil, fmt.Errorf("fetching parameters: %w", err)
	}
	contrib, err := contribution.Create(prev, participant, secret, time.Now())
	if err != nil {
		return nil, err
	}
	c.l.Debugw("contribution ready", "ceremony", id, "post", contrib.String())
	return c.Submit(ctx, id, contrib)
}

// Finalize completes ceremony id.
func (c *Client) Finalize(ctx context.Context, id string) (*api.FinalizeResponse, error) {
	out := new(api.FinalizeResponse)
	return out, c.do(ctx, nhttp.MethodPost, ceremonyPath(id, "finalize"), nil, out)
}

// Abort fails ceremony id with reason.
func (c *Client) Abort(ctx context.Context, id, reason string) (*api.StatePacket, error) {
	out := new(api.StatePacket)
	return out, c.do(ctx, nhttp.MethodPost, ceremonyPath(id, "abort"), &api.AbortRequest{Reason: reason}, out)
}

// Transcript downloads the transcript of ceremony id.
func (c *Client) Transcript(ctx context.Context, id string) (*api.TranscriptPacket, error) {
	out := new(api.TranscriptPacket)
	return out, c.do(ctx, nhttp.MethodGet, ceremonyPath(id, "transcript"), nil, out)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func ceremonyPath(id, sub string) string {
	p := "/ceremonies/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) request(ctx context.Context, method, p string, body interface{}) (*nhttp.Request, error) {
	var reader io.Reader = nhttp.NoBody
	if body != nil {
		buff, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buff)
	}
	req, err := nhttp.NewRequestWithContext(ctx, method, c.root+p, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.Agent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, p string, body, out interface{}) error {
	req, err := c.request(ctx, method, p, body)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// ResponseError is a failed request. It unwraps to the matching ceremony or
// verifier error so callers can use errors.Is across the wire.
type ResponseError struct {
	Code int
	Kind string
	Msg  string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("coordinator replied %d: %s", e.Code, e.Msg)
}

func (e *ResponseError) Unwrap() error {
	return kindErrors[e.Kind]
}

var kindErrors = map[string]error{
	ceremony.NotAccepting.String():             ceremony.ErrNotAccepting,
	ceremony.AlreadyAdmitted.String():          ceremony.ErrAlreadyAdmitted,
	ceremony.InsufficientParticipants.String(): ceremony.ErrInsufficientParticipants,
	ceremony.NotAdmitted.String():              ceremony.ErrNotAdmitted,
	ceremony.NotYourTurn.String():              ceremony.ErrNotYourTurn,
	ceremony.InvalidIdentity.String():          ceremony.ErrInvalidIdentity,
	ceremony.AdmissionClosed.String():          ceremony.ErrAdmissionClosed,
	ceremony.UnknownCeremony.String():          ceremony.ErrUnknownCeremony,
	verifier.InvalidProof.String():             verifier.ErrInvalidProof,
	verifier.StateMismatch.String():            verifier.ErrStateMismatch,
	verifier.ReplayedKey.String():              verifier.ErrReplayedKey,
}

func decodeError(resp *nhttp.Response) error {
	p := new(api.ErrorPacket)
	if err := json.NewDecoder(resp.Body).Decode(p); err != nil {
		return &ResponseError{Code: resp.StatusCode, Msg: nhttp.StatusText(resp.StatusCode)}
	}
	return &ResponseError{Code: resp.StatusCode, Kind: p.Kind, Msg: p.Error}
}

// IsServerReady polls the coordinator until it answers or ctx expires.
func IsServerReady(ctx context.Context, c *Client, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		_, err := c.Health(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		case <-t.C:
		}
	}
}
