// Package http serves the administrative and audit API of a ceremony
// registry over HTTP with JSON bodies.
package http

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi"
	lru "github.com/hashicorp/golang-lru"
	json "github.com/nikkolasg/hexjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drand/ceremony/api"
	"github.com/drand/ceremony/ceremony"
	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/contribution"
	"github.com/drand/ceremony/metrics"
	"github.com/drand/ceremony/transcript"
	"github.com/drand/ceremony/verifier"
)

const (
	// parameters of large ceremonies run in the hundreds of megabytes
	maxBodySize = 1 << 30
	// number of encoded parameter sets kept in memory
	paramsCacheSize = 16
)

// Handler routes the ceremony API to a registry.
type Handler struct {
	reg     *ceremony.Registry
	log     log.Logger
	version string
	params  *lru.ARCCache

	handler http.Handler
}

// New creates the HTTP handler for the ceremonies of reg.
func New(ctx context.Context, reg *ceremony.Registry, version string) (*Handler, error) {
	cache, err := lru.NewARC(paramsCacheSize)
	if err != nil {
		return nil, err
	}
	h := &Handler{
		reg:     reg,
		log:     log.FromContextOrDefault(ctx).Named("http"),
		version: version,
		params:  cache,
	}

	mux := chi.NewMux()
	mux.Get("/health", h.Health)
	mux.Handle("/metrics", metrics.CeremonyHandler())
	mux.Route("/ceremonies", func(r chi.Router) {
		r.Post("/", h.Start)
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.State)
			r.Post("/participants", h.Admit)
			r.Post("/contributions", h.Submit)
			r.Post("/finalize", h.Finalize)
			r.Post("/abort", h.Abort)
			r.Get("/parameters", h.Parameters)
			r.Get("/transcript", h.Transcript)
		})
	})
	h.handler = instrument(mux)
	return h, nil
}

func instrument(h http.Handler) http.Handler {
	return promhttp.InstrumentHandlerInFlight(metrics.HTTPInFlight,
		promhttp.InstrumentHandlerCounter(metrics.HTTPCallCounter,
			promhttp.InstrumentHandlerDuration(metrics.HTTPLatency, h)))
}

// GetHTTPHandler returns the handler to serve.
func (h *Handler) GetHTTPHandler() http.Handler {
	return h.handler
}

// SetHTTPHandler replaces the served handler, typically with a wrapper of
// GetHTTPHandler such as an access logger.
func (h *Handler) SetHTTPHandler(handler http.Handler) {
	h.handler = handler
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]string{"version": h.version})
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	req := new(api.StartRequest)
	if !h.readJSON(w, r, req) {
		return
	}
	terms, err := req.Terms()
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	c, err := h.reg.Start(r.Context(), terms)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, api.NewStatePacket(c.Status(), c.NextContributor(), c.Parameters()))
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	states := h.reg.List()
	out := make([]*api.StatePacket, len(states))
	for i, s := range states {
		out[i] = api.NewStatePacket(s, nil, nil)
	}
	h.writeJSON(w, r, http.StatusOK, out)
}

func (h *Handler) ceremony(w http.ResponseWriter, r *http.Request) (*ceremony.Coordinator, bool) {
	c, err := h.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return c, true
}

func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ceremony(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, r, http.StatusOK, api.NewStatePacket(c.Status(), c.NextContributor(), c.Parameters()))
}

func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ceremony(w, r)
	if !ok {
		return
	}
	p := new(api.IdentityPacket)
	if !h.readJSON(w, r, p) {
		return
	}
	id, err := p.Identity(c.Scheme())
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, &ceremony.CeremonyError{Kind: ceremony.InvalidIdentity, Msg: err.Error()})
		return
	}
	if err := c.Admit(id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, api.NewStatePacket(c.Status(), c.NextContributor(), nil))
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ceremony(w, r)
	if !ok {
		return
	}
	p := new(contribution.Packet)
	if !h.readJSON(w, r, p) {
		return
	}
	contrib, err := contribution.FromPacket(c.Scheme(), p)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	seq, hash, err := c.Submit(r.Context(), contrib)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, &api.SubmitResponse{Seq: seq, PostHash: hash})
}

func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ceremony(w, r)
	if !ok {
		return
	}
	final, err := c.Finalize(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, &api.FinalizeResponse{ParametersHash: final.Hash(), Digest: c.Status().Digest})
}

func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ceremony(w, r)
	if !ok {
		return
	}
	req := new(api.AbortRequest)
	if !h.readJSON(w, r, req) {
		return
	}
	if err := c.Abort(req.Reason); err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, api.NewStatePacket(c.Status(), nil, nil))
}

// Parameters serves the current parameters in their binary encoding. The
// parameters hash doubles as ETag and cache key, so they are encoded once per
// state.
func (h *Handler) Parameters(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ceremony(w, r)
	if !ok {
		return
	}
	params, stateHash := c.CurrentParameters()
	hash := hex.EncodeToString(stateHash)
	var buff []byte
	if v, ok := h.params.Get(hash); ok {
		buff = v.([]byte)
	} else {
		var err error
		buff, err = params.MarshalBinary()
		if err != nil {
			h.writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		h.params.Add(hash, buff)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", fmt.Sprintf("%q", hash))
	http.ServeContent(w, r, "parameters.bin", time.Time{}, bytes.NewReader(buff))
	h.log.Debugw("", "ceremony", c.ID(), "parameters", hash[:12], "size", len(buff))
}

func (h *Handler) Transcript(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ceremony(w, r)
	if !ok {
		return
	}
	p, err := api.NewTranscriptPacket(c.ID(), c.Transcript())
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, p)
}

func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warnw("", "path", url.PathEscape(r.URL.Path), "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	p := &api.ErrorPacket{Error: err.Error(), Kind: errorKind(err)}
	h.log.Warnw("", "remote", r.RemoteAddr, "code", code, "path", url.PathEscape(r.URL.Path), "err", err)
	h.writeJSON(w, r, code, p)
}

// fail maps domain errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.writeError(w, r, StatusCode(err), err)
}

// StatusCode returns the HTTP status reporting err.
func StatusCode(err error) int {
	var cerr *ceremony.CeremonyError
	var verr *verifier.VerificationError
	switch {
	case errors.As(err, &cerr):
		switch cerr.Kind {
		case ceremony.UnknownCeremony:
			return http.StatusNotFound
		case ceremony.InvalidIdentity:
			return http.StatusBadRequest
		case ceremony.NotAdmitted:
			return http.StatusForbidden
		case ceremony.InsufficientParticipants:
			return http.StatusPreconditionFailed
		default:
			return http.StatusConflict
		}
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorKind(err error) string {
	var cerr *ceremony.CeremonyError
	var verr *verifier.VerificationError
	var chainErr *transcript.ChainError
	switch {
	case errors.As(err, &cerr):
		return cerr.Kind.String()
	case errors.As(err, &verr):
		return verr.Kind.String()
	case errors.As(err, &chainErr):
		return "BrokenChain"
	default:
		return ""
	}
}
