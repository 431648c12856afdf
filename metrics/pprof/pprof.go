// Package pprof keeps the net/http/pprof import, and its side effect on the
// default mux, out of the packages clients link against. Only the daemon
// binary pulls it in.
package pprof

import (
	"net/http"
	"net/http/pprof"
)

// WithProfile serves the profiling endpoints. metrics.Start mounts it under
// /debug/pprof on the private metrics listener.
func WithProfile() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	return mux
}
