package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drand/ceremony/common/log"
)

var (
	// PrivateMetrics about the internal world (go process, private stuff)
	PrivateMetrics = prometheus.NewRegistry()
	// HTTPMetrics about the public surface area (http requests)
	HTTPMetrics = prometheus.NewRegistry()
	// CeremonyMetrics about ceremony progress, safe to publish
	CeremonyMetrics = prometheus.NewRegistry()

	// ContributionsAccepted (Ceremony) how many contributions made it into a transcript
	ContributionsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contributions_accepted",
		Help: "Number of contributions appended to a transcript",
	}, []string{"ceremony"})
	// ContributionsRejected (Ceremony) rejected contributions by reason
	ContributionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contributions_rejected",
		Help: "Number of contributions rejected, by reason",
	}, []string{"ceremony", "reason"})
	// CeremonyStatus (Ceremony) current status code of each ceremony
	CeremonyStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ceremony_status",
		Help: "Status of the ceremony: 0 pending, 1 active, 2 completed, 3 failed",
	}, []string{"ceremony"})
	// VerificationDuration (Ceremony) time spent in the pairing checks
	VerificationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "verification_duration_seconds",
		Help:    "Time taken to verify a contribution",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// BackupWrites (Private) successful backup writes per location
	BackupWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_writes",
		Help: "Number of backup records written, by location",
	}, []string{"location"})
	// BackupFailures (Private) failed backup writes per location
	BackupFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_failures",
		Help: "Number of failed backup writes, by location",
	}, []string{"location"})
	// EntropyCollections (Private) entropy collection outcomes
	EntropyCollections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "entropy_collections",
		Help: "Number of entropy collections, by result",
	}, []string{"result"})

	// HTTPCallCounter (HTTP) how many http requests
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"code", "method"})
	// HTTPLatency (HTTP) how long http request handling takes
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "http_response_duration",
		Help:        "histogram of request latencies",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: prometheus.Labels{"handler": "http"},
	}, []string{"method"})
	// HTTPInFlight (HTTP) how many http requests exist
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight",
		Help: "A gauge of requests currently being served.",
	})

	// ClientRequests (Private) requests issued by the participant client
	ClientRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "client_requests",
		Help: "Number of requests issued to a coordinator, by url, code and method",
	}, []string{"url", "code", "method"})
	// ClientLatencyVec (Private) latency of client requests
	ClientLatencyVec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "client_request_duration_seconds",
		Help:    "Duration of requests issued to a coordinator",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"url", "method"})
	// ClientInFlight (Private) requests currently in flight
	ClientInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "client_in_flight",
		Help: "Number of requests to a coordinator currently in flight",
	}, []string{"url"})

	bindOnce sync.Once
)

func bindMetrics() {
	// The private go-level metrics live in private.
	_ = PrivateMetrics.Register(prometheus.NewGoCollector())
	_ = PrivateMetrics.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	ceremony := []prometheus.Collector{
		ContributionsAccepted,
		ContributionsRejected,
		CeremonyStatus,
		VerificationDuration,
	}
	for _, c := range ceremony {
		_ = CeremonyMetrics.Register(c)
		_ = PrivateMetrics.Register(c)
	}

	private := []prometheus.Collector{
		BackupWrites,
		BackupFailures,
		EntropyCollections,
		ClientRequests,
		ClientLatencyVec,
		ClientInFlight,
	}
	for _, c := range private {
		_ = PrivateMetrics.Register(c)
	}

	http := []prometheus.Collector{
		HTTPCallCounter,
		HTTPLatency,
		HTTPInFlight,
	}
	for _, c := range http {
		_ = HTTPMetrics.Register(c)
		_ = PrivateMetrics.Register(c)
	}
}

// Start starts a prometheus metrics server with debug endpoints.
func Start(l log.Logger, metricsBind string, pprof http.Handler) net.Listener {
	l.Debugw("private metrics listener started", "at", metricsBind)
	bindOnce.Do(bindMetrics)

	ln, err := net.Listen("tcp", metricsBind)
	if err != nil {
		l.Warnw("metrics listen failed", "err", err)
		return nil
	}
	s := http.Server{Addr: ln.Addr().String()}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))

	if pprof != nil {
		mux.Handle("/debug/pprof/", http.StripPrefix("/debug/pprof", pprof))
	}

	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, req *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})
	s.Handler = mux
	go func() {
		l.Warnw("metrics listen finished", "err", s.Serve(ln))
	}()
	return ln
}

// CeremonyHandler exposes CeremonyMetrics. It is mounted on the public
// API so auditors can follow progress.
func CeremonyHandler() http.Handler {
	bindOnce.Do(bindMetrics)
	return promhttp.HandlerFor(CeremonyMetrics, promhttp.HandlerOpts{Registry: CeremonyMetrics})
}
