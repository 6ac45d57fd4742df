package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	documentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimdesk_documents_total",
			Help: "Document store operations by outcome.",
		},
		[]string{"op", "result"},
	)

	documentBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "claimdesk_document_bytes",
		Help:    "Plaintext size of sealed documents.",
		Buckets: prometheus.ExponentialBuckets(1<<10, 4, 7),
	})

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimdesk_transitions_total",
			Help: "Claim status transitions by outcome.",
		},
		[]string{"from", "to", "result"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "claimdesk_ready",
		Help: "1 when the last readiness check passed.",
	})
)

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			documentsTotal, documentBytes, transitionsTotal, ready,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDocument counts a document store operation ("seal", "retrieve", "discard").
func ObserveDocument(op string, err error) {
	documentsTotal.WithLabelValues(op, result(err)).Inc()
}

// ObserveDocumentSize records the plaintext size of a sealed document.
func ObserveDocumentSize(n int64) {
	documentBytes.Observe(float64(n))
}

// ObserveTransition counts an attempted status change.
func ObserveTransition(from, to string, err error) {
	transitionsTotal.WithLabelValues(from, to, result(err)).Inc()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Instrument records in-flight count, totals and latency for every request.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses resource identifiers so metric label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	switch parts[1] {
	case "claims":
		if parts[2] == "quote" && len(parts) == 3 {
			return p
		}
		switch {
		case len(parts) == 3:
			return "/v1/claims/:id"
		case len(parts) == 4 && isClaimSubresource(parts[3]):
			return "/v1/claims/:id/" + parts[3]
		}
	case "documents", "lecturers":
		if len(parts) == 3 {
			return "/v1/" + parts[1] + "/:id"
		}
	}
	return p
}

func isClaimSubresource(s string) bool {
	switch s {
	case "transitions", "documents", "invoice":
		return true
	}
	return false
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
