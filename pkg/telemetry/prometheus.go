package telemetry

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "localrouter",
		Name:      "http_requests_total",
		Help:      "HTTP requests served, by route and status.",
	}, []string{"route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "localrouter",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency, by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	admissionRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "localrouter",
		Name:      "ratelimit_rejections_total",
		Help:      "Requests rejected by the rate limiter, by scope.",
	}, []string{"scope"})
)

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// CountRejection increments the Prometheus rejection counter alongside
// the OpenTelemetry one.
func CountRejection(scope string) {
	admissionRejects.WithLabelValues(scope).Inc()
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through so WebSocket upgrades work behind the counter.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// HTTPMiddleware counts and times every request under its route label.
func HTTPMiddleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
