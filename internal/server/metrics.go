package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	inflight     *prometheus.GaugeVec
	openStreams  *prometheus.GaugeVec
	streamEvents *prometheus.CounterVec
	pushRows     *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg, or on a fresh registry when reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docsync",
			Name:      "requests_total",
			Help:      "Endpoint requests by operation and status class.",
		}, []string{"endpoint", "op", "class"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docsync",
			Name:      "request_duration_seconds",
			Help:      "Endpoint request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "op"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "docsync",
			Name:      "inflight_requests",
			Help:      "Requests currently being served.",
		}, []string{"endpoint"}),
		openStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "docsync",
			Name:      "open_streams",
			Help:      "Open change streams.",
		}, []string{"endpoint"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docsync",
			Name:      "stream_events_total",
			Help:      "Events delivered to change streams.",
		}, []string{"endpoint"}),
		pushRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docsync",
			Name:      "push_rows_total",
			Help:      "Pushed rows by outcome.",
		}, []string{"endpoint", "result"}),
	}
	reg.MustRegister(m.requests, m.duration, m.inflight, m.openStreams, m.streamEvents, m.pushRows)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) record(endpoint, op string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	class := "0xx"
	if status > 0 {
		class = strconv.Itoa(status/100) + "xx"
	}
	m.requests.WithLabelValues(endpoint, op, class).Inc()
	m.duration.WithLabelValues(endpoint, op).Observe(dur.Seconds())
}

func (m *Metrics) streamOpened(endpoint string) {
	if m == nil {
		return
	}
	m.openStreams.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) streamClosed(endpoint string) {
	if m == nil {
		return
	}
	m.openStreams.WithLabelValues(endpoint).Dec()
}

func (m *Metrics) streamEvent(endpoint string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) pushed(endpoint, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pushRows.WithLabelValues(endpoint, result).Add(float64(n))
}

// instrument records per-operation request metrics. The operation is the
// last segment of the matched route pattern.
func (s *Server) instrument(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := s.clock.Now()
			inflight := s.metrics.inflight.WithLabelValues(endpoint)
			inflight.Inc()
			sw := &responseWithReqID{ResponseWriter: w}
			defer func() {
				inflight.Dec()
				s.metrics.record(endpoint, routeOp(r), sw.status, s.clock.Now().Sub(start))
			}()
			next.ServeHTTP(sw, r)
		})
	}
}

func routeOp(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	pattern := strings.TrimSuffix(rctx.RoutePattern(), "/")
	if i := strings.LastIndexByte(pattern, '/'); i >= 0 {
		return pattern[i+1:]
	}
	return pattern
}
