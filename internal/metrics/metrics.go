package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so several instances can coexist in tests.
// It implements grading.Recorder.
type Metrics struct {
	reg *prometheus.Registry

	syncPushes      *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	guardRejections *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		syncPushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grader_sync_pushes_total",
				Help: "Pushes to the remote store by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		syncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grader_sync_duration_seconds",
				Help:    "Time spent in one push",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"strategy"},
		),
		guardRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grader_guard_rejections_total",
				Help: "Operations dropped because a bulk operation held the guard",
			},
			[]string{"op"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graderd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "graderd_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
	}
	m.reg.MustRegister(
		m.syncPushes, m.syncDuration, m.guardRejections, m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) SyncDone(strategy, outcome string, d time.Duration) {
	m.syncPushes.WithLabelValues(strategy, outcome).Inc()
	m.syncDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (m *Metrics) GuardRejected(op string) {
	m.guardRejections.WithLabelValues(op).Inc()
}

// Middleware counts requests by chi route pattern, so ids in paths do not
// explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
