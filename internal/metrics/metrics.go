// Package metrics defines the Prometheus collectors shared by the skua
// processes. Collectors are registered against an injected registry so tests
// and multi-instance wiring never trip duplicate-registration panics on the
// global default.
package metrics

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the collectors reported by the API, scheduler, and runner.
// A nil *Metrics is valid and records nothing, so wiring can stay optional.
type Metrics struct {
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge

	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	runsInFlight    prometheus.Gauge
	admissionReject *prometheus.CounterVec
	scheduleFires   *prometheus.CounterVec
	reaperReclaimed *prometheus.CounterVec
	resultCache     *prometheus.CounterVec
}

// New constructs and registers the collectors on reg. A nil reg falls back
// to the default registerer. Registration conflicts reuse the existing
// collector, matching promauto semantics for everything else.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		httpRequests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skua",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of HTTP requests by method, normalized path, and status code.",
		}, []string{"method", "endpoint", "status"})),
		httpDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skua",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and normalized path.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "endpoint"})),
		httpInFlight: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "skua",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being served.",
		})),
		runsTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skua",
			Name:      "runs_total",
			Help:      "Count of runs reaching a terminal status.",
		}, []string{"status"})),
		runDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skua",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock execution time of runs by terminal status.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"status"})),
		runsInFlight: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "skua",
			Name:      "runs_in_flight",
			Help:      "Runs currently executing in this process.",
		})),
		admissionReject: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skua",
			Name:      "run_admission_rejections_total",
			Help:      "Claimed runs returned to the queue because a concurrency cap was hit.",
		}, []string{"scope"})),
		scheduleFires: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skua",
			Name:      "schedule_fires_total",
			Help:      "Schedule evaluations by outcome.",
		}, []string{"outcome"})),
		reaperReclaimed: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skua",
			Name:      "reaper_reclaimed_total",
			Help:      "Rows reclaimed by the reaper sweeps, by task.",
		}, []string{"task"})),
		resultCache: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skua",
			Name:      "result_cache_total",
			Help:      "Result cache lookups by outcome.",
		}, []string{"outcome"})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(C)
		}
		panic(err)
	}
	return c
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(method, endpoint string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}

// HTTPInFlightInc marks a request as started and returns the matching
// decrement. Safe on a nil receiver.
func (m *Metrics) HTTPInFlightInc() func() {
	if m == nil {
		return func() {}
	}
	m.httpInFlight.Inc()
	return m.httpInFlight.Dec
}

// ObserveRun records a run reaching a terminal status.
func (m *Metrics) ObserveRun(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// RunStarted marks one run as executing and returns the matching decrement.
func (m *Metrics) RunStarted() func() {
	if m == nil {
		return func() {}
	}
	m.runsInFlight.Inc()
	return m.runsInFlight.Dec
}

// IncAdmissionRejection records one run bounced at the concurrency limiter,
// by the cap that rejected it: org or global.
func (m *Metrics) IncAdmissionRejection(scope string) {
	if m == nil {
		return
	}
	m.admissionReject.WithLabelValues(scope).Inc()
}

// AddReaperReclaimed records rows reclaimed by one reaper task.
func (m *Metrics) AddReaperReclaimed(task string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reaperReclaimed.WithLabelValues(task).Add(float64(n))
}

// IncScheduleFire records one schedule evaluation outcome: fired, skipped,
// or error.
func (m *Metrics) IncScheduleFire(outcome string) {
	if m == nil {
		return
	}
	m.scheduleFires.WithLabelValues(outcome).Inc()
}

// IncResultCache records one result cache lookup outcome: hit, miss, or
// bypass.
func (m *Metrics) IncResultCache(outcome string) {
	if m == nil {
		return
	}
	m.resultCache.WithLabelValues(outcome).Inc()
}

// NormalizePath collapses identifier path segments to :id so endpoint labels
// stay low-cardinality. UUIDs and purely numeric segments are replaced.
func NormalizePath(path string) string {
	if path == "" || path == "/" {
		return path
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if _, err := uuid.Parse(seg); err == nil {
			segments[i] = ":id"
			continue
		}
		if isDigits(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
