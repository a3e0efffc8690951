// Package metrics holds the Prometheus collectors for runbox.
//
// Collectors are registered on a private registry so tests and multiple
// servers in one process never collide on the default registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "runbox"

// Metrics groups every runbox collector.
type Metrics struct {
	registry *prometheus.Registry

	provisions     *prometheus.CounterVec
	setupFailures  *prometheus.CounterVec
	execs          *prometheus.CounterVec
	execDuration   *prometheus.HistogramVec
	gradingRuns    *prometheus.CounterVec
	gradingCases   *prometheus.CounterVec
	reaped         *prometheus.CounterVec
	activeSessions prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		provisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisions_total",
			Help:      "Runtime provision decisions by outcome (reused, restarted, created, failed).",
		}, []string{"outcome"}),
		setupFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "setup_failures_total",
			Help:      "Best-effort runtime setup steps that failed.",
		}, []string{"step"}),
		execs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execs_total",
			Help:      "Interactive command executions by result kind.",
		}, []string{"result"}),
		execDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exec_duration_seconds",
			Help:      "Wall time of command and grading executions.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"path"}),
		gradingRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grading_runs_total",
			Help:      "Ephemeral grading runs by language and result.",
		}, []string{"language", "result"}),
		gradingCases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grading_cases_total",
			Help:      "Graded test cases by verdict.",
		}, []string{"verdict"}),
		reaped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_total",
			Help:      "Resources reclaimed by the reaper.",
		}, []string{"resource"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently holding a runtime.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry exposes the private registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Provision(outcome string) {
	if m == nil {
		return
	}
	m.provisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetupFailure(step string) {
	if m == nil {
		return
	}
	m.setupFailures.WithLabelValues(step).Inc()
}

// Exec records an interactive command outcome. result is "ok" or an error kind.
func (m *Metrics) Exec(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.execs.WithLabelValues(result).Inc()
	m.execDuration.WithLabelValues("interactive").Observe(d.Seconds())
}

func (m *Metrics) GradingRun(language, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.gradingRuns.WithLabelValues(language, result).Inc()
	m.execDuration.WithLabelValues("grading").Observe(d.Seconds())
}

func (m *Metrics) GradingCase(passed bool) {
	if m == nil {
		return
	}
	verdict := "failed"
	if passed {
		verdict = "passed"
	}
	m.gradingCases.WithLabelValues(verdict).Inc()
}

// Reaped counts reclaimed resources: "scratch", "idle_runtime" or "orphan_runtime".
func (m *Metrics) Reaped(resource string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reaped.WithLabelValues(resource).Add(float64(n))
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
