// Package metrics defines the Prometheus collectors exported on /metrics.
// A nil *Metrics records nothing, so components can run without it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcpexec"

// Execution outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// Cleanup sweep results.
const (
	SweepOK      = "ok"
	SweepSkipped = "skipped"
	SweepError   = "error"
)

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	Executions       *prometheus.CounterVec
	ExecutionSeconds *prometheus.HistogramVec
	Failures         *prometheus.CounterVec
	SecurityBlocks   *prometheus.CounterVec
	Approvals        *prometheus.CounterVec
	ToolMatches      prometheus.Histogram
	CleanupSweeps    *prometheus.CounterVec
	CleanupRemoved   prometheus.Counter
	CleanupSeconds   prometheus.Histogram
}

// New creates and registers the collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Sandbox executions by language, backend and outcome.",
		}, []string{"language", "backend", "outcome"}),
		ExecutionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of sandbox executions.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"backend"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failed requests by error kind.",
		}, []string{"kind"}),
		SecurityBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_blocks_total",
			Help:      "Requests held for approval, by risk level.",
		}, []string{"level"}),
		Approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval requests by resulting status.",
		}, []string{"status"}),
		ToolMatches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_matches",
			Help:      "Tools matched per intent.",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		}),
		CleanupSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_sweeps_total",
			Help:      "Cleanup supervisor ticks by result.",
		}, []string{"result"}),
		CleanupRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_removed_total",
			Help:      "Containers removed by the cleanup supervisor.",
		}),
		CleanupSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cleanup_duration_seconds",
			Help:      "Wall time of cleanup sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Executions,
		m.ExecutionSeconds,
		m.Failures,
		m.SecurityBlocks,
		m.Approvals,
		m.ToolMatches,
		m.CleanupSweeps,
		m.CleanupRemoved,
		m.CleanupSeconds,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TrackContainers exports fn as the active container gauge.
func (m *Metrics) TrackContainers(fn func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_containers",
		Help:      "Sandbox containers created by this process and not yet removed.",
	}, func() float64 { return float64(fn()) }))
}

// ObserveExecution records one sandbox run.
func (m *Metrics) ObserveExecution(language, backend, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(language, backend, outcome).Inc()
	m.ExecutionSeconds.WithLabelValues(backend).Observe(d.Seconds())
}

// ObserveFailure counts a failed request of kind.
func (m *Metrics) ObserveFailure(kind string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(kind).Inc()
}

// ObserveSecurityBlock counts a request held at level.
func (m *Metrics) ObserveSecurityBlock(level string) {
	if m == nil {
		return
	}
	m.SecurityBlocks.WithLabelValues(level).Inc()
}

// ObserveApproval counts an approval transition to status.
func (m *Metrics) ObserveApproval(status string) {
	if m == nil {
		return
	}
	m.Approvals.WithLabelValues(status).Inc()
}

// ObserveMatches records how many tools an intent matched.
func (m *Metrics) ObserveMatches(n int) {
	if m == nil {
		return
	}
	m.ToolMatches.Observe(float64(n))
}

// ObserveSweep records one cleanup tick.
func (m *Metrics) ObserveSweep(result string, removed int, d time.Duration) {
	if m == nil {
		return
	}
	m.CleanupSweeps.WithLabelValues(result).Inc()
	if removed > 0 {
		m.CleanupRemoved.Add(float64(removed))
	}
	if result != SweepSkipped {
		m.CleanupSeconds.Observe(d.Seconds())
	}
}
