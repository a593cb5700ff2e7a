package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	agentInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hypoforge_agent_invocation_duration_seconds",
			Help:    "External agent invocation duration by phase",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
		[]string{"phase", "status"},
	)

	hypothesisOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypoforge_hypothesis_outcomes_total",
			Help: "Terminal hypothesis outcomes by status and result tag",
		},
		[]string{"status", "tag"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hypoforge_active_workers",
			Help: "Number of hypothesis workers currently running an agent",
		},
	)

	statePersistDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hypoforge_state_persist_duration_seconds",
			Help:    "Run-state persistence duration",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	timelineEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypoforge_timeline_events_total",
			Help: "Timeline events appended by category",
		},
		[]string{"category"},
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{logger: logger}
}

// RecordAgentInvocation records one agent subprocess run.
func (c *Collector) RecordAgentInvocation(phase string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	agentInvocationDuration.WithLabelValues(phase, status).Observe(duration.Seconds())
}

// RecordHypothesisOutcome records a terminal hypothesis state.
func (c *Collector) RecordHypothesisOutcome(status, tag string) {
	hypothesisOutcomes.WithLabelValues(status, tag).Inc()
}

// WorkerStarted and WorkerFinished track the active worker gauge.
func (c *Collector) WorkerStarted() { activeWorkers.Inc() }

func (c *Collector) WorkerFinished() { activeWorkers.Dec() }

// RecordStatePersist records one state persistence cycle.
func (c *Collector) RecordStatePersist(duration time.Duration) {
	statePersistDuration.Observe(duration.Seconds())
}

// RecordTimelineEvent counts an appended event.
func (c *Collector) RecordTimelineEvent(category string) {
	timelineEvents.WithLabelValues(category).Inc()
}

// Serve exposes the Prometheus endpoint until the process exits. Failures
// are logged, not fatal: metrics are observability, never availability.
func (c *Collector) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			c.logger.Warn("Metrics endpoint stopped", "addr", addr, "error", err)
		}
	}()
}
