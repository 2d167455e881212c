// Package observability exposes Prometheus metrics and health endpoints
// for the agent engine.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Run metrics
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_runs_total",
			Help: "Total number of agent runs by terminal status",
		},
		[]string{"agent", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_run_duration_seconds",
			Help:    "Agent run duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"agent"},
	)

	runIterations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_run_iterations",
			Help:    "Reasoning iterations consumed per run",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 50},
		},
		[]string{"agent"},
	)

	// Model metrics
	modelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_model_calls_total",
			Help: "Total number of model invocations",
		},
		[]string{"model", "status"},
	)

	modelCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_model_call_duration_seconds",
			Help:    "Model invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	modelRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_model_retries_total",
			Help: "Model invocation retries by failure code",
		},
		[]string{"code"},
	)

	// Tool metrics
	toolExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tool_executions_total",
			Help: "Total number of tool dispatches",
		},
		[]string{"tool", "status"},
	)

	toolExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_tool_execution_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// Delegation metrics
	delegationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_delegations_total",
			Help: "Total number of sub-agent delegations",
		},
		[]string{"agent", "status"},
	)

	delegationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_delegation_duration_seconds",
			Help:    "Sub-agent delegation duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"agent"},
	)

	// Pause metrics
	pausedRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_paused_runs",
			Help: "Number of runs currently waiting for human input",
		},
	)

	humanResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_human_responses_total",
			Help: "Resolutions of paused runs by outcome",
		},
		[]string{"outcome"},
	)

	initOnce sync.Once
)

// InitMetrics registers all engine metrics with the default registerer.
// Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			runsTotal,
			runDuration,
			runIterations,
			modelCallsTotal,
			modelCallDuration,
			modelRetriesTotal,
			toolExecutionsTotal,
			toolExecutionDuration,
			delegationsTotal,
			delegationDuration,
			pausedRuns,
			humanResponsesTotal,
		)
	})
}

// MetricsHandler returns the HTTP handler serving the metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordRun records one finished agent run.
func RecordRun(agent, status string, duration time.Duration, iterations int) {
	runsTotal.WithLabelValues(agent, status).Inc()
	runDuration.WithLabelValues(agent).Observe(duration.Seconds())
	runIterations.WithLabelValues(agent).Observe(float64(iterations))
}

// RecordModelCall records one model invocation attempt.
func RecordModelCall(model, status string, duration time.Duration) {
	modelCallsTotal.WithLabelValues(model, status).Inc()
	modelCallDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordModelRetry records a retry triggered by the given failure code.
func RecordModelRetry(code string) {
	modelRetriesTotal.WithLabelValues(code).Inc()
}

// RecordToolExecution records one tool dispatch.
func RecordToolExecution(tool, status string, duration time.Duration) {
	toolExecutionsTotal.WithLabelValues(tool, status).Inc()
	toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordDelegation records one sub-agent delegation.
func RecordDelegation(agent, status string, duration time.Duration) {
	delegationsTotal.WithLabelValues(agent, status).Inc()
	delegationDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// SetPausedRuns sets the gauge of runs waiting for human input.
func SetPausedRuns(count int) {
	pausedRuns.Set(float64(count))
}

// RecordHumanResponse records the outcome of a paused run: "resumed",
// "cancelled", or "timeout".
func RecordHumanResponse(outcome string) {
	humanResponsesTotal.WithLabelValues(outcome).Inc()
}
