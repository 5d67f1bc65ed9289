package obsv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the kernel's Prometheus instrumentation surface: run
// throughput, engine latency, tool/approval outcomes, and the Memory
// Service's distillation cadence.
//
// Usage:
//
//	metrics := obsv.NewMetrics()
//	start := time.Now()
//	defer metrics.EngineRequestDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
type Metrics struct {
	// RunsStarted counts runs by terminal outcome (completed|failed).
	RunsStarted *prometheus.CounterVec

	// RunDuration measures wall-clock run time in seconds, labeled by
	// outcome.
	RunDuration *prometheus.HistogramVec

	// EngineRequestDuration measures provider turn latency in seconds,
	// labeled by model.
	EngineRequestDuration *prometheus.HistogramVec

	// EngineTokens tracks token usage, labeled by model and
	// direction (input|output).
	EngineTokens *prometheus.CounterVec

	// ToolExecutions counts tool calls, labeled by toolId and
	// outcome (success|error|denied).
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution latency in seconds,
	// labeled by toolId.
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalsResolved counts resolved approvals, labeled by decision
	// (approve|deny|cancel).
	ApprovalsResolved *prometheus.CounterVec

	// ApprovalWait measures how long a run stayed paused awaiting approval,
	// in seconds.
	ApprovalWait prometheus.Histogram

	// MemoryObservations counts observations emitted per distillation pass.
	MemoryObservations prometheus.Counter

	// MemoryReflections counts reflections emitted per distillation pass.
	MemoryReflections prometheus.Counter

	// ActiveRuns is a gauge of currently non-terminal runs.
	ActiveRuns prometheus.Gauge

	// HTTPRequestDuration measures transport latency in seconds, labeled
	// by method, route, and status code.
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns the kernel's metric set against the
// default Prometheus registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		RunsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "anvil_runs_total",
			Help: "Total runs by terminal outcome.",
		}, []string{"outcome"}),

		RunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anvil_run_duration_seconds",
			Help:    "Run wall-clock duration in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),

		EngineRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anvil_engine_request_duration_seconds",
			Help:    "Provider turn latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),

		EngineTokens: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "anvil_engine_tokens_total",
			Help: "Tokens consumed by model and direction.",
		}, []string{"model", "direction"}),

		ToolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "anvil_tool_executions_total",
			Help: "Tool executions by tool id and outcome.",
		}, []string{"tool_id", "outcome"}),

		ToolExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anvil_tool_execution_duration_seconds",
			Help:    "Tool execution latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_id"}),

		ApprovalsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "anvil_approvals_resolved_total",
			Help: "Resolved approvals by decision.",
		}, []string{"decision"}),

		ApprovalWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "anvil_approval_wait_seconds",
			Help:    "Time a run stayed paused awaiting an approval decision.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}),

		MemoryObservations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "anvil_memory_observations_total",
			Help: "Observations emitted by the Memory Service.",
		}),

		MemoryReflections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "anvil_memory_reflections_total",
			Help: "Reflections emitted by the Memory Service.",
		}),

		ActiveRuns: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "anvil_active_runs",
			Help: "Current number of non-terminal runs.",
		}),

		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anvil_http_request_duration_seconds",
			Help:    "HTTP transport request latency in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route", "status_code"}),
	}
}

// RecordRunCompletion records a terminal run's outcome and duration.
func (m *Metrics) RecordRunCompletion(outcome string, durationSeconds float64) {
	m.RunsStarted.WithLabelValues(outcome).Inc()
	m.RunDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordEngineTurn records one engine.response's latency and token usage.
func (m *Metrics) RecordEngineTurn(model string, durationSeconds float64, inputTokens, outputTokens int) {
	m.EngineRequestDuration.WithLabelValues(model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.EngineTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.EngineTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool call's outcome and latency.
func (m *Metrics) RecordToolExecution(toolID, outcome string, durationSeconds float64) {
	m.ToolExecutions.WithLabelValues(toolID, outcome).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolID).Observe(durationSeconds)
}

// RecordApprovalResolution records an approval's decision and how long the
// run stayed paused.
func (m *Metrics) RecordApprovalResolution(decision string, waitSeconds float64) {
	m.ApprovalsResolved.WithLabelValues(decision).Inc()
	m.ApprovalWait.Observe(waitSeconds)
}

// RecordHTTPRequest records one transport-layer request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, durationSeconds float64) {
	m.HTTPRequestDuration.WithLabelValues(method, route, statusCode).Observe(durationSeconds)
}
