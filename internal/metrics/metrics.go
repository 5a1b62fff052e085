// Package metrics holds the Prometheus collectors for the conversation pipeline.
//
// Every recording method is safe to call on a nil *Metrics, so components can
// run without instrumentation in tests and one-shot commands.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors by pipeline stage.
type Metrics struct {
	// FragmentsReceived counts inbound fragments accepted by the buffer.
	// Labels: channel
	FragmentsReceived *prometheus.CounterVec

	// Flushes counts buffer flushes.
	// Labels: reason (quiet|size|age|forced|drain)
	Flushes *prometheus.CounterVec

	// FlushFailures counts flush handlers that returned an error or panicked.
	// Labels: kind (error|panic)
	FlushFailures *prometheus.CounterVec

	// PendingEntries is the number of keys waiting for a flush.
	PendingEntries prometheus.Gauge

	// Runs counts orchestrator runs.
	// Labels: channel, status (ok|exhausted|error)
	Runs *prometheus.CounterVec

	// RunIterations observes model rounds per run.
	RunIterations prometheus.Histogram

	// ModelDuration measures model call latency in seconds.
	// Labels: model
	ModelDuration *prometheus.HistogramVec

	// Tokens tracks token consumption.
	// Labels: type (prompt|completion)
	Tokens *prometheus.CounterVec

	// ToolCalls counts tool executions.
	// Labels: tool, status (ok|failure|not_permitted)
	ToolCalls *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// DispatchParts counts outbound parts.
	// Labels: channel, status (sent|failed|suppressed)
	DispatchParts *prometheus.CounterVec

	// Followups counts follow-up attempts.
	// Labels: status (sent|retry|failed|skipped)
	Followups *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		FragmentsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "salesclaw_fragments_received_total",
			Help: "Inbound fragments accepted by the aggregation buffer",
		}, []string{"channel"}),
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "salesclaw_buffer_flushes_total",
			Help: "Aggregation buffer flushes by trigger",
		}, []string{"reason"}),
		FlushFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "salesclaw_buffer_flush_failures_total",
			Help: "Flush handlers that failed",
		}, []string{"kind"}),
		PendingEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "salesclaw_buffer_pending_entries",
			Help: "Keys with fragments waiting for a flush",
		}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "salesclaw_orchestrator_runs_total",
			Help: "Orchestrator runs by channel and outcome",
		}, []string{"channel", "status"}),
		RunIterations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "salesclaw_orchestrator_iterations",
			Help:    "Model rounds per orchestrator run",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
		ModelDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "salesclaw_model_request_duration_seconds",
			Help:    "Duration of model requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "salesclaw_model_tokens_total",
			Help: "Tokens used by type",
		}, []string{"type"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "salesclaw_tool_calls_total",
			Help: "Tool executions by tool and outcome",
		}, []string{"tool", "status"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "salesclaw_tool_duration_seconds",
			Help:    "Tool execution time in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"tool"}),
		DispatchParts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "salesclaw_dispatch_parts_total",
			Help: "Outbound message parts by channel and outcome",
		}, []string{"channel", "status"}),
		Followups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "salesclaw_followups_total",
			Help: "Follow-up delivery attempts by outcome",
		}, []string{"status"}),
	}
}

func (m *Metrics) FragmentReceived(channel string) {
	if m == nil {
		return
	}
	m.FragmentsReceived.WithLabelValues(channel).Inc()
}

func (m *Metrics) Flushed(reason string) {
	if m == nil {
		return
	}
	m.Flushes.WithLabelValues(reason).Inc()
}

func (m *Metrics) FlushFailed(kind string) {
	if m == nil {
		return
	}
	m.FlushFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingEntries.Set(float64(n))
}

func (m *Metrics) RunFinished(channel, status string, iterations, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(channel, status).Inc()
	m.RunIterations.Observe(float64(iterations))
	m.Tokens.WithLabelValues("prompt").Add(float64(promptTokens))
	m.Tokens.WithLabelValues("completion").Add(float64(completionTokens))
}

func (m *Metrics) ModelCall(model string, seconds float64) {
	if m == nil {
		return
	}
	m.ModelDuration.WithLabelValues(model).Observe(seconds)
}

func (m *Metrics) ToolCall(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}

func (m *Metrics) Part(channel, status string) {
	if m == nil {
		return
	}
	m.DispatchParts.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) Followup(status string) {
	if m == nil {
		return
	}
	m.Followups.WithLabelValues(status).Inc()
}
