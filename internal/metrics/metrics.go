// Package metrics provides the Prometheus metrics emitter for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// Emission is strictly best-effort: a panic inside an emit call is recovered
// and logged, never propagated into the request path. Latency observations
// derived from timing marks are suppressed individually when the marks they
// depend on were never recorded.
package metrics

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/nulpointcorp/tenant-gateway/internal/dispatch"
	"github.com/nulpointcorp/tenant-gateway/internal/identity"
	"github.com/nulpointcorp/tenant-gateway/internal/upstream"
)

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Emitter holds all exported metrics.
type Emitter struct {
	reg *prometheus.Registry
	log *slog.Logger

	// gateway_requests_success_total{model,project,org,user}
	successTotal *prometheus.CounterVec

	// gateway_requests_failed_total{model,project,org,user,status}
	failedTotal *prometheus.CounterVec

	// gateway_tokens_total / _input_total / _output_total {model,project,org,user}
	tokensTotal *prometheus.CounterVec
	inputTotal  *prometheus.CounterVec
	outputTotal *prometheus.CounterVec

	// gateway_time_to_first_token_seconds{model,project,org,user}
	ttft *prometheus.HistogramVec

	// gateway_backend_latency_seconds{model,project,org,user}
	backendLatency *prometheus.HistogramVec

	// gateway_pre_call_overhead_seconds{model,project,org,user}
	preOverhead *prometheus.HistogramVec

	// gateway_post_call_overhead_seconds{model,project,org,user}
	postOverhead *prometheus.HistogramVec

	// gateway_request_latency_seconds{model,project,org,user}
	totalLatency *prometheus.HistogramVec

	metricsHandler fasthttp.RequestHandler
}

var callerLabels = []string{"model", "project", "org", "user"}

// New creates an Emitter backed by a fresh private registry.
func New(log *slog.Logger) *Emitter {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	if log == nil {
		log = slog.Default()
	}

	e := &Emitter{
		reg: reg,
		log: log,

		successTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_success_total",
				Help: "Completed requests per model and caller",
			},
			callerLabels,
		),

		failedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_failed_total",
				Help: "Failed requests per model, caller, and HTTP status",
			},
			append(append([]string{}, callerLabels...), "status"),
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Total tokens (input + output) per model and caller",
			},
			callerLabels,
		),

		inputTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_input_total",
				Help: "Input tokens per model and caller",
			},
			callerLabels,
		),

		outputTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_output_total",
				Help: "Output tokens per model and caller",
			},
			callerLabels,
		),

		ttft: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_time_to_first_token_seconds",
				Help:    "Time from backend call start to first streamed token",
				Buckets: latencyBuckets,
			},
			callerLabels,
		),

		backendLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_backend_latency_seconds",
				Help:    "Backend call duration",
				Buckets: latencyBuckets,
			},
			callerLabels,
		),

		preOverhead: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_pre_call_overhead_seconds",
				Help:    "Gateway overhead before the backend call (auth, routing, credentials)",
				Buckets: latencyBuckets,
			},
			callerLabels,
		),

		postOverhead: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_post_call_overhead_seconds",
				Help:    "Gateway overhead after the backend call completed",
				Buckets: latencyBuckets,
			},
			callerLabels,
		),

		totalLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_latency_seconds",
				Help:    "End-to-end request duration",
				Buckets: latencyBuckets,
			},
			callerLabels,
		),
	}

	reg.MustRegister(
		e.successTotal,
		e.failedTotal,
		e.tokensTotal,
		e.inputTotal,
		e.outputTotal,
		e.ttft,
		e.backendLatency,
		e.preOverhead,
		e.postOverhead,
		e.totalLatency,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	e.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return e
}

// OnSuccess records counters and latency observations for a completed
// request. Observations whose marks are missing are skipped individually;
// the success counter always increments.
func (e *Emitter) OnSuccess(caller identity.Identity, model string, marks *dispatch.Marks, usage upstream.Usage) {
	defer e.recover("on_success")

	labels := e.labels(caller, model)

	e.successTotal.With(labels).Inc()

	if usage.InputTokens > 0 {
		e.inputTotal.With(labels).Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		e.outputTotal.With(labels).Add(float64(usage.OutputTokens))
	}
	if total := usage.InputTokens + usage.OutputTokens; total > 0 {
		e.tokensTotal.With(labels).Add(float64(total))
	}

	if marks == nil {
		return
	}

	if !marks.BackendCallStart.IsZero() && !marks.FirstToken.IsZero() {
		e.ttft.With(labels).Observe(marks.FirstToken.Sub(marks.BackendCallStart).Seconds())
	}
	if !marks.BackendCallStart.IsZero() && !marks.BackendCallEnd.IsZero() {
		e.backendLatency.With(labels).Observe(marks.BackendCallEnd.Sub(marks.BackendCallStart).Seconds())
	}
	if !marks.RequestStart.IsZero() && !marks.BackendCallStart.IsZero() {
		e.preOverhead.With(labels).Observe(marks.BackendCallStart.Sub(marks.RequestStart).Seconds())
	}
	if !marks.BackendCallEnd.IsZero() && !marks.RequestEnd.IsZero() {
		e.postOverhead.With(labels).Observe(marks.RequestEnd.Sub(marks.BackendCallEnd).Seconds())
	}
	if !marks.RequestStart.IsZero() && !marks.RequestEnd.IsZero() {
		e.totalLatency.With(labels).Observe(marks.RequestEnd.Sub(marks.RequestStart).Seconds())
	}
}

// OnFailure records a failed request with its HTTP-equivalent status.
func (e *Emitter) OnFailure(caller identity.Identity, model string, status int) {
	defer e.recover("on_failure")

	labels := e.labels(caller, model)
	labels["status"] = strconv.Itoa(status)
	e.failedTotal.With(labels).Inc()
}

func (e *Emitter) labels(caller identity.Identity, model string) prometheus.Labels {
	return prometheus.Labels{
		"model":   model,
		"project": caller.Profile.Project,
		"org":     caller.Profile.Org,
		"user":    caller.ID,
	}
}

// recover swallows panics from the prometheus client so metric bugs never
// break request serving.
func (e *Emitter) recover(op string) {
	if r := recover(); r != nil {
		e.log.Error("metrics emission panicked",
			slog.String("op", op),
			slog.Any("panic", r),
		)
	}
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (e *Emitter) Handler() fasthttp.RequestHandler {
	return e.metricsHandler
}

// Registry exposes the private registry (used in tests).
func (e *Emitter) Registry() *prometheus.Registry { return e.reg }
