// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the aufruf emulator.
package observability

import "github.com/prometheus/client_golang/prometheus"

// InvocationBuckets defines histogram buckets suited for function
// invocation latencies, ranging from 1ms to the 900s platform maximum.
var InvocationBuckets = []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300, 900}

// WaitBuckets defines histogram buckets for worker long-poll wait times.
var WaitBuckets = []float64{0.001, 0.01, 0.1, 1, 10, 60, 300}

var (
	// InvocationsTotal counts completed invocations by kind
	// (request_response, event, dry_run) and outcome status
	// (success, error, timeout, crash, cancelled).
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aufruf_invocations_total",
			Help: "Completed invocations",
		},
		[]string{"kind", "status"},
	)

	// InvocationDuration records end-to-end invocation duration in seconds.
	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aufruf_invocation_duration_seconds",
			Help:    "Invocation duration",
			Buckets: InvocationBuckets,
		},
		[]string{"kind"},
	)

	// StateTransitionsTotal counts accepted protocol state transitions.
	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aufruf_state_transitions_total",
			Help: "Accepted runtime protocol transitions",
		},
		[]string{"from", "to"},
	)

	// TransitionRejectedTotal counts protocol requests rejected as illegal
	// for the current state, by endpoint.
	TransitionRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aufruf_transition_rejected_total",
			Help: "Rejected runtime protocol transitions",
		},
		[]string{"endpoint"},
	)

	// AutoCompletedTotal counts invocations the worker never acknowledged
	// before fetching new work, completed implicitly by the control plane.
	AutoCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aufruf_auto_completed_total",
			Help: "Invocations auto-completed on the next fetch",
		},
	)

	// WorkerRestartsTotal counts worker process restarts by reason
	// (signal, file_change, crash).
	WorkerRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aufruf_worker_restarts_total",
			Help: "Worker restarts",
		},
		[]string{"reason"},
	)

	// WorkerRunning reports whether a worker process is currently alive.
	WorkerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aufruf_worker_running",
			Help: "1 while a worker process is alive",
		},
	)

	// HandoffWaitSeconds records how long workers block on the next-invocation
	// long poll before work arrives.
	HandoffWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aufruf_handoff_wait_seconds",
			Help:    "Worker long-poll wait time",
			Buckets: WaitBuckets,
		},
	)

	// RequestsTotal counts all HTTP requests by method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aufruf_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "status"},
	)

	// RequestDuration records HTTP request duration in seconds by method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aufruf_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		InvocationsTotal,
		InvocationDuration,
		StateTransitionsTotal,
		TransitionRejectedTotal,
		AutoCompletedTotal,
		WorkerRestartsTotal,
		WorkerRunning,
		HandoffWaitSeconds,
		RequestsTotal,
		RequestDuration,
	)
}
