package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_agents_total",
			Help: "Total number of agents by state (running, stopped)",
		},
		[]string{"state"},
	)

	// Invocation engine metrics
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_invocations_total",
			Help: "Total number of invocations by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)

	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_invocation_duration_seconds",
			Help:    "Time spent forwarding an invocation to its agent, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent", "outcome"},
	)

	InvocationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_invocations_in_flight",
			Help: "Number of invocations currently in the running state",
		},
	)

	// Job store metrics
	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_store_operation_duration_seconds",
			Help:    "Job store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "backend"},
	)

	StoreFallbackActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_store_fallback_active",
			Help: "1 if the gateway is running against the in-memory store fallback, 0 if the relational store is active",
		},
	)

	// Egress proxy metrics
	EgressDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_egress_decisions_total",
			Help: "Total egress decisions (CONNECT tunnels and the POST /egress helper) by agent and result (allowed, denied)",
		},
		[]string{"agent", "result"},
	)

	EgressTunnelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_egress_tunnels_active",
			Help: "Number of currently open CONNECT tunnels",
		},
	)

	// Lifecycle reaper metrics
	ReaperStopsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_reaper_stops_total",
			Help: "Total number of agents stopped by the idle reaper",
		},
		[]string{"agent"},
	)

	ReaperCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_reaper_cycle_duration_seconds",
			Help:    "Time taken for one reaper sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Audit log metrics
	AuditEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_audit_entries_total",
			Help: "Total audit log entries appended, by action",
		},
		[]string{"action"},
	)

	AuditInsertFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_audit_insert_failures_total",
			Help: "Total audit log insert failures (never fails the invoking request)",
		},
	)

	AuditVerificationFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_audit_verification_compromised_entries",
			Help: "Compromised entry count from the most recent integrity check",
		},
	)

	// HTTP API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_api_requests_total",
			Help: "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(InvocationsTotal)
	prometheus.MustRegister(InvocationDuration)
	prometheus.MustRegister(InvocationsInFlight)
	prometheus.MustRegister(StoreOperationDuration)
	prometheus.MustRegister(StoreFallbackActive)
	prometheus.MustRegister(EgressDecisionsTotal)
	prometheus.MustRegister(EgressTunnelsActive)
	prometheus.MustRegister(ReaperStopsTotal)
	prometheus.MustRegister(ReaperCycleDuration)
	prometheus.MustRegister(AuditEntriesTotal)
	prometheus.MustRegister(AuditInsertFailuresTotal)
	prometheus.MustRegister(AuditVerificationFailures)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
