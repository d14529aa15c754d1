/*
Package metrics provides Prometheus metrics collection and exposition for
the gateway, plus the liveness/readiness HTTP handlers used by the ambient
health surface.

Metrics are declared as package-level vars and registered once in init(),
following the same declarative pattern across every component: a Gauge for
instantaneous counts (agents by state), a CounterVec for monotonic event
counts (invocations, egress decisions, audit entries), and a HistogramVec
for latency distributions (invocation duration, store operation latency).

# Categories

  - Registry: AgentsTotal by state.
  - Invocation engine: InvocationsTotal, InvocationDuration, InvocationsInFlight.
  - Job store: StoreOperationDuration, StoreFallbackActive.
  - Egress proxy: EgressDecisionsTotal, EgressTunnelsActive.
  - Lifecycle reaper: ReaperStopsTotal, ReaperCycleDuration.
  - Audit log: AuditEntriesTotal, AuditInsertFailuresTotal, AuditVerificationFailures.
  - HTTP API: APIRequestsTotal, APIRequestDuration.

# Usage

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDurationVec(metrics.InvocationDuration, agent, outcome)

# Health

RegisterComponent/UpdateComponent feed a small in-process health registry
consumed by the /health and /ready handlers; GetReadiness treats "store",
"hostadapter", and "api" as critical — readiness is "not_ready" while any of
the three is unregistered or its latest report is unhealthy.
*/
package metrics
