package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for agent operations.
var (
	agentRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_agent_requests_total",
		Help: "Total intercepted requests by class and response source",
	}, []string{"class", "source"}) // source: hit, miss, offline, passthrough, none

	agentRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_agent_request_duration_seconds",
		Help:    "Intercepted request duration in seconds by class",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"class"})

	agentFetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_agent_fetch_errors_total",
		Help: "Total failed network fetches by error class",
	}, []string{"class"})

	agentRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_agent_retries_total",
		Help: "Total number of pre-cache retry attempts by error class",
	}, []string{"error_class"})

	agentRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_agent_retry_backoff_seconds",
		Help:    "Backoff duration for pre-cache retries by error class",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"error_class"})

	agentRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_agent_retry_exhausted_total",
		Help: "Total number of times pre-cache retries were exhausted by error class",
	}, []string{"error_class"})

	agentInstallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_agent_installs_total",
		Help: "Total install attempts by result",
	}, []string{"result"}) // "success", "failure"

	agentCleanupFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_agent_cleanup_failures_total",
		Help: "Total generation deletions that failed during activation",
	})

	agentDetachedWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_agent_detached_writes_total",
		Help: "Total fire-and-forget cache writes by result",
	}, []string{"result"}) // "ok", "error", "skipped"

	agentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_agent_lifecycle_transitions_total",
		Help: "Total lifecycle transitions by target state",
	}, []string{"state"})

	agentHookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_agent_hook_events_total",
		Help: "Total sync and push events by kind and result",
	}, []string{"kind", "result"})
)
