// Package metrics exposes the Prometheus registry used by the offline agent.
// All metrics are defined in their respective packages (agent, cache) via
// promauto to keep those packages self-contained.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the scrape handler for every registered metric.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Cache Store Metrics (pkg/cache):
//   - offline_cache_hits_total{backend} (Counter): Snapshot matches
//   - offline_cache_misses_total{backend} (Counter): Lookups that found nothing
//   - offline_cache_writes_total{backend} (Counter): Snapshots written
//   - offline_cache_generations_dropped_total{backend} (Counter): Generations deleted
//   - offline_cache_errors_total{backend, operation} (Counter): Store operation errors
//
// Request Metrics (pkg/agent):
//   - offline_agent_requests_total{class, source} (Counter): Intercepted requests
//     by class (dynamic, static) and source (hit, miss, offline, passthrough, none)
//   - offline_agent_request_duration_seconds{class} (Histogram): Handling time
//   - offline_agent_fetch_errors_total{class} (Counter): Failed fetches by error class
//   - offline_agent_detached_writes_total{result} (Counter): Fire-and-forget writes
//
// Lifecycle Metrics (pkg/agent):
//   - offline_agent_installs_total{result} (Counter): Install attempts
//   - offline_agent_cleanup_failures_total (Counter): Stale generations not deleted
//   - offline_agent_lifecycle_transitions_total{state} (Counter): Transitions by target state
//   - offline_agent_hook_events_total{kind, result} (Counter): Sync and push events
//
// Retry Metrics (pkg/agent, install only):
//   - offline_agent_retries_total{error_class} (Counter)
//   - offline_agent_retry_backoff_seconds{error_class} (Histogram)
//   - offline_agent_retry_exhausted_total{error_class} (Counter)
//
// Example Prometheus Queries:
//
//   # Share of requests answered without the network
//   sum(rate(offline_agent_requests_total{source=~"hit|offline"}[5m])) /
//   sum(rate(offline_agent_requests_total[5m]))
//
//   # Requests nothing could answer
//   rate(offline_agent_requests_total{source="none"}[5m])
//
//   # Failed installs
//   increase(offline_agent_installs_total{result="failure"}[1h])
//
//   # P95 handling latency for static assets
//   histogram_quantile(0.95, rate(offline_agent_request_duration_seconds_bucket{class="static"}[5m]))
