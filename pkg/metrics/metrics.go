// Package metrics exposes the Prometheus metrics of the apigate packages.
// All metrics are defined in their respective packages (client, cache,
// ratelimit) and registered via promauto on the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by apigate.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Gate Metrics (pkg/ratelimit):
//   - apigate_gate_acquires_total{gate} (Counter): Granted acquisitions
//   - apigate_gate_wait_seconds{gate} (Histogram): Time spent waiting for tokens
//   - apigate_gate_tokens{gate} (Gauge): Token balance after the last acquisition
//   - apigate_gate_pauses_total{gate} (Counter): Pauses requested by feedback adjusters
//   - apigate_error_budget_remaining{api} (Gauge): Errors remaining in the API's error window
//   - apigate_error_budget_pauses_total{api, severity} (Counter): Gate pauses caused by the error budget
//
// Cache Metrics (pkg/cache):
//   - apigate_cache_hits_total{backend} (Counter): Cache hits by backend
//   - apigate_cache_misses_total{backend} (Counter): Cache misses by backend
//   - apigate_cache_stored_bytes_total{backend} (Counter): Bytes written
//   - apigate_cache_errors_total{operation} (Counter): Cache operation errors
//
// Request Metrics (pkg/client):
//   - apigate_requests_total{endpoint, method, status} (Counter): Upstream requests;
//     endpoint is the path template, "raw" for passthrough calls
//   - apigate_request_duration_seconds{endpoint} (Histogram): Request duration including gate waits
//   - apigate_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, unexpected)
//
// Proxy Metrics (cmd/apigate-proxy):
//   - apigate_proxy_requests_total{route, status} (Counter): Inbound requests
//   - apigate_proxy_rejected_total (Counter): Inbound requests rejected by the per-client limiter
//
// Example Prometheus Queries:
//
//	# Cache Hit Rate
//	sum(rate(apigate_cache_hits_total[5m])) /
//	(sum(rate(apigate_cache_hits_total[5m])) + sum(rate(apigate_cache_misses_total[5m])))
//
//	# Time spent waiting on the gate (P95)
//	histogram_quantile(0.95, rate(apigate_gate_wait_seconds_bucket[5m]))
//
//	# Error Budget Status
//	apigate_error_budget_remaining < 20
//
//	# Request Error Rate
//	rate(apigate_errors_total[5m])
